package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Bus      BusConfig      `json:"bus"`
	Delegate DelegateConfig `json:"delegation"`
	Collab   CollabConfig   `json:"collaboration"`
	Conflict ConflictConfig `json:"conflict"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type BusConfig struct {
	MailboxSize              int     `json:"mailbox_size"`
	SweepIntervalSeconds     float64 `json:"sweep_interval_seconds"`
	HeartbeatIntervalSeconds float64 `json:"heartbeat_interval_seconds"`
}

type DelegateConfig struct {
	MaxRetries               int     `json:"max_retries"`
	DependencyBackoffSeconds float64 `json:"dependency_backoff_seconds"`
	AgentBackoffSeconds      float64 `json:"agent_backoff_seconds"`
}

type CollabConfig struct {
	TaskTimeoutSeconds    float64 `json:"task_timeout_seconds"`
	SessionTimeoutSeconds float64 `json:"session_timeout_seconds"`
	JoinTimeoutSeconds    float64 `json:"join_timeout_seconds"`
}

type ConflictConfig struct {
	ConsensusTimeoutSeconds float64      `json:"consensus_timeout_seconds"`
	AutoResolve             bool         `json:"auto_resolve"`
	Rules                   []RuleConfig `json:"rules,omitempty"`
}

type RuleConfig struct {
	ConflictType string `json:"conflict_type,omitempty"`
	Severity     string `json:"severity,omitempty"`
	MinAgents    int    `json:"min_agents,omitempty"`
	Strategy     string `json:"strategy"`
}

// Seconds converts a float seconds value to a duration, zero if unset.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
