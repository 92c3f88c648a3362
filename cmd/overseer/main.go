package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/collab"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/conflict"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/directory"
	"github.com/nidhogg/overseer/internal/journal"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Overseer...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Initialize the journal. Without postgres the core runs fully
	// in-memory; persistence is best-effort by design.
	var store journal.Journal = journal.Nop{}
	var pg *journal.Postgres
	if cfg.Database.Postgres.DSN != "" {
		p, pgErr := journal.NewPostgres(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := p.Migrate(ctx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = p
			store = p
		}
	}
	writer := journal.NewWriter(store, 1024, logger)

	// Agent directory
	registry := directory.NewRegistry(logger)

	// Message bus
	var busOpts []bus.Option
	if cfg.Bus.MailboxSize > 0 {
		busOpts = append(busOpts, bus.WithMailboxSize(cfg.Bus.MailboxSize))
	}
	if cfg.Bus.SweepIntervalSeconds > 0 {
		busOpts = append(busOpts, bus.WithSweepInterval(config.Seconds(cfg.Bus.SweepIntervalSeconds)))
	}
	if cfg.Bus.HeartbeatIntervalSeconds > 0 {
		busOpts = append(busOpts, bus.WithHeartbeatInterval(config.Seconds(cfg.Bus.HeartbeatIntervalSeconds)))
	}
	b := bus.New(writer, logger, busOpts...)

	// Redis relay mirrors mailbox traffic for out-of-process executors
	var relay *bus.Relay
	if cfg.Database.Redis.URL != "" {
		r, relayErr := bus.NewRelay(cfg.Database.Redis.URL, logger)
		if relayErr != nil {
			logger.Warn("Redis unavailable, running without relay", zap.Error(relayErr))
		} else {
			relay = r
			b.AddTap(relay.Tap())
			logger.Info("Redis relay attached")
		}
	}

	// Task delegator
	var delOpts []delegate.Option
	if cfg.Delegate.MaxRetries > 0 {
		delOpts = append(delOpts, delegate.WithMaxRetries(cfg.Delegate.MaxRetries))
	}
	if cfg.Delegate.DependencyBackoffSeconds > 0 {
		delOpts = append(delOpts, delegate.WithDependencyBackoff(config.Seconds(cfg.Delegate.DependencyBackoffSeconds)))
	}
	if cfg.Delegate.AgentBackoffSeconds > 0 {
		delOpts = append(delOpts, delegate.WithAgentBackoff(config.Seconds(cfg.Delegate.AgentBackoffSeconds)))
	}
	del := delegate.New(b, registry, writer, logger, delOpts...)

	// Feed task outcomes back into the directory's performance history.
	b.AddTap(func(m *bus.Message) {
		if m.Type != bus.TypeStatusUpdate || m.SenderID != "task_delegator" {
			return
		}
		agentID, _ := m.Payload["agent_id"].(string)
		reported, _ := m.Payload["reported_status"].(string)
		if agentID == "" {
			return
		}
		if reported == "completed" || reported == "failed" {
			registry.RecordOutcome(agentID, reported)
		}
	})

	// Conflict resolver
	resOpts := []conflict.Option{}
	if cfg.Conflict.ConsensusTimeoutSeconds > 0 {
		resOpts = append(resOpts, conflict.WithConsensusTimeout(config.Seconds(cfg.Conflict.ConsensusTimeoutSeconds)))
	}
	if cfg.Conflict.AutoResolve {
		resOpts = append(resOpts, conflict.WithAutoResolve())
	}
	if len(cfg.Conflict.Rules) > 0 {
		rules := make([]conflict.Rule, 0, len(cfg.Conflict.Rules))
		for _, rc := range cfg.Conflict.Rules {
			rules = append(rules, conflict.Rule{
				Type:      conflict.Type(rc.ConflictType),
				Severity:  conflict.Severity(rc.Severity),
				MinAgents: rc.MinAgents,
				Strategy:  conflict.Strategy(rc.Strategy),
			})
		}
		resOpts = append(resOpts, conflict.WithRules(rules))
	}
	resolver := conflict.New(b, registry, writer, logger, resOpts...)

	// Collaboration engine
	var engOpts []collab.Option
	if cfg.Collab.TaskTimeoutSeconds > 0 {
		engOpts = append(engOpts, collab.WithTaskTimeout(config.Seconds(cfg.Collab.TaskTimeoutSeconds)))
	}
	if cfg.Collab.SessionTimeoutSeconds > 0 {
		engOpts = append(engOpts, collab.WithSessionTimeout(config.Seconds(cfg.Collab.SessionTimeoutSeconds)))
	}
	if cfg.Collab.JoinTimeoutSeconds > 0 {
		engOpts = append(engOpts, collab.WithJoinTimeout(config.Seconds(cfg.Collab.JoinTimeoutSeconds)))
	}
	engine := collab.New(b, del, writer, logger, engOpts...)

	b.Start(ctx)
	del.Start(ctx)
	engine.Start(ctx)
	logger.Info("Coordination core started")

	// Build HTTP handler
	handler := api.NewHandler(registry, b, del, engine, resolver, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Overseer...")
	srv.Shutdown(ctx)
	engine.Stop()
	del.Stop()
	b.Stop()
	if relay != nil {
		relay.Close()
	}
	writer.Close()
	if pg != nil {
		pg.Close()
	}
}
