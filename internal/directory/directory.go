package directory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is an agent's availability state.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// Info describes an agent as seen by the coordination core.
type Info struct {
	ID           string         `json:"id"`
	Category     string         `json:"category"`
	Capabilities []string       `json:"capabilities"`
	Status       Status         `json:"status"`
	TaskCount    int            `json:"task_count"`
	ErrorCount   int            `json:"error_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Record is one entry in an agent's performance history.
type Record struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter narrows an available-agent lookup.
type Filter struct {
	Capability  string
	Category    string
	IncludeBusy bool
}

// Directory is the read-mostly lookup service the coordination core consumes.
// The core never owns agent lifecycle; it only reads this data and requests
// status updates.
type Directory interface {
	AvailableAgents(ctx context.Context, f Filter) []string
	AgentInfo(ctx context.Context, id string) (Info, bool)
	PerformanceHistory(ctx context.Context, id string) []Record
	UpdateStatus(ctx context.Context, id string, status Status, metadata map[string]any) bool
}

const historyCap = 100

type entry struct {
	info    Info
	history []Record
}

// Registry is an in-memory Directory. It exists so the repo runs standalone
// and tests have a real implementation behind the interface.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger,
	}
}

// Register adds or replaces an agent. Status defaults to idle.
func (r *Registry) Register(info Info) {
	if info.Status == "" {
		info.Status = StatusIdle
	}
	r.mu.Lock()
	r.agents[info.ID] = &entry{info: info}
	r.mu.Unlock()
	r.logger.Info("agent registered",
		zap.String("agent", info.ID),
		zap.String("category", info.Category))
}

// Deregister removes an agent.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	return true
}

func (r *Registry) AvailableAgents(_ context.Context, f Filter) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, e := range r.agents {
		if e.info.Status == StatusError {
			continue
		}
		if e.info.Status == StatusBusy && !f.IncludeBusy {
			continue
		}
		if f.Category != "" && e.info.Category != f.Category {
			continue
		}
		if f.Capability != "" && !hasCapability(e.info.Capabilities, f.Capability) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (r *Registry) AgentInfo(_ context.Context, id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

func (r *Registry) PerformanceHistory(_ context.Context, id string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil
	}
	out := make([]Record, len(e.history))
	copy(out, e.history)
	return out
}

func (r *Registry) UpdateStatus(_ context.Context, id string, status Status, metadata map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return false
	}
	e.info.Status = status
	if metadata != nil {
		if e.info.Metadata == nil {
			e.info.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			e.info.Metadata[k] = v
		}
	}
	return true
}

// RecordOutcome appends a task outcome to an agent's performance history and
// bumps its counters. Called by adapters that observe task completion.
func (r *Registry) RecordOutcome(id, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return false
	}
	e.info.TaskCount++
	if status != "completed" {
		e.info.ErrorCount++
	}
	e.history = append(e.history, Record{Status: status, Timestamp: time.Now()})
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
	return true
}

// List returns a snapshot of every registered agent.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.info)
	}
	return out
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
