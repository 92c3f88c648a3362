package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/directory"
	"github.com/nidhogg/overseer/internal/journal"
	"go.uber.org/zap"
)

const (
	resolverSenderID = "conflict_resolver"

	defaultConsensusTimeout = 30 * time.Second

	// Exponential moving average weights for strategy effectiveness.
	emaKeep  = 0.8
	emaLearn = 0.2
)

// Stats is a snapshot of resolver counters.
type Stats struct {
	TotalConflicts        int                  `json:"total_conflicts"`
	ByType                map[Type]int         `json:"conflicts_by_type"`
	ByStatus              map[Status]int       `json:"conflicts_by_status"`
	StrategyEffectiveness map[Strategy]float64 `json:"strategy_effectiveness"`
}

// Resolver records conflicts between agents and resolves them by selecting
// and applying a strategy. Selection consults the rule table, then the
// built-in chain by conflict type and severity, then the historically most
// effective strategy; effectiveness feedback nudges an EMA score per
// strategy.
type Resolver struct {
	bus     *bus.Bus
	dir     directory.Directory
	journal *journal.Writer
	logger  *zap.Logger

	mu            sync.Mutex
	conflicts     map[string]*Conflict
	rules         []Rule
	effectiveness map[Strategy]float64

	consensusTimeout time.Duration
	autoResolve      bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConsensusTimeout bounds how long consensus resolution waits per agent.
func WithConsensusTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.consensusTimeout = d
		}
	}
}

// WithRules installs the initial strategy selection rule table.
func WithRules(rules []Rule) Option {
	return func(r *Resolver) {
		r.rules = append(r.rules, rules...)
	}
}

// WithAutoResolve makes Report trigger resolution in the background, so
// detected conflicts settle without an explicit Resolve call.
func WithAutoResolve() Option {
	return func(r *Resolver) {
		r.autoResolve = true
	}
}

// allStrategies fixes the tie-break order for effectiveness-based selection:
// with fresh scores everything ties at 0.5 and priority_based wins.
var allStrategies = []Strategy{
	StrategyPriority,
	StrategyFCFS,
	StrategySharing,
	StrategyConsensus,
	StrategyVoting,
	StrategyArbitration,
	StrategyNegotiation,
	StrategyEscalation,
}

// New creates a conflict resolver.
func New(b *bus.Bus, dir directory.Directory, j *journal.Writer, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		bus:              b,
		dir:              dir,
		journal:          j,
		logger:           logger,
		conflicts:        make(map[string]*Conflict),
		effectiveness:    make(map[Strategy]float64, len(allStrategies)),
		consensusTimeout: defaultConsensusTimeout,
	}
	for _, s := range allStrategies {
		r.effectiveness[s] = 0.5
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report registers a detected conflict and notifies the involved agents.
func (r *Resolver) Report(t Type, severity Severity, involved []string, description string,
	conflictContext map[string]any) string {

	c := &Conflict{
		ID:             uuid.New().String(),
		Type:           t,
		Severity:       severity,
		Status:         StatusDetected,
		InvolvedAgents: involved,
		Description:    description,
		Context:        conflictContext,
		DetectedAt:     time.Now().UTC(),
	}

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.mu.Unlock()

	r.journal.Create(journal.CollectionConflicts, c.ID, c.Doc())
	r.notify(c, map[string]any{
		"conflict_id":   c.ID,
		"conflict_type": string(t),
		"severity":      string(severity),
		"description":   description,
		"status":        string(StatusDetected),
	})

	r.logger.Info("conflict reported",
		zap.String("conflict", c.ID),
		zap.String("type", string(t)),
		zap.String("severity", string(severity)),
		zap.Strings("agents", involved))

	if r.autoResolve {
		go func() {
			if _, err := r.Resolve(context.Background(), c.ID); err != nil {
				r.logger.Warn("auto-resolution failed",
					zap.String("conflict", c.ID), zap.Error(err))
			}
		}()
	}
	return c.ID
}

// Resolve selects and applies a strategy. It returns the resolution or an
// error for unknown or already-settled conflicts. An escalation strategy
// leaves the conflict escalated rather than resolved.
func (r *Resolver) Resolve(ctx context.Context, conflictID string) (*Resolution, error) {
	r.mu.Lock()
	c, ok := r.conflicts[conflictID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("conflict %s not found", conflictID)
	}
	if c.Status == StatusResolved || c.Status == StatusEscalated {
		r.mu.Unlock()
		return nil, fmt.Errorf("conflict %s already settled (%s)", conflictID, c.Status)
	}
	c.Status = StatusResolving
	strategy := r.selectStrategyLocked(c)
	snapshot := c.clone()
	r.mu.Unlock()

	decision, confidence := r.apply(ctx, strategy, snapshot)

	res := &Resolution{
		Strategy:   strategy,
		Decision:   decision,
		Confidence: confidence,
		ResolvedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	c.Resolution = res
	if strategy == StrategyEscalation {
		c.Status = StatusEscalated
	} else {
		c.Status = StatusResolved
	}
	old := r.effectiveness[strategy]
	r.effectiveness[strategy] = emaKeep*old + emaLearn*confidence
	doc := c.Doc()
	status := c.Status
	r.mu.Unlock()

	r.journal.Update(journal.CollectionConflicts, conflictID, doc)
	r.notify(snapshot, map[string]any{
		"conflict_id": conflictID,
		"status":      string(status),
		"strategy":    string(strategy),
		"decision":    decision,
		"confidence":  confidence,
	})

	r.logger.Info("conflict settled",
		zap.String("conflict", conflictID),
		zap.String("strategy", string(strategy)),
		zap.String("status", string(status)),
		zap.Float64("confidence", confidence))
	return res, nil
}

// RecordOutcome feeds an observed effectiveness score (0..1) for a resolved
// conflict back into its strategy's EMA.
func (r *Resolver) RecordOutcome(conflictID string, observed float64) bool {
	if observed < 0 {
		observed = 0
	} else if observed > 1 {
		observed = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[conflictID]
	if !ok || c.Resolution == nil {
		return false
	}
	s := c.Resolution.Strategy
	r.effectiveness[s] = emaKeep*r.effectiveness[s] + emaLearn*observed
	return true
}

// AddRule appends a strategy selection rule. Rules beat per-type defaults.
func (r *Resolver) AddRule(rule Rule) {
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	r.mu.Unlock()
}

// Conflict returns a snapshot of a conflict record.
func (r *Resolver) Conflict(conflictID string) (*Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[conflictID]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// ActiveConflicts returns snapshots of conflicts not yet settled.
func (r *Resolver) ActiveConflicts() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conflict
	for _, c := range r.conflicts {
		if c.Status == StatusDetected || c.Status == StatusResolving {
			out = append(out, c.clone())
		}
	}
	return out
}

// History returns journaled conflict records, newest first.
func (r *Resolver) History(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.journal.Recent(ctx, journal.CollectionConflicts, limit)
}

// Stats returns a snapshot of resolver counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		TotalConflicts:        len(r.conflicts),
		ByType:                make(map[Type]int),
		ByStatus:              make(map[Status]int),
		StrategyEffectiveness: make(map[Strategy]float64, len(r.effectiveness)),
	}
	for _, c := range r.conflicts {
		s.ByType[c.Type]++
		s.ByStatus[c.Status]++
	}
	for k, v := range r.effectiveness {
		s.StrategyEffectiveness[k] = v
	}
	return s
}

// selectStrategyLocked picks the strategy for a conflict: the rule table is
// consulted first, then the built-in selection chain, then critical severity
// forces arbitration, and everything left falls to the historically most
// effective strategy.
func (r *Resolver) selectStrategyLocked(c *Conflict) Strategy {
	for _, rule := range r.rules {
		if rule.matches(c) {
			return rule.Strategy
		}
	}

	switch c.Type {
	case TypeResource:
		if shareable, _ := c.Context["shareable"].(bool); shareable {
			return StrategySharing
		}
		return StrategyPriority
	case TypeTaskAssignment:
		return StrategyPriority
	case TypeRecommendation:
		if len(c.InvolvedAgents) <= 3 {
			return StrategyConsensus
		}
		return StrategyVoting
	case TypeScheduling:
		return StrategyFCFS
	}

	if c.Severity == SeverityCritical {
		return StrategyArbitration
	}
	return r.bestStrategyLocked()
}

// bestStrategyLocked returns the strategy with the highest effectiveness
// score, walking allStrategies so ties resolve deterministically.
func (r *Resolver) bestStrategyLocked() Strategy {
	best := allStrategies[0]
	for _, s := range allStrategies[1:] {
		if r.effectiveness[s] > r.effectiveness[best] {
			best = s
		}
	}
	return best
}

func (r *Resolver) notify(c *Conflict, payload map[string]any) {
	for _, agentID := range c.InvolvedAgents {
		r.bus.Send(bus.NewMessage(resolverSenderID, agentID, bus.TypeConflictNotification,
			severityPriority(c.Severity), payload))
	}
}

func severityPriority(s Severity) bus.Priority {
	switch s {
	case SeverityCritical:
		return bus.PriorityUrgent
	case SeverityHigh:
		return bus.PriorityHigh
	case SeverityLow:
		return bus.PriorityLow
	}
	return bus.PriorityNormal
}
