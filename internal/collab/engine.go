package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/journal"
	"go.uber.org/zap"
)

const (
	engineSenderID = "collaboration_engine"

	defaultTaskTimeout        = 5 * time.Minute
	defaultPlanningTimeout    = 5 * time.Minute
	defaultCoordinatorTimeout = 3 * time.Minute
	defaultJoinTimeout        = 30 * time.Second
	defaultSessionTimeout     = time.Hour
	defaultMonitorInterval    = time.Minute
)

// Stats is a snapshot of engine counters.
type Stats struct {
	TotalSessions      int             `json:"total_sessions"`
	ByPattern          map[Pattern]int `json:"sessions_by_pattern"`
	ByStatus           map[Status]int  `json:"sessions_by_status"`
	ActiveSessions     int             `json:"active_sessions"`
	AvgDurationSeconds float64         `json:"avg_duration_seconds"`
	Participation      map[string]int  `json:"participation_by_agent"`
}

// Engine runs collaboration sessions over the delegator and the bus. Each
// started session runs in its own goroutine under a per-session context;
// cancelling a session cascades to every task it spawned.
type Engine struct {
	bus     *bus.Bus
	del     *delegate.Delegator
	journal *journal.Writer
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc

	taskTimeout        time.Duration
	planningTimeout    time.Duration
	coordinatorTimeout time.Duration
	joinTimeout        time.Duration
	sessionTimeout     time.Duration
	monitorInterval    time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithTaskTimeout bounds each collaboration step.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithSessionTimeout bounds a whole session before the monitor fails it.
func WithSessionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sessionTimeout = d
		}
	}
}

// WithMonitorInterval sets the stuck-session sweep cadence.
func WithMonitorInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.monitorInterval = d
		}
	}
}

// WithJoinTimeout bounds how long peer-to-peer recruitment waits per agent.
func WithJoinTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.joinTimeout = d
		}
	}
}

// WithCoordinatorTimeout bounds hierarchical planning and aggregation steps.
func WithCoordinatorTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.coordinatorTimeout = d
			e.planningTimeout = d
		}
	}
}

// New creates a collaboration engine. Call Start to launch the monitor.
func New(b *bus.Bus, del *delegate.Delegator, j *journal.Writer, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		bus:                b,
		del:                del,
		journal:            j,
		logger:             logger,
		sessions:           make(map[string]*Session),
		cancels:            make(map[string]context.CancelFunc),
		taskTimeout:        defaultTaskTimeout,
		planningTimeout:    defaultPlanningTimeout,
		coordinatorTimeout: defaultCoordinatorTimeout,
		joinTimeout:        defaultJoinTimeout,
		sessionTimeout:     defaultSessionTimeout,
		monitorInterval:    defaultMonitorInterval,
		baseCtx:            context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the session monitor. Sessions started later inherit ctx.
func (e *Engine) Start(ctx context.Context) {
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.monitorLoop(e.baseCtx)
	e.logger.Info("collaboration engine started")
}

// Stop cancels the monitor and every running session.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("collaboration engine stopped")
}

// CreateSession registers a pending session. The hierarchical pattern needs
// at least two participants (a coordinator plus workers); every other
// pattern needs at least one.
func (e *Engine) CreateSession(initiatorID string, pattern Pattern, objective string,
	participants []string, sessionContext map[string]any) (string, error) {

	if !validPattern(pattern) {
		return "", fmt.Errorf("unknown collaboration pattern %q", pattern)
	}
	if len(participants) == 0 {
		return "", fmt.Errorf("session needs at least one participant")
	}
	if pattern == PatternHierarchical && len(participants) < 2 {
		return "", fmt.Errorf("hierarchical session needs a coordinator and at least one worker")
	}

	s := &Session{
		ID:           uuid.New().String(),
		Pattern:      pattern,
		InitiatorID:  initiatorID,
		Participants: participants,
		Objective:    objective,
		Status:       StatusPlanning,
		CreatedAt:    time.Now().UTC(),
		Context:      sessionContext,
		Results:      make(map[string]any),
	}

	e.mu.Lock()
	e.sessions[s.ID] = s
	snapshot := s.clone()
	e.mu.Unlock()

	e.journal.Create(journal.CollectionSessions, s.ID, s.Doc())
	e.notifyParticipants(snapshot, "invitation")
	e.logger.Info("session created",
		zap.String("session", s.ID),
		zap.String("pattern", string(pattern)),
		zap.Strings("participants", participants))
	return s.ID, nil
}

// JoinCollaboration adds an agent to a session that has not started yet.
// Joining an active or settled session is rejected.
func (e *Engine) JoinCollaboration(sessionID, agentID string) bool {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok || s.Status != StatusPlanning {
		e.mu.Unlock()
		return false
	}
	for _, p := range s.Participants {
		if p == agentID {
			e.mu.Unlock()
			return false
		}
	}
	s.Participants = append(s.Participants, agentID)
	snapshot := s.clone()
	e.mu.Unlock()

	e.journal.Update(journal.CollectionSessions, sessionID, snapshot.Doc())
	e.logger.Info("agent joined session",
		zap.String("session", sessionID),
		zap.String("agent", agentID))
	return true
}

// StartSession moves a planning session to active and runs its pattern in
// the background.
func (e *Engine) StartSession(sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}
	if s.Status != StatusPlanning {
		e.mu.Unlock()
		return fmt.Errorf("session %s is %s, not planning", sessionID, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StatusActive
	s.StartedAt = &now

	ctx, cancel := context.WithCancel(e.baseCtx)
	e.cancels[sessionID] = cancel
	snapshot := s.clone()
	e.mu.Unlock()

	e.journal.Update(journal.CollectionSessions, sessionID, snapshot.Doc())
	e.notifyParticipants(snapshot, "session_started")

	e.wg.Add(1)
	go e.runSession(ctx, sessionID, snapshot)

	e.logger.Info("session started",
		zap.String("session", sessionID),
		zap.String("pattern", string(snapshot.Pattern)))
	return nil
}

// CancelSession cancels a session and every task it spawned. Cancelling a
// terminal session is a no-op.
func (e *Engine) CancelSession(sessionID, reason string) bool {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok || terminal(s.Status) {
		e.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	s.Status = StatusCancelled
	s.CompletedAt = &now
	s.Error = reason
	if cancel, ok := e.cancels[sessionID]; ok {
		cancel()
		delete(e.cancels, sessionID)
	}
	taskIDs := append([]string(nil), s.TaskIDs...)
	snapshot := s.clone()
	e.mu.Unlock()

	for _, taskID := range taskIDs {
		e.del.Cancel(taskID, "session "+sessionID+" cancelled")
	}
	e.journal.Update(journal.CollectionSessions, sessionID, snapshot.Doc())
	e.notifyParticipants(snapshot, "session_cancelled")

	e.logger.Info("session cancelled",
		zap.String("session", sessionID),
		zap.String("reason", reason))
	return true
}

// PauseSession moves an active session to paused. The executor keeps its
// in-flight step; participants are told to hold further work.
func (e *Engine) PauseSession(sessionID string) bool {
	return e.shiftStatus(sessionID, StatusActive, StatusPaused, "session_paused")
}

// ResumeSession moves a paused session back to active.
func (e *Engine) ResumeSession(sessionID string) bool {
	return e.shiftStatus(sessionID, StatusPaused, StatusActive, "session_resumed")
}

func (e *Engine) shiftStatus(sessionID string, from, to Status, event string) bool {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok || s.Status != from {
		e.mu.Unlock()
		return false
	}
	s.Status = to
	snapshot := s.clone()
	e.mu.Unlock()

	e.journal.Update(journal.CollectionSessions, sessionID, snapshot.Doc())
	e.notifyParticipants(snapshot, event)
	e.logger.Info("session status changed",
		zap.String("session", sessionID),
		zap.String("status", string(to)))
	return true
}

// Session returns a snapshot of a session record.
func (e *Engine) Session(sessionID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ActiveSessions returns snapshots of every non-terminal session.
func (e *Engine) ActiveSessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Session
	for _, s := range e.sessions {
		if !terminal(s.Status) {
			out = append(out, s.clone())
		}
	}
	return out
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		TotalSessions: len(e.sessions),
		ByPattern:     make(map[Pattern]int),
		ByStatus:      make(map[Status]int),
		Participation: make(map[string]int),
	}
	var totalDuration time.Duration
	finished := 0
	for _, s := range e.sessions {
		st.ByPattern[s.Pattern]++
		st.ByStatus[s.Status]++
		if s.Status == StatusActive {
			st.ActiveSessions++
		}
		for _, p := range s.Participants {
			st.Participation[p]++
		}
		if s.StartedAt != nil && s.CompletedAt != nil {
			totalDuration += s.CompletedAt.Sub(*s.StartedAt)
			finished++
		}
	}
	if finished > 0 {
		st.AvgDurationSeconds = totalDuration.Seconds() / float64(finished)
	}
	return st
}

// History returns journaled session records, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.journal.Recent(ctx, journal.CollectionSessions, limit)
}

func (e *Engine) runSession(ctx context.Context, sessionID string, snapshot *Session) {
	defer e.wg.Done()

	var results map[string]any
	var err error
	switch snapshot.Pattern {
	case PatternSequential:
		results, err = e.runSequential(ctx, snapshot)
	case PatternParallel:
		results, err = e.runParallel(ctx, snapshot)
	case PatternHierarchical:
		results, err = e.runHierarchical(ctx, snapshot)
	case PatternPeerToPeer:
		results, err = e.runPeerToPeer(ctx, snapshot)
	case PatternPipeline:
		results, err = e.runPipeline(ctx, snapshot)
	}

	if err != nil {
		e.failSession(sessionID, results, err)
		return
	}
	e.completeSession(sessionID, results)
}

func (e *Engine) completeSession(sessionID string, results map[string]any) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok || terminal(s.Status) {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	mergeResults(s, results)
	delete(e.cancels, sessionID)
	snapshot := s.clone()
	e.mu.Unlock()

	e.journal.Update(journal.CollectionSessions, sessionID, snapshot.Doc())
	e.notifyParticipants(snapshot, "session_completed")
	e.logger.Info("session completed", zap.String("session", sessionID))
}

// failSession marks the session failed, keeps whatever partial results the
// pattern produced, and cancels the session's outstanding tasks.
func (e *Engine) failSession(sessionID string, partial map[string]any, cause error) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok || terminal(s.Status) {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.Status = StatusFailed
	s.CompletedAt = &now
	s.Error = cause.Error()
	mergeResults(s, partial)
	if cancel, ok := e.cancels[sessionID]; ok {
		cancel()
		delete(e.cancels, sessionID)
	}
	taskIDs := append([]string(nil), s.TaskIDs...)
	snapshot := s.clone()
	e.mu.Unlock()

	for _, taskID := range taskIDs {
		e.del.Cancel(taskID, "session "+sessionID+" failed")
	}
	e.journal.Update(journal.CollectionSessions, sessionID, snapshot.Doc())
	e.notifyParticipants(snapshot, "session_failed")
	e.logger.Warn("session failed",
		zap.String("session", sessionID),
		zap.Error(cause))
}

// trackTask records a spawned task against its session so cancellation and
// failure can cascade to it.
func (e *Engine) trackTask(sessionID, taskID string) {
	if taskID == "" {
		return
	}
	e.mu.Lock()
	if s, ok := e.sessions[sessionID]; ok {
		s.TaskIDs = append(s.TaskIDs, taskID)
	}
	e.mu.Unlock()
}

func (e *Engine) notifyParticipants(s *Session, event string) {
	payload := map[string]any{
		"event":      event,
		"session_id": s.ID,
		"pattern":    string(s.Pattern),
		"objective":  s.Objective,
		"status":     string(s.Status),
	}
	for _, agentID := range s.Participants {
		e.bus.Send(bus.NewMessage(engineSenderID, agentID, bus.TypeCollaborationRequest,
			bus.PriorityNormal, payload))
	}
}

// monitorLoop cancels sessions that outlive their budget: active sessions
// past their max duration, and planning sessions that were never started.
func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepStuckSessions()
		}
	}
}

func (e *Engine) sweepStuckSessions() {
	now := time.Now().UTC()
	type stuck struct {
		id     string
		reason string
	}
	var overdue []stuck

	e.mu.Lock()
	for id, s := range e.sessions {
		switch s.Status {
		case StatusActive:
			limit := e.sessionTimeout
			if raw, ok := s.Context["max_duration_seconds"].(float64); ok && raw > 0 {
				limit = time.Duration(raw * float64(time.Second))
			}
			if s.StartedAt != nil && now.Sub(*s.StartedAt) > limit {
				overdue = append(overdue, stuck{id, fmt.Sprintf("session exceeded max duration %s", limit)})
			}
		case StatusPlanning:
			if now.Sub(s.CreatedAt) > e.planningTimeout {
				overdue = append(overdue, stuck{id, fmt.Sprintf("session not started within %s", e.planningTimeout)})
			}
		}
	}
	e.mu.Unlock()

	for _, s := range overdue {
		e.logger.Warn("cancelling stuck session",
			zap.String("session", s.id),
			zap.String("reason", s.reason))
		e.CancelSession(s.id, s.reason)
	}
}

func mergeResults(s *Session, results map[string]any) {
	if s.Results == nil {
		s.Results = make(map[string]any, len(results))
	}
	for k, v := range results {
		s.Results[k] = v
	}
}
