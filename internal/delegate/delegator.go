package delegate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/directory"
	"github.com/nidhogg/overseer/internal/journal"
	"go.uber.org/zap"
)

const (
	delegatorSenderID = "task_delegator"

	defaultMaxRetries        = 3
	defaultDependencyBackoff = 5 * time.Second
	defaultAgentBackoff      = 10 * time.Second
)

// Stats is a snapshot of delegation counters.
type Stats struct {
	TotalTasks           int              `json:"total_tasks"`
	StatusDistribution   map[Status]int   `json:"status_distribution"`
	PriorityDistribution map[Priority]int `json:"priority_distribution"`
	AgentWorkloads       map[string]int   `json:"agent_workloads"`
	QueueDepth           int              `json:"queue_depth"`
	AvgCompletionSeconds float64          `json:"average_completion_time_seconds"`
	TotalAssignments     int              `json:"total_assignments"`
}

// Delegator accepts task submissions, selects agents, tracks execution to a
// terminal state, retries failures, and enforces deadlines. All task records
// are owned here; agents only report status through UpdateStatus.
type Delegator struct {
	bus     *bus.Bus
	dir     directory.Directory
	journal *journal.Writer
	logger  *zap.Logger

	mu          sync.Mutex
	tasks       map[string]*Task
	workloads   map[string]int
	done        map[string]chan struct{}
	watchers    map[string]*time.Timer
	assignments int

	queue        *queue
	maxRetries   int
	depBackoff   time.Duration
	agentBackoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Delegator.
type Option func(*Delegator)

// WithMaxRetries sets the default retry budget for new tasks.
func WithMaxRetries(n int) Option {
	return func(d *Delegator) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithDependencyBackoff sets the requeue delay for dependency-gated tasks.
func WithDependencyBackoff(t time.Duration) Option {
	return func(d *Delegator) {
		if t > 0 {
			d.depBackoff = t
		}
	}
}

// WithAgentBackoff sets the requeue delay when no suitable agent exists.
func WithAgentBackoff(t time.Duration) Option {
	return func(d *Delegator) {
		if t > 0 {
			d.agentBackoff = t
		}
	}
}

// New creates a delegator. Call Start to launch the queue processor.
func New(b *bus.Bus, dir directory.Directory, j *journal.Writer, logger *zap.Logger, opts ...Option) *Delegator {
	d := &Delegator{
		bus:          b,
		dir:          dir,
		journal:      j,
		logger:       logger,
		tasks:        make(map[string]*Task),
		workloads:    make(map[string]int),
		done:         make(map[string]chan struct{}),
		watchers:     make(map[string]*time.Timer),
		queue:        newQueue(),
		maxRetries:   defaultMaxRetries,
		depBackoff:   defaultDependencyBackoff,
		agentBackoff: defaultAgentBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the background queue processor.
func (d *Delegator) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.processLoop(ctx)
	d.logger.Info("task delegator started")
}

// Stop cancels the queue processor and all deadline watchers.
func (d *Delegator) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	for id, timer := range d.watchers {
		timer.Stop()
		delete(d.watchers, id)
	}
	d.mu.Unlock()
	d.logger.Info("task delegator stopped")
}

// Submit registers a new pending task and enqueues it for assignment.
func (d *Delegator) Submit(requesterID, taskType, description string, req Requirements,
	priority Priority, deadline *time.Time, dependencies []string) string {

	task := &Task{
		ID:           uuid.New().String(),
		RequesterID:  requesterID,
		TaskType:     taskType,
		Description:  description,
		Requirements: req,
		Priority:     priority,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		Deadline:     deadline,
		MaxRetries:   d.maxRetries,
		Dependencies: dependencies,
	}

	d.mu.Lock()
	d.tasks[task.ID] = task
	d.done[task.ID] = make(chan struct{})
	d.mu.Unlock()

	d.journal.Create(journal.CollectionTasks, task.ID, task.Doc())
	d.queue.push(task.ID, task.Priority.rank(), 0)

	d.logger.Info("task submitted",
		zap.String("task", task.ID),
		zap.String("requester", requesterID),
		zap.String("priority", string(priority)))
	return task.ID
}

// SubmitTo registers a task bound to a named agent and assigns it
// immediately, bypassing the queue. Collaboration patterns use this for
// steps addressed to specific participants; such tasks are not retried on
// another agent, so a failure is terminal. Returns the task id and whether
// assignment (including message delivery) succeeded; on false the caller
// decides whether to cancel the still-pending task.
func (d *Delegator) SubmitTo(ctx context.Context, requesterID, agentID, taskType, description string,
	req Requirements, priority Priority, deadline *time.Time) (string, bool) {

	task := &Task{
		ID:           uuid.New().String(),
		RequesterID:  requesterID,
		TaskType:     taskType,
		Description:  description,
		Requirements: req,
		Priority:     priority,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		Deadline:     deadline,
		MaxRetries:   0,
	}

	d.mu.Lock()
	d.tasks[task.ID] = task
	d.done[task.ID] = make(chan struct{})
	d.mu.Unlock()

	d.journal.Create(journal.CollectionTasks, task.ID, task.Doc())
	ok := d.Assign(ctx, task.ID, agentID, true)
	return task.ID, ok
}

// Assign binds an agent to a task and sends it a task_request. Without
// force, it refuses tasks that already have an assignee and agents the
// directory does not report as available. A send failure rolls the task back
// to pending.
func (d *Delegator) Assign(ctx context.Context, taskID, agentID string, force bool) bool {
	if !force && !d.agentAvailable(ctx, agentID) {
		d.logger.Warn("agent not available for assignment",
			zap.String("task", taskID),
			zap.String("agent", agentID))
		return false
	}

	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		d.logger.Warn("assign: task not found", zap.String("task", taskID))
		return false
	}
	if task.terminal() {
		d.mu.Unlock()
		return false
	}
	if task.AssignedAgentID != "" && !force {
		d.mu.Unlock()
		d.logger.Warn("task already assigned",
			zap.String("task", taskID),
			zap.String("agent", task.AssignedAgentID))
		return false
	}

	// A forced reassign takes the task away from its current assignee:
	// free its workload slot and tell it to drop the work.
	prev := task.AssignedAgentID
	if prev != "" && d.workloads[prev] > 0 {
		d.workloads[prev]--
	}

	now := time.Now().UTC()
	task.AssignedAgentID = agentID
	task.AssignedAt = &now
	task.Status = StatusAssigned
	d.workloads[agentID]++
	d.assignments++
	snapshot := task.clone()
	d.mu.Unlock()

	if prev != "" && prev != agentID {
		d.bus.Send(bus.NewMessage(delegatorSenderID, prev, bus.TypeStatusUpdate, bus.PriorityNormal,
			map[string]any{
				"task_id": taskID,
				"status":  string(StatusCancelled),
				"reason":  "task reassigned",
			}))
	}

	if !d.sendTaskRequest(snapshot) {
		d.mu.Lock()
		task.AssignedAgentID = ""
		task.AssignedAt = nil
		task.Status = StatusPending
		if d.workloads[agentID] > 0 {
			d.workloads[agentID]--
		}
		d.mu.Unlock()
		return false
	}

	d.journal.Update(journal.CollectionTasks, taskID, snapshot.Doc())
	if snapshot.Deadline != nil {
		d.startWatcher(taskID, *snapshot.Deadline)
	}
	d.logger.Info("task assigned",
		zap.String("task", taskID),
		zap.String("agent", agentID))
	return true
}

// UpdateStatus applies an agent-reported status change. Terminal tasks are
// never mutated; a failed report inside the retry budget resets the task to
// pending and requeues it.
func (d *Delegator) UpdateStatus(taskID string, status Status, result map[string]any, errMsg string) bool {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if task.terminal() {
		d.mu.Unlock()
		return false
	}

	old := task.Status
	agentID := task.AssignedAgentID
	retried := false
	now := time.Now().UTC()

	switch status {
	case StatusInProgress:
		if task.Status != StatusAssigned && task.Status != StatusInProgress {
			d.mu.Unlock()
			return false
		}
		task.Status = StatusInProgress
		if task.StartedAt == nil {
			task.StartedAt = &now
		}

	case StatusCompleted:
		if task.Status != StatusAssigned && task.Status != StatusInProgress {
			d.mu.Unlock()
			return false
		}
		task.Status = StatusCompleted
		task.CompletedAt = &now
		task.Result = result
		d.releaseLocked(task)
		d.finishLocked(taskID)

	case StatusFailed:
		// A stale deadline watcher can fire after a retry already put the
		// task back on the queue; only an armed attempt may fail.
		if task.Status != StatusAssigned && task.Status != StatusInProgress {
			d.mu.Unlock()
			return false
		}
		task.RetryCount++
		task.ErrorMessage = errMsg
		d.releaseLocked(task)
		d.stopWatcherLocked(taskID)
		if task.RetryCount <= task.MaxRetries {
			task.AssignedAgentID = ""
			task.AssignedAt = nil
			task.StartedAt = nil
			task.Status = StatusPending
			retried = true
		} else {
			task.Status = StatusFailed
			if ch, ok := d.done[taskID]; ok {
				close(ch)
			}
		}

	default:
		d.mu.Unlock()
		return false
	}

	snapshot := task.clone()
	requester := task.RequesterID
	retryCount := task.RetryCount
	maxRetries := task.MaxRetries
	d.mu.Unlock()

	d.journal.Update(journal.CollectionTasks, taskID, snapshot.Doc())
	d.notifyStatusChange(requester, taskID, agentID, status, old, snapshot.Status, result, errMsg)

	if retried {
		d.queue.push(taskID, snapshot.Priority.rank(), 0)
		d.logger.Info("retrying task",
			zap.String("task", taskID),
			zap.Int("attempt", retryCount),
			zap.Int("max_retries", maxRetries))
	}

	d.logger.Info("task status updated",
		zap.String("task", taskID),
		zap.String("from", string(old)),
		zap.String("to", string(snapshot.Status)))
	return true
}

// Cancel marks a task cancelled, releases its resources, and notifies the
// assigned agent. Cancelling a terminal task is a no-op.
func (d *Delegator) Cancel(taskID, reason string) bool {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if task.terminal() {
		d.mu.Unlock()
		return false
	}

	d.stopWatcherLocked(taskID)
	task.Status = StatusCancelled
	task.ErrorMessage = reason
	agentID := task.AssignedAgentID
	d.releaseLocked(task)
	if ch, ok := d.done[taskID]; ok {
		close(ch)
	}
	snapshot := task.clone()
	d.mu.Unlock()

	d.journal.Update(journal.CollectionTasks, taskID, snapshot.Doc())
	if agentID != "" {
		d.bus.Send(bus.NewMessage(delegatorSenderID, agentID, bus.TypeStatusUpdate, bus.PriorityNormal,
			map[string]any{
				"task_id": taskID,
				"status":  string(StatusCancelled),
				"reason":  reason,
			}))
	}
	d.logger.Info("task cancelled",
		zap.String("task", taskID),
		zap.String("reason", reason))
	return true
}

// Task returns a snapshot of a task record.
func (d *Delegator) Task(taskID string) (*Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.clone(), true
}

// WaitTerminal blocks until the task reaches a terminal state, then returns
// that state. The second return is false on timeout, cancellation, or an
// unknown task. Callers without access to the in-process signal (a separate
// deployment, say) can poll Task instead.
func (d *Delegator) WaitTerminal(ctx context.Context, taskID string, timeout time.Duration) (Status, bool) {
	d.mu.Lock()
	ch, ok := d.done[taskID]
	d.mu.Unlock()
	if !ok {
		return "", false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		task, ok := d.Task(taskID)
		if !ok {
			return "", false
		}
		return task.Status, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// AgentTasks returns snapshots of every task assigned to an agent.
func (d *Delegator) AgentTasks(agentID string) []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Task
	for _, t := range d.tasks {
		if t.AssignedAgentID == agentID {
			out = append(out, t.clone())
		}
	}
	return out
}

// PendingTasks returns snapshots of every pending task.
func (d *Delegator) PendingTasks() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Task
	for _, t := range d.tasks {
		if t.Status == StatusPending {
			out = append(out, t.clone())
		}
	}
	return out
}

// Stats returns a snapshot of delegation counters.
func (d *Delegator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		TotalTasks:           len(d.tasks),
		StatusDistribution:   make(map[Status]int),
		PriorityDistribution: make(map[Priority]int),
		AgentWorkloads:       make(map[string]int, len(d.workloads)),
		QueueDepth:           d.queue.len(),
		TotalAssignments:     d.assignments,
	}
	var totalSecs float64
	completed := 0
	for _, t := range d.tasks {
		s.StatusDistribution[t.Status]++
		s.PriorityDistribution[t.Priority]++
		if t.Status == StatusCompleted && t.CompletedAt != nil {
			totalSecs += t.CompletedAt.Sub(t.CreatedAt).Seconds()
			completed++
		}
	}
	if completed > 0 {
		s.AvgCompletionSeconds = totalSecs / float64(completed)
	}
	for k, v := range d.workloads {
		s.AgentWorkloads[k] = v
	}
	return s
}

// processLoop dequeues the highest-priority ready task and assigns it. A
// task gated on dependencies or lacking a suitable agent is requeued after a
// backoff; one unassignable task never blocks the queue.
func (d *Delegator) processLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		taskID, seq, ok := d.queue.waitPop(ctx)
		if !ok {
			return
		}

		d.mu.Lock()
		task, exists := d.tasks[taskID]
		if !exists || task.Status != StatusPending {
			d.mu.Unlock()
			continue
		}
		ready := d.depsReadyLocked(task)
		snapshot := task.clone()
		d.mu.Unlock()

		if !ready {
			d.requeueAfter(taskID, snapshot.Priority, seq, d.depBackoff)
			continue
		}

		agentID := d.findAgent(ctx, snapshot)
		if agentID == "" {
			d.requeueAfter(taskID, snapshot.Priority, seq, d.agentBackoff)
			continue
		}

		if !d.Assign(ctx, taskID, agentID, false) {
			d.requeueAfter(taskID, snapshot.Priority, seq, d.agentBackoff)
		}
	}
}

func (d *Delegator) findAgent(ctx context.Context, task *Task) string {
	candidates := d.dir.AvailableAgents(ctx, directory.Filter{
		Capability: task.Requirements.Capability,
		Category:   task.Requirements.Category,
	})
	return d.pickAgent(ctx, task, candidates)
}

func (d *Delegator) agentAvailable(ctx context.Context, agentID string) bool {
	for _, id := range d.dir.AvailableAgents(ctx, directory.Filter{}) {
		if id == agentID {
			return true
		}
	}
	return false
}

func (d *Delegator) requeueAfter(taskID string, p Priority, seq uint64, delay time.Duration) {
	time.AfterFunc(delay, func() {
		d.queue.push(taskID, p.rank(), seq)
	})
}

// depsReadyLocked reports whether every known dependency has completed.
// Unknown dependency ids are treated as satisfied.
func (d *Delegator) depsReadyLocked(task *Task) bool {
	for _, depID := range task.Dependencies {
		if dep, ok := d.tasks[depID]; ok && dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (d *Delegator) sendTaskRequest(task *Task) bool {
	var deadline any
	if task.Deadline != nil {
		deadline = task.Deadline.Format(time.RFC3339Nano)
	}
	msg := bus.NewMessage(delegatorSenderID, task.AssignedAgentID, bus.TypeTaskRequest,
		bus.Priority(string(task.Priority)), map[string]any{
			"task_id":      task.ID,
			"task_type":    task.TaskType,
			"description":  task.Description,
			"requirements": task.Requirements,
			"priority":     string(task.Priority),
			"deadline":     deadline,
		})
	msg.RequiresResponse = true
	return d.bus.Send(msg)
}

// notifyStatusChange tells the requester what happened. reported is the
// status the agent claimed; "new_status" is what the task actually became
// (a failed report inside the retry budget lands back on pending).
func (d *Delegator) notifyStatusChange(requesterID, taskID, agentID string, reported, from, to Status,
	result map[string]any, errMsg string) {

	d.bus.Send(bus.NewMessage(delegatorSenderID, requesterID, bus.TypeStatusUpdate, bus.PriorityNormal,
		map[string]any{
			"task_id":         taskID,
			"agent_id":        agentID,
			"reported_status": string(reported),
			"old_status":      string(from),
			"new_status":      string(to),
			"result":          result,
			"error_message":   errMsg,
		}))
}

// startWatcher arms a deadline timer; firing past the deadline reports the
// task failed, which feeds the normal retry path.
func (d *Delegator) startWatcher(taskID string, deadline time.Time) {
	d.mu.Lock()
	if old, ok := d.watchers[taskID]; ok {
		old.Stop()
	}
	d.watchers[taskID] = time.AfterFunc(time.Until(deadline), func() {
		d.mu.Lock()
		delete(d.watchers, taskID)
		d.mu.Unlock()
		d.logger.Warn("task deadline exceeded", zap.String("task", taskID))
		d.UpdateStatus(taskID, StatusFailed, nil, "task deadline exceeded")
	})
	d.mu.Unlock()
}

func (d *Delegator) stopWatcherLocked(taskID string) {
	if timer, ok := d.watchers[taskID]; ok {
		timer.Stop()
		delete(d.watchers, taskID)
	}
}

// releaseLocked frees the assigned agent's workload slot.
func (d *Delegator) releaseLocked(task *Task) {
	if task.AssignedAgentID == "" {
		return
	}
	if d.workloads[task.AssignedAgentID] > 0 {
		d.workloads[task.AssignedAgentID]--
	}
}

// finishLocked stops the deadline watcher and fulfils the completion signal.
func (d *Delegator) finishLocked(taskID string) {
	d.stopWatcherLocked(taskID)
	if ch, ok := d.done[taskID]; ok {
		close(ch)
	}
}
