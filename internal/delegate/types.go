package delegate

import "time"

// Status tracks a task's execution state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders the delegation queue. Urgent ranks first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	}
	return 3
}

// StrategyKind selects how an agent is picked for a task.
type StrategyKind string

const (
	StrategyCapability StrategyKind = "capability_based"
	StrategyWorkload   StrategyKind = "workload_balanced"
	StrategyRoundRobin StrategyKind = "round_robin"
	StrategyPriority   StrategyKind = "priority_based"
)

// Requirements constrains which agent may take a task and carries pattern
// context for collaboration tasks.
type Requirements struct {
	Capability   string         `json:"capability,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Category     string         `json:"category,omitempty"`
	Strategy     StrategyKind   `json:"assignment_strategy,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Task is a unit of delegated work. Owned exclusively by the Delegator;
// agents report status via messages and never mutate the record.
type Task struct {
	ID              string         `json:"task_id"`
	RequesterID     string         `json:"requester_id"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
	TaskType        string         `json:"task_type"`
	Description     string         `json:"description"`
	Requirements    Requirements   `json:"requirements"`
	Priority        Priority       `json:"priority"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	AssignedAt      *time.Time     `json:"assigned_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	Dependencies    []string       `json:"dependencies,omitempty"`
}

func (t *Task) terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return t.RetryCount > t.MaxRetries
	}
	return false
}

// clone returns a snapshot safe to hand outside the delegator's lock.
func (t *Task) clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}

// Doc flattens the task for the journal.
func (t *Task) Doc() map[string]any {
	doc := map[string]any{
		"task_id":      t.ID,
		"requester_id": t.RequesterID,
		"task_type":    t.TaskType,
		"description":  t.Description,
		"priority":     string(t.Priority),
		"status":       string(t.Status),
		"created_at":   t.CreatedAt.Format(time.RFC3339Nano),
		"retry_count":  t.RetryCount,
		"max_retries":  t.MaxRetries,
	}
	if t.AssignedAgentID != "" {
		doc["assigned_agent_id"] = t.AssignedAgentID
	}
	if t.AssignedAt != nil {
		doc["assigned_at"] = t.AssignedAt.Format(time.RFC3339Nano)
	}
	if t.StartedAt != nil {
		doc["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		doc["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	if t.Deadline != nil {
		doc["deadline"] = t.Deadline.Format(time.RFC3339Nano)
	}
	if t.Result != nil {
		doc["result"] = t.Result
	}
	if t.ErrorMessage != "" {
		doc["error_message"] = t.ErrorMessage
	}
	if len(t.Dependencies) > 0 {
		doc["dependencies"] = t.Dependencies
	}
	return doc
}
