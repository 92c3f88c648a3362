package collab

import "time"

// Pattern names a collaboration topology.
type Pattern string

const (
	PatternSequential   Pattern = "sequential"
	PatternParallel     Pattern = "parallel"
	PatternHierarchical Pattern = "hierarchical"
	PatternPeerToPeer   Pattern = "peer_to_peer"
	PatternPipeline     Pattern = "pipeline"
)

func validPattern(p Pattern) bool {
	switch p {
	case PatternSequential, PatternParallel, PatternHierarchical, PatternPeerToPeer, PatternPipeline:
		return true
	}
	return false
}

// Status tracks a session's lifecycle. Terminal states never change;
// paused is only reachable from active and back.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is one run of a collaboration pattern across a set of agents.
// For the hierarchical pattern, the first participant is the coordinator.
type Session struct {
	ID           string         `json:"session_id"`
	Pattern      Pattern        `json:"pattern"`
	InitiatorID  string         `json:"initiator_id"`
	Participants []string       `json:"participants"`
	Objective    string         `json:"objective"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	TaskIDs      []string       `json:"task_ids,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	cp.TaskIDs = append([]string(nil), s.TaskIDs...)
	if s.Context != nil {
		cp.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	if s.Results != nil {
		cp.Results = make(map[string]any, len(s.Results))
		for k, v := range s.Results {
			cp.Results[k] = v
		}
	}
	return &cp
}

// Doc flattens the session for the journal.
func (s *Session) Doc() map[string]any {
	doc := map[string]any{
		"session_id":   s.ID,
		"pattern":      string(s.Pattern),
		"initiator_id": s.InitiatorID,
		"participants": s.Participants,
		"objective":    s.Objective,
		"status":       string(s.Status),
		"created_at":   s.CreatedAt.Format(time.RFC3339Nano),
	}
	if s.StartedAt != nil {
		doc["started_at"] = s.StartedAt.Format(time.RFC3339Nano)
	}
	if s.CompletedAt != nil {
		doc["completed_at"] = s.CompletedAt.Format(time.RFC3339Nano)
	}
	if s.Context != nil {
		doc["context"] = s.Context
	}
	if s.Results != nil {
		doc["results"] = s.Results
	}
	if len(s.TaskIDs) > 0 {
		doc["task_ids"] = s.TaskIDs
	}
	if s.Error != "" {
		doc["error"] = s.Error
	}
	return doc
}

// PlanStep is one subtask in a coordinator's plan.
type PlanStep struct {
	Description string `json:"description"`
	Capability  string `json:"capability,omitempty"`
	AssignTo    string `json:"assign_to,omitempty"`
}

// Plan is the work breakdown a hierarchical coordinator returns.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// decodePlan reads a plan from a coordinator's task result. Decoding is
// lenient: a missing or malformed plan yields ok=false and the caller falls
// back to one subtask per worker.
func decodePlan(result map[string]any) (Plan, bool) {
	raw, ok := result["plan"]
	if !ok {
		return Plan{}, false
	}

	var steps []any
	switch v := raw.(type) {
	case []any:
		steps = v
	case map[string]any:
		if inner, ok := v["steps"].([]any); ok {
			steps = inner
		}
	}
	if len(steps) == 0 {
		return Plan{}, false
	}

	var plan Plan
	for _, s := range steps {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		step := PlanStep{}
		step.Description, _ = m["description"].(string)
		step.Capability, _ = m["capability"].(string)
		step.AssignTo, _ = m["assign_to"].(string)
		if step.Description == "" {
			continue
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, len(plan.Steps) > 0
}
