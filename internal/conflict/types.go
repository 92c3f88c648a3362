package conflict

import "time"

// Type classifies what two or more agents are contending over.
type Type string

const (
	TypeResource         Type = "resource_conflict"
	TypeTaskAssignment   Type = "task_assignment"
	TypePriority         Type = "priority_conflict"
	TypeRecommendation   Type = "recommendation_conflict"
	TypeScheduling       Type = "scheduling_conflict"
	TypeCapability       Type = "capability_mismatch"
	TypeCommunication    Type = "communication_failure"
	TypeGoal             Type = "goal_conflict"
	TypeDataInconsistent Type = "data_inconsistency"
)

// Severity grades how urgently a conflict needs resolution.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status tracks a conflict through its lifecycle.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

// Strategy names a resolution approach.
type Strategy string

const (
	StrategyPriority    Strategy = "priority_based"
	StrategyFCFS        Strategy = "first_come_first_served"
	StrategySharing     Strategy = "resource_sharing"
	StrategyConsensus   Strategy = "consensus"
	StrategyVoting      Strategy = "voting"
	StrategyArbitration Strategy = "arbitration"
	StrategyNegotiation Strategy = "negotiation"
	StrategyEscalation  Strategy = "escalation"
)

// Resolution is the outcome of applying a strategy.
type Resolution struct {
	Strategy   Strategy       `json:"strategy"`
	Decision   map[string]any `json:"decision"`
	Confidence float64        `json:"confidence"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Conflict is a detected contention between agents.
type Conflict struct {
	ID             string         `json:"conflict_id"`
	Type           Type           `json:"conflict_type"`
	Severity       Severity       `json:"severity"`
	Status         Status         `json:"status"`
	InvolvedAgents []string       `json:"involved_agents"`
	Description    string         `json:"description"`
	Context        map[string]any `json:"context,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	Resolution     *Resolution    `json:"resolution,omitempty"`
}

func (c *Conflict) clone() *Conflict {
	cp := *c
	cp.InvolvedAgents = append([]string(nil), c.InvolvedAgents...)
	if c.Context != nil {
		cp.Context = make(map[string]any, len(c.Context))
		for k, v := range c.Context {
			cp.Context[k] = v
		}
	}
	if c.Resolution != nil {
		res := *c.Resolution
		cp.Resolution = &res
	}
	return &cp
}

// Doc flattens the conflict for the journal.
func (c *Conflict) Doc() map[string]any {
	doc := map[string]any{
		"conflict_id":     c.ID,
		"conflict_type":   string(c.Type),
		"severity":        string(c.Severity),
		"status":          string(c.Status),
		"involved_agents": c.InvolvedAgents,
		"description":     c.Description,
		"detected_at":     c.DetectedAt.Format(time.RFC3339Nano),
	}
	if c.Context != nil {
		doc["context"] = c.Context
	}
	if c.Resolution != nil {
		doc["resolution_strategy"] = string(c.Resolution.Strategy)
		doc["resolution_decision"] = c.Resolution.Decision
		doc["resolution_confidence"] = c.Resolution.Confidence
		doc["resolved_at"] = c.Resolution.ResolvedAt.Format(time.RFC3339Nano)
	}
	return doc
}

// Rule maps a conflict shape to a strategy. Zero-valued fields match
// anything; rules are evaluated in order and the first match wins.
type Rule struct {
	Type      Type     `json:"conflict_type,omitempty"`
	Severity  Severity `json:"severity,omitempty"`
	MinAgents int      `json:"min_agents,omitempty"`
	Strategy  Strategy `json:"strategy"`
}

func (r Rule) matches(c *Conflict) bool {
	if r.Type != "" && r.Type != c.Type {
		return false
	}
	if r.Severity != "" && r.Severity != c.Severity {
		return false
	}
	if r.MinAgents > 0 && len(c.InvolvedAgents) < r.MinAgents {
		return false
	}
	return true
}
