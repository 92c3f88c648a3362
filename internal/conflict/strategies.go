package conflict

import (
	"context"
	"sort"
	"time"

	"github.com/nidhogg/overseer/internal/bus"
	"go.uber.org/zap"
)

// apply runs one strategy and returns the decision with a confidence score.
func (r *Resolver) apply(ctx context.Context, s Strategy, c *Conflict) (map[string]any, float64) {
	switch s {
	case StrategyPriority:
		return r.resolveByPriority(ctx, c)
	case StrategyFCFS:
		return r.resolveFCFS(c)
	case StrategySharing:
		return r.resolveBySharing(ctx, c)
	case StrategyConsensus:
		return r.resolveByConsensus(ctx, c)
	case StrategyVoting:
		return r.resolveByVoting(c)
	case StrategyNegotiation:
		return r.resolveByNegotiation(ctx, c)
	case StrategyEscalation:
		return r.escalate(c)
	default:
		return r.arbitrate(ctx, c)
	}
}

// priorityScore ranks an agent by its directory track record.
func (r *Resolver) priorityScore(ctx context.Context, agentID string) float64 {
	info, ok := r.dir.AgentInfo(ctx, agentID)
	if !ok {
		return 0
	}
	successRate := 1.0
	if info.TaskCount > 0 {
		successRate = float64(info.TaskCount-info.ErrorCount) / float64(info.TaskCount)
	}
	return successRate*100 + float64(info.TaskCount)*0.1
}

// resolveByPriority awards the contested item to the agent with the best
// track record: success rate weighted far above raw throughput.
func (r *Resolver) resolveByPriority(ctx context.Context, c *Conflict) (map[string]any, float64) {
	scores := make(map[string]float64, len(c.InvolvedAgents))
	winner := ""
	best := -1.0

	for _, agentID := range c.InvolvedAgents {
		score := r.priorityScore(ctx, agentID)
		scores[agentID] = score
		if score > best {
			best = score
			winner = agentID
		}
	}
	if winner == "" && len(c.InvolvedAgents) > 0 {
		winner = c.InvolvedAgents[0]
	}

	return map[string]any{
		"method": "priority_based",
		"winner": winner,
		"scores": scores,
	}, 0.8
}

// resolveFCFS awards by earliest request timestamp in the conflict context,
// falling back to the order agents were reported in.
func (r *Resolver) resolveFCFS(c *Conflict) (map[string]any, float64) {
	winner := ""
	if len(c.InvolvedAgents) > 0 {
		winner = c.InvolvedAgents[0]
	}

	if requests, ok := c.Context["requests"].(map[string]any); ok {
		type req struct {
			agent string
			at    time.Time
		}
		var parsed []req
		for agent, raw := range requests {
			ts, ok := raw.(string)
			if !ok {
				continue
			}
			at, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				continue
			}
			parsed = append(parsed, req{agent: agent, at: at})
		}
		sort.Slice(parsed, func(i, j int) bool { return parsed[i].at.Before(parsed[j].at) })
		if len(parsed) > 0 {
			winner = parsed[0].agent
		}
	}

	return map[string]any{
		"method": "first_come_first_served",
		"winner": winner,
	}, 0.9
}

// resolveBySharing allocates the resource equally when capacity covers every
// agent; with less capacity only the top-scoring agents get a share.
func (r *Resolver) resolveBySharing(ctx context.Context, c *Conflict) (map[string]any, float64) {
	n := len(c.InvolvedAgents)
	if n == 0 {
		return map[string]any{"method": "resource_sharing"}, 0.7
	}

	capacity := n
	switch raw := c.Context["capacity"].(type) {
	case int:
		if raw > 0 && raw < n {
			capacity = raw
		}
	case float64:
		if raw > 0 && int(raw) < n {
			capacity = int(raw)
		}
	}

	if capacity >= n {
		share := 1.0 / float64(n)
		allocation := make(map[string]float64, n)
		for _, agentID := range c.InvolvedAgents {
			allocation[agentID] = share
		}
		return map[string]any{
			"method":     "resource_sharing",
			"mode":       "equal_split",
			"allocation": allocation,
		}, 0.8
	}

	ranked := append([]string(nil), c.InvolvedAgents...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return r.priorityScore(ctx, ranked[i]) > r.priorityScore(ctx, ranked[j])
	})
	share := 1.0 / float64(capacity)
	allocation := make(map[string]float64, capacity)
	for _, agentID := range ranked[:capacity] {
		allocation[agentID] = share
	}
	return map[string]any{
		"method":     "resource_sharing",
		"mode":       "top_n_by_priority",
		"capacity":   capacity,
		"allocation": allocation,
	}, 0.7
}

// resolveByConsensus asks every involved agent to vote on the proposal from
// the conflict context. Unanimous agreement settles with high confidence;
// otherwise the majority carries with confidence scaled by the agree share.
// Agents that do not answer in time count as abstentions.
func (r *Resolver) resolveByConsensus(ctx context.Context, c *Conflict) (map[string]any, float64) {
	proposal, _ := c.Context["proposal"].(map[string]any)
	if proposal == nil {
		proposal = map[string]any{"description": c.Description}
	}

	// A per-conflict mailbox keeps concurrent resolutions from stealing
	// each other's votes.
	voter := resolverSenderID + ":" + c.ID
	r.bus.Register(voter)
	defer r.bus.Unregister(voter)

	votes := make(map[string]string, len(c.InvolvedAgents))
	agrees := 0
	for _, agentID := range c.InvolvedAgents {
		resp := r.bus.RequestResponse(ctx, voter, agentID, bus.TypeResourceRequest,
			map[string]any{
				"conflict_id": c.ID,
				"proposal":    proposal,
				"vote":        true,
			}, r.consensusTimeout)
		if resp == nil {
			votes[agentID] = "abstain"
			continue
		}
		if agree, _ := resp.Payload["agree"].(bool); agree {
			votes[agentID] = "agree"
			agrees++
		} else {
			votes[agentID] = "reject"
		}
	}

	total := len(c.InvolvedAgents)
	decision := map[string]any{
		"method":   "consensus",
		"proposal": proposal,
		"votes":    votes,
		"accepted": total > 0 && agrees*2 > total,
	}

	if total > 0 && agrees == total {
		decision["unanimous"] = true
		return decision, 0.9
	}
	if total == 0 {
		return decision, 0.5
	}
	r.logger.Debug("consensus fell back to voting",
		zap.String("conflict", c.ID),
		zap.Int("agrees", agrees),
		zap.Int("total", total))
	return decision, 0.9 * float64(agrees) / float64(total)
}

// resolveByVoting tallies votes from the conflict context. An agent without
// a recorded vote is counted as voting for itself. Confidence is the winning
// fraction.
func (r *Resolver) resolveByVoting(c *Conflict) (map[string]any, float64) {
	if len(c.InvolvedAgents) == 0 {
		return map[string]any{"method": "voting"}, 0.5
	}

	recorded, _ := c.Context["votes"].(map[string]any)
	tally := make(map[string]int)
	votes := make(map[string]string, len(c.InvolvedAgents))
	for _, agentID := range c.InvolvedAgents {
		choice := agentID
		if recorded != nil {
			if v, ok := recorded[agentID].(string); ok && v != "" {
				choice = v
			}
		}
		votes[agentID] = choice
		tally[choice]++
	}

	var options []string
	for choice := range tally {
		options = append(options, choice)
	}
	sort.Strings(options)
	winner := options[0]
	for _, choice := range options[1:] {
		if tally[choice] > tally[winner] {
			winner = choice
		}
	}

	confidence := float64(tally[winner]) / float64(len(c.InvolvedAgents))
	return map[string]any{
		"method": "voting",
		"votes":  votes,
		"winner": winner,
	}, confidence
}

// resolveByNegotiation runs a bounded offer exchange: up to three rounds of
// correlated offer requests, stopping early once every agent accepts. Agents
// that never answer keep their last known position from the conflict
// context's preferences, or nothing.
func (r *Resolver) resolveByNegotiation(ctx context.Context, c *Conflict) (map[string]any, float64) {
	negotiator := resolverSenderID + ":" + c.ID
	r.bus.Register(negotiator)
	defer r.bus.Unregister(negotiator)

	prefs, _ := c.Context["preferences"].(map[string]any)
	offers := make(map[string]any, len(c.InvolvedAgents))
	for _, agentID := range c.InvolvedAgents {
		if prefs != nil {
			offers[agentID] = prefs[agentID]
		}
	}

	rounds := 0
	for round := 1; round <= 3; round++ {
		rounds = round
		allAccepted := true
		for _, agentID := range c.InvolvedAgents {
			resp := r.bus.RequestResponse(ctx, negotiator, agentID, bus.TypeResourceRequest,
				map[string]any{
					"conflict_id": c.ID,
					"negotiation": true,
					"round":       round,
					"offers":      offers,
				}, r.consensusTimeout)
			if resp == nil {
				continue
			}
			if offer, ok := resp.Payload["offer"]; ok {
				offers[agentID] = offer
			}
			if accept, _ := resp.Payload["accept"].(bool); !accept {
				allAccepted = false
			}
		}
		if allAccepted {
			break
		}
	}

	compromise := make(map[string]any, len(c.InvolvedAgents))
	for _, agentID := range c.InvolvedAgents {
		compromise[agentID] = map[string]any{"granted": offers[agentID], "partial": true}
	}
	return map[string]any{
		"method":     "negotiation",
		"rounds":     rounds,
		"compromise": compromise,
	}, 0.6
}

// arbitrate decides unilaterally for the agent with the best recent history.
func (r *Resolver) arbitrate(ctx context.Context, c *Conflict) (map[string]any, float64) {
	winner := ""
	best := -1.0
	for _, agentID := range c.InvolvedAgents {
		history := r.dir.PerformanceHistory(ctx, agentID)
		rate := 0.5
		if len(history) > 0 {
			completed := 0
			for _, rec := range history {
				if rec.Status == "completed" {
					completed++
				}
			}
			rate = float64(completed) / float64(len(history))
		}
		if rate > best {
			best = rate
			winner = agentID
		}
	}
	if winner == "" && len(c.InvolvedAgents) > 0 {
		winner = c.InvolvedAgents[0]
	}
	return map[string]any{
		"method": "arbitration",
		"winner": winner,
	}, 0.7
}

// escalate hands the conflict to operators via a system broadcast. The
// conflict stays open from the agents' point of view.
func (r *Resolver) escalate(c *Conflict) (map[string]any, float64) {
	r.bus.Broadcast(resolverSenderID, bus.TypeSystemBroadcast, map[string]any{
		"event":       "conflict_escalated",
		"conflict_id": c.ID,
		"severity":    string(c.Severity),
		"description": c.Description,
	}, bus.PriorityUrgent)

	return map[string]any{
		"method":       "escalation",
		"escalated_to": "operator",
	}, 0.5
}
