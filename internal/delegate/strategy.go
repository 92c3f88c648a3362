package delegate

import "context"

// pickAgent dispatches on the task's assignment strategy hint. Unknown
// hints fall back to capability scoring.
func (d *Delegator) pickAgent(ctx context.Context, task *Task, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	switch task.Requirements.Strategy {
	case StrategyWorkload:
		return d.pickByWorkload(candidates)
	case StrategyRoundRobin:
		return d.pickRoundRobin(candidates)
	case StrategyPriority:
		return d.pickByPriority(ctx, task, candidates)
	default:
		return d.pickByCapability(ctx, task, candidates)
	}
}

// pickByCapability scores 10 per matching required capability, 5 for a
// category match, minus the agent's current workload. Ties go to the first
// candidate seen with the top score.
func (d *Delegator) pickByCapability(ctx context.Context, task *Task, candidates []string) string {
	best := ""
	bestScore := 0
	scored := false

	for _, id := range candidates {
		info, ok := d.dir.AgentInfo(ctx, id)
		if !ok {
			continue
		}

		score := 0
		for _, want := range task.Requirements.Capabilities {
			for _, have := range info.Capabilities {
				if want == have {
					score += 10
					break
				}
			}
		}
		if task.Requirements.Category != "" && task.Requirements.Category == info.Category {
			score += 5
		}
		score -= d.workload(id)

		if !scored || score > bestScore {
			scored = true
			best = id
			bestScore = score
		}
	}

	if best == "" {
		return candidates[0]
	}
	return best
}

// pickByWorkload selects the candidate with the fewest active assignments.
func (d *Delegator) pickByWorkload(candidates []string) string {
	best := ""
	min := 0
	for _, id := range candidates {
		w := d.workload(id)
		if best == "" || w < min {
			best = id
			min = w
		}
	}
	return best
}

// pickRoundRobin cycles through candidates by total assignment count.
func (d *Delegator) pickRoundRobin(candidates []string) string {
	d.mu.Lock()
	n := d.assignments
	d.mu.Unlock()
	return candidates[n%len(candidates)]
}

// pickByPriority ranks high/urgent tasks by recent success rate minus a
// workload penalty; everything else balances workload.
func (d *Delegator) pickByPriority(ctx context.Context, task *Task, candidates []string) string {
	if task.Priority != PriorityHigh && task.Priority != PriorityUrgent {
		return d.pickByWorkload(candidates)
	}

	best := ""
	bestScore := -1.0
	for _, id := range candidates {
		history := d.dir.PerformanceHistory(ctx, id)
		if len(history) == 0 {
			continue
		}
		recent := history
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		completed := 0
		for _, rec := range recent {
			if rec.Status == "completed" {
				completed++
			}
		}
		successRate := float64(completed) / float64(len(recent))
		score := successRate - float64(d.workload(id))*0.1
		if score > bestScore {
			bestScore = score
			best = id
		}
	}

	if best == "" {
		return candidates[0]
	}
	return best
}

func (d *Delegator) workload(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workloads[agentID]
}
