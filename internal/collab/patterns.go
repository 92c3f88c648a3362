package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/delegate"
)

// runStep delegates one collaboration task to a named agent and waits for a
// terminal state. The step deadline doubles as the task deadline, so a
// silent agent fails the task rather than hanging the session.
func (e *Engine) runStep(ctx context.Context, s *Session, agentID, taskType, description string,
	priority delegate.Priority, extra map[string]any, timeout time.Duration) (map[string]any, error) {

	deadline := time.Now().UTC().Add(timeout)
	taskID, ok := e.del.SubmitTo(ctx, engineSenderID, agentID, taskType, description,
		delegate.Requirements{Extra: extra}, priority, &deadline)
	e.trackTask(s.ID, taskID)
	if !ok {
		e.del.Cancel(taskID, "delivery failed")
		return nil, fmt.Errorf("deliver %s to %s", taskType, agentID)
	}

	status, done := e.del.WaitTerminal(ctx, taskID, timeout+time.Second)
	if !done {
		e.del.Cancel(taskID, "collaboration step abandoned")
		return nil, fmt.Errorf("%s on %s did not finish", taskType, agentID)
	}
	if status != delegate.StatusCompleted {
		reason := string(status)
		if task, ok := e.del.Task(taskID); ok && task.ErrorMessage != "" {
			reason = task.ErrorMessage
		}
		return nil, fmt.Errorf("%s on %s: %s", taskType, agentID, reason)
	}

	task, ok := e.del.Task(taskID)
	if !ok || task.Result == nil {
		return map[string]any{}, nil
	}
	return task.Result, nil
}

// runSequential walks the participants in order; each step sees every prior
// step's result. The first failure aborts the chain.
func (e *Engine) runSequential(ctx context.Context, s *Session) (map[string]any, error) {
	results := make(map[string]any)
	prior := make(map[string]any)
	var prev map[string]any

	for i, agentID := range s.Participants {
		prevResults := make(map[string]any, len(prior))
		for k, v := range prior {
			prevResults[k] = v
		}
		extra := map[string]any{
			"session_id":       s.ID,
			"step":             i,
			"objective":        s.Objective,
			"previous_results": prevResults,
			"context":          s.Context,
		}
		res, err := e.runStep(ctx, s, agentID, "collaboration_step",
			fmt.Sprintf("step %d of %s", i+1, s.Objective),
			delegate.PriorityNormal, extra, e.taskTimeout)
		if err != nil {
			return results, fmt.Errorf("sequential step %d (%s): %w", i+1, agentID, err)
		}
		results[agentID] = res
		prior[agentID] = res
		prev = res
	}

	results["final"] = prev
	return results, nil
}

// runParallel fans the objective out to every participant at once. All
// steps run to completion or failure; partial results survive a failure so
// the session record shows what did finish.
func (e *Engine) runParallel(ctx context.Context, s *Session) (map[string]any, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  = make(map[string]any)
		firstErr error
	)

	for _, agentID := range s.Participants {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			extra := map[string]any{
				"session_id": s.ID,
				"objective":  s.Objective,
				"context":    s.Context,
			}
			if s.Pattern == PatternPeerToPeer {
				var peers []string
				for _, p := range s.Participants {
					if p != agentID {
						peers = append(peers, p)
					}
				}
				extra["peers"] = peers
			}
			res, err := e.runStep(ctx, s, agentID, "collaboration_step",
				"parallel work on "+s.Objective,
				delegate.PriorityNormal, extra, e.taskTimeout)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("parallel step (%s): %w", agentID, err)
				}
				return
			}
			results[agentID] = res
		}(agentID)
	}
	wg.Wait()

	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// runHierarchical has the first participant coordinate: it plans the work
// breakdown, workers execute the subtasks, and the coordinator aggregates.
// A coordinator that returns no usable plan gets a default breakdown of one
// subtask per worker.
func (e *Engine) runHierarchical(ctx context.Context, s *Session) (map[string]any, error) {
	coordinator := s.Participants[0]
	workers := s.Participants[1:]
	results := make(map[string]any)

	planResult, err := e.runStep(ctx, s, coordinator, "collaboration_planning",
		"plan work breakdown for "+s.Objective,
		delegate.PriorityHigh, map[string]any{
			"session_id": s.ID,
			"objective":  s.Objective,
			"workers":    workers,
			"context":    s.Context,
		}, e.planningTimeout)
	if err != nil {
		return results, fmt.Errorf("planning (%s): %w", coordinator, err)
	}
	results["plan"] = planResult

	plan, ok := decodePlan(planResult)
	if !ok {
		for _, w := range workers {
			plan.Steps = append(plan.Steps, PlanStep{
				Description: s.Objective,
				AssignTo:    w,
			})
		}
	}

	subtaskResults := make([]map[string]any, len(plan.Steps))
	for i, step := range plan.Steps {
		extra := map[string]any{
			"session_id":  s.ID,
			"subtask":     i,
			"coordinator": coordinator,
		}

		var res map[string]any
		var stepErr error
		switch {
		case step.AssignTo != "":
			res, stepErr = e.runStep(ctx, s, step.AssignTo, "collaboration_subtask",
				step.Description, delegate.PriorityNormal, extra, e.taskTimeout)
		case step.Capability != "":
			res, stepErr = e.runQueuedStep(ctx, s, step, extra)
		default:
			res, stepErr = e.runStep(ctx, s, workers[i%len(workers)], "collaboration_subtask",
				step.Description, delegate.PriorityNormal, extra, e.taskTimeout)
		}
		if stepErr != nil {
			results["subtasks"] = subtaskResults[:i]
			return results, fmt.Errorf("subtask %d: %w", i+1, stepErr)
		}
		subtaskResults[i] = res
	}
	results["subtasks"] = subtaskResults

	agg, err := e.runStep(ctx, s, coordinator, "collaboration_aggregation",
		"aggregate results for "+s.Objective,
		delegate.PriorityHigh, map[string]any{
			"session_id":      s.ID,
			"subtask_results": subtaskResults,
		}, e.coordinatorTimeout)
	if err != nil {
		return results, fmt.Errorf("aggregation (%s): %w", coordinator, err)
	}
	results["final"] = agg
	return results, nil
}

// runQueuedStep routes a capability-addressed subtask through the normal
// delegation queue instead of binding a worker up front.
func (e *Engine) runQueuedStep(ctx context.Context, s *Session, step PlanStep,
	extra map[string]any) (map[string]any, error) {

	deadline := time.Now().UTC().Add(e.taskTimeout)
	taskID := e.del.Submit(engineSenderID, "collaboration_subtask", step.Description,
		delegate.Requirements{Capability: step.Capability, Extra: extra},
		delegate.PriorityNormal, &deadline, nil)
	e.trackTask(s.ID, taskID)

	status, done := e.del.WaitTerminal(ctx, taskID, e.taskTimeout+time.Second)
	if !done {
		e.del.Cancel(taskID, "collaboration step abandoned")
		return nil, fmt.Errorf("subtask %q did not finish", step.Description)
	}
	if status != delegate.StatusCompleted {
		return nil, fmt.Errorf("subtask %q ended %s", step.Description, status)
	}
	task, ok := e.del.Task(taskID)
	if !ok || task.Result == nil {
		return map[string]any{}, nil
	}
	return task.Result, nil
}

// runPeerToPeer recruits participants with a correlated join request, then
// fans the work out to whoever accepted.
func (e *Engine) runPeerToPeer(ctx context.Context, s *Session) (map[string]any, error) {
	// Per-session mailbox so concurrent sessions do not steal each
	// other's join replies.
	recruiter := engineSenderID + ":" + s.ID
	e.bus.Register(recruiter)
	defer e.bus.Unregister(recruiter)

	var joined []string
	for _, agentID := range s.Participants {
		resp := e.bus.RequestResponse(ctx, recruiter, agentID, bus.TypeCollaborationRequest,
			map[string]any{
				"session_id": s.ID,
				"objective":  s.Objective,
				"join":       true,
			}, e.joinTimeout)
		if resp == nil {
			continue
		}
		if accept, _ := resp.Payload["accept"].(bool); accept {
			joined = append(joined, agentID)
		}
	}
	if len(joined) == 0 {
		return nil, fmt.Errorf("no participants joined session %s", s.ID)
	}

	peer := s.clone()
	peer.Participants = joined
	results, err := e.runParallel(ctx, peer)
	if results == nil {
		results = make(map[string]any)
	}
	results["joined"] = joined
	return results, err
}

// runPipeline chains participants as stages: each stage's "output" field
// (or its whole result) becomes the next stage's input.
func (e *Engine) runPipeline(ctx context.Context, s *Session) (map[string]any, error) {
	input := s.Context["input"]
	stages := make([]map[string]any, 0, len(s.Participants))

	for i, agentID := range s.Participants {
		extra := map[string]any{
			"session_id": s.ID,
			"stage":      i,
			"input_data": input,
		}
		res, err := e.runStep(ctx, s, agentID, "collaboration_stage",
			fmt.Sprintf("pipeline stage %d of %s", i+1, s.Objective),
			delegate.PriorityNormal, extra, e.taskTimeout)
		if err != nil {
			return map[string]any{"stages": stages}, fmt.Errorf("stage %d (%s): %w", i+1, agentID, err)
		}
		stages = append(stages, res)
		if out, ok := res["output"]; ok {
			input = out
		} else {
			input = res
		}
	}

	return map[string]any{
		"stages": stages,
		"output": input,
	}, nil
}
