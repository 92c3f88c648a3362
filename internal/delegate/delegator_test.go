package delegate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/directory"
	"github.com/nidhogg/overseer/internal/journal"
	"go.uber.org/zap"
)

// newTestRig wires a delegator with fast backoffs over an in-memory stack
// and starts the queue processor.
func newTestRig(t *testing.T, opts ...Option) (*Delegator, *bus.Bus, *directory.Registry, context.Context) {
	t.Helper()
	logger := zap.NewNop()
	w := journal.NewWriter(journal.Nop{}, 64, logger)
	t.Cleanup(w.Close)

	reg := directory.NewRegistry(logger)
	b := bus.New(w, logger)

	base := []Option{
		WithDependencyBackoff(10 * time.Millisecond),
		WithAgentBackoff(10 * time.Millisecond),
	}
	d := New(b, reg, w, logger, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)
	t.Cleanup(d.Stop)
	b.Register("client")
	return d, b, reg, ctx
}

func addWorker(b *bus.Bus, reg *directory.Registry, id string, caps ...string) {
	reg.Register(directory.Info{ID: id, Category: "worker", Capabilities: caps})
	b.Register(id)
}

// runWorker consumes task_request messages for an agent and reports each
// task through handle.
func runWorker(ctx context.Context, b *bus.Bus, id string, handle func(taskID string)) {
	go func() {
		for {
			msg := b.Receive(ctx, id, 50*time.Millisecond)
			if ctx.Err() != nil {
				return
			}
			if msg == nil || msg.Type != bus.TypeTaskRequest {
				continue
			}
			if taskID, ok := msg.Payload["task_id"].(string); ok {
				handle(taskID)
			}
		}
	}()
}

func TestSubmitAssignsAndCompletes(t *testing.T) {
	d, b, reg, ctx := newTestRig(t)
	addWorker(b, reg, "w1", "compute")
	runWorker(ctx, b, "w1", func(taskID string) {
		d.UpdateStatus(taskID, StatusInProgress, nil, "")
		d.UpdateStatus(taskID, StatusCompleted, map[string]any{"answer": 42}, "")
	})

	taskID := d.Submit("client", "analysis", "crunch numbers",
		Requirements{Capability: "compute"}, PriorityNormal, nil, nil)

	status, ok := d.WaitTerminal(ctx, taskID, 2*time.Second)
	if !ok || status != StatusCompleted {
		t.Fatalf("got (%s, %v), want (completed, true)", status, ok)
	}

	task, _ := d.Task(taskID)
	if task.AssignedAgentID != "w1" {
		t.Errorf("got agent %q, want w1", task.AssignedAgentID)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("started/completed timestamps should be set")
	}
	if task.Result["answer"] != 42 {
		t.Errorf("got result %v", task.Result)
	}
}

func TestRetryExhaustion(t *testing.T) {
	d, b, reg, ctx := newTestRig(t, WithMaxRetries(2))
	addWorker(b, reg, "flaky", "compute")

	var attempts int32
	runWorker(ctx, b, "flaky", func(taskID string) {
		atomic.AddInt32(&attempts, 1)
		d.UpdateStatus(taskID, StatusFailed, nil, "boom")
	})

	taskID := d.Submit("client", "analysis", "always fails",
		Requirements{Capability: "compute"}, PriorityHigh, nil, nil)

	status, ok := d.WaitTerminal(ctx, taskID, 5*time.Second)
	if !ok || status != StatusFailed {
		t.Fatalf("got (%s, %v), want (failed, true)", status, ok)
	}

	// Initial attempt plus two retries.
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("got %d attempts, want 3", n)
	}
	task, _ := d.Task(taskID)
	if task.RetryCount != 3 {
		t.Errorf("got retry count %d, want 3", task.RetryCount)
	}
	if task.ErrorMessage != "boom" {
		t.Errorf("got error %q", task.ErrorMessage)
	}
}

func TestDependencyGating(t *testing.T) {
	d, b, reg, ctx := newTestRig(t)
	addWorker(b, reg, "w1", "compute")
	runWorker(ctx, b, "w1", func(taskID string) {
		d.UpdateStatus(taskID, StatusCompleted, nil, "")
	})

	// The dependency needs a capability nobody has yet, so it stays pending.
	depID := d.Submit("client", "prep", "waits for a rare agent",
		Requirements{Capability: "rare"}, PriorityNormal, nil, nil)
	gatedID := d.Submit("client", "analysis", "needs prep first",
		Requirements{Capability: "compute"}, PriorityNormal, nil, []string{depID})

	time.Sleep(150 * time.Millisecond)
	task, _ := d.Task(gatedID)
	if task.Status != StatusPending {
		t.Fatalf("gated task is %s, want pending while dependency is incomplete", task.Status)
	}

	// Bring up the rare agent: the dependency completes, then the gate opens.
	addWorker(b, reg, "rare-agent", "rare")
	runWorker(ctx, b, "rare-agent", func(taskID string) {
		d.UpdateStatus(taskID, StatusCompleted, nil, "")
	})

	if status, ok := d.WaitTerminal(ctx, depID, 2*time.Second); !ok || status != StatusCompleted {
		t.Fatalf("dependency got (%s, %v)", status, ok)
	}
	if status, ok := d.WaitTerminal(ctx, gatedID, 2*time.Second); !ok || status != StatusCompleted {
		t.Fatalf("gated task got (%s, %v), want (completed, true)", status, ok)
	}
}

func TestDeadlineExceeded(t *testing.T) {
	d, b, reg, ctx := newTestRig(t, WithMaxRetries(0))
	addWorker(b, reg, "silent", "compute")
	// No worker loop: the agent accepts the message and never reports.

	deadline := time.Now().Add(50 * time.Millisecond)
	taskID := d.Submit("client", "analysis", "will time out",
		Requirements{Capability: "compute"}, PriorityNormal, &deadline, nil)

	status, ok := d.WaitTerminal(ctx, taskID, 2*time.Second)
	if !ok || status != StatusFailed {
		t.Fatalf("got (%s, %v), want (failed, true)", status, ok)
	}
	task, _ := d.Task(taskID)
	if task.ErrorMessage != "task deadline exceeded" {
		t.Errorf("got error %q", task.ErrorMessage)
	}
}

func TestTerminalTransitionsIdempotent(t *testing.T) {
	d, b, reg, ctx := newTestRig(t)
	addWorker(b, reg, "w1", "compute")
	runWorker(ctx, b, "w1", func(taskID string) {
		d.UpdateStatus(taskID, StatusCompleted, nil, "")
	})

	taskID := d.Submit("client", "analysis", "one shot",
		Requirements{Capability: "compute"}, PriorityNormal, nil, nil)
	if status, ok := d.WaitTerminal(ctx, taskID, 2*time.Second); !ok || status != StatusCompleted {
		t.Fatalf("got (%s, %v)", status, ok)
	}

	if d.UpdateStatus(taskID, StatusFailed, nil, "late report") {
		t.Error("status update on a terminal task should be rejected")
	}
	if d.Cancel(taskID, "too late") {
		t.Error("cancel on a terminal task should be rejected")
	}
	task, _ := d.Task(taskID)
	if task.Status != StatusCompleted {
		t.Errorf("terminal state changed to %s", task.Status)
	}
}

func TestCancelReleasesWorkload(t *testing.T) {
	d, b, reg, ctx := newTestRig(t)
	addWorker(b, reg, "w1", "compute")
	// Agent receives but never reports.

	taskID := d.Submit("client", "analysis", "will be cancelled",
		Requirements{Capability: "compute"}, PriorityNormal, nil, nil)

	waitFor(t, 2*time.Second, func() bool {
		task, _ := d.Task(taskID)
		return task.Status == StatusAssigned
	})

	if !d.Cancel(taskID, "changed plans") {
		t.Fatal("cancel should succeed")
	}
	if status, ok := d.WaitTerminal(ctx, taskID, time.Second); !ok || status != StatusCancelled {
		t.Fatalf("got (%s, %v), want (cancelled, true)", status, ok)
	}
	if w := d.Stats().AgentWorkloads["w1"]; w != 0 {
		t.Errorf("got workload %d after cancel, want 0", w)
	}
}

func TestPriorityOrderAssignment(t *testing.T) {
	d, b, reg, ctx := newTestRig(t)

	var order []string
	done := make(chan struct{})
	// Submit before the worker exists so everything queues up first.
	d.Submit("client", "job", "low", Requirements{Capability: "compute", Extra: map[string]any{"tag": "low"}}, PriorityLow, nil, nil)
	d.Submit("client", "job", "urgent", Requirements{Capability: "compute", Extra: map[string]any{"tag": "urgent"}}, PriorityUrgent, nil, nil)
	d.Submit("client", "job", "normal", Requirements{Capability: "compute", Extra: map[string]any{"tag": "normal"}}, PriorityNormal, nil, nil)

	addWorker(b, reg, "w1", "compute")
	runWorker(ctx, b, "w1", func(taskID string) {
		task, _ := d.Task(taskID)
		order = append(order, task.Description)
		d.UpdateStatus(taskID, StatusCompleted, nil, "")
		if len(order) == 3 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d tasks completed", len(order))
	}
	if order[0] != "urgent" || order[1] != "normal" || order[2] != "low" {
		t.Errorf("got assignment order %v", order)
	}
}

func TestForcedReassignReleasesPreviousAssignee(t *testing.T) {
	d, b, reg, ctx := newTestRig(t)
	addWorker(b, reg, "w1", "compute")
	// w1 receives but never reports.

	taskID := d.Submit("client", "analysis", "will move to w2",
		Requirements{Capability: "compute"}, PriorityNormal, nil, nil)
	waitFor(t, 2*time.Second, func() bool {
		task, _ := d.Task(taskID)
		return task.AssignedAgentID == "w1"
	})

	addWorker(b, reg, "w2", "compute")
	runWorker(ctx, b, "w2", func(taskID string) {
		d.UpdateStatus(taskID, StatusCompleted, nil, "")
	})
	if !d.Assign(ctx, taskID, "w2", true) {
		t.Fatal("forced reassign should succeed")
	}

	if status, ok := d.WaitTerminal(ctx, taskID, 2*time.Second); !ok || status != StatusCompleted {
		t.Fatalf("got (%s, %v), want (completed, true)", status, ok)
	}
	if w := d.Stats().AgentWorkloads["w1"]; w != 0 {
		t.Errorf("got workload %d for the first assignee, want 0", w)
	}
	task, _ := d.Task(taskID)
	if task.AssignedAgentID != "w2" {
		t.Errorf("got agent %q, want w2", task.AssignedAgentID)
	}

	// w1 is told to drop the task it no longer holds.
	notified := false
	for i := 0; i < 20 && !notified; i++ {
		msg := b.Receive(ctx, "w1", 50*time.Millisecond)
		if msg != nil && msg.Type == bus.TypeStatusUpdate && msg.Payload["reason"] == "task reassigned" {
			notified = true
		}
	}
	if !notified {
		t.Error("first assignee should be told the task was reassigned")
	}
}

func TestStaleFailureReportIgnoredWhilePending(t *testing.T) {
	d, _, _, _ := newTestRig(t)

	// Nobody offers the capability, so the task sits pending.
	taskID := d.Submit("client", "analysis", "nobody can run this",
		Requirements{Capability: "rare"}, PriorityNormal, nil, nil)

	if d.UpdateStatus(taskID, StatusFailed, nil, "stale watcher") {
		t.Error("failure report on a pending task should be rejected")
	}
	task, _ := d.Task(taskID)
	if task.RetryCount != 0 {
		t.Errorf("got retry count %d, want 0", task.RetryCount)
	}
	if task.Status != StatusPending {
		t.Errorf("got status %s, want pending", task.Status)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
