package delegate

import (
	"context"
	"testing"
	"time"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := newQueue()
	q.push("low", PriorityLow.rank(), 0)
	q.push("urgent", PriorityUrgent.rank(), 0)
	q.push("normal", PriorityNormal.rank(), 0)
	q.push("high", PriorityHigh.rank(), 0)

	want := []string{"urgent", "high", "normal", "low"}
	for _, w := range want {
		id, _, ok := q.pop()
		if !ok {
			t.Fatalf("queue empty, want %q", w)
		}
		if id != w {
			t.Errorf("popped %q, want %q", id, w)
		}
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newQueue()
	for _, id := range []string{"first", "second", "third"} {
		q.push(id, PriorityNormal.rank(), 0)
	}

	for _, want := range []string{"first", "second", "third"} {
		id, _, _ := q.pop()
		if id != want {
			t.Errorf("popped %q, want %q", id, want)
		}
	}
}

func TestQueueRequeueKeepsPlace(t *testing.T) {
	q := newQueue()
	q.push("a", PriorityNormal.rank(), 0)
	q.push("b", PriorityNormal.rank(), 0)

	id, seq, _ := q.pop()
	if id != "a" {
		t.Fatalf("popped %q, want a", id)
	}

	// Requeue with the original sequence: a still goes before b.
	q.push("a", PriorityNormal.rank(), seq)
	id, _, _ = q.pop()
	if id != "a" {
		t.Errorf("requeued task lost its place, popped %q", id)
	}
}

func TestQueuePopEmpty(t *testing.T) {
	q := newQueue()
	if _, _, ok := q.pop(); ok {
		t.Error("pop on empty queue should report false")
	}
}

func TestQueueWaitPop(t *testing.T) {
	q := newQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push("late", PriorityNormal.rank(), 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, _, ok := q.waitPop(ctx)
	if !ok || id != "late" {
		t.Fatalf("waitPop got (%q, %v), want (late, true)", id, ok)
	}
}

func TestQueueWaitPopCancelled(t *testing.T) {
	q := newQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, ok := q.waitPop(ctx); ok {
		t.Error("waitPop should report false on cancellation")
	}
}
