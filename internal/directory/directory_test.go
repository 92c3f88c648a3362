package directory

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop())
}

func has(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestRegisterDefaultsToIdle(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(Info{ID: "a", Category: "worker"})

	info, ok := r.AgentInfo(context.Background(), "a")
	if !ok {
		t.Fatal("registered agent should be found")
	}
	if info.Status != StatusIdle {
		t.Errorf("got status %s, want idle", info.Status)
	}
}

func TestAvailableAgentsFilters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Register(Info{ID: "idle-nlp", Category: "analysis", Capabilities: []string{"nlp"}})
	r.Register(Info{ID: "busy-nlp", Category: "analysis", Capabilities: []string{"nlp"}, Status: StatusBusy})
	r.Register(Info{ID: "broken", Category: "analysis", Capabilities: []string{"nlp"}, Status: StatusError})
	r.Register(Info{ID: "other", Category: "transport", Capabilities: []string{"routing"}})

	got := r.AvailableAgents(ctx, Filter{Capability: "nlp"})
	if !has(got, "idle-nlp") || has(got, "busy-nlp") || has(got, "broken") {
		t.Errorf("got %v", got)
	}

	got = r.AvailableAgents(ctx, Filter{Capability: "nlp", IncludeBusy: true})
	if !has(got, "busy-nlp") {
		t.Errorf("busy agents should appear with IncludeBusy, got %v", got)
	}
	if has(got, "broken") {
		t.Error("agents in error state are never available")
	}

	got = r.AvailableAgents(ctx, Filter{Category: "transport"})
	if len(got) != 1 || got[0] != "other" {
		t.Errorf("got %v, want [other]", got)
	}
}

func TestUpdateStatusMergesMetadata(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Register(Info{ID: "a", Metadata: map[string]any{"zone": "east"}})

	if !r.UpdateStatus(ctx, "a", StatusBusy, map[string]any{"load": 3}) {
		t.Fatal("update should succeed")
	}
	info, _ := r.AgentInfo(ctx, "a")
	if info.Status != StatusBusy {
		t.Errorf("got status %s", info.Status)
	}
	if info.Metadata["zone"] != "east" || info.Metadata["load"] != 3 {
		t.Errorf("got metadata %v", info.Metadata)
	}

	if r.UpdateStatus(ctx, "ghost", StatusIdle, nil) {
		t.Error("unknown agent should be rejected")
	}
}

func TestRecordOutcomeCountsAndHistory(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Register(Info{ID: "a"})

	r.RecordOutcome("a", "completed")
	r.RecordOutcome("a", "failed")
	r.RecordOutcome("a", "completed")

	info, _ := r.AgentInfo(ctx, "a")
	if info.TaskCount != 3 || info.ErrorCount != 1 {
		t.Errorf("got tasks=%d errors=%d", info.TaskCount, info.ErrorCount)
	}

	history := r.PerformanceHistory(ctx, "a")
	if len(history) != 3 {
		t.Fatalf("got %d records", len(history))
	}
	if history[1].Status != "failed" {
		t.Errorf("got %v", history[1])
	}
}

func TestHistoryCapped(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(Info{ID: "a"})
	for i := 0; i < historyCap+20; i++ {
		r.RecordOutcome("a", "completed")
	}
	if n := len(r.PerformanceHistory(context.Background(), "a")); n != historyCap {
		t.Errorf("got %d records, want cap %d", n, historyCap)
	}
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(Info{ID: "a"})
	if !r.Deregister("a") {
		t.Fatal("deregister should succeed")
	}
	if _, ok := r.AgentInfo(context.Background(), "a"); ok {
		t.Error("deregistered agent should be gone")
	}
	if r.Deregister("a") {
		t.Error("double deregister should report false")
	}
}
