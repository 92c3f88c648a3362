package conflict

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/directory"
	"github.com/nidhogg/overseer/internal/journal"
	"go.uber.org/zap"
)

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, *bus.Bus, *directory.Registry) {
	t.Helper()
	logger := zap.NewNop()
	w := journal.NewWriter(journal.Nop{}, 64, logger)
	t.Cleanup(w.Close)
	reg := directory.NewRegistry(logger)
	b := bus.New(w, logger)
	return New(b, reg, w, logger, opts...), b, reg
}

// addVoter registers an agent that answers consensus requests with the
// given vote.
func addVoter(ctx context.Context, b *bus.Bus, id string, agree bool) {
	b.Register(id)
	go func() {
		for {
			msg := b.Receive(ctx, id, 50*time.Millisecond)
			if ctx.Err() != nil {
				return
			}
			if msg == nil || msg.Type != bus.TypeResourceRequest {
				continue
			}
			b.Respond(msg, id, bus.TypeResourceResponse, map[string]any{"agree": agree})
		}
	}()
}

func TestReportAndLookup(t *testing.T) {
	r, _, _ := newTestResolver(t)

	id := r.Report(TypeResource, SeverityMedium, []string{"a", "b"}, "both want the gpu", nil)
	c, ok := r.Conflict(id)
	if !ok {
		t.Fatal("reported conflict should be retrievable")
	}
	if c.Status != StatusDetected {
		t.Errorf("got status %s, want detected", c.Status)
	}
	if len(r.ActiveConflicts()) != 1 {
		t.Error("expected one active conflict")
	}
}

func TestPriorityResolutionScoresTrackRecord(t *testing.T) {
	r, _, reg := newTestResolver(t)
	reg.Register(directory.Info{ID: "veteran"})
	reg.Register(directory.Info{ID: "rookie"})
	for i := 0; i < 10; i++ {
		reg.RecordOutcome("veteran", "completed")
	}
	reg.RecordOutcome("rookie", "failed")
	reg.RecordOutcome("rookie", "completed")

	id := r.Report(TypeResource, SeverityMedium, []string{"rookie", "veteran"}, "gpu contention", nil)
	res, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyPriority {
		t.Fatalf("got strategy %s, want priority_based", res.Strategy)
	}
	if res.Decision["winner"] != "veteran" {
		t.Errorf("got winner %v, want veteran", res.Decision["winner"])
	}
	if res.Confidence != 0.8 {
		t.Errorf("got confidence %v, want 0.8", res.Confidence)
	}

	c, _ := r.Conflict(id)
	if c.Status != StatusResolved {
		t.Errorf("got status %s, want resolved", c.Status)
	}
}

func TestResolveTwiceRejected(t *testing.T) {
	r, _, reg := newTestResolver(t)
	reg.Register(directory.Info{ID: "a"})

	id := r.Report(TypeResource, SeverityLow, []string{"a"}, "solo claim", nil)
	if _, err := r.Resolve(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(context.Background(), id); err == nil {
		t.Error("second resolve should be rejected")
	}
	if _, err := r.Resolve(context.Background(), "nope"); err == nil {
		t.Error("unknown conflict should be rejected")
	}
}

func TestCriticalSeverityArbitrates(t *testing.T) {
	r, _, reg := newTestResolver(t)
	reg.Register(directory.Info{ID: "steady"})
	reg.Register(directory.Info{ID: "flaky"})
	reg.RecordOutcome("steady", "completed")
	reg.RecordOutcome("flaky", "failed")

	id := r.Report(TypeGoal, SeverityCritical, []string{"flaky", "steady"}, "incompatible goals", nil)
	res, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyArbitration {
		t.Fatalf("got strategy %s, want arbitration for critical severity", res.Strategy)
	}
	if res.Decision["winner"] != "steady" {
		t.Errorf("got winner %v, want steady", res.Decision["winner"])
	}
	if res.Confidence != 0.7 {
		t.Errorf("got confidence %v, want 0.7", res.Confidence)
	}
}

func TestEscalationRuleBroadcastsToOperators(t *testing.T) {
	r, b, _ := newTestResolver(t, WithRules([]Rule{
		{Severity: SeverityCritical, Strategy: StrategyEscalation},
	}))
	b.Register("ops")
	b.Subscribe("ops", bus.TypeSystemBroadcast)

	id := r.Report(TypeResource, SeverityCritical, []string{"a", "b"}, "everything is on fire", nil)
	res, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyEscalation {
		t.Fatalf("got strategy %s, want escalation", res.Strategy)
	}

	c, _ := r.Conflict(id)
	if c.Status != StatusEscalated {
		t.Errorf("got status %s, want escalated", c.Status)
	}

	alert := b.Receive(context.Background(), "ops", time.Second)
	if alert == nil || alert.Payload["event"] != "conflict_escalated" {
		t.Errorf("operators should see the escalation broadcast, got %v", alert)
	}
}

func TestShareableResourceSelectsSharing(t *testing.T) {
	r, _, _ := newTestResolver(t)

	id := r.Report(TypeResource, SeverityMedium, []string{"a", "b"}, "shared pool",
		map[string]any{"shareable": true})
	res, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategySharing {
		t.Fatalf("got strategy %s, want resource_sharing for shareable resource", res.Strategy)
	}
}

func TestRuleOverridesDefault(t *testing.T) {
	r, _, _ := newTestResolver(t, WithRules([]Rule{
		{Type: TypeResource, MinAgents: 3, Strategy: StrategySharing},
	}))

	id := r.Report(TypeResource, SeverityMedium, []string{"a", "b", "c"}, "shared pool", nil)
	res, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategySharing {
		t.Fatalf("got strategy %s, want resource_sharing via rule", res.Strategy)
	}
	allocation, _ := res.Decision["allocation"].(map[string]float64)
	if math.Abs(allocation["a"]-1.0/3.0) > 1e-9 {
		t.Errorf("got allocation %v, want equal thirds", allocation)
	}
	if res.Confidence != 0.8 {
		t.Errorf("got confidence %v, want 0.8 for equal split", res.Confidence)
	}
}

func TestSharingLimitedCapacityGoesToTopScorers(t *testing.T) {
	r, _, reg := newTestResolver(t)
	reg.Register(directory.Info{ID: "strong"})
	reg.Register(directory.Info{ID: "weak"})
	reg.RecordOutcome("strong", "completed")
	reg.RecordOutcome("weak", "failed")

	id := r.Report(TypeResource, SeverityMedium, []string{"weak", "strong"}, "one gpu, two claims",
		map[string]any{"shareable": true, "capacity": 1})
	res, _ := r.Resolve(context.Background(), id)
	if res.Decision["mode"] != "top_n_by_priority" {
		t.Errorf("got mode %v, want top_n_by_priority", res.Decision["mode"])
	}
	allocation, _ := res.Decision["allocation"].(map[string]float64)
	if allocation["strong"] != 1.0 {
		t.Errorf("got allocation %v, want all of it for strong", allocation)
	}
	if _, ok := allocation["weak"]; ok {
		t.Error("weak should get nothing with capacity 1")
	}
	if res.Confidence != 0.7 {
		t.Errorf("got confidence %v, want 0.7", res.Confidence)
	}
}

func TestFCFSAwardsEarliestRequest(t *testing.T) {
	r, _, _ := newTestResolver(t)

	now := time.Now().UTC()
	id := r.Report(TypeScheduling, SeverityMedium, []string{"late", "early"}, "queue jump",
		map[string]any{"requests": map[string]any{
			"late":  now.Format(time.RFC3339Nano),
			"early": now.Add(-time.Minute).Format(time.RFC3339Nano),
		}})
	res, _ := r.Resolve(context.Background(), id)
	if res.Decision["winner"] != "early" {
		t.Errorf("got winner %v, want early", res.Decision["winner"])
	}
	if res.Confidence != 0.9 {
		t.Errorf("got confidence %v, want 0.9", res.Confidence)
	}
}

func TestConsensusUnanimous(t *testing.T) {
	r, b, _ := newTestResolver(t, WithConsensusTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addVoter(ctx, b, "a", true)
	addVoter(ctx, b, "b", true)

	id := r.Report(TypeRecommendation, SeverityMedium, []string{"a", "b"}, "which plan",
		map[string]any{"proposal": map[string]any{"plan": "alpha"}})
	res, err := r.Resolve(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyConsensus {
		t.Fatalf("got strategy %s", res.Strategy)
	}
	if accepted, _ := res.Decision["accepted"].(bool); !accepted {
		t.Error("unanimous vote should be accepted")
	}
	if res.Decision["unanimous"] != true {
		t.Error("expected unanimous marker")
	}
	if res.Confidence != 0.9 {
		t.Errorf("got confidence %v, want 0.9", res.Confidence)
	}
}

func TestConsensusFallsBackToVoting(t *testing.T) {
	r, b, _ := newTestResolver(t, WithConsensusTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addVoter(ctx, b, "yes-1", true)
	addVoter(ctx, b, "yes-2", true)
	addVoter(ctx, b, "no-1", false)

	id := r.Report(TypeRecommendation, SeverityMedium, []string{"yes-1", "yes-2", "no-1"}, "split vote", nil)
	res, err := r.Resolve(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if accepted, _ := res.Decision["accepted"].(bool); !accepted {
		t.Error("two of three should carry the vote")
	}
	if res.Decision["unanimous"] == true {
		t.Error("split vote must not be unanimous")
	}
	want := 0.9 * 2.0 / 3.0
	if math.Abs(res.Confidence-want) > 1e-9 {
		t.Errorf("got confidence %v, want %v", res.Confidence, want)
	}
	votes, _ := res.Decision["votes"].(map[string]string)
	if votes["no-1"] != "reject" {
		t.Errorf("got votes %v", votes)
	}
}

func TestConsensusCountsSilenceAsAbstention(t *testing.T) {
	r, b, _ := newTestResolver(t, WithConsensusTimeout(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addVoter(ctx, b, "present", true)
	b.Register("absent")

	id := r.Report(TypeRecommendation, SeverityMedium, []string{"present", "absent"}, "half the room", nil)
	res, err := r.Resolve(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	votes, _ := res.Decision["votes"].(map[string]string)
	if votes["absent"] != "abstain" {
		t.Errorf("got votes %v", votes)
	}
	if accepted, _ := res.Decision["accepted"].(bool); accepted {
		t.Error("one of two is not a majority")
	}
}

func TestLargeRecommendationGroupVotes(t *testing.T) {
	r, _, _ := newTestResolver(t)

	id := r.Report(TypeRecommendation, SeverityMedium,
		[]string{"a", "b", "c", "d"}, "pick a plan",
		map[string]any{"votes": map[string]any{
			"a": "alpha", "b": "alpha", "c": "alpha", "d": "beta",
		}})
	res, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyVoting {
		t.Fatalf("got strategy %s, want voting for more than three agents", res.Strategy)
	}
	if res.Decision["winner"] != "alpha" {
		t.Errorf("got winner %v, want alpha", res.Decision["winner"])
	}
	if res.Confidence != 0.75 {
		t.Errorf("got confidence %v, want winning fraction 0.75", res.Confidence)
	}
}

func TestVotingDefaultsToSelfVotes(t *testing.T) {
	r, _, _ := newTestResolver(t, WithRules([]Rule{
		{Type: TypePriority, Strategy: StrategyVoting},
	}))

	id := r.Report(TypePriority, SeverityMedium, []string{"b", "a"}, "deadlock", nil)
	res, _ := r.Resolve(context.Background(), id)
	// Everyone votes for themselves; the tie breaks lexicographically.
	if res.Decision["winner"] != "a" {
		t.Errorf("got winner %v, want a", res.Decision["winner"])
	}
	if res.Confidence != 0.5 {
		t.Errorf("got confidence %v, want 0.5", res.Confidence)
	}
}

func TestNegotiationGrantsPartials(t *testing.T) {
	r, _, _ := newTestResolver(t, WithRules([]Rule{
		{Type: TypePriority, Strategy: StrategyNegotiation},
	}))

	id := r.Report(TypePriority, SeverityMedium, []string{"a", "b"}, "who goes first",
		map[string]any{"preferences": map[string]any{"a": "morning", "b": "evening"}})
	res, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyNegotiation {
		t.Fatalf("got strategy %s, want negotiation", res.Strategy)
	}
	compromise, _ := res.Decision["compromise"].(map[string]any)
	granted, _ := compromise["a"].(map[string]any)
	if granted["granted"] != "morning" {
		t.Errorf("got compromise %v", compromise)
	}
	if res.Confidence != 0.6 {
		t.Errorf("got confidence %v, want 0.6", res.Confidence)
	}
}

func TestAutoResolveSettlesWithoutExplicitCall(t *testing.T) {
	r, _, reg := newTestResolver(t, WithAutoResolve())
	reg.Register(directory.Info{ID: "a"})
	reg.Register(directory.Info{ID: "b"})

	id := r.Report(TypeResource, SeverityMedium, []string{"a", "b"}, "gpu", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := r.Conflict(id); ok && c.Status == StatusResolved {
			if c.Resolution == nil || c.Resolution.Strategy != StrategyPriority {
				t.Fatalf("got resolution %+v", c.Resolution)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("conflict never auto-resolved")
}

func TestEffectivenessEMA(t *testing.T) {
	r, _, reg := newTestResolver(t)
	reg.Register(directory.Info{ID: "a"})
	reg.Register(directory.Info{ID: "b"})

	id := r.Report(TypeResource, SeverityMedium, []string{"a", "b"}, "gpu", nil)
	if _, err := r.Resolve(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	// Start 0.5, then 0.8*0.5 + 0.2*0.8 from the resolution confidence.
	got := r.Stats().StrategyEffectiveness[StrategyPriority]
	if math.Abs(got-0.56) > 1e-9 {
		t.Fatalf("got effectiveness %v, want 0.56", got)
	}

	if !r.RecordOutcome(id, 1.0) {
		t.Fatal("recording an outcome for a resolved conflict should work")
	}
	got = r.Stats().StrategyEffectiveness[StrategyPriority]
	want := 0.8*0.56 + 0.2*1.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got effectiveness %v, want %v", got, want)
	}

	if r.RecordOutcome("nope", 1.0) {
		t.Error("unknown conflict should be rejected")
	}
}

func TestNotifiesInvolvedAgents(t *testing.T) {
	r, b, reg := newTestResolver(t)
	reg.Register(directory.Info{ID: "a"})
	b.Register("a")

	id := r.Report(TypeResource, SeverityHigh, []string{"a"}, "claim", nil)

	msg := b.Receive(context.Background(), "a", time.Second)
	if msg == nil || msg.Type != bus.TypeConflictNotification {
		t.Fatalf("expected a conflict notification, got %v", msg)
	}
	if msg.Priority != bus.PriorityHigh {
		t.Errorf("got priority %s, want high for high severity", msg.Priority)
	}

	if _, err := r.Resolve(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	msg = b.Receive(context.Background(), "a", time.Second)
	if msg == nil || msg.Payload["status"] != string(StatusResolved) {
		t.Errorf("expected a resolution notification, got %v", msg)
	}
}
