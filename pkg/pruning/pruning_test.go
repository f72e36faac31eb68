// SPDX-License-Identifier: Apache-2.0
package pruning

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/hitl"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestEvaluateTriggersOnRepeat(t *testing.T) {
	pub := &recordingPublisher{}
	sink := audit.NewMemorySink()
	e := NewEvaluator(WithEvaluatorPublisher(pub), WithEvaluatorAuditSink(sink), WithBaselineExempt(true))
	ctx := context.Background()
	out := map[string]any{"text": "hello world", "quality": 0.5, "cost": 1}

	first := e.Evaluate(ctx, "team1", out)
	if !first.Baseline || first.Suggested || first.Scores.Novelty != 1 {
		t.Fatalf("unexpected baseline evaluation %+v", first)
	}
	second := e.Evaluate(ctx, "team1", out)
	if second.Scores.Novelty != 0 {
		t.Fatalf("expected novelty 0, got %v", second.Scores.Novelty)
	}
	if !second.Suggested || !e.ShouldPrune("team1") {
		t.Fatalf("expected prune suggestion, got %+v", second)
	}
	if !math.IsInf(second.Scores.CostPerGain, 1) {
		t.Fatalf("zero growth must give infinite cost per gain, got %v", second.Scores.CostPerGain)
	}

	if len(pub.events) != 1 || pub.events[0].Type != eventbus.TypePruneSuggested {
		t.Fatalf("expected one prune_suggested event, got %+v", pub.events)
	}
	payload := pub.events[0].Payload
	if payload["team"] != "team1" || payload["cost_per_gain"] != "inf" || payload["novelty"] != 0.0 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if _, err := json.Marshal(payload); err != nil {
		t.Fatalf("payload must be JSON encodable: %v", err)
	}
	if entries, _ := sink.List(ctx, audit.Filter{Kind: audit.KindPruneSuggested}); len(entries) != 1 {
		t.Fatalf("expected audited suggestion, got %d", len(entries))
	}

	e.ClearSuggestion("team1")
	if e.ShouldPrune("team1") {
		t.Fatalf("suggestion should be cleared")
	}
}

func TestEvaluateFirstOutputFollowsThresholds(t *testing.T) {
	out := map[string]any{"text": "first take", "quality": 0.5, "cost": 1}
	cases := []struct {
		name          string
		opts          []EvaluatorOption
		wantSuggested bool
	}{
		{"default", nil, true},
		{"exempt", []EvaluatorOption{WithBaselineExempt(true)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := audit.NewMemorySink()
			e := NewEvaluator(append(tc.opts, WithEvaluatorAuditSink(sink))...)
			ev := e.Evaluate(context.Background(), "Yellow", out)
			if !ev.Baseline {
				t.Fatalf("first output must be flagged as baseline")
			}
			if !math.IsInf(ev.Scores.CostPerGain, 1) {
				t.Fatalf("no previous output means infinite cost per gain, got %v", ev.Scores.CostPerGain)
			}
			if ev.Suggested != tc.wantSuggested || e.ShouldPrune("Yellow") != tc.wantSuggested {
				t.Fatalf("suggested = %v, want %v (%+v)", ev.Suggested, tc.wantSuggested, ev)
			}
			entries, _ := sink.List(context.Background(), audit.Filter{Kind: audit.KindPruneSuggested})
			if tc.wantSuggested && (len(entries) != 1 || !strings.Contains(entries[0].Reason, "cost per gain inf")) {
				t.Fatalf("expected audited cost per gain suggestion, got %+v", entries)
			}
			if !tc.wantSuggested && len(entries) != 0 {
				t.Fatalf("exempt baseline must not be audited, got %+v", entries)
			}
		})
	}
}

func TestEvaluateHealthyProgress(t *testing.T) {
	e := NewEvaluator()
	ctx := context.Background()
	e.Evaluate(ctx, "green", map[string]any{"content": "draft plan for the api", "score": 0.2})
	ev := e.Evaluate(ctx, "green", map[string]any{"content": "benchmark results show latency halved", "score": 0.8, "tokens": 1.2})
	if ev.Suggested {
		t.Fatalf("healthy progress should not be suggested: %+v", ev)
	}
	if math.Abs(ev.Scores.Growth-0.6) > 1e-9 || math.Abs(ev.Scores.CostPerGain-2.0) > 1e-9 {
		t.Fatalf("unexpected scores %+v", ev.Scores)
	}
}

func TestScoreDoesNotRecord(t *testing.T) {
	e := NewEvaluator()
	out := map[string]any{"output": "same"}
	if s := e.Score("x", out); s.Novelty != 1 || s.Growth != 0 {
		t.Fatalf("unexpected scores %+v", s)
	}
	if s := e.Score("x", out); s.Novelty != 1 {
		t.Fatalf("Score must not remember outputs, got %+v", s)
	}
}

func TestThresholdReasons(t *testing.T) {
	e := NewEvaluator(WithThresholds(Thresholds{MinNovelty: 0.1, MinGrowth: 0.0, MaxCostPerGain: 1.0}))
	ctx := context.Background()
	e.Evaluate(ctx, "yellow", map[string]any{"text": "a b", "quality": 0.5})
	ev := e.Evaluate(ctx, "yellow", map[string]any{"text": "c d", "quality": 0.4})
	if !ev.Suggested {
		t.Fatalf("regression should be suggested")
	}
	if ev.Reason == "" {
		t.Fatalf("expected a reason")
	}
}

func newManager(t *testing.T, opts ...ManagerOption) (*Manager, *MemoryStateStore, *audit.MemorySink) {
	t.Helper()
	state := NewMemoryStateStore("Red", "Blue", "Green", "White")
	if err := state.Put("Green", json.RawMessage(`{"plan": ["a", "b"], "round": 2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	sink := audit.NewMemorySink()
	opts = append([]ManagerOption{WithManagerAuditSink(sink)}, opts...)
	return NewManager(state, NewFileSnapshotStore(t.TempDir()), opts...), state, sink
}

func TestCommitRollbackRestoresExactState(t *testing.T) {
	m, state, sink := newManager(t)
	ctx := context.Background()
	before, _ := state.Get("Green")

	rec, err := m.Commit(ctx, "Green", "stalled", "orchestrator", PruneContext{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := state.Get("Green"); ok || state.IsActive("Green") {
		t.Fatalf("team should be removed after commit")
	}

	if _, err := m.Rollback(ctx, rec.Snapshot, "Green"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	after, ok := state.Get("Green")
	if !ok || string(after) != string(before) {
		t.Fatalf("expected %s restored, got %s", before, after)
	}
	if !state.IsActive("Green") {
		t.Fatalf("team should be active again")
	}

	log := m.AuditLog()
	if len(log) != 2 || log[0].Action != "commit" || log[1].Action != "rollback" {
		t.Fatalf("unexpected audit log %+v", log)
	}
	if entries, _ := sink.List(ctx, audit.Filter{}); len(entries) != 2 ||
		entries[0].Kind != audit.KindPruneCommitted || entries[1].Kind != audit.KindPruneRolledBack {
		t.Fatalf("unexpected sink entries %+v", entries)
	}
}

func TestRollbackOfTeamWithoutState(t *testing.T) {
	m, state, _ := newManager(t)
	ctx := context.Background()
	rec, err := m.Commit(ctx, "Red", "noise", "orchestrator", PruneContext{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := m.Rollback(ctx, rec.Snapshot, "Blue"); !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	if _, err := m.Rollback(ctx, rec.Snapshot, "Red"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok := state.Get("Red"); ok || !state.IsActive("Red") {
		t.Fatalf("expected Red active without state")
	}
}

func TestGuardrails(t *testing.T) {
	ctx := context.Background()

	m, state, _ := newManager(t)
	if _, err := m.DryRun(ctx, "White", "noise", "orchestrator", PruneContext{Round: "adversarial"}); !errors.Is(err, errors.CodeGuardrail) {
		t.Fatalf("expected guardrail for security team, got %v", err)
	}
	if _, err := m.DryRun(ctx, "White", "noise", "orchestrator", PruneContext{Round: "quality"}); err != nil {
		t.Fatalf("security team may be pruned outside adversarial rounds: %v", err)
	}

	state.Deactivate("Red")
	state.Deactivate("Blue")
	_, err := m.Commit(ctx, "Green", "noise", "orchestrator", PruneContext{})
	if !errors.Is(err, errors.CodeGuardrail) {
		t.Fatalf("expected min-active guardrail, got %v", err)
	}
	if _, ok := state.Get("Green"); !ok || !state.IsActive("Green") {
		t.Fatalf("failed commit must not mutate state")
	}
	if _, err := m.Commit(ctx, "Green", "noise", "orchestrator", PruneContext{Override: true}); err != nil {
		t.Fatalf("override should allow the prune: %v", err)
	}
	if _, err := m.DryRun(ctx, "Green", "again", "orchestrator", PruneContext{Override: true}); !errors.Is(err, errors.CodeGuardrail) {
		t.Fatalf("inactive team cannot be pruned, got %v", err)
	}
}

func TestUnschedulableTeamsDoNotCountAsRemaining(t *testing.T) {
	ctx := context.Background()
	m, state, _ := newManager(t)

	pc := PruneContext{Unschedulable: []string{"Red", "Blue"}}
	if _, err := m.Commit(ctx, "Green", "noise", "orchestrator", pc); !errors.Is(err, errors.CodeGuardrail) {
		t.Fatalf("only White would be left to schedule, got %v", err)
	}
	if !state.IsActive("Green") {
		t.Fatalf("failed commit must not deactivate the team")
	}

	plan, err := m.DryRun(ctx, "Green", "noise", "orchestrator", PruneContext{Unschedulable: []string{"Red"}})
	if err != nil {
		t.Fatalf("Blue and White remain: %v", err)
	}
	if len(plan.Remaining) != 2 || plan.Remaining[0] != "Blue" || plan.Remaining[1] != "White" {
		t.Fatalf("unexpected remaining %v", plan.Remaining)
	}
}

func TestCommitRequiresApproval(t *testing.T) {
	policy := hitl.NewPolicy()
	m, state, sink := newManager(t, WithApproval(policy, hitl.StaticModal{Approved: false}))
	ctx := context.Background()

	_, err := m.Commit(ctx, "Green", "stalled", "orchestrator", PruneContext{})
	if !errors.Is(err, errors.CodeApprovalDenied) {
		t.Fatalf("expected approval denied, got %v", err)
	}
	if !state.IsActive("Green") {
		t.Fatalf("denied prune must not deactivate the team")
	}
	if entries, _ := sink.List(ctx, audit.Filter{Kind: audit.KindHITLDenied}); len(entries) != 1 {
		t.Fatalf("expected denial audited, got %d", len(entries))
	}
	if recs := policy.Records(ctx); len(recs) != 1 || recs[0].Action != OpStatePrune {
		t.Fatalf("unexpected approval records %+v", recs)
	}
}

func TestFileSnapshotStoreMissing(t *testing.T) {
	s := NewFileSnapshotStore(t.TempDir())
	if _, err := s.Load(context.Background(), s.Dir+"/nope.json"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
