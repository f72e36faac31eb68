package pathmemory

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/eventbus"
)

func sampleSignature(steps ...string) Signature {
	return Signature{
		Steps:        steps,
		ToolsUsed:    []string{"search"},
		KeyDecisions: []string{"attack surface first"},
		Outcome:      Outcome{Result: ResultFail, Score: 0.1},
	}
}

func TestRecordPathACL(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.RecordPath(ctx, "team/red", ScopeProject, KindPositive, sampleSignature("x"))
	if !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected ACL violation, got %v", err)
	}
	if _, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindPositive, sampleSignature("x")); err != nil {
		t.Fatalf("orchestrator record: %v", err)
	}
	if _, err := svc.RecordPath(ctx, "team/red", "team/red", KindLocal, sampleSignature("x")); err != nil {
		t.Fatalf("team record to own scope: %v", err)
	}
	if _, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, Kind("bogus"), sampleSignature("x")); !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRecordPathNormalizesAndIsImmutable(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	sig := sampleSignature("a", "b")
	sig.Hash = "forged"
	sig.Scope = "team/blue"
	stored, err := svc.RecordPath(ctx, ActorMeta, ScopeProject, KindNegative, sig)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if stored.Hash != sig.ComputeHash() {
		t.Fatalf("hash not recomputed: %s", stored.Hash)
	}
	if stored.Scope != ScopeProject {
		t.Fatalf("scope not forced: %s", stored.Scope)
	}

	sig.Steps[0] = "mutated"
	stored.Steps[1] = "mutated"
	matches, err := svc.QueryPaths(ctx, ActorMeta, ScopeProject, KindNegative, sampleSignature("a", "b"), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 1 || matches[0].Signature.Steps[0] != "a" || matches[0].Signature.Steps[1] != "b" {
		t.Fatalf("stored signature was mutated: %+v", matches)
	}
}

func TestEndToEndNegativeLearning(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	recorded, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("test_defenses"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	query := sampleSignature("test_defenses", "exfiltrate")
	matches, err := svc.QueryPaths(ctx, "team/red", ScopeProject, KindNegative, query, 0.0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(matches))
	}
	if matches[0].Signature.Hash != recorded.Hash {
		t.Fatalf("expected hash %s, got %s", recorded.Hash, matches[0].Signature.Hash)
	}
	if matches[0].Similarity != 0.5 {
		t.Fatalf("expected similarity 0.5, got %v", matches[0].Similarity)
	}

	_, err = svc.QueryPaths(ctx, "team/red", ScopeProject, KindPositive, query, 0.0)
	if !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected ACL error for positive paths, got %v", err)
	}
}

func TestQueryPathsRanking(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	for _, steps := range [][]string{{"a"}, {"a", "b", "c"}, {"a", "b"}, {"z"}, {"a", "b", "c", "d"}} {
		if _, err := svc.RecordPath(ctx, "team/blue", "team/blue", KindPositive, sampleSignature(steps...)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	matches, err := svc.QueryPaths(ctx, "team/blue", "team/blue", KindPositive, sampleSignature("a", "b"), 0.4)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := [][]string{{"a", "b"}, {"a", "b", "c"}, {"a"}, {"a", "b", "c", "d"}}
	if len(matches) != len(want) {
		t.Fatalf("expected %d matches, got %d: %+v", len(want), len(matches), matches)
	}
	for i, m := range matches {
		if len(m.Signature.Steps) != len(want[i]) {
			t.Fatalf("match %d: expected steps %v, got %v", i, want[i], m.Signature.Steps)
		}
		if i > 0 && m.Similarity > matches[i-1].Similarity {
			t.Fatalf("matches not sorted by similarity")
		}
	}
}

func TestShouldAvoid(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithAvoidThreshold(0.5))
	ctx := context.Background()

	if _, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("scan", "brute_force")); err != nil {
		t.Fatalf("record project: %v", err)
	}
	if _, err := svc.RecordPath(ctx, "team/red", "team/red", KindNegative, sampleSignature("phish")); err != nil {
		t.Fatalf("record own: %v", err)
	}
	if _, err := svc.RecordPath(ctx, "team/blue", "team/blue", KindNegative, sampleSignature("patch")); err != nil {
		t.Fatalf("record other: %v", err)
	}

	tests := []struct {
		name  string
		actor string
		steps []string
		avoid bool
	}{
		{"project negative", "team/red", []string{"scan", "brute_force"}, true},
		{"own negative", "team/red", []string{"phish"}, true},
		{"other team's negative is private", "team/red", []string{"patch"}, false},
		{"below threshold", "team/red", []string{"scan", "x", "y"}, false},
		{"orchestrator sees project", ActorOrchestrator, []string{"scan", "brute_force"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avoid, match, err := svc.ShouldAvoid(ctx, tt.actor, sampleSignature(tt.steps...), 0)
			if err != nil {
				t.Fatalf("should avoid: %v", err)
			}
			if avoid != tt.avoid {
				t.Fatalf("expected avoid=%v, got %v (%+v)", tt.avoid, avoid, match)
			}
			if avoid && match == nil {
				t.Fatalf("expected a match")
			}
		})
	}

	if _, _, err := svc.ShouldAvoid(ctx, "stranger", sampleSignature("scan"), 0.5); !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected ACL error for unknown actor, got %v", err)
	}
}

func TestScopeValuesAndHash(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	empty, err := svc.ScopeHash(ctx, "team/red", "team/red", "notes")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := svc.Put(ctx, "team/red", "team/red", "notes", "b", "2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := svc.Put(ctx, "team/red", "team/red", "notes", "a", "1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := svc.Get(ctx, ActorOrchestrator, "team/red", "notes", "a")
	if err != nil || got != "1" {
		t.Fatalf("get: %q %v", got, err)
	}
	if _, err := svc.Get(ctx, "team/red", "team/red", "notes", "missing"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.Put(ctx, "team/blue", "team/red", "notes", "a", "x"); !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected ACL error on foreign put, got %v", err)
	}
	if _, err := svc.Get(ctx, "team/blue", "team/red", "notes", "a"); !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected ACL error on foreign get, got %v", err)
	}

	h1, err := svc.ScopeHash(ctx, "team/red", "team/red", "notes")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == empty {
		t.Fatalf("hash did not change after writes")
	}
	if want := HashValues(map[string]string{"a": "1", "b": "2"}); h1 != want {
		t.Fatalf("scope hash must not depend on insertion order")
	}
}

func TestACLDenialIsAudited(t *testing.T) {
	sink := audit.NewMemorySink()
	svc := NewService(NewMemoryStore(), WithAuditSink(sink))
	ctx := context.Background()
	_, _ = svc.RecordPath(ctx, "team/red", ScopeProject, KindPositive, sampleSignature("x"))

	entries, err := sink.List(ctx, audit.Filter{Kind: audit.KindACLDenied})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "team/red" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestRecordPublishesEvent(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	got := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.TypePathRecorded, func(_ context.Context, ev eventbus.Event) error {
		got <- ev
		return nil
	})

	svc := NewService(NewMemoryStore(), WithPublisher(bus))
	stored, err := svc.RecordPath(context.Background(), ActorOrchestrator, ScopeProject, KindPositive, sampleSignature("a"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := bus.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	ev := <-got
	if ev.Scope != ScopeProject || ev.Payload["hash"] != stored.Hash {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type stubIndex struct {
	added      int
	candidates []string
	err        error
}

func (s *stubIndex) Add(context.Context, string, Kind, Signature) error {
	s.added++
	return s.err
}

func (s *stubIndex) Candidates(context.Context, string, Kind, Signature) ([]string, error) {
	return s.candidates, s.err
}

func TestIndexPrefiltersThenReranks(t *testing.T) {
	idx := &stubIndex{}
	svc := NewService(NewMemoryStore(), WithIndex(idx))
	ctx := context.Background()

	a, _ := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a"))
	_, _ = svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a", "b"))
	if idx.added != 2 {
		t.Fatalf("expected index to see both records, got %d", idx.added)
	}

	idx.candidates = []string{a.Hash}
	matches, err := svc.QueryPaths(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a", "b"), 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 1 || matches[0].Signature.Hash != a.Hash {
		t.Fatalf("expected only the indexed candidate, got %+v", matches)
	}

	idx.candidates = nil
	matches, err = svc.QueryPaths(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a"), 0)
	if err != nil || len(matches) != 0 {
		t.Fatalf("expected no matches without candidates, got %+v %v", matches, err)
	}

	idx.err = stderrors.New("unavailable")
	if _, err := svc.QueryPaths(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a"), 0); !errors.Is(err, errors.CodeStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

type failingStore struct {
	Store
}

func (failingStore) AppendPath(context.Context, string, Kind, Signature) error {
	return stderrors.New("disk full")
}

func TestRecordPathKeepsIndexAndStoreInStep(t *testing.T) {
	ctx := context.Background()

	t.Run("index failure stores nothing", func(t *testing.T) {
		idx := &stubIndex{err: stderrors.New("unavailable")}
		store := NewMemoryStore()
		svc := NewService(store, WithIndex(idx))
		_, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a"))
		if !errors.Is(err, errors.CodeStorage) {
			t.Fatalf("expected storage error, got %v", err)
		}
		stored, err := store.ListPaths(ctx, PathFilter{Target: ScopeProject, Kind: KindNegative})
		if err != nil || len(stored) != 0 {
			t.Fatalf("an unindexed path must not be stored, got %+v %v", stored, err)
		}
	})

	t.Run("store failure is never returned by a search", func(t *testing.T) {
		idx := &stubIndex{}
		base := NewMemoryStore()
		svc := NewService(failingStore{Store: base}, WithIndex(idx))
		_, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a"))
		if !errors.Is(err, errors.CodeStorage) {
			t.Fatalf("expected storage error, got %v", err)
		}
		if idx.added != 1 {
			t.Fatalf("index is written before the store")
		}
		idx.candidates = []string{sampleSignature("a").ComputeHash()}
		matches, err := svc.QueryPaths(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("a"), 0)
		if err != nil || len(matches) != 0 {
			t.Fatalf("a dangling index entry must not match, got %+v %v", matches, err)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc := NewService(store)
	ctx := context.Background()

	first, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("test_defenses"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	second, err := svc.RecordPath(ctx, ActorOrchestrator, ScopeProject, KindNegative, sampleSignature("other"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := store.ListPaths(ctx, PathFilter{Target: ScopeProject, Kind: KindNegative})
	if err != nil || len(all) != 2 {
		t.Fatalf("list: %v %d", err, len(all))
	}
	if all[0].Hash != first.Hash || all[1].Hash != second.Hash {
		t.Fatalf("insertion order not kept")
	}
	byHash, err := store.ListPaths(ctx, PathFilter{Target: ScopeProject, Kind: KindNegative, Hashes: []string{second.Hash}})
	if err != nil || len(byHash) != 1 || byHash[0].Steps[0] != "other" {
		t.Fatalf("hash filter: %+v %v", byHash, err)
	}

	matches, err := svc.QueryPaths(ctx, "team/red", ScopeProject, KindNegative, sampleSignature("test_defenses"), 0.5)
	if err != nil || len(matches) != 1 || matches[0].Signature.Hash != first.Hash {
		t.Fatalf("query: %+v %v", matches, err)
	}

	if err := svc.Put(ctx, ActorOrchestrator, ScopeProject, "run", "k", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := svc.Put(ctx, ActorOrchestrator, ScopeProject, "run", "k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, err := svc.Get(ctx, ActorMeta, ScopeProject, "run", "k"); err != nil || v != "v2" {
		t.Fatalf("get: %q %v", v, err)
	}
	if _, err := svc.Get(ctx, ActorMeta, ScopeProject, "run", "nope"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	h, err := svc.ScopeHash(ctx, ActorMeta, ScopeProject, "run")
	if err != nil || h != HashValues(map[string]string{"k": "v2"}) {
		t.Fatalf("scope hash mismatch: %s %v", h, err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
