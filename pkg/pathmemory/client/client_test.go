package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/pathmemory"
	"github.com/jllopis/synod/pkg/pathmemory/httpapi"
	"github.com/jllopis/synod/pkg/resilience"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	handler, err := httpapi.New(httpapi.Config{Service: pathmemory.NewService(pathmemory.NewMemoryStore())})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	orch := New(srv.URL, pathmemory.ActorOrchestrator)
	red := New(srv.URL, "team/red")

	stored, err := orch.RecordPath(ctx, pathmemory.ScopeProject, pathmemory.KindNegative, pathmemory.Signature{
		Steps:   []string{"test_defenses"},
		Outcome: pathmemory.Outcome{Result: pathmemory.ResultFail},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	matches, err := red.QueryPaths(ctx, pathmemory.ScopeProject, pathmemory.KindNegative, pathmemory.Signature{Steps: []string{"test_defenses"}}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 1 || matches[0].Signature.Hash != stored.Hash {
		t.Fatalf("unexpected matches %+v", matches)
	}

	_, err = red.QueryPaths(ctx, pathmemory.ScopeProject, pathmemory.KindPositive, pathmemory.Signature{Steps: []string{"x"}}, 0)
	if !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := red.Put(ctx, "team/red", "notes", "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := red.Get(ctx, "team/red", "notes", "k")
	if err != nil || v != "v" {
		t.Fatalf("get: %q %v", v, err)
	}
	if _, err := red.Get(ctx, "team/red", "notes", "nope"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	h, err := orch.ScopeHash(ctx, "team/red", "notes")
	if err != nil || h != pathmemory.HashValues(map[string]string{"k": "v"}) {
		t.Fatalf("hash: %s %v", h, err)
	}
}

func TestRetryingClient(t *testing.T) {
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"principal":"project","scope":"run","hash":"abc"}`))
	}))
	defer flaky.Close()

	rc := resilience.DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Millisecond)
	c := New(flaky.URL, pathmemory.ActorOrchestrator).Retrying(rc)
	h, err := c.ScopeHash(context.Background(), "project", "run")
	if err != nil || h != "abc" {
		t.Fatalf("expected retry to succeed, got %q %v", h, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestRetryingClientDoesNotRetryDenials(t *testing.T) {
	var calls atomic.Int32
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"unauthorized","message":"acl"}}`))
	}))
	defer denied.Close()

	c := New(denied.URL, "team/red").Retrying(resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond))
	_, err := c.Get(context.Background(), "team/blue", "notes", "k")
	if !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("denials must not be retried, got %d calls", calls.Load())
	}
}
