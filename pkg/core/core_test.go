package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEnsureRunID(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if !strings.HasPrefix(id, "run-") {
		t.Fatalf("unexpected run id %q", id)
	}
	ctx2, id2 := EnsureRunID(ctx)
	if id2 != id || ctx2 != ctx {
		t.Fatalf("expected existing run id to be kept")
	}
}

func TestActor(t *testing.T) {
	if _, ok := Actor(context.Background()); ok {
		t.Fatalf("expected no actor")
	}
	actor, ok := Actor(WithActor(context.Background(), "team/Red"))
	if !ok || actor != "team/Red" {
		t.Fatalf("unexpected actor %q", actor)
	}
}

func TestHealthRegistry(t *testing.T) {
	tests := []struct {
		name    string
		checks  map[string]HealthChecker
		overall HealthStatus
	}{
		{"empty", nil, HealthHealthy},
		{"all healthy", map[string]HealthChecker{
			"store": PingChecker(func(context.Context) error { return nil }),
		}, HealthHealthy},
		{"degraded", map[string]HealthChecker{
			"store": PingChecker(func(context.Context) error { return nil }),
			"index": HealthCheckerFunc(func(context.Context) HealthResult { return HealthResult{Status: HealthDegraded} }),
		}, HealthDegraded},
		{"unhealthy wins", map[string]HealthChecker{
			"store": PingChecker(func(context.Context) error { return errors.New("closed") }),
			"index": HealthCheckerFunc(func(context.Context) HealthResult { return HealthResult{Status: HealthDegraded} }),
		}, HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewHealthRegistry()
			for name, c := range tt.checks {
				r.Register(name, c)
			}
			results, overall := r.CheckAll(context.Background())
			if overall != tt.overall {
				t.Fatalf("expected %s, got %s", tt.overall, overall)
			}
			if len(results) != len(tt.checks) {
				t.Fatalf("expected %d results, got %d", len(tt.checks), len(results))
			}
			for _, res := range results {
				if res.LastCheck.IsZero() || res.Component == "" {
					t.Fatalf("incomplete result %+v", res)
				}
			}
		})
	}
}
