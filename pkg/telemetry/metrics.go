// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/synod/pkg/errors"
)

// GovernanceMetrics counts the governance decisions taken during a run:
// approvals, denials, prune activity, subscriber failures and degraded teams.
type GovernanceMetrics struct {
	approvals        metric.Int64Counter
	denials          metric.Int64Counter
	pruneSuggestions metric.Int64Counter
	prunes           metric.Int64Counter
	handlerFailures  metric.Int64Counter
	degradedTeams    metric.Int64Counter
	errorCounter     metric.Int64Counter
	phaseLatencyMs   metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metrics     *GovernanceMetrics
)

// Metrics returns the process-wide governance metrics, creating them on first
// use against the global meter provider.
func Metrics() *GovernanceMetrics {
	metricsOnce.Do(func() {
		m, err := NewGovernanceMetrics()
		if err != nil {
			return
		}
		metrics = m
	})
	return metrics
}

// NewGovernanceMetrics creates the instruments on the global meter provider.
func NewGovernanceMetrics() (*GovernanceMetrics, error) {
	meter := otel.Meter("synod/governance")
	var (
		m   GovernanceMetrics
		err error
	)
	if m.approvals, err = meter.Int64Counter("synod.hitl.approvals",
		metric.WithDescription("Approved HITL requests by operation")); err != nil {
		return nil, err
	}
	if m.denials, err = meter.Int64Counter("synod.denials",
		metric.WithDescription("RBAC, ACL and HITL denials by kind")); err != nil {
		return nil, err
	}
	if m.pruneSuggestions, err = meter.Int64Counter("synod.pruning.suggestions",
		metric.WithDescription("Prune suggestions emitted by the evaluator")); err != nil {
		return nil, err
	}
	if m.prunes, err = meter.Int64Counter("synod.pruning.actions",
		metric.WithDescription("Committed prunes and rollbacks")); err != nil {
		return nil, err
	}
	if m.handlerFailures, err = meter.Int64Counter("synod.eventbus.handler_failures",
		metric.WithDescription("Event subscribers that returned an error or panicked")); err != nil {
		return nil, err
	}
	if m.degradedTeams, err = meter.Int64Counter("synod.team.degraded",
		metric.WithDescription("Team runs replaced by a degraded result")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("synod.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.phaseLatencyMs, err = meter.Float64Histogram("synod.orchestrator.phase.latency_ms",
		metric.WithDescription("Workflow phase latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *GovernanceMetrics) RecordApproval(ctx context.Context, op string, approved bool) {
	if m == nil {
		return
	}
	if approved {
		m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
		return
	}
	m.RecordDenial(ctx, "hitl", op)
}

// RecordDenial counts a refusal. kind is one of rbac, acl, hitl or guardrail.
func (m *GovernanceMetrics) RecordDenial(ctx context.Context, kind, subject string) {
	if m == nil {
		return
	}
	m.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("subject", subject),
	))
}

func (m *GovernanceMetrics) RecordPruneSuggestion(ctx context.Context, team string) {
	if m == nil {
		return
	}
	m.pruneSuggestions.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTeam, team)))
}

// RecordPrune counts a prune action (commit or rollback).
func (m *GovernanceMetrics) RecordPrune(ctx context.Context, team, action string) {
	if m == nil {
		return
	}
	m.prunes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTeam, team),
		attribute.String("action", action),
	))
}

func (m *GovernanceMetrics) RecordHandlerFailure(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.handlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrEventType, eventType)))
}

func (m *GovernanceMetrics) RecordDegradedTeam(ctx context.Context, team, phase string) {
	if m == nil {
		return
	}
	m.degradedTeams.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTeam, team),
		attribute.String(AttrPhase, phase),
	))
}

// RecordError increments the error counter using the synod error code when present.
func (m *GovernanceMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	se := errors.AsSynodError(err)
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", string(se.Code)),
		attribute.String("component", component),
		attribute.Bool("recoverable", se.Recoverable),
	))
}

func (m *GovernanceMetrics) RecordPhaseLatency(ctx context.Context, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseLatencyMs.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String(AttrPhase, phase)))
}
