// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/hitl"
	"github.com/jllopis/synod/pkg/telemetry"
)

// OpStatePrune is the HITL operation kind of a prune commit.
const OpStatePrune = "state_prune"

// RoundAdversarial is the round during which the security team is protected.
const RoundAdversarial = "adversarial"

// PruneContext describes the situation a prune is requested in.
type PruneContext struct {
	Round string
	// Override allows a prune that would leave fewer than two active teams.
	Override bool
	// Unschedulable lists teams that are active in the store but no longer
	// take slots, such as merged teams. They do not count as remaining.
	Unschedulable []string
	Extra         map[string]any
}

// Plan is what Commit would do.
type Plan struct {
	Team      string    `json:"team"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	HasState  bool      `json:"has_state"`
	Remaining []string  `json:"remaining"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one committed prune or rollback.
type Record struct {
	Team      string    `json:"team"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	Action    string    `json:"action"` // commit, rollback
	Snapshot  string    `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager retires teams in two phases and can undo a retirement.
type Manager struct {
	mu      sync.Mutex
	state   StateStore
	snaps   SnapshotStore
	records []Record

	policy        *hitl.Policy
	modal         hitl.Modal
	securityTeam  string
	allowUnderMin bool

	sink    audit.Sink
	bus     eventbus.Publisher
	logger  *slog.Logger
	metrics *telemetry.GovernanceMetrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithApproval requires an approval from modal, brokered by policy, before
// every commit.
func WithApproval(policy *hitl.Policy, modal hitl.Modal) ManagerOption {
	return func(m *Manager) {
		m.policy = policy
		m.modal = modal
	}
}

// WithSecurityTeam names the team protected during adversarial rounds.
func WithSecurityTeam(team string) ManagerOption {
	return func(m *Manager) { m.securityTeam = team }
}

// WithAllowUnderMin lets every prune go below two active teams.
func WithAllowUnderMin(allow bool) ManagerOption {
	return func(m *Manager) { m.allowUnderMin = allow }
}

// WithManagerAuditSink records commits and rollbacks.
func WithManagerAuditSink(sink audit.Sink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithManagerPublisher publishes team.pruned and team.restored events.
func WithManagerPublisher(bus eventbus.Publisher) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager over a live state store and a snapshot store.
func NewManager(state StateStore, snaps SnapshotStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		state:        state,
		snaps:        snaps,
		securityTeam: "white",
		sink:         audit.Discard{},
		logger:       slog.Default(),
		metrics:      telemetry.Metrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the live state store.
func (m *Manager) State() StateStore { return m.state }

// DryRun validates the guardrails for pruning team without changing anything.
func (m *Manager) DryRun(_ context.Context, team, reason, actor string, pc PruneContext) (Plan, error) {
	team = strings.TrimSpace(team)
	if team == "" {
		return Plan{}, errors.New(errors.CodeInvalidInput, "team is required", nil)
	}
	_, hasState := m.state.Get(team)
	if !m.state.IsActive(team) {
		return Plan{}, errors.Guardrail(team, "team is not active")
	}
	if strings.EqualFold(team, m.securityTeam) && strings.EqualFold(pc.Round, RoundAdversarial) {
		return Plan{}, errors.Guardrail(team, "security team cannot be pruned during an adversarial round").
			WithContext("round", pc.Round)
	}
	remaining := make([]string, 0)
	for _, t := range m.state.Active() {
		if t != team && !slices.Contains(pc.Unschedulable, t) {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) < 2 && !pc.Override && !m.allowUnderMin {
		return Plan{}, errors.Guardrail(team, fmt.Sprintf("pruning would leave %d active teams, need at least 2", len(remaining))).
			WithContext("remaining", remaining)
	}
	return Plan{
		Team:      team,
		Actor:     actor,
		Reason:    reason,
		HasState:  hasState,
		Remaining: remaining,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Commit re-validates, snapshots the team state, removes it from the live
// store and deactivates the team.
func (m *Manager) Commit(ctx context.Context, team, reason, actor string, pc PruneContext) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.DryRun(ctx, team, reason, actor, pc)
	if err != nil {
		m.logger.Warn("pruning.guardrail", slog.String(telemetry.AttrTeam, team), slog.String("error", err.Error()))
		return Record{}, err
	}

	if m.policy != nil && m.policy.RequiresApproval(OpStatePrune) {
		approved, err := m.policy.RequestApproval(ctx, OpStatePrune, fmt.Sprintf("prune %s: %s", team, reason), m.modal, actor)
		if !approved {
			denial := "prune rejected by approver"
			if err != nil {
				denial = err.Error()
			}
			m.audit(ctx, audit.Entry{Kind: audit.KindHITLDenied, Actor: actor, Action: OpStatePrune, Reason: denial,
				Payload: map[string]any{"team": team}})
			se := errors.ApprovalDenied(actor, OpStatePrune, denial).WithContext("team", team)
			se.Err = err
			return Record{}, se
		}
	}

	state, hasState := m.state.Get(plan.Team)
	location, err := m.snaps.Save(ctx, Snapshot{
		Team:     plan.Team,
		State:    state,
		HasState: hasState,
		Active:   true,
		Actor:    actor,
		Reason:   reason,
	})
	if err != nil {
		return Record{}, err
	}

	m.state.Delete(plan.Team)
	m.state.Deactivate(plan.Team)

	rec := Record{Team: plan.Team, Actor: actor, Reason: reason, Action: "commit", Snapshot: location, Timestamp: time.Now().UTC()}
	m.records = append(m.records, rec)
	m.audit(ctx, audit.Entry{Kind: audit.KindPruneCommitted, Actor: actor, Action: "prune", Reason: reason,
		Payload: map[string]any{"team": plan.Team, "snapshot": location, "remaining": plan.Remaining}})
	m.publish(ctx, eventbus.TypeTeamPruned, rec)
	m.metrics.RecordPrune(ctx, plan.Team, "commit")
	m.logger.Info("pruning.committed",
		slog.String(telemetry.AttrTeam, plan.Team),
		slog.String(telemetry.AttrActor, actor),
		slog.String("snapshot", location),
	)
	return rec, nil
}

// Rollback restores team from the snapshot at location and reactivates it.
func (m *Manager) Rollback(ctx context.Context, location, team string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snaps.Load(ctx, location)
	if err != nil {
		return Record{}, err
	}
	if snap.Team != team {
		return Record{}, errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("snapshot belongs to %q, not %q", snap.Team, team), nil)
	}
	if snap.HasState {
		if err := m.state.Put(team, snap.State); err != nil {
			return Record{}, err
		}
	} else {
		m.state.Delete(team)
	}
	m.state.Activate(team)

	rec := Record{Team: team, Actor: snap.Actor, Reason: snap.Reason, Action: "rollback", Snapshot: location, Timestamp: time.Now().UTC()}
	m.records = append(m.records, rec)
	m.audit(ctx, audit.Entry{Kind: audit.KindPruneRolledBack, Actor: snap.Actor, Action: "rollback", Reason: snap.Reason,
		Payload: map[string]any{"team": team, "snapshot": location}})
	m.publish(ctx, eventbus.TypeTeamRestored, rec)
	m.metrics.RecordPrune(ctx, team, "rollback")
	m.logger.Info("pruning.rolled_back", slog.String(telemetry.AttrTeam, team), slog.String("snapshot", location))
	return rec, nil
}

// AuditLog returns the commits and rollbacks in order.
func (m *Manager) AuditLog() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func (m *Manager) audit(ctx context.Context, e audit.Entry) {
	if runID, ok := core.RunID(ctx); ok {
		e.RunID = runID
	}
	if err := m.sink.Append(ctx, e); err != nil {
		m.logger.Error("pruning.audit.failed", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, rec Record) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, eventbus.Event{Type: eventType, Scope: "lineage", Payload: map[string]any{
		"team":     rec.Team,
		"actor":    rec.Actor,
		"reason":   rec.Reason,
		"snapshot": rec.Snapshot,
	}})
}
