// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package hitl gates destructive operations behind a human decision.
//
// A Policy knows which operation kinds are destructive and records every
// decision it brokers, approved or not, as an ApprovalRecord. How the human
// is asked is up to the Modal passed to RequestApproval.
package hitl

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/telemetry"
)

// DefaultDestructiveOps are the operation kinds that need approval when no
// configuration says otherwise.
var DefaultDestructiveOps = []string{"git_write", "file_write", "file_delete", "external_post", "state_prune"}

// ApprovalRecord is one brokered decision.
type ApprovalRecord struct {
	Action    string    `json:"action"`
	Approved  bool      `json:"approved"`
	User      string    `json:"user"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Policy decides which operations require approval and keeps the trail.
type Policy struct {
	mu      sync.Mutex
	ops     []string
	records []ApprovalRecord

	sink    audit.Sink
	bus     eventbus.Publisher
	logger  *slog.Logger
	metrics *telemetry.GovernanceMetrics
}

// Option configures a Policy.
type Option func(*Policy)

// WithDestructiveOps replaces the destructive operation set. Entries may be
// path.Match globs such as "file_*".
func WithDestructiveOps(ops ...string) Option {
	return func(p *Policy) {
		p.ops = normalizeOps(ops)
	}
}

// WithAuditSink mirrors approval records to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(p *Policy) { p.sink = sink }
}

// WithPublisher publishes hitl.approval_requested and hitl.approval_decided events.
func WithPublisher(bus eventbus.Publisher) Option {
	return func(p *Policy) { p.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPolicy creates a policy with the default destructive set.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		ops:     append([]string(nil), DefaultDestructiveOps...),
		sink:    audit.Discard{},
		logger:  slog.Default(),
		metrics: telemetry.Metrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromConfig creates a policy from the hitl configuration section.
func FromConfig(cfg config.HITLConfig, opts ...Option) *Policy {
	if len(cfg.DestructiveOps) > 0 {
		opts = append([]Option{WithDestructiveOps(cfg.DestructiveOps...)}, opts...)
	}
	return NewPolicy(opts...)
}

// DestructiveOps returns the configured set.
func (p *Policy) DestructiveOps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

// RequiresApproval reports whether op is in the destructive set.
func (p *Policy) RequiresApproval(op string) bool {
	op = strings.TrimSpace(op)
	if op == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pattern := range p.ops {
		if pattern == op {
			return true
		}
		if ok, err := path.Match(pattern, op); err == nil && ok {
			return true
		}
	}
	return false
}

// RequestApproval asks modal to decide on op and returns the decision. A
// record is appended whatever the outcome; a modal error counts as a denial
// and is returned alongside false. There is no timeout here: wrap modal with
// WithTimeout when one is needed.
func (p *Policy) RequestApproval(ctx context.Context, op, reason string, modal Modal, user string) (bool, error) {
	req := Request{Op: op, Reason: reason, User: user}
	p.publish(ctx, eventbus.TypeApprovalRequested, req, false)

	var (
		approved bool
		err      error
	)
	if modal == nil {
		err = errNoModal
	} else {
		approved, err = modal.Approve(ctx, req)
	}
	if err != nil {
		approved = false
	}

	recordReason := reason
	if err != nil {
		recordReason = err.Error()
	}
	rec := ApprovalRecord{
		Action:    op,
		Approved:  approved,
		User:      user,
		Reason:    recordReason,
		Timestamp: time.Now().UTC(),
	}
	p.mu.Lock()
	p.records = append(p.records, rec)
	p.mu.Unlock()

	runID, _ := core.RunID(ctx)
	if auditErr := p.sink.Append(ctx, audit.Entry{
		Kind:      audit.KindApproval,
		Timestamp: rec.Timestamp,
		Actor:     user,
		Action:    op,
		RunID:     runID,
		Reason:    rec.Reason,
		Payload:   map[string]any{"approved": approved},
	}); auditErr != nil {
		p.logger.Error("hitl.audit.failed", slog.String("op", op), slog.String("error", auditErr.Error()))
	}

	p.metrics.RecordApproval(ctx, op, approved)
	p.publish(ctx, eventbus.TypeApprovalDecided, req, approved)
	p.logger.Info("hitl.decision",
		slog.String(telemetry.AttrActor, user),
		slog.String("op", op),
		slog.Bool(telemetry.AttrDecision, approved),
		slog.String(telemetry.AttrReason, rec.Reason),
	)
	return approved, err
}

// Records returns a copy of the approval trail.
func (p *Policy) Records(_ context.Context) []ApprovalRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ApprovalRecord(nil), p.records...)
}

func (p *Policy) publish(ctx context.Context, eventType string, req Request, approved bool) {
	if p.bus == nil {
		return
	}
	payload := map[string]any{"op": req.Op, "user": req.User, "reason": req.Reason}
	if eventType == eventbus.TypeApprovalDecided {
		payload["approved"] = approved
	}
	p.bus.Publish(ctx, eventbus.Event{Type: eventType, Scope: "hitl", Payload: payload})
}

func normalizeOps(ops []string) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		if op = strings.TrimSpace(op); op != "" {
			out = append(out, op)
		}
	}
	return out
}
