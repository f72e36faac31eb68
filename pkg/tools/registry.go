// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools keeps the catalog of callable tools and gates every call.
//
// Execute enforces, in order: the caller's role against the tool's required
// role, a human decision for High risk tools, and the argument schema. A
// tool function is invoked only after all three pass, and every outcome is
// written to the audit sink.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/hitl"
	"github.com/jllopis/synod/pkg/security"
	"github.com/jllopis/synod/pkg/telemetry"
)

// RiskTier grades how much damage a tool can do.
type RiskTier string

const (
	RiskLow    RiskTier = "Low"
	RiskMedium RiskTier = "Medium"
	RiskHigh   RiskTier = "High"
)

// ParseRiskTier parses a tier name, case-insensitively. Empty means Low.
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown risk tier %q", s), nil)
	}
}

// Meta describes a registered tool.
type Meta struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	RiskTier     RiskTier        `json:"risk_tier"`
	RequiredRole string          `json:"required_role,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
}

// Func is the tool function contract. Its result is returned to the caller
// unchanged.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Option configures the metadata of a tool being registered.
type Option func(*Meta)

// WithDescription sets the description.
func WithDescription(desc string) Option {
	return func(m *Meta) { m.Description = desc }
}

// WithCapabilities sets the capability tags.
func WithCapabilities(caps ...string) Option {
	return func(m *Meta) { m.Capabilities = append([]string(nil), caps...) }
}

// WithRiskTier sets the risk tier.
func WithRiskTier(tier RiskTier) Option {
	return func(m *Meta) { m.RiskTier = tier }
}

// WithRequiredRole restricts the tool to users with role.
func WithRequiredRole(role string) Option {
	return func(m *Meta) { m.RequiredRole = strings.TrimSpace(role) }
}

// WithSchema sets the argument JSON schema explicitly.
func WithSchema(schema json.RawMessage) Option {
	return func(m *Meta) { m.Schema = schema }
}

// ExecOptions carries the caller identity and the gates for one call.
type ExecOptions struct {
	User     string
	Security security.Resolver
	HITL     *hitl.Policy
	Modal    hitl.Modal
	// Reason is shown to the approver of High risk calls.
	Reason string
}

type entry struct {
	meta     Meta
	fn       Func
	required []string
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string

	sink    audit.Sink
	bus     eventbus.Publisher
	logger  *slog.Logger
	metrics *telemetry.GovernanceMetrics
	tracer  trace.Tracer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAuditSink sets where gate outcomes are recorded.
func WithAuditSink(sink audit.Sink) RegistryOption {
	return func(r *Registry) { r.sink = sink }
}

// WithPublisher publishes tool.executed and tool.denied events.
func WithPublisher(bus eventbus.Publisher) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		sink:    audit.Discard{},
		logger:  slog.Default(),
		metrics: telemetry.Metrics(),
		tracer:  otel.Tracer("synod/tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds fn under name. Names are unique.
func (r *Registry) Register(name string, fn Func, opts ...Option) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New(errors.CodeInvalidInput, "tool name is required", nil)
	}
	if fn == nil {
		return errors.New(errors.CodeInvalidInput, "tool function is required", nil).WithContext("tool", name)
	}
	meta := Meta{Name: name, RiskTier: RiskLow}
	for _, opt := range opts {
		opt(&meta)
	}
	if meta.RiskTier == "" {
		meta.RiskTier = RiskLow
	}
	required, err := requiredFields(meta.Schema)
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "invalid tool schema", err).WithContext("tool", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return errors.New(errors.CodeInvalidInput, "tool already registered", nil).WithContext("tool", name)
	}
	r.tools[name] = &entry{meta: meta, fn: fn, required: required}
	r.order = append(r.order, name)
	return nil
}

// Meta returns the metadata of name.
func (r *Registry) Meta(name string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Meta{}, false
	}
	return e.meta, true
}

// List returns the metadata of every tool, sorted by name.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.tools))
	for _, name := range r.order {
		out = append(out, r.tools[name].meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the gates for name and then the tool itself.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, opts ExecOptions) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("tool %q", name))
	}
	meta := e.meta

	ctx, span := r.tracer.Start(ctx, "Tools.Execute", trace.WithAttributes(
		telemetry.ToolAttributes(meta.Name, string(meta.RiskTier), opts.User)...,
	))
	defer span.End()

	if err := r.checkRole(ctx, meta, opts); err != nil {
		span.SetStatus(codes.Error, "rbac denied")
		return nil, err
	}
	// A malformed call never reaches the approval step.
	if args == nil {
		args = map[string]any{}
	}
	for _, field := range e.required {
		if _, present := args[field]; !present {
			span.SetStatus(codes.Error, "invalid arguments")
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("missing required argument %q", field), nil).
				WithContext("tool", meta.Name)
		}
	}
	if meta.RiskTier == RiskHigh {
		if err := r.checkApproval(ctx, meta, opts); err != nil {
			span.SetStatus(codes.Error, "approval denied")
			return nil, err
		}
	}

	r.record(ctx, audit.Entry{Kind: audit.KindToolExecuted, Actor: opts.User, Action: meta.Name,
		Payload: map[string]any{"risk_tier": string(meta.RiskTier)}})
	r.publish(ctx, eventbus.TypeToolExecuted, meta, opts.User, "")
	r.logger.Info("tools.execute",
		slog.String(telemetry.AttrTool, meta.Name),
		slog.String(telemetry.AttrRiskTier, string(meta.RiskTier)),
		slog.String(telemetry.AttrActor, opts.User),
	)

	result, err := e.fn(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordError(ctx, err, "tools")
		r.record(ctx, audit.Entry{Kind: audit.KindToolFailed, Actor: opts.User, Action: meta.Name, Reason: err.Error(),
			Payload: map[string]any{"risk_tier": string(meta.RiskTier)}})
		return result, err
	}
	span.SetAttributes(attribute.Bool("synod.tool.ok", true))
	return result, nil
}

func (r *Registry) checkRole(ctx context.Context, meta Meta, opts ExecOptions) error {
	if meta.RequiredRole == "" {
		return nil
	}
	role := ""
	reason := ""
	if opts.Security == nil {
		reason = "no role resolver configured"
	} else {
		resolved, err := opts.Security.ResolveRole(ctx, opts.User)
		switch {
		case err != nil:
			reason = "role resolution failed: " + err.Error()
		case !security.Satisfies(resolved, meta.RequiredRole):
			role = resolved
			reason = fmt.Sprintf("role %q does not satisfy %q", resolved, meta.RequiredRole)
		default:
			return nil
		}
	}

	r.record(ctx, audit.Entry{Kind: audit.KindRBACDenied, Actor: opts.User, Action: meta.Name, Reason: reason,
		Payload: map[string]any{"role": role, "required_role": meta.RequiredRole}})
	r.metrics.RecordDenial(ctx, "rbac", meta.Name)
	r.publish(ctx, eventbus.TypeToolDenied, meta, opts.User, reason)
	r.logger.Warn("tools.execute.denied",
		slog.String(telemetry.AttrTool, meta.Name),
		slog.String(telemetry.AttrActor, opts.User),
		slog.String(telemetry.AttrReason, reason),
	)
	return errors.Authorization(opts.User, meta.Name, reason).WithContext("required_role", meta.RequiredRole)
}

func (r *Registry) checkApproval(ctx context.Context, meta Meta, opts ExecOptions) error {
	reason := opts.Reason
	if reason == "" {
		reason = fmt.Sprintf("high risk tool %s", meta.Name)
	}
	r.record(ctx, audit.Entry{Kind: audit.KindApprovalRequired, Actor: opts.User, Action: meta.Name, Reason: reason})

	policy := opts.HITL
	if policy == nil {
		policy = hitl.NewPolicy()
	}
	approved, err := policy.RequestApproval(ctx, meta.Name, reason, opts.Modal, opts.User)
	if approved {
		return nil
	}

	denial := "rejected by approver"
	if err != nil {
		denial = err.Error()
	}
	r.record(ctx, audit.Entry{Kind: audit.KindHITLDenied, Actor: opts.User, Action: meta.Name, Reason: denial})
	r.metrics.RecordDenial(ctx, "hitl", meta.Name)
	r.publish(ctx, eventbus.TypeToolDenied, meta, opts.User, denial)
	r.logger.Warn("tools.execute.denied",
		slog.String(telemetry.AttrTool, meta.Name),
		slog.String(telemetry.AttrActor, opts.User),
		slog.String(telemetry.AttrReason, denial),
	)
	se := errors.ApprovalDenied(opts.User, meta.Name, denial)
	se.Err = err
	return se
}

func (r *Registry) record(ctx context.Context, e audit.Entry) {
	if runID, ok := core.RunID(ctx); ok {
		e.RunID = runID
	}
	if err := r.sink.Append(ctx, e); err != nil {
		r.logger.Error("tools.audit.failed", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}

func (r *Registry) publish(ctx context.Context, eventType string, meta Meta, user, reason string) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{"tool": meta.Name, "user": user, "risk_tier": string(meta.RiskTier)}
	if reason != "" {
		payload["reason"] = reason
	}
	r.bus.Publish(ctx, eventbus.Event{Type: eventType, Scope: "tools", Payload: payload})
}

func requiredFields(schema json.RawMessage) ([]string, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	var s struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, err
	}
	if s.Type != "" && s.Type != "object" {
		return nil, nil
	}
	return s.Required, nil
}
