// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the append-only log that records every governance
// decision: RBAC and HITL outcomes, tool executions, prunes, rollbacks,
// lineage changes and degraded team results.
//
// Sinks only ever append. Nothing in synod rewrites or truncates an audit
// sink during normal operation.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindRBACDenied       Kind = "RBACDenied"
	KindApprovalRequired Kind = "ApprovalRequired"
	KindApproval         Kind = "Approval"
	KindHITLDenied       Kind = "HITLDenied"
	KindToolExecuted     Kind = "ToolExecuted"
	KindToolFailed       Kind = "ToolFailed"
	KindACLDenied        Kind = "ACLDenied"
	KindPruneSuggested   Kind = "PruneSuggested"
	KindPruneSkipped     Kind = "PruneSkipped"
	KindPruneCommitted   Kind = "PruneCommitted"
	KindPruneRolledBack  Kind = "PruneRolledBack"
	KindTeamDegraded     Kind = "TeamDegraded"
	KindLineage          Kind = "Lineage"
	KindWorkflowHalted   Kind = "WorkflowHalted"
)

// Entry is a single append-only audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink persists audit entries.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// Filter limits audit queries. Zero values match everything.
type Filter struct {
	Kind  Kind
	Actor string
	RunID string
	Since time.Time
	Limit int
}

func (f Filter) match(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// normalize fills the id and timestamp of an entry about to be appended.
func normalize(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

// MemorySink keeps audit entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink returns an in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append records an entry.
func (s *MemorySink) Append(_ context.Context, entry Entry) error {
	entry = normalize(entry)
	entry.Payload = clonePayload(entry.Payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// List returns filtered entries in append order.
func (s *MemorySink) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !filter.match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Discard drops entries. Useful when a component requires a sink but the
// caller does not care about the trail.
type Discard struct{}

func (Discard) Append(context.Context, Entry) error         { return nil }
func (Discard) List(context.Context, Filter) ([]Entry, error) { return nil, nil }

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func encodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	return json.Marshal(payload)
}

func decodePayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
