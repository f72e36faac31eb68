// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package pathmemory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/telemetry"
)

// DefaultAvoidThreshold is the similarity at which a negative path is
// considered a repeat.
const DefaultAvoidThreshold = 0.8

// Match is a query hit.
type Match struct {
	Similarity float64   `json:"similarity"`
	Signature  Signature `json:"signature"`
}

// Index is an optional candidate pre-filter for similarity queries. The
// service always re-ranks candidates by exact Jaccard similarity.
type Index interface {
	Add(ctx context.Context, target string, kind Kind, sig Signature) error
	Candidates(ctx context.Context, target string, kind Kind, sig Signature) ([]string, error)
}

// Service enforces the path ACL over a Store.
type Service struct {
	store          Store
	index          Index
	bus            eventbus.Publisher
	sink           audit.Sink
	logger         *slog.Logger
	metrics        *telemetry.GovernanceMetrics
	avoidThreshold float64
}

// Option configures a Service.
type Option func(*Service)

// WithIndex attaches a candidate index.
func WithIndex(index Index) Option {
	return func(s *Service) { s.index = index }
}

// WithPublisher publishes memory.path_recorded events.
func WithPublisher(bus eventbus.Publisher) Option {
	return func(s *Service) { s.bus = bus }
}

// WithAuditSink records ACL denials.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAvoidThreshold overrides DefaultAvoidThreshold for ShouldAvoid callers
// that pass a non-positive threshold.
func WithAvoidThreshold(threshold float64) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.avoidThreshold = threshold
		}
	}
}

// NewService builds a path memory service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		sink:           audit.Discard{},
		logger:         telemetry.Component("pathmemory"),
		metrics:        telemetry.Metrics(),
		avoidThreshold: DefaultAvoidThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// RecordPath stores sig under target as kind. The hash is recomputed and the
// scope forced to target; the stored copy is returned.
//
// The index is written first. A failed index write records nothing, while a
// failed store append leaves an index entry whose hash matches no stored
// path; searches only return stored paths, so such an entry is never seen.
func (s *Service) RecordPath(ctx context.Context, actor, target string, kind Kind, sig Signature) (Signature, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Signature{}, errors.New(errors.CodeInvalidInput, err.Error(), nil)
	}
	if !CanWrite(actor, target) {
		return Signature{}, s.deny(ctx, actor, "record_path", target, kind)
	}

	stored := sig.Clone()
	stored.Scope = target
	stored.Hash = stored.ComputeHash()
	if s.index != nil {
		if err := s.index.Add(ctx, target, kind, stored); err != nil {
			return Signature{}, storageError("index path", err)
		}
	}
	if err := s.store.AppendPath(ctx, target, kind, stored); err != nil {
		return Signature{}, storageError("record path", err)
	}

	s.logger.InfoContext(ctx, "pathmemory.record",
		slog.String(telemetry.AttrActor, actor),
		slog.String(telemetry.AttrScope, target),
		slog.String("kind", string(kind)),
		slog.String("hash", stored.Hash),
	)
	if s.bus != nil {
		s.bus.Publish(ctx, eventbus.Event{
			Type:  eventbus.TypePathRecorded,
			Scope: target,
			Payload: map[string]any{
				"actor": actor,
				"kind":  string(kind),
				"hash":  stored.Hash,
			},
		})
	}
	return stored.Clone(), nil
}

// QueryPaths returns paths under target whose step-set Jaccard similarity to
// sig is at least threshold, most similar first. Ties keep insertion order.
func (s *Service) QueryPaths(ctx context.Context, actor, target string, kind Kind, sig Signature, threshold float64) ([]Match, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, err.Error(), nil)
	}
	if !CanRead(actor, target, kind) {
		return nil, s.deny(ctx, actor, "query_paths", target, kind)
	}
	return s.search(ctx, target, kind, sig, threshold)
}

// ShouldAvoid reports whether a negative path at least threshold-similar to
// sig exists in a scope actor may read. The best such match is returned.
// A non-positive threshold uses the service default.
func (s *Service) ShouldAvoid(ctx context.Context, actor string, sig Signature, threshold float64) (bool, *Match, error) {
	if threshold <= 0 {
		threshold = s.avoidThreshold
	}
	scopes := readableNegativeScopes(actor)
	if len(scopes) == 0 {
		return false, nil, s.deny(ctx, actor, "should_avoid", "", KindNegative)
	}
	var best *Match
	for _, scope := range scopes {
		matches, err := s.search(ctx, scope, KindNegative, sig, threshold)
		if err != nil {
			return false, nil, err
		}
		if len(matches) > 0 && (best == nil || matches[0].Similarity > best.Similarity) {
			m := matches[0]
			best = &m
		}
	}
	return best != nil, best, nil
}

// Put stores a value in principal's scope on behalf of actor.
func (s *Service) Put(ctx context.Context, actor, principal, scope, key, value string) error {
	if key == "" || scope == "" {
		return errors.New(errors.CodeInvalidInput, "scope and key are required", nil)
	}
	if !CanWrite(actor, principal) {
		return s.deny(ctx, actor, "put", principal, "")
	}
	if err := s.store.PutValue(ctx, principal, scope, key, value); err != nil {
		return storageError("put value", err)
	}
	return nil
}

// Get reads a value from principal's scope on behalf of actor.
func (s *Service) Get(ctx context.Context, actor, principal, scope, key string) (string, error) {
	if !CanRead(actor, principal, "") {
		return "", s.deny(ctx, actor, "get", principal, "")
	}
	value, err := s.store.GetValue(ctx, principal, scope, key)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return "", err
		}
		return "", storageError("get value", err)
	}
	return value, nil
}

// ScopeHash is the sha256 over the sorted key=value pairs of principal's scope.
func (s *Service) ScopeHash(ctx context.Context, actor, principal, scope string) (string, error) {
	if !CanRead(actor, principal, "") {
		return "", s.deny(ctx, actor, "scope_hash", principal, "")
	}
	values, err := s.store.ListValues(ctx, principal, scope)
	if err != nil {
		return "", storageError("list values", err)
	}
	return HashValues(values), nil
}

// HashValues hashes key=value pairs in key order, one pair per line.
func HashValues(values map[string]string) string {
	h := sha256.New()
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(h, "%s=%s\n", k, values[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) search(ctx context.Context, target string, kind Kind, sig Signature, threshold float64) ([]Match, error) {
	filter := PathFilter{Target: target, Kind: kind}
	if s.index != nil {
		hashes, err := s.index.Candidates(ctx, target, kind, sig)
		if err != nil {
			return nil, storageError("index candidates", err)
		}
		filter.Hashes = hashes
		if filter.Hashes == nil {
			filter.Hashes = []string{}
		}
	}
	stored, err := s.store.ListPaths(ctx, filter)
	if err != nil {
		return nil, storageError("list paths", err)
	}
	matches := make([]Match, 0, len(stored))
	for _, candidate := range stored {
		sim := Jaccard(sig.Steps, candidate.Steps)
		if sim >= threshold {
			matches = append(matches, Match{Similarity: sim, Signature: candidate})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches, nil
}

func (s *Service) deny(ctx context.Context, actor, action, target string, kind Kind) error {
	reason := fmt.Sprintf("acl: %s may not %s on %q", actor, action, target)
	if kind != "" {
		reason = fmt.Sprintf("acl: %s may not %s %s paths on %q", actor, action, kind, target)
	}
	err := errors.Authorization(actor, action, reason).
		WithContext("target", target).
		WithContext("kind", string(kind))
	s.logger.WarnContext(ctx, "pathmemory.acl.denied",
		slog.String(telemetry.AttrActor, actor),
		slog.String("action", action),
		slog.String(telemetry.AttrScope, target),
		slog.String("kind", string(kind)),
	)
	s.metrics.RecordDenial(ctx, "acl", action)
	if aerr := s.sink.Append(ctx, audit.Entry{
		Kind:    audit.KindACLDenied,
		Actor:   actor,
		Action:  action,
		Reason:  reason,
		Payload: map[string]any{"target": target, "kind": string(kind)},
	}); aerr != nil {
		s.logger.ErrorContext(ctx, "pathmemory.audit.failed", slog.String("error", aerr.Error()))
	}
	return err
}

func storageError(op string, err error) error {
	if _, ok := err.(*errors.SynodError); ok {
		return err
	}
	return errors.New(errors.CodeStorage, op, err)
}
