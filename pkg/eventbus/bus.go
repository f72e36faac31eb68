// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus implements the scoped publish/subscribe primitive every
// synod component uses to announce lifecycle changes.
//
// Publish is asynchronous. Each scope owns a dispatcher goroutine, so events
// published to the same scope are delivered in publish order while different
// scopes make progress independently. A failing or panicking subscriber is
// logged and counted but never affects the publisher or other subscribers.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/telemetry"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// DefaultScope is used when an event is published without a scope.
const DefaultScope = "global"

// Event is a lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Scope     string         `json:"scope"`
	RunID     string         `json:"run_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives delivered events. A returned error is treated as a
// handler failure and isolated.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

type queued struct {
	ctx context.Context
	ev  Event
}

// scopeQueue is an unbounded FIFO drained by one dispatcher goroutine.
type scopeQueue struct {
	mu     sync.Mutex
	items  []queued
	signal chan struct{}
}

func (q *scopeQueue) push(item queued) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *scopeQueue) drain() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Bus is an asynchronous, scope-ordered event bus.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription
	queues        map[string]*scopeQueue
	closed        bool
	stop          chan struct{}
	dispatchers   sync.WaitGroup
	nextID        atomic.Uint64

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	logger  *slog.Logger
	metrics *telemetry.GovernanceMetrics
	tracer  trace.Tracer
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for handler failures.
func WithMetrics(m *telemetry.GovernanceMetrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New creates a running bus.
func New(opts ...Option) *Bus {
	idle := make(chan struct{})
	close(idle)
	b := &Bus{
		subscriptions: make(map[string][]subscription),
		queues:        make(map[string]*scopeQueue),
		stop:          make(chan struct{}),
		idle:          idle,
		logger:        slog.Default(),
		metrics:       telemetry.Metrics(),
		tracer:        otel.Tracer("synod/eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for eventType, or Wildcard for all events.
// Returns a subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// Unsubscribe removes a subscription. Returns false when id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				b.subscriptions[eventType] = append(next, subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// Publish enqueues ev on its scope and returns immediately. Missing id,
// timestamp, scope and run id are filled in.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Scope == "" {
		ev.Scope = DefaultScope
	}
	if ev.RunID == "" {
		if runID, ok := core.RunID(ctx); ok {
			ev.RunID = runID
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.WarnContext(ctx, "eventbus.publish.closed",
			slog.String(telemetry.AttrEventType, ev.Type),
			slog.String(telemetry.AttrScope, ev.Scope),
		)
		return
	}
	q, ok := b.queues[ev.Scope]
	if !ok {
		q = &scopeQueue{signal: make(chan struct{}, 1)}
		b.queues[ev.Scope] = q
		b.dispatchers.Add(1)
		go b.dispatch(q)
	}
	b.addPending(1)
	q.push(queued{ctx: context.WithoutCancel(ctx), ev: ev})
	b.mu.Unlock()
}

// Flush blocks until every event published so far has been delivered or ctx ends.
func (b *Bus) Flush(ctx context.Context) error {
	b.pendingMu.Lock()
	idle := b.idle
	b.pendingMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers queued events and stops the dispatchers. Publishing after
// Close is a logged no-op. Close must not be called from a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()
	b.dispatchers.Wait()
}

func (b *Bus) dispatch(q *scopeQueue) {
	defer b.dispatchers.Done()
	for {
		select {
		case <-q.signal:
			b.deliverAll(q)
		case <-b.stop:
			b.deliverAll(q)
			return
		}
	}
}

func (b *Bus) deliverAll(q *scopeQueue) {
	for {
		items := q.drain()
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			b.deliver(item.ctx, item.ev)
			b.addPending(-1)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subscriptions[ev.Type]...)
	var wildcard []subscription
	if ev.Type != Wildcard {
		wildcard = append(wildcard, b.subscriptions[Wildcard]...)
	}
	b.mu.RUnlock()
	if len(specific)+len(wildcard) == 0 {
		return
	}

	ctx, span := b.tracer.Start(ctx, "EventBus.Deliver", trace.WithAttributes(
		attribute.String(telemetry.AttrEventType, ev.Type),
		attribute.String(telemetry.AttrScope, ev.Scope),
	))
	defer span.End()

	for _, sub := range specific {
		b.safeCall(ctx, sub, ev)
	}
	for _, sub := range wildcard {
		b.safeCall(ctx, sub, ev)
	}
}

// safeCall invokes a handler, converting errors and panics into logged
// handler failures.
func (b *Bus) safeCall(ctx context.Context, sub subscription, ev Event) {
	var failure error
	func() {
		defer func() {
			if r := recover(); r != nil {
				failure = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		failure = sub.handler(ctx, ev)
	}()
	if failure == nil {
		return
	}
	err := errors.New(errors.CodeHandlerFailure, "event handler failed", failure).
		WithContext("event_type", ev.Type).
		WithContext("subscription", sub.id)
	b.logger.ErrorContext(ctx, "eventbus.handler.failure",
		slog.String(telemetry.AttrEventType, ev.Type),
		slog.String(telemetry.AttrScope, ev.Scope),
		slog.String("subscription", sub.id),
		slog.String("error", err.Error()),
	)
	b.metrics.RecordHandlerFailure(ctx, ev.Type)
}

func (b *Bus) addPending(delta int) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	before := b.pending
	b.pending += delta
	switch {
	case before == 0 && b.pending > 0:
		b.idle = make(chan struct{})
	case before > 0 && b.pending == 0:
		close(b.idle)
	}
}
