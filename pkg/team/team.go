// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package team defines the autonomous units the orchestrator schedules.
//
// Every team has a fixed kind (its color), a status that only moves along
// the transition table, and a local append-only log. The behavior of a team
// is selected by its kind: competitors propose, critics review and return a
// Verdict.
package team

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/llm"
)

// Kind is the closed set of team colors.
type Kind string

const (
	KindRed    Kind = "red"
	KindBlue   Kind = "blue"
	KindYellow Kind = "yellow"
	KindGreen  Kind = "green"
	KindWhite  Kind = "white"
	KindBlack  Kind = "black"
)

// Kinds lists every kind in scheduling order.
func Kinds() []Kind {
	return []Kind{KindRed, KindBlue, KindYellow, KindGreen, KindWhite, KindBlack}
}

// ParseKind accepts a kind or team name in any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown team kind %q", s), nil)
}

// Name is the team identifier of a kind: "Red", "Blue", ...
func (k Kind) Name() string {
	if k == "" {
		return ""
	}
	return strings.ToUpper(string(k[:1])) + string(k[1:])
}

// IsCritic reports whether teams of this kind return a Verdict.
func (k Kind) IsCritic() bool {
	return k == KindRed || k == KindBlue || k == KindWhite
}

// Status of a team.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusMerged  Status = "merged"
)

var transitions = map[Status][]Status{
	StatusRunning: {StatusPaused, StatusMerged},
	StatusPaused:  {StatusRunning, StatusMerged},
	StatusMerged:  nil,
}

// CanTransition reports whether a team may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Verdict is a critic's structured decision.
type Verdict struct {
	Approved bool     `json:"approved"`
	Fixes    []string `json:"fixes,omitempty"`
	Risk     float64  `json:"risk"`
	Notes    string   `json:"notes,omitempty"`
}

// Team is what the orchestrator schedules.
type Team interface {
	ID() string
	Kind() Kind
	Run(ctx context.Context, objective string, input map[string]any) (Output, error)
}

// Member is a team whose status can be controlled at runtime.
type Member interface {
	Team
	Status() Status
	SetStatus(Status) error
}

// LogEntry is one line of a team's local log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// Unit is the concrete team handle.
type Unit struct {
	mu     sync.RWMutex
	id     string
	kind   Kind
	status Status
	log    []LogEntry

	gen        llm.Generator
	model      string
	researcher Researcher
}

// Option configures a Unit.
type Option func(*Unit)

// WithModel sets the model passed to the generator.
func WithModel(model string) Option {
	return func(u *Unit) { u.model = model }
}

// WithResearcher gives competitor teams access to web research.
func WithResearcher(r Researcher) Option {
	return func(u *Unit) { u.researcher = r }
}

// New creates a running team of kind backed by gen.
func New(kind Kind, gen llm.Generator, opts ...Option) *Unit {
	u := &Unit{
		id:     kind.Name(),
		kind:   kind,
		status: StatusRunning,
		gen:    gen,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.append("spawned", "")
	return u
}

func (u *Unit) ID() string { return u.id }

func (u *Unit) Kind() Kind { return u.kind }

// Status returns the current status.
func (u *Unit) Status() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

// SetStatus moves the team to status along the transition table. Setting
// the current status again is a no-op.
func (u *Unit) SetStatus(to Status) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status == to {
		return nil
	}
	if !CanTransition(u.status, to) {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("team %s cannot move from %s to %s", u.id, u.status, to), nil).
			WithContext("team", u.id)
	}
	from := u.status
	u.status = to
	u.log = append(u.log, LogEntry{Timestamp: time.Now().UTC(), Event: "status", Detail: fmt.Sprintf("%s -> %s", from, to)})
	return nil
}

// Log returns a copy of the local log.
func (u *Unit) Log() []LogEntry {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]LogEntry(nil), u.log...)
}

func (u *Unit) append(event, detail string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.log = append(u.log, LogEntry{Timestamp: time.Now().UTC(), Event: event, Detail: detail})
}

// Run executes the behavior of the team's kind.
func (u *Unit) Run(ctx context.Context, objective string, input map[string]any) (Output, error) {
	v, ok := variants[u.kind]
	if !ok {
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("no behavior for kind %q", u.kind), nil)
	}
	u.append("run.start", objective)
	out, err := v.run(ctx, u, objective, input)
	if err != nil {
		u.append("run.failed", err.Error())
		return nil, err
	}
	out["team"] = u.id
	u.append("run.done", out.Text())
	return out, nil
}
