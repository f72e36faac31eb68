// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package pruning detects teams that stopped contributing and retires them.
//
// The Evaluator scores each team output against the team's previous one and
// suggests pruning when the team repeats itself, regresses or gets too
// expensive per unit of improvement. The Manager performs the retirement as
// a guarded two-phase operation that can be rolled back from a snapshot.
package pruning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/telemetry"
)

// Thresholds trigger a prune suggestion when crossed.
type Thresholds struct {
	MinNovelty     float64
	MinGrowth      float64
	MaxCostPerGain float64
}

// DefaultThresholds returns 0.25 / 0.0 / 3.0.
func DefaultThresholds() Thresholds {
	return Thresholds{MinNovelty: 0.25, MinGrowth: 0.0, MaxCostPerGain: 3.0}
}

// Scores of one output relative to the team's previous output.
type Scores struct {
	Novelty     float64 `json:"novelty"`
	Growth      float64 `json:"growth"`
	CostPerGain float64 `json:"cost_per_gain"`
}

// Evaluation is the result of Evaluate.
type Evaluation struct {
	Team      string `json:"team"`
	Scores    Scores `json:"scores"`
	Baseline  bool   `json:"baseline"`
	Suggested bool   `json:"suggested"`
	Reason    string `json:"reason,omitempty"`
}

type sample struct {
	text    string
	quality float64
}

// Evaluator keeps the last output of every team.
type Evaluator struct {
	mu             sync.Mutex
	thresholds     Thresholds
	baselineExempt bool
	last           map[string]sample
	suggested  map[string]Evaluation

	bus     eventbus.Publisher
	sink    audit.Sink
	logger  *slog.Logger
	metrics *telemetry.GovernanceMetrics
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithThresholds overrides the default thresholds.
func WithThresholds(t Thresholds) EvaluatorOption {
	return func(e *Evaluator) { e.thresholds = t }
}

// WithBaselineExempt stops a team's first output from being suggested. By
// default the first output is held to the thresholds like any other: with no
// previous output its growth is 0 and its cost per gain infinite.
func WithBaselineExempt(exempt bool) EvaluatorOption {
	return func(e *Evaluator) { e.baselineExempt = exempt }
}

// WithEvaluatorPublisher publishes orchestrator.prune_suggested events.
func WithEvaluatorPublisher(bus eventbus.Publisher) EvaluatorOption {
	return func(e *Evaluator) { e.bus = bus }
}

// WithEvaluatorAuditSink records suggestions.
func WithEvaluatorAuditSink(sink audit.Sink) EvaluatorOption {
	return func(e *Evaluator) { e.sink = sink }
}

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEvaluator creates an evaluator with default thresholds.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		thresholds: DefaultThresholds(),
		last:       make(map[string]sample),
		suggested:  make(map[string]Evaluation),
		sink:       audit.Discard{},
		logger:     slog.Default(),
		metrics:    telemetry.Metrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ThresholdsFromConfig reads the pruning section.
func ThresholdsFromConfig(cfg config.PruningConfig) Thresholds {
	return Thresholds{
		MinNovelty:     cfg.MinNovelty,
		MinGrowth:      cfg.MinGrowth,
		MaxCostPerGain: cfg.MaxCostPerGain,
	}
}

// Score compares output with the team's previous output without recording it.
func (e *Evaluator) Score(team string, output map[string]any) Scores {
	e.mu.Lock()
	prev, ok := e.last[team]
	e.mu.Unlock()
	return score(prev, ok, output)
}

func score(prev sample, hasPrev bool, output map[string]any) Scores {
	cur := sampleOf(output)
	cost := Cost(output)
	s := Scores{Novelty: 1.0}
	if hasPrev {
		s.Novelty = 1 - jaccard(tokens(prev.text), tokens(cur.text))
		s.Growth = cur.quality - prev.quality
	}
	if s.Growth > 0 {
		s.CostPerGain = cost / s.Growth
	} else {
		s.CostPerGain = math.Inf(1)
	}
	return s
}

// Evaluate scores output, remembers it as the team's latest and marks the
// team for pruning when a threshold is crossed. The first output of a team
// is flagged as its baseline and is only spared when the evaluator was built
// WithBaselineExempt.
func (e *Evaluator) Evaluate(ctx context.Context, team string, output map[string]any) Evaluation {
	e.mu.Lock()
	prev, hasPrev := e.last[team]
	s := score(prev, hasPrev, output)
	e.last[team] = sampleOf(output)
	ev := Evaluation{Team: team, Scores: s, Baseline: !hasPrev}
	if hasPrev || !e.baselineExempt {
		ev.Reason = e.reason(s)
		ev.Suggested = ev.Reason != ""
	}
	if ev.Suggested {
		e.suggested[team] = ev
	}
	e.mu.Unlock()

	if !ev.Suggested {
		return ev
	}

	payload := map[string]any{
		"team":          team,
		"novelty":       s.Novelty,
		"growth":        s.Growth,
		"cost_per_gain": EncodeCostPerGain(s.CostPerGain),
		"reason":        ev.Reason,
	}
	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.Event{Type: eventbus.TypePruneSuggested, Scope: "orchestrator", Payload: payload})
	}
	entry := audit.Entry{Kind: audit.KindPruneSuggested, Actor: team, Action: "prune_suggested", Reason: ev.Reason, Payload: payload}
	if runID, ok := core.RunID(ctx); ok {
		entry.RunID = runID
	}
	if err := e.sink.Append(ctx, entry); err != nil {
		e.logger.Error("pruning.audit.failed", slog.String("error", err.Error()))
	}
	e.metrics.RecordPruneSuggestion(ctx, team)
	e.logger.Info("pruning.suggested",
		slog.String(telemetry.AttrTeam, team),
		slog.Float64("novelty", s.Novelty),
		slog.Float64("growth", s.Growth),
		slog.String("cost_per_gain", fmt.Sprint(EncodeCostPerGain(s.CostPerGain))),
		slog.String(telemetry.AttrReason, ev.Reason),
	)
	return ev
}

func (e *Evaluator) reason(s Scores) string {
	var reasons []string
	if s.Novelty < e.thresholds.MinNovelty {
		reasons = append(reasons, fmt.Sprintf("novelty %.2f below %.2f", s.Novelty, e.thresholds.MinNovelty))
	}
	if s.Growth < e.thresholds.MinGrowth {
		reasons = append(reasons, fmt.Sprintf("growth %.2f below %.2f", s.Growth, e.thresholds.MinGrowth))
	}
	if s.CostPerGain > e.thresholds.MaxCostPerGain {
		reasons = append(reasons, fmt.Sprintf("cost per gain %v above %.2f", EncodeCostPerGain(s.CostPerGain), e.thresholds.MaxCostPerGain))
	}
	return strings.Join(reasons, "; ")
}

// ShouldPrune reports whether team is currently suggested for pruning.
func (e *Evaluator) ShouldPrune(team string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.suggested[team]
	return ok
}

// Suggestion returns the evaluation that marked team.
func (e *Evaluator) Suggestion(team string) (Evaluation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.suggested[team]
	return ev, ok
}

// ClearSuggestion removes the pruning mark of team.
func (e *Evaluator) ClearSuggestion(team string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.suggested, team)
}

// EncodeCostPerGain renders +Inf as "inf" so payloads stay JSON encodable.
func EncodeCostPerGain(v float64) any {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return v
}

// Text extracts the output text from text, content or output.
func Text(output map[string]any) string {
	for _, key := range []string{"text", "content", "output"} {
		if v, ok := output[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Quality extracts the quality from quality or score.
func Quality(output map[string]any) float64 {
	return firstNumber(output, "quality", "score")
}

// Cost extracts the cost from cost or tokens.
func Cost(output map[string]any) float64 {
	return firstNumber(output, "cost", "tokens")
}

func sampleOf(output map[string]any) sample {
	return sample{text: Text(output), quality: Quality(output)}
}

func firstNumber(output map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := output[key]; ok {
			if f, ok := toFloat(v); ok {
				return f
			}
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func tokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		out[tok] = struct{}{}
	}
	return out
}

// jaccard of two token sets. Two empty texts are identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
