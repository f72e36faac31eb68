// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/pathmemory"
	"github.com/jllopis/synod/pkg/pruning"
	"github.com/jllopis/synod/pkg/team"
	"github.com/jllopis/synod/pkg/telemetry"
)

// EventScope is the bus scope of everything the orchestrator publishes, so
// lifecycle events keep one global order.
const EventScope = "orchestrator"

// PrunePolicy decides what happens to a team suggested for pruning.
type PrunePolicy string

const (
	// PruneSkip skips the team for one scheduling and clears the suggestion.
	PruneSkip PrunePolicy = "skip"
	// PruneBlock keeps the team out for the rest of the run.
	PruneBlock PrunePolicy = "block"
)

// ParsePrunePolicy accepts "skip" (also the empty string) and "block".
func ParsePrunePolicy(raw string) (PrunePolicy, error) {
	switch PrunePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PruneSkip:
		return PruneSkip, nil
	case PruneBlock:
		return PruneBlock, nil
	default:
		return "", fmt.Errorf("unknown prune policy %q", raw)
	}
}

// Settings tune a run.
type Settings struct {
	PrunePolicy       PrunePolicy
	PausePollInterval time.Duration
	MaxPauseWait      time.Duration
	// AllowSingleActive lets PruneTeam leave fewer than two active teams.
	AllowSingleActive bool
	// AvoidThreshold is the similarity at which a known-bad plan is flagged.
	// Zero uses the memory service default.
	AvoidThreshold float64
}

// DefaultSettings polls paused teams every 50ms for up to five minutes.
func DefaultSettings() Settings {
	return Settings{
		PrunePolicy:       PruneSkip,
		PausePollInterval: 50 * time.Millisecond,
		MaxPauseWait:      5 * time.Minute,
	}
}

// SettingsFromConfig maps the orchestrator, pruning and memory sections.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	s := DefaultSettings()
	policy, err := ParsePrunePolicy(cfg.Pruning.Policy)
	if err != nil {
		return Settings{}, err
	}
	s.PrunePolicy = policy
	if cfg.Orchestrator.PausePollMillis > 0 {
		s.PausePollInterval = time.Duration(cfg.Orchestrator.PausePollMillis) * time.Millisecond
	}
	if cfg.Orchestrator.MaxPauseWaitSecs > 0 {
		s.MaxPauseWait = time.Duration(cfg.Orchestrator.MaxPauseWaitSecs) * time.Second
	}
	s.AllowSingleActive = cfg.Orchestrator.AllowSingleActive
	s.AvoidThreshold = cfg.Memory.AvoidThreshold
	return s, nil
}

// Deps are the collaborators an orchestrator is built with. Only Teams is
// required.
type Deps struct {
	Teams       []team.Member
	Workflow    *Workflow
	Bus         eventbus.Publisher
	Memory      *pathmemory.Service
	Evaluator   *pruning.Evaluator
	Pruner      *pruning.Manager
	Audit       audit.Sink
	Checkpoints CheckpointStore
	Logger      *slog.Logger
	Metrics     *telemetry.GovernanceMetrics
}

// LineageEntry is one spawn, pause, restart, merge, prune or restore event.
type LineageEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Team      string    `json:"team"`
	Detail    string    `json:"detail,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
}

// Orchestrator runs the workflow over its teams.
type Orchestrator struct {
	workflow Workflow
	settings Settings
	teams    map[string]team.Member
	byKind   map[team.Kind]team.Member
	order    []string

	bus         eventbus.Publisher
	memory      *pathmemory.Service
	evaluator   *pruning.Evaluator
	pruner      *pruning.Manager
	sink        audit.Sink
	checkpoints CheckpointStore
	logger      *slog.Logger
	metrics     *telemetry.GovernanceMetrics
	tracer      trace.Tracer

	mu      sync.Mutex
	lineage []LineageEntry
	phase   Phase
}

// New spawns the orchestrator and records a spawn lineage entry per team.
// Every kind the workflow schedules must be staffed by exactly one team.
func New(ctx context.Context, deps Deps, settings Settings) (*Orchestrator, error) {
	wf := DefaultWorkflow()
	if deps.Workflow != nil {
		wf = *deps.Workflow
	}
	if err := wf.Validate(); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid workflow", err)
	}
	if settings.PausePollInterval <= 0 {
		settings.PausePollInterval = DefaultSettings().PausePollInterval
	}
	if settings.MaxPauseWait <= 0 {
		settings.MaxPauseWait = DefaultSettings().MaxPauseWait
	}
	if settings.PrunePolicy == "" {
		settings.PrunePolicy = PruneSkip
	}

	o := &Orchestrator{
		workflow:    wf,
		settings:    settings,
		teams:       make(map[string]team.Member),
		byKind:      make(map[team.Kind]team.Member),
		bus:         deps.Bus,
		memory:      deps.Memory,
		evaluator:   deps.Evaluator,
		pruner:      deps.Pruner,
		sink:        deps.Audit,
		checkpoints: deps.Checkpoints,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("synod/orchestrator"),
	}
	if o.sink == nil {
		o.sink = audit.Discard{}
	}
	if o.logger == nil {
		o.logger = telemetry.Component("orchestrator")
	}
	if o.metrics == nil {
		o.metrics = telemetry.Metrics()
	}

	for _, m := range deps.Teams {
		if m == nil {
			continue
		}
		if _, dup := o.teams[m.ID()]; dup {
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("team %q registered twice", m.ID()), nil)
		}
		if _, dup := o.byKind[m.Kind()]; dup {
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("kind %q staffed twice", m.Kind()), nil)
		}
		o.teams[m.ID()] = m
		o.byKind[m.Kind()] = m
		o.order = append(o.order, m.ID())
	}
	for _, k := range wf.Kinds() {
		if _, ok := o.byKind[k]; !ok {
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("workflow %q needs a %s team", wf.Name, k), nil)
		}
	}

	for _, id := range o.order {
		if o.pruner != nil && !o.pruner.State().IsActive(id) {
			o.pruner.State().Activate(id)
		}
		o.recordLineage(ctx, "spawn", id, string(o.teams[id].Kind()))
		o.publish(ctx, eventbus.TypeTeamSpawned, map[string]any{"team": id, "kind": string(o.teams[id].Kind())})
	}
	return o, nil
}

// Workflow returns the team assignment in use.
func (o *Orchestrator) Workflow() Workflow { return o.workflow }

// Team returns the team with id.
func (o *Orchestrator) Team(id string) (team.Member, bool) {
	m, ok := o.teams[id]
	return m, ok
}

// Teams lists the team ids in spawn order.
func (o *Orchestrator) Teams() []string {
	return append([]string(nil), o.order...)
}

// Lineage returns a copy of the lineage log.
func (o *Orchestrator) Lineage() []LineageEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]LineageEntry(nil), o.lineage...)
}

// Run executes the workflow for objective from the first phase. initial
// seeds the shared context. The returned state is complete even when the
// run halted; err is only set when ctx ended the run early or a checkpoint
// could not be written.
func (o *Orchestrator) Run(ctx context.Context, objective string, initial map[string]any) (*WorkflowState, error) {
	ctx, runID := core.EnsureRunID(ctx)
	ctx = core.WithActor(ctx, pathmemory.ActorOrchestrator)
	state := newState(runID, objective, initial)

	if o.memory != nil {
		avoid, match, err := o.memory.ShouldAvoid(ctx, pathmemory.ActorOrchestrator, o.plannedSignature(objective), o.settings.AvoidThreshold)
		switch {
		case err != nil:
			o.logger.WarnContext(ctx, "orchestrator.avoid.failed", slog.String("error", err.Error()))
		case avoid:
			state.Context["avoid"] = map[string]any{
				"hash":       match.Signature.Hash,
				"similarity": match.Similarity,
				"steps":      match.Signature.Steps,
			}
			o.logger.WarnContext(ctx, "orchestrator.avoid",
				slog.String(telemetry.AttrRunID, runID),
				slog.String("hash", match.Signature.Hash),
				slog.Float64("similarity", match.Similarity),
			)
		}
	}
	return o.execute(ctx, state)
}

// Resume loads the checkpoint of runID and continues from the phase after
// the last completed one. A finished run is returned as is.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*WorkflowState, error) {
	if o.checkpoints == nil {
		return nil, errors.New(errors.CodeInvalidInput, "no checkpoint store configured", nil)
	}
	state, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state.Done() {
		return state, nil
	}
	ctx = core.WithActor(core.WithRunID(ctx, state.RunID), pathmemory.ActorOrchestrator)
	o.logger.InfoContext(ctx, "orchestrator.resume",
		slog.String(telemetry.AttrRunID, state.RunID),
		slog.String(telemetry.AttrPhase, string(state.Phase)),
	)
	return o.execute(ctx, state)
}

func (o *Orchestrator) execute(ctx context.Context, state *WorkflowState) (*WorkflowState, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Run",
		trace.WithAttributes(attribute.String(telemetry.AttrRunID, state.RunID)))
	defer span.End()

	for state.Phase != PhaseEnd {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		p := state.Phase
		o.setPhase(p)
		o.runPhase(ctx, state, p)
		state.Completed = append(state.Completed, p)
		state.Phase = Next(p)
		if state.Halt {
			o.halt(ctx, state)
		}
		state.UpdatedAt = time.Now().UTC()
		if err := o.checkpoint(ctx, state); err != nil {
			span.RecordError(err)
			return state, err
		}
	}

	o.recordRunPath(ctx, state)
	o.publish(ctx, eventbus.TypeRunCompleted, map[string]any{
		"run_id":    state.RunID,
		"halt":      state.Halt,
		"winner":    state.Winner,
		"completed": phaseNames(state.Completed),
	})
	o.logger.InfoContext(ctx, "orchestrator.completed",
		slog.String(telemetry.AttrRunID, state.RunID),
		slog.Bool("halt", state.Halt),
		slog.String("winner", state.Winner),
	)
	span.SetAttributes(attribute.Bool("synod.halt", state.Halt))
	return state, nil
}

// halt skips every remaining phase and jumps to END.
func (o *Orchestrator) halt(ctx context.Context, state *WorkflowState) {
	for p := state.Phase; p != PhaseEnd; p = Next(p) {
		state.Skipped = append(state.Skipped, p)
		o.publish(ctx, eventbus.TypePhaseSkipped, map[string]any{"run_id": state.RunID, "phase": string(p)})
	}
	state.Phase = PhaseEnd
	o.audit(ctx, audit.Entry{
		Kind:   audit.KindWorkflowHalted,
		Actor:  pathmemory.ActorOrchestrator,
		Action: "halt",
		Reason: state.HaltReason,
		Payload: map[string]any{
			"skipped": phaseNames(state.Skipped),
		},
	})
	o.publish(ctx, eventbus.TypeRunHalted, map[string]any{
		"run_id":  state.RunID,
		"reason":  state.HaltReason,
		"skipped": phaseNames(state.Skipped),
	})
	o.logger.WarnContext(ctx, "orchestrator.halted",
		slog.String(telemetry.AttrRunID, state.RunID),
		slog.String(telemetry.AttrReason, state.HaltReason),
	)
}

func (o *Orchestrator) runPhase(ctx context.Context, state *WorkflowState, p Phase) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Phase",
		trace.WithAttributes(telemetry.PhaseAttributes(state.RunID, string(p))...))
	defer span.End()

	o.publish(ctx, eventbus.TypePhaseStarted, map[string]any{"run_id": state.RunID, "phase": string(p)})
	o.logger.InfoContext(ctx, "orchestrator.phase.start",
		slog.String(telemetry.AttrRunID, state.RunID),
		slog.String(telemetry.AttrPhase, string(p)),
	)

	switch p {
	case PhaseCompetitivePair:
		outs := o.runPair(ctx, state, p, o.workflow.Teams(p))
		if winner, ok := o.judge(outs); ok {
			state.Winner = winner.ID
			state.Context["seed"] = winner.Output.Text()
			state.Context["seed_team"] = winner.ID
		}
	case PhaseAdversaryPair:
		outs := o.runPair(ctx, state, p, o.workflow.Teams(p))
		gate := o.gate(state, outs)
		state.Gate = &gate
		state.Context["gate"] = gate
		if !gate.Approved {
			state.Halt = true
			state.HaltReason = "critic gate rejected: " + firstNonEmpty(gate.Notes, strings.Join(gate.Fixes, "; "), "not approved")
		}
	case PhaseInnovatorsDisruptors:
		outs := o.runPair(ctx, state, p, o.workflow.Teams(p))
		if winner, ok := o.judge(outs); ok {
			state.Context["innovation"] = winner.Output.Text()
			state.Context["innovation_team"] = winner.ID
		}
	case PhaseBroadcastFindings:
		o.broadcast(ctx, state)
	case PhaseSecurityQuality:
		outs := o.runPair(ctx, state, p, o.workflow.Teams(p))
		for _, r := range outs {
			if v, ok := r.Output.Verdict(); ok {
				state.Critics[r.ID] = v
				state.Context["security"] = v
				if !v.Approved {
					state.Halt = true
					state.HaltReason = "security review rejected: " + firstNonEmpty(v.Notes, strings.Join(v.Fixes, "; "), "not approved")
				}
			}
		}
	}

	elapsed := time.Since(start)
	o.metrics.RecordPhaseLatency(ctx, string(p), elapsed)
	o.publish(ctx, eventbus.TypePhaseCompleted, map[string]any{
		"run_id":      state.RunID,
		"phase":       string(p),
		"halt":        state.Halt,
		"duration_ms": elapsed.Milliseconds(),
	})
	o.logger.InfoContext(ctx, "orchestrator.phase.done",
		slog.String(telemetry.AttrRunID, state.RunID),
		slog.String(telemetry.AttrPhase, string(p)),
		slog.Duration("duration", elapsed),
	)
}

// teamResult pairs a team id with what its slot produced.
type teamResult struct {
	ID     string
	Output team.Output
}

// runPair schedules kinds concurrently and joins before returning. Results
// keep the workflow order.
func (o *Orchestrator) runPair(ctx context.Context, state *WorkflowState, p Phase, kinds []team.Kind) []teamResult {
	input := o.teamInput(state)
	results := make([]teamResult, len(kinds))
	var g errgroup.Group
	for i, k := range kinds {
		m := o.byKind[k]
		g.Go(func() error {
			results[i] = teamResult{ID: m.ID(), Output: o.runTeam(ctx, state, p, m, input)}
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		state.setOutput(p, r.ID, r.Output)
	}
	o.applyBlocks(state, results)
	return results
}

// teamInput is the shared context handed to every team in a phase. Each team
// gets its own copy.
func (o *Orchestrator) teamInput(state *WorkflowState) map[string]any {
	input := make(map[string]any, len(state.Context)+1)
	for k, v := range state.Context {
		input[k] = v
	}
	input["run_id"] = state.RunID
	return input
}

// runTeam runs one scheduling slot of m. It never fails: skips, merges and
// failures all become explicit outputs.
func (o *Orchestrator) runTeam(ctx context.Context, state *WorkflowState, p Phase, m team.Member, base map[string]any) team.Output {
	id := m.ID()
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Team",
		trace.WithAttributes(telemetry.TeamAttributes(state.RunID, string(p), id)...))
	defer span.End()

	if reason, skip := o.shouldSkip(ctx, state, p, id); skip {
		span.SetAttributes(attribute.String(telemetry.AttrDecision, "skipped"))
		return team.SkippedOutput(id, reason)
	}

	switch o.awaitRunnable(ctx, m) {
	case team.StatusMerged:
		span.SetAttributes(attribute.String(telemetry.AttrDecision, "merged"))
		return team.MergedOutput(id)
	case team.StatusPaused:
		span.SetAttributes(attribute.String(telemetry.AttrDecision, "paused"))
		o.logger.WarnContext(ctx, "orchestrator.team.pause_timeout", slog.String(telemetry.AttrTeam, id))
		return team.SkippedOutput(id, "paused")
	}

	input := make(map[string]any, len(base))
	for k, v := range base {
		input[k] = v
	}
	out, err := o.invoke(ctx, m, state.Objective, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.degrade(ctx, state, p, id, err)
	}
	if out == nil {
		out = team.Output{}
	}
	out["team"] = id

	var scores *pruning.Scores
	if o.evaluator != nil {
		ev := o.evaluator.Evaluate(ctx, id, out)
		scores = &ev.Scores
	}
	o.saveState(ctx, id, out)
	o.recordTeamPath(ctx, p, id, out, scores)
	return out
}

// invoke runs the team and turns a panic into an error.
func (o *Orchestrator) invoke(ctx context.Context, m team.Member, objective string, input map[string]any) (out team.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("team panicked: %v", r)
		}
	}()
	return m.Run(ctx, objective, input)
}

func (o *Orchestrator) degrade(ctx context.Context, state *WorkflowState, p Phase, id string, err error) team.Output {
	se := errors.New(errors.CodeTeamExecution, fmt.Sprintf("team %s failed in %s", id, p), err).
		WithContext("team", id).
		WithContext("phase", string(p))
	out := team.DegradedOutput(id, err)
	o.audit(ctx, audit.Entry{
		Kind:   audit.KindTeamDegraded,
		Actor:  id,
		Action: string(p),
		Reason: err.Error(),
		Payload: map[string]any{
			"phase": string(p),
			"text":  out.Text(),
		},
	})
	o.metrics.RecordDegradedTeam(ctx, id, string(p))
	o.metrics.RecordError(ctx, se, "orchestrator")
	o.publish(ctx, eventbus.TypeTeamDegraded, map[string]any{"run_id": state.RunID, "team": id, "phase": string(p), "error": err.Error()})
	o.logger.ErrorContext(ctx, "orchestrator.team.degraded",
		slog.String(telemetry.AttrTeam, id),
		slog.String(telemetry.AttrPhase, string(p)),
		slog.String("error", err.Error()),
	)
	return out
}

// shouldSkip applies pruning: a pruned (inactive) or blocked team is not
// scheduled, and a team suggested for pruning is handled per policy.
func (o *Orchestrator) shouldSkip(ctx context.Context, state *WorkflowState, p Phase, id string) (string, bool) {
	if o.pruner != nil && !o.pruner.State().IsActive(id) {
		return "pruned", true
	}
	if state.isBlocked(id) {
		return "blocked", true
	}
	if o.evaluator == nil || !o.evaluator.ShouldPrune(id) {
		return "", false
	}
	ev, _ := o.evaluator.Suggestion(id)
	reason := "prune suggested: " + ev.Reason
	if o.settings.PrunePolicy == PruneSkip {
		o.evaluator.ClearSuggestion(id)
	}
	o.audit(ctx, audit.Entry{
		Kind:   audit.KindPruneSkipped,
		Actor:  id,
		Action: string(p),
		Reason: reason,
		Payload: map[string]any{
			"policy":        string(o.settings.PrunePolicy),
			"novelty":       ev.Scores.Novelty,
			"growth":        ev.Scores.Growth,
			"cost_per_gain": pruning.EncodeCostPerGain(ev.Scores.CostPerGain),
		},
	})
	o.logger.InfoContext(ctx, "orchestrator.team.prune_skip",
		slog.String(telemetry.AttrTeam, id),
		slog.String(telemetry.AttrPhase, string(p)),
		slog.String("policy", string(o.settings.PrunePolicy)),
		slog.String(telemetry.AttrReason, ev.Reason),
	)
	return reason, true
}

// applyBlocks adds teams skipped under the block policy to the run's block
// list. It runs after the pair joined so state is only touched by one
// goroutine.
func (o *Orchestrator) applyBlocks(state *WorkflowState, results []teamResult) {
	if o.settings.PrunePolicy != PruneBlock {
		return
	}
	for _, r := range results {
		if r.Output.Skipped() && strings.HasPrefix(fmt.Sprint(r.Output["reason"]), "prune suggested") && !state.isBlocked(r.ID) {
			state.Blocked = append(state.Blocked, r.ID)
		}
	}
}

// awaitRunnable polls the status of a paused team until it runs again, is
// merged, ctx ends or the maximum wait passes. It returns the last status.
func (o *Orchestrator) awaitRunnable(ctx context.Context, m team.Member) team.Status {
	status := m.Status()
	if status != team.StatusPaused {
		return status
	}
	deadline := time.Now().Add(o.settings.MaxPauseWait)
	ticker := time.NewTicker(o.settings.PausePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.Status()
		case <-ticker.C:
		}
		status = m.Status()
		if status != team.StatusPaused || time.Now().After(deadline) {
			return status
		}
	}
}

// saveState keeps the team's latest output as its live state so a prune can
// snapshot and roll it back.
func (o *Orchestrator) saveState(ctx context.Context, id string, out team.Output) {
	if o.pruner == nil {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		o.logger.WarnContext(ctx, "orchestrator.state.encode", slog.String(telemetry.AttrTeam, id), slog.String("error", err.Error()))
		return
	}
	if err := o.pruner.State().Put(id, data); err != nil {
		o.logger.WarnContext(ctx, "orchestrator.state.put", slog.String(telemetry.AttrTeam, id), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) judge(results []teamResult) (teamResult, bool) {
	outs := make([]team.Output, len(results))
	for i, r := range results {
		outs[i] = r.Output
	}
	i := Judge(outs...)
	if i < 0 || !ranOK(results[i].Output) {
		return teamResult{}, false
	}
	return results[i], true
}

// gate merges the critics' verdicts. A degraded critic counts as a rejection;
// skipped and merged critics do not vote.
func (o *Orchestrator) gate(state *WorkflowState, results []teamResult) team.Verdict {
	var verdicts []team.Verdict
	for _, r := range results {
		switch {
		case r.Output.Degraded():
			verdicts = append(verdicts, team.Verdict{
				Approved: false,
				Risk:     1,
				Fixes:    []string{"rerun " + r.ID + " review"},
				Notes:    r.ID + " degraded: " + fmt.Sprint(r.Output["error"]),
			})
		case r.Output.Skipped() || r.Output.Merged():
			continue
		default:
			if v, ok := r.Output.Verdict(); ok {
				state.Critics[r.ID] = v
				verdicts = append(verdicts, v)
			}
		}
	}
	return MergeVerdicts(verdicts...)
}

// broadcast publishes what the run has found so far.
func (o *Orchestrator) broadcast(ctx context.Context, state *WorkflowState) {
	findings := map[string]any{
		"run_id":    state.RunID,
		"objective": state.Objective,
		"winner":    state.Winner,
		"seed":      state.Context["seed"],
	}
	if state.Gate != nil {
		findings["approved"] = state.Gate.Approved
		findings["fixes"] = state.Gate.Fixes
		findings["risk"] = state.Gate.Risk
	}
	if v, ok := state.Context["innovation"]; ok {
		findings["innovation"] = v
	}
	state.Context["findings"] = findings
	o.publish(ctx, eventbus.TypeFindings, findings)
}

// plannedSignature describes the run before it starts: the objective and
// the phase plan. Recorded run paths carry the same steps so a repeated plan
// matches with similarity 1.
func (o *Orchestrator) plannedSignature(objective string) pathmemory.Signature {
	steps := []string{"objective:" + normalizeObjective(objective)}
	for _, p := range Phases() {
		kinds := o.workflow.Teams(p)
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		steps = append(steps, "phase:"+string(p)+":"+strings.Join(names, "+"))
	}
	return pathmemory.Signature{Steps: steps}
}

// recordRunPath stores the run under "project": positive when it went
// through, negative when it halted.
func (o *Orchestrator) recordRunPath(ctx context.Context, state *WorkflowState) {
	if o.memory == nil {
		return
	}
	sig := o.plannedSignature(state.Objective)
	kind := pathmemory.KindPositive
	sig.Outcome = pathmemory.Outcome{Result: pathmemory.ResultPass, Score: 1}
	if state.Halt {
		kind = pathmemory.KindNegative
		sig.Outcome = pathmemory.Outcome{Result: pathmemory.ResultFail, Score: 0}
	}
	if state.Gate != nil {
		sig.KeyDecisions = append(sig.KeyDecisions, fmt.Sprintf("gate:approved=%t", state.Gate.Approved))
		sig.KeyDecisions = append(sig.KeyDecisions, state.Gate.Fixes...)
		sig.Outcome.Score = 1 - state.Gate.Risk
	}
	if state.Winner != "" {
		sig.KeyDecisions = append(sig.KeyDecisions, "winner:"+state.Winner)
	}
	if _, err := o.memory.RecordPath(ctx, pathmemory.ActorOrchestrator, pathmemory.ScopeProject, kind, sig); err != nil {
		o.logger.WarnContext(ctx, "orchestrator.memory.record", slog.String("error", err.Error()))
	}
}

// recordTeamPath stores what a team did as a local path under its own scope.
func (o *Orchestrator) recordTeamPath(ctx context.Context, p Phase, id string, out team.Output, scores *pruning.Scores) {
	if o.memory == nil {
		return
	}
	scope := pathmemory.TeamScope(id)
	sig := pathmemory.Signature{
		Steps: []string{"phase:" + string(p), "team:" + strings.ToLower(id)},
	}
	if backend, ok := out["backend"].(string); ok && backend != "" {
		sig.ToolsUsed = []string{backend}
	}
	if cites, ok := out["citations"].([]string); ok {
		sig.Citations = cites
	}
	sig.Outcome = pathmemory.Outcome{Result: pathmemory.ResultPass}
	if q, ok := out.Number("quality", "score"); ok {
		sig.Outcome.Score = q
	}
	if v, ok := out.Verdict(); ok {
		sig.KeyDecisions = append(sig.KeyDecisions, fmt.Sprintf("approved=%t", v.Approved))
		if !v.Approved {
			sig.Outcome.Result = pathmemory.ResultFail
		}
	}
	sig.Metrics.Cost = pruning.Cost(out)
	if scores != nil {
		sig.Metrics.Novelty = scores.Novelty
		sig.Metrics.Growth = scores.Growth
	}
	if _, err := o.memory.RecordPath(ctx, scope, scope, pathmemory.KindLocal, sig); err != nil {
		o.logger.WarnContext(ctx, "orchestrator.memory.team_record", slog.String(telemetry.AttrTeam, id), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, state *WorkflowState) error {
	if o.checkpoints == nil {
		return nil
	}
	if err := o.checkpoints.Save(ctx, state); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator.checkpoint.failed",
			slog.String(telemetry.AttrRunID, state.RunID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) currentPhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	ev := eventbus.Event{Type: eventType, Scope: EventScope, Payload: payload}
	if runID, ok := core.RunID(ctx); ok {
		ev.RunID = runID
	}
	o.bus.Publish(ctx, ev)
}

func (o *Orchestrator) audit(ctx context.Context, e audit.Entry) {
	if runID, ok := core.RunID(ctx); ok && e.RunID == "" {
		e.RunID = runID
	}
	if err := o.sink.Append(ctx, e); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator.audit.failed", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}

func normalizeObjective(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func phaseNames(ps []Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
