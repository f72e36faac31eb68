package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/pathmemory"
	"github.com/jllopis/synod/pkg/pruning"
	"github.com/jllopis/synod/pkg/team"
	"github.com/jllopis/synod/pkg/telemetry"
)

// PauseTeam asks a team to pause. A team mid-run finishes its current step
// first; later scheduling waits until it is restarted or merged.
func (o *Orchestrator) PauseTeam(ctx context.Context, id string) error {
	m, err := o.member(id)
	if err != nil {
		return err
	}
	if err := m.SetStatus(team.StatusPaused); err != nil {
		return err
	}
	o.recordLineage(ctx, "pause", id, "")
	o.publish(ctx, eventbus.TypeTeamPaused, map[string]any{"team": id})
	return nil
}

// RestartTeam resumes a paused team.
func (o *Orchestrator) RestartTeam(ctx context.Context, id string) error {
	m, err := o.member(id)
	if err != nil {
		return err
	}
	if err := m.SetStatus(team.StatusRunning); err != nil {
		return err
	}
	o.recordLineage(ctx, "restart", id, "")
	o.publish(ctx, eventbus.TypeTeamRestarted, map[string]any{"team": id})
	return nil
}

// MergeTeams folds source into another team. Future slots of source return
// a merged result without running it. A merge that would leave fewer than
// two schedulable teams is refused unless override is set or the settings
// allow a single active team.
func (o *Orchestrator) MergeTeams(ctx context.Context, source, into string, override bool) error {
	if source == into {
		return errors.New(errors.CodeInvalidInput, "cannot merge a team into itself", nil).WithContext("team", source)
	}
	src, err := o.member(source)
	if err != nil {
		return err
	}
	dst, err := o.member(into)
	if err != nil {
		return err
	}
	if dst.Status() == team.StatusMerged {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("team %s is already merged", into), nil).WithContext("team", into)
	}
	if remaining := o.schedulable(source); len(remaining) < 2 && !override && !o.settings.AllowSingleActive {
		return errors.Guardrail(source, fmt.Sprintf("merging would leave %d schedulable teams, need at least 2", len(remaining))).
			WithContext("remaining", remaining)
	}
	if err := src.SetStatus(team.StatusMerged); err != nil {
		return err
	}
	o.recordLineage(ctx, "merge", source, "into "+into)
	o.publish(ctx, eventbus.TypeTeamMerged, map[string]any{"team": source, "into": into})
	return nil
}

// PruneTeam retires a team through the pruning manager. The round is taken
// from the phase being run; pc.Round overrides it when set.
func (o *Orchestrator) PruneTeam(ctx context.Context, id, reason, actor string, pc pruning.PruneContext) (pruning.Record, error) {
	if o.pruner == nil {
		return pruning.Record{}, errors.New(errors.CodeInvalidInput, "no pruning manager configured", nil)
	}
	if _, err := o.member(id); err != nil {
		return pruning.Record{}, err
	}
	if pc.Round == "" {
		pc.Round = o.currentPhase().round()
	}
	pc.Override = pc.Override || o.settings.AllowSingleActive
	pc.Unschedulable = append(pc.Unschedulable, o.merged()...)
	if actor == "" {
		actor = pathmemory.ActorOrchestrator
	}
	rec, err := o.pruner.Commit(ctx, id, reason, actor, pc)
	if err != nil {
		return pruning.Record{}, err
	}
	if o.evaluator != nil {
		o.evaluator.ClearSuggestion(id)
	}
	o.recordLineage(ctx, "prune", id, reason)
	return rec, nil
}

// RestoreTeam rolls a prune back from its snapshot.
func (o *Orchestrator) RestoreTeam(ctx context.Context, snapshot, id string) (pruning.Record, error) {
	if o.pruner == nil {
		return pruning.Record{}, errors.New(errors.CodeInvalidInput, "no pruning manager configured", nil)
	}
	if _, err := o.member(id); err != nil {
		return pruning.Record{}, err
	}
	rec, err := o.pruner.Rollback(ctx, snapshot, id)
	if err != nil {
		return pruning.Record{}, err
	}
	o.recordLineage(ctx, "restore", id, snapshot)
	return rec, nil
}

// schedulable lists, in spawn order, the teams other than except that can
// still take a slot: not merged and not pruned.
func (o *Orchestrator) schedulable(except string) []string {
	var out []string
	for _, id := range o.order {
		if id == except || o.teams[id].Status() == team.StatusMerged {
			continue
		}
		if o.pruner != nil && !o.pruner.State().IsActive(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// merged lists the teams folded into another one.
func (o *Orchestrator) merged() []string {
	var out []string
	for _, id := range o.order {
		if o.teams[id].Status() == team.StatusMerged {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) member(id string) (team.Member, error) {
	m, ok := o.teams[id]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("team %q", id))
	}
	return m, nil
}

// recordLineage appends to the lineage log and mirrors the entry to the
// audit sink.
func (o *Orchestrator) recordLineage(ctx context.Context, event, id, detail string) {
	entry := LineageEntry{Timestamp: time.Now().UTC(), Event: event, Team: id, Detail: detail}
	if runID, ok := core.RunID(ctx); ok {
		entry.RunID = runID
	}
	o.mu.Lock()
	o.lineage = append(o.lineage, entry)
	o.mu.Unlock()

	actor := pathmemory.ActorOrchestrator
	if a, ok := core.Actor(ctx); ok {
		actor = a
	}
	o.audit(ctx, audit.Entry{
		Kind:   audit.KindLineage,
		Actor:  actor,
		Action: event,
		Reason: detail,
		Payload: map[string]any{
			"team": id,
		},
	})
	o.logger.InfoContext(ctx, "orchestrator.lineage",
		slog.String("event", event),
		slog.String(telemetry.AttrTeam, id),
		slog.String("detail", detail),
	)
}
