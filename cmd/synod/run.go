package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/orchestrator"
	"github.com/jllopis/synod/pkg/pruning"
	"github.com/jllopis/synod/pkg/team"
)

func runCmd() *cobra.Command {
	var (
		workflowPath string
		resume       string
		initial      map[string]string
		prune        []string
		override     bool
	)
	cmd := &cobra.Command{
		Use:   "run [objective]",
		Short: "Run the deliberation workflow over an objective",
		Example: `  synod run "reduce p99 latency of the checkout api"
  synod run --context budget=low --prune Black "migrate the auth service"
  synod run --resume run-5d0c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			objective := strings.TrimSpace(strings.Join(args, " "))
			if objective == "" && resume == "" {
				return errors.New(errors.CodeInvalidInput, "an objective or --resume is required", nil)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				o, err := a.newOrchestrator(ctx, workflowPath)
				if err != nil {
					return err
				}
				ctx = core.WithActor(ctx, global.User)
				for _, id := range prune {
					if _, err := o.PruneTeam(ctx, team.Kind(strings.ToLower(id)).Name(), "pruned before run", global.User,
						pruning.PruneContext{Override: override}); err != nil {
						return err
					}
				}

				var state *orchestrator.WorkflowState
				if resume != "" {
					state, err = o.Resume(ctx, resume)
				} else {
					seed := make(map[string]any, len(initial))
					for k, v := range initial {
						seed[k] = v
					}
					state, err = o.Run(ctx, objective, seed)
				}
				if state != nil {
					if perr := printState(state, o.Lineage()); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&workflowPath, "workflow", "", "workflow file (YAML or JSON) overriding orchestrator.workflow_file")
	cmd.Flags().StringVar(&resume, "resume", "", "continue the checkpointed run with this id")
	cmd.Flags().StringToStringVar(&initial, "context", nil, "initial context (key=value, repeatable)")
	cmd.Flags().StringSliceVar(&prune, "prune", nil, "teams to prune before the run")
	cmd.Flags().BoolVar(&override, "override", false, "allow pruning below two active teams")
	return cmd
}

func printState(state *orchestrator.WorkflowState, lineage []orchestrator.LineageEntry) error {
	if global.JSON {
		return printJSON(map[string]any{"state": state, "lineage": lineage})
	}
	fmt.Printf("Run %s: %s\n", state.RunID, state.Objective)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Phase", "Team", "Outcome", "Summary"})
	for _, p := range orchestrator.Phases() {
		outs, ok := state.TeamOutputs[p]
		if !ok {
			status := "pending"
			for _, s := range state.Skipped {
				if s == p {
					status = "skipped"
				}
			}
			tw.AppendRow(table.Row{p, "", status, ""})
			continue
		}
		for _, id := range sortedTeamIDs(outs) {
			out := outs[id]
			tw.AppendRow(table.Row{p, id, outcome(out), summarize(out.Text(), 72)})
		}
	}
	tw.Render()

	if state.Gate != nil {
		fmt.Printf("Critic gate: approved=%t risk=%.2f\n", state.Gate.Approved, state.Gate.Risk)
		for _, fix := range state.Gate.Fixes {
			fmt.Printf("  fix: %s\n", fix)
		}
	}
	if state.Winner != "" {
		fmt.Printf("Winner: %s\n", state.Winner)
	}
	if state.Halt {
		fmt.Printf("Halted: %s\n", state.HaltReason)
	}
	if _, ok := state.Context["avoid"]; ok {
		fmt.Println("Warning: this plan resembles a path that failed before")
	}
	return nil
}

func outcome(out team.Output) string {
	switch {
	case out.Degraded():
		return "degraded"
	case out.Merged():
		return "merged"
	case out.Skipped():
		return fmt.Sprintf("skipped (%v)", out["reason"])
	}
	if v, ok := out.Verdict(); ok {
		if v.Approved {
			return fmt.Sprintf("approved (risk %.2f)", v.Risk)
		}
		return fmt.Sprintf("rejected (risk %.2f)", v.Risk)
	}
	if s, ok := out.Number("score", "quality"); ok {
		return fmt.Sprintf("score %.2f", s)
	}
	return "done"
}

func sortedTeamIDs(outs map[string]team.Output) []string {
	ids := make([]string, 0, len(outs))
	for _, k := range team.Kinds() {
		if _, ok := outs[k.Name()]; ok {
			ids = append(ids, k.Name())
		}
	}
	return ids
}

func summarize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
