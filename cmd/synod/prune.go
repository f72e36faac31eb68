package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jllopis/synod/pkg/pruning"
	"github.com/jllopis/synod/pkg/team"
)

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "prune", Short: "Plan prunes and inspect prune snapshots"}
	cmd.AddCommand(prunePlanCmd(), pruneSnapshotsCmd(), pruneShowCmd())
	return cmd
}

func prunePlanCmd() *cobra.Command {
	var (
		reason   string
		round    string
		override bool
	)
	cmd := &cobra.Command{
		Use:   "plan <team>",
		Short: "Show what pruning a team would do without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				// Spawning the teams marks them active in the pruner state.
				if _, err := a.newOrchestrator(ctx, ""); err != nil {
					return err
				}
				id := team.Kind(strings.ToLower(args[0])).Name()
				plan, err := a.pruner.DryRun(ctx, id, reason, global.User, pruning.PruneContext{Round: round, Override: override})
				if err != nil {
					return err
				}
				if global.JSON {
					return printJSON(plan)
				}
				fmt.Printf("Pruning %s would leave: %s\n", plan.Team, strings.Join(plan.Remaining, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the prune")
	cmd.Flags().StringVar(&round, "round", "", "round the prune happens in (e.g. adversarial)")
	cmd.Flags().BoolVar(&override, "override", false, "allow pruning below two active teams")
	return cmd
}

func pruneSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List prune snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := filepath.Glob(filepath.Join(cfg.Pruning.SnapshotDir, "*.json"))
			if err != nil {
				return err
			}
			sort.Strings(paths)
			store := pruning.NewFileSnapshotStore(cfg.Pruning.SnapshotDir)
			snaps := make([]pruning.Snapshot, 0, len(paths))
			for _, p := range paths {
				snap, err := store.Load(cmd.Context(), p)
				if err != nil {
					return err
				}
				snaps = append(snaps, snap)
			}
			if global.JSON {
				return printJSON(snaps)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Location", "Team", "Actor", "Reason", "Time"})
			for i, s := range snaps {
				tw.AppendRow(table.Row{paths[i], s.Team, s.Actor, s.Reason, s.Timestamp.Format("2006-01-02 15:04:05")})
			}
			tw.Render()
			return nil
		},
	}
}

func pruneShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <location>",
		Short: "Print a prune snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := pruning.NewFileSnapshotStore(cfg.Pruning.SnapshotDir).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}
