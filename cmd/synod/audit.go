package main

import (
	"context"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jllopis/synod/pkg/audit"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query the audit trail"}
	cmd.AddCommand(auditListCmd())
	return cmd
}

func auditListCmd() *cobra.Command {
	var (
		kind  string
		actor string
		runID string
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := audit.Filter{Kind: audit.Kind(kind), Actor: actor, RunID: runID, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				entries, err := a.sink.List(ctx, filter)
				if err != nil {
					return err
				}
				if global.JSON {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Kind", "Actor", "Action", "Run", "Reason"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp.Format(time.RFC3339), e.Kind, e.Actor, e.Action, e.RunID, summarize(e.Reason, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entry kind (e.g. RBACDenied, PruneCommitted)")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print (0 for all)")
	return cmd
}
