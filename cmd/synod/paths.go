package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jllopis/synod/pkg/pathmemory"
	"github.com/jllopis/synod/pkg/pathmemory/client"
	"github.com/jllopis/synod/pkg/resilience"
	"github.com/jllopis/synod/pkg/telemetry"
)

// pathStore is what the paths commands need, served either by the local
// service or by a remote memory server.
type pathStore interface {
	RecordPath(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature) (pathmemory.Signature, error)
	QueryPaths(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature, threshold float64) ([]pathmemory.Match, error)
}

// localPaths binds the service to one actor.
type localPaths struct {
	svc   *pathmemory.Service
	actor string
}

func (l localPaths) RecordPath(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature) (pathmemory.Signature, error) {
	return l.svc.RecordPath(ctx, l.actor, target, kind, sig)
}

func (l localPaths) QueryPaths(ctx context.Context, target string, kind pathmemory.Kind, sig pathmemory.Signature, threshold float64) ([]pathmemory.Match, error) {
	return l.svc.QueryPaths(ctx, l.actor, target, kind, sig, threshold)
}

type pathFlags struct {
	actor     string
	target    string
	kind      string
	steps     []string
	tools     []string
	decisions []string
	result    string
	threshold float64
	remote    string
	token     string
}

func (f *pathFlags) signature() pathmemory.Signature {
	sig := pathmemory.Signature{Steps: f.steps, ToolsUsed: f.tools, KeyDecisions: f.decisions}
	sig.Outcome.Result = pathmemory.ResultPass
	if strings.EqualFold(f.result, string(pathmemory.ResultFail)) {
		sig.Outcome.Result = pathmemory.ResultFail
	}
	return sig
}

func (f *pathFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.actor, "actor", pathmemory.ActorOrchestrator, "acting principal (orchestrator, meta or team/<name>)")
	cmd.Flags().StringVar(&f.target, "target", pathmemory.ScopeProject, "target scope")
	cmd.Flags().StringVar(&f.kind, "kind", string(pathmemory.KindNegative), "path kind (positive, negative, local)")
	cmd.Flags().StringArrayVar(&f.steps, "step", nil, "step of the path (repeatable)")
	cmd.Flags().StringVar(&f.remote, "remote", "", "memory server URL; uses the local store when empty")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for --remote")
}

// withPaths runs fn against the remote server when --remote is set,
// otherwise against the local service.
func withPaths(cmd *cobra.Command, f *pathFlags, fn func(ctx context.Context, store pathStore) error) error {
	if f.remote != "" {
		c := client.New(f.remote, f.actor)
		c.BearerToken = f.token
		logger := telemetry.Component("pathmemory.client")
		retry := resilience.DefaultRetryConfig().WithOnRetry(func(attempt int, err error, wait time.Duration) {
			logger.Warn("pathmemory.client.retry",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		})
		return fn(cmd.Context(), c.Retrying(retry))
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		return fn(ctx, localPaths{svc: a.memory, actor: f.actor})
	})
}

func pathsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "paths", Short: "Record and query path signatures"}
	cmd.AddCommand(pathsRecordCmd(), pathsQueryCmd())
	return cmd
}

func pathsRecordCmd() *cobra.Command {
	var f pathFlags
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a path under a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pathmemory.ParseKind(f.kind)
			if err != nil {
				return err
			}
			return withPaths(cmd, &f, func(ctx context.Context, store pathStore) error {
				stored, err := store.RecordPath(ctx, f.target, kind, f.signature())
				if err != nil {
					return err
				}
				if global.JSON {
					return printJSON(stored)
				}
				fmt.Printf("recorded %s path %s in %s\n", kind, stored.Hash, stored.Scope)
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringArrayVar(&f.tools, "tool", nil, "tool used (repeatable)")
	cmd.Flags().StringArrayVar(&f.decisions, "decision", nil, "key decision (repeatable)")
	cmd.Flags().StringVar(&f.result, "result", "pass", "outcome (pass or fail)")
	return cmd
}

func pathsQueryCmd() *cobra.Command {
	var f pathFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find paths similar to a list of steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pathmemory.ParseKind(f.kind)
			if err != nil {
				return err
			}
			return withPaths(cmd, &f, func(ctx context.Context, store pathStore) error {
				matches, err := store.QueryPaths(ctx, f.target, kind, f.signature(), f.threshold)
				if err != nil {
					return err
				}
				if global.JSON {
					return printJSON(matches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Similarity", "Hash", "Steps", "Result"})
				for _, m := range matches {
					tw.AppendRow(table.Row{
						fmt.Sprintf("%.2f", m.Similarity),
						shortHash(m.Signature.Hash),
						strings.Join(m.Signature.Steps, " > "),
						m.Signature.Outcome.Result,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().Float64Var(&f.threshold, "threshold", 0, "minimum Jaccard similarity of steps")
	return cmd
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
