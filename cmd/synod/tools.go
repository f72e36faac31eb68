package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/hitl"
	"github.com/jllopis/synod/pkg/pathmemory"
	"github.com/jllopis/synod/pkg/tools"
)

type queryPathsArgs struct {
	Actor     string   `json:"actor" jsonschema:"description=principal issuing the query (team/red or orchestrator)"`
	Target    string   `json:"target" jsonschema:"description=scope to search"`
	Kind      string   `json:"kind" jsonschema:"enum=positive,enum=negative,enum=local"`
	Steps     []string `json:"steps"`
	Threshold float64  `json:"threshold,omitempty"`
}

type recordPathArgs struct {
	Actor        string   `json:"actor"`
	Target       string   `json:"target"`
	Kind         string   `json:"kind" jsonschema:"enum=positive,enum=negative,enum=local"`
	Steps        []string `json:"steps"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
	KeyDecisions []string `json:"key_decisions,omitempty"`
	Result       string   `json:"result,omitempty" jsonschema:"enum=pass,enum=fail"`
}

type scopeHashArgs struct {
	Actor     string `json:"actor"`
	Principal string `json:"principal"`
	Scope     string `json:"scope"`
}

type fileWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// registerTools publishes the memory operations and a file writer as gated
// tools.
func registerTools(r *tools.Registry, mem *pathmemory.Service) error {
	if err := tools.RegisterFunc(r, "query_paths", func(ctx context.Context, a queryPathsArgs) (any, error) {
		return mem.QueryPaths(ctx, a.Actor, a.Target, pathmemory.Kind(a.Kind), pathmemory.Signature{Steps: a.Steps}, a.Threshold)
	}, tools.WithDescription("Find recorded paths similar to a list of steps"),
		tools.WithCapabilities("memory.read"),
		tools.WithRiskTier(tools.RiskLow),
	); err != nil {
		return err
	}

	if err := tools.RegisterFunc(r, "record_path", func(ctx context.Context, a recordPathArgs) (any, error) {
		result := pathmemory.ResultPass
		if a.Result == string(pathmemory.ResultFail) {
			result = pathmemory.ResultFail
		}
		return mem.RecordPath(ctx, a.Actor, a.Target, pathmemory.Kind(a.Kind), pathmemory.Signature{
			Steps:        a.Steps,
			ToolsUsed:    a.ToolsUsed,
			KeyDecisions: a.KeyDecisions,
			Outcome:      pathmemory.Outcome{Result: result},
		})
	}, tools.WithDescription("Record an attempted path in a scope"),
		tools.WithCapabilities("memory.write"),
		tools.WithRiskTier(tools.RiskMedium),
		tools.WithRequiredRole("operator"),
	); err != nil {
		return err
	}

	if err := tools.RegisterFunc(r, "scope_hash", func(ctx context.Context, a scopeHashArgs) (any, error) {
		return mem.ScopeHash(ctx, a.Actor, a.Principal, a.Scope)
	}, tools.WithDescription("Hash the key/value pairs of a principal scope"),
		tools.WithCapabilities("memory.read"),
	); err != nil {
		return err
	}

	return tools.RegisterFunc(r, "file_write", func(_ context.Context, a fileWriteArgs) (any, error) {
		if dir := filepath.Dir(a.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		if err := os.WriteFile(a.Path, []byte(a.Content), 0o644); err != nil {
			return nil, err
		}
		return map[string]any{"path": a.Path, "bytes": len(a.Content)}, nil
	}, tools.WithDescription("Write content to a file"),
		tools.WithCapabilities("fs.write"),
		tools.WithRiskTier(tools.RiskHigh),
		tools.WithRequiredRole("admin"),
	)
}

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tools", Short: "Inspect, call and serve the gated tool registry"}
	cmd.AddCommand(toolsListCmd(), toolsExecCmd(), toolsMCPCmd())
	return cmd
}

func toolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				metas := a.tools.List()
				if global.JSON {
					return printJSON(metas)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Risk", "Role", "Capabilities", "Description"})
				for _, m := range metas {
					tw.AppendRow(table.Row{m.Name, m.RiskTier, m.RequiredRole, strings.Join(m.Capabilities, ","), m.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func toolsExecCmd() *cobra.Command {
	var (
		rawArgs string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "exec <tool>",
		Short: "Execute a tool as --user through RBAC and HITL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return errors.New(errors.CodeInvalidInput, "--args must be a JSON object", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				out, err := a.tools.Execute(ctx, args[0], toolArgs, a.exec(reason))
				if err != nil {
					return err
				}
				if global.JSON {
					return printJSON(map[string]any{"tool": args[0], "result": out})
				}
				data, _ := json.MarshalIndent(out, "", "  ")
				fmt.Println(string(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the approver")
	return cmd
}

func toolsMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool registry over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				exec := a.exec("mcp call")
				// stdin carries the protocol, so nobody can answer a console prompt.
				if _, console := exec.Modal.(*hitl.ConsoleModal); console {
					exec.Modal = hitl.StaticModal{Approved: false}
				}
				return tools.ServeMCPStdio(a.tools, tools.MCPServerConfig{
					Name:    "synod",
					Version: version,
					Exec:    exec,
				})
			})
		},
	}
}
