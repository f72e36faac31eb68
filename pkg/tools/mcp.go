// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// MCPTools converts the registry catalog to MCP tool definitions.
func (r *Registry) MCPTools() []mcp.Tool {
	metas := r.List()
	out := make([]mcp.Tool, 0, len(metas))
	for _, meta := range metas {
		out = append(out, mcpTool(meta))
	}
	return out
}

// MCPServerConfig identifies the server and the caller on whose behalf MCP
// calls run. Calls go through the same gates as Execute.
type MCPServerConfig struct {
	Name    string
	Version string
	Exec    ExecOptions
}

// NewMCPServer exposes every tool of r over MCP.
func NewMCPServer(r *Registry, cfg MCPServerConfig) *server.MCPServer {
	if cfg.Name == "" {
		cfg.Name = "synod"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := server.NewMCPServer(cfg.Name, cfg.Version)
	for _, meta := range r.List() {
		s.AddTool(mcpTool(meta), mcpHandler(r, meta.Name, cfg.Exec))
	}
	return s
}

// ServeMCPStdio serves r over MCP on stdin/stdout until the stream closes.
func ServeMCPStdio(r *Registry, cfg MCPServerConfig) error {
	return server.ServeStdio(NewMCPServer(r, cfg))
}

func mcpTool(meta Meta) mcp.Tool {
	schema := meta.Schema
	if len(schema) == 0 {
		schema = emptyObjectSchema
	}
	desc := meta.Description
	if meta.RiskTier == RiskHigh {
		desc = fmt.Sprintf("%s (requires approval)", desc)
	}
	return mcp.NewToolWithRawSchema(meta.Name, desc, schema)
}

func mcpHandler(r *Registry, name string, exec ExecOptions) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		result, err := r.Execute(ctx, name, args, exec)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		switch v := result.(type) {
		case nil:
			return mcp.NewToolResultText(""), nil
		case string:
			return mcp.NewToolResultText(v), nil
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
			}
			return mcp.NewToolResultText(string(data)), nil
		}
	}
}
