// SPDX-License-Identifier: Apache-2.0
package tools

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/hitl"
	"github.com/jllopis/synod/pkg/security"
	"github.com/mark3labs/mcp-go/mcp"
)

type deleteArgs struct {
	Path  string `json:"path"`
	Force bool   `json:"force,omitempty"`
}

func newTestRegistry(t *testing.T) (*Registry, *audit.MemorySink, *int) {
	t.Helper()
	sink := audit.NewMemorySink()
	r := NewRegistry(WithAuditSink(sink))
	calls := 0
	err := RegisterFunc(r, "file_delete", func(_ context.Context, args deleteArgs) (any, error) {
		calls++
		return "deleted " + args.Path, nil
	},
		WithDescription("Delete a file"),
		WithCapabilities("fs"),
		WithRiskTier(RiskHigh),
		WithRequiredRole("admin"),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("echo", func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return r, sink, &calls
}

func kinds(t *testing.T, sink *audit.MemorySink) []audit.Kind {
	t.Helper()
	entries, err := sink.List(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	out := make([]audit.Kind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func equalKinds(a, b []audit.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecuteRBACDenialNeverInvokes(t *testing.T) {
	r, sink, calls := newTestRegistry(t)
	modalCalled := false
	opts := ExecOptions{
		User:     "bob",
		Security: security.NewStaticResolver(map[string]string{"bob": "dev"}),
		HITL:     hitl.NewPolicy(),
		Modal: hitl.ModalFunc(func(context.Context, hitl.Request) (bool, error) {
			modalCalled = true
			return true, nil
		}),
	}
	_, err := r.Execute(context.Background(), "file_delete", map[string]any{"path": "/tmp/x"}, opts)
	if !errors.Is(err, errors.CodeUnauthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if *calls != 0 || modalCalled {
		t.Fatalf("denied call must not reach the modal or the function")
	}
	if got := kinds(t, sink); !equalKinds(got, []audit.Kind{audit.KindRBACDenied}) {
		t.Fatalf("unexpected audit trail %v", got)
	}
}

func TestExecuteHITLDenial(t *testing.T) {
	r, sink, calls := newTestRegistry(t)
	policy := hitl.NewPolicy()
	opts := ExecOptions{
		User:     "alice",
		Security: security.NewStaticResolver(map[string]string{"alice": "admin"}),
		HITL:     policy,
		Modal:    hitl.StaticModal{Approved: false},
	}
	_, err := r.Execute(context.Background(), "file_delete", map[string]any{"path": "/tmp/x"}, opts)
	if !errors.Is(err, errors.CodeApprovalDenied) {
		t.Fatalf("expected approval denied, got %v", err)
	}
	if *calls != 0 {
		t.Fatalf("denied call must not invoke the function")
	}
	if got := kinds(t, sink); !equalKinds(got, []audit.Kind{audit.KindApprovalRequired, audit.KindHITLDenied}) {
		t.Fatalf("unexpected audit trail %v", got)
	}
	if recs := policy.Records(context.Background()); len(recs) != 1 || recs[0].Approved {
		t.Fatalf("expected one denied approval record, got %+v", recs)
	}
}

func TestExecuteApproved(t *testing.T) {
	r, sink, calls := newTestRegistry(t)
	opts := ExecOptions{
		User:     "alice",
		Security: security.NewStaticResolver(map[string]string{"alice": "admin"}),
		HITL:     hitl.NewPolicy(),
		Modal:    hitl.StaticModal{Approved: true},
	}
	got, err := r.Execute(context.Background(), "file_delete", map[string]any{"path": "/tmp/x"}, opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "deleted /tmp/x" || *calls != 1 {
		t.Fatalf("unexpected result %v (calls=%d)", got, *calls)
	}
	want := []audit.Kind{audit.KindApprovalRequired, audit.KindToolExecuted}
	if got := kinds(t, sink); !equalKinds(got, want) {
		t.Fatalf("unexpected audit trail %v", got)
	}
}

func TestExecuteValidatesRequiredArguments(t *testing.T) {
	r, sink, calls := newTestRegistry(t)
	policy := hitl.NewPolicy()
	asked := 0
	opts := ExecOptions{
		User:     "alice",
		Security: security.NewStaticResolver(map[string]string{"alice": "admin"}),
		HITL:     policy,
		Modal: hitl.ModalFunc(func(context.Context, hitl.Request) (bool, error) {
			asked++
			return true, nil
		}),
	}
	_, err := r.Execute(context.Background(), "file_delete", map[string]any{"force": true}, opts)
	if !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if *calls != 0 {
		t.Fatalf("invalid arguments must not invoke the function")
	}
	if asked != 0 || len(policy.Records(context.Background())) != 0 {
		t.Fatalf("invalid arguments must not use up an approval (asked=%d)", asked)
	}
	if got := kinds(t, sink); len(got) != 0 {
		t.Fatalf("unexpected audit trail %v", got)
	}
}

func TestExecuteFailureIsAudited(t *testing.T) {
	sink := audit.NewMemorySink()
	r := NewRegistry(WithAuditSink(sink))
	if err := r.Register("flaky", func(context.Context, map[string]any) (any, error) {
		return nil, stderrors.New("disk full")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Execute(context.Background(), "flaky", nil, ExecOptions{User: "alice"}); err == nil || err.Error() != "disk full" {
		t.Fatalf("expected the tool error returned unchanged, got %v", err)
	}
	want := []audit.Kind{audit.KindToolExecuted, audit.KindToolFailed}
	if got := kinds(t, sink); !equalKinds(got, want) {
		t.Fatalf("unexpected audit trail %v", got)
	}
	failed, _ := sink.List(context.Background(), audit.Filter{Kind: audit.KindToolFailed})
	if failed[0].Actor != "alice" || failed[0].Action != "flaky" || failed[0].Reason != "disk full" {
		t.Fatalf("unexpected failure entry %+v", failed[0])
	}
}

func TestExecuteLowRiskReturnsResultUnchanged(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	got, err := r.Execute(context.Background(), "echo", map[string]any{"text": 42}, ExecOptions{User: "anyone"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected result passed through, got %v", got)
	}
	if got := kinds(t, sink); !equalKinds(got, []audit.Kind{audit.KindToolExecuted}) {
		t.Fatalf("unexpected audit trail %v", got)
	}
	if _, err := r.Execute(context.Background(), "missing", nil, ExecOptions{}); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.Register("echo", func(context.Context, map[string]any) (any, error) { return nil, nil })
	if !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestDerivedSchema(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	meta, ok := r.Meta("file_delete")
	if !ok {
		t.Fatalf("missing meta")
	}
	var schema struct {
		Type       string         `json:"type"`
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(meta.Schema, &schema); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if schema.Type != "object" || len(schema.Required) != 1 || schema.Required[0] != "path" {
		t.Fatalf("unexpected schema %s", meta.Schema)
	}
	if _, ok := schema.Properties["force"]; !ok {
		t.Fatalf("optional field missing from properties: %s", meta.Schema)
	}

	list := r.List()
	if len(list) != 2 || list[0].Name != "echo" || list[1].RiskTier != RiskHigh {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestParseRiskTier(t *testing.T) {
	for in, want := range map[string]RiskTier{"": RiskLow, "LOW": RiskLow, "medium": RiskMedium, " High ": RiskHigh} {
		got, err := ParseRiskTier(in)
		if err != nil || got != want {
			t.Errorf("ParseRiskTier(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseRiskTier("extreme"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestMCPExposure(t *testing.T) {
	r, _, calls := newTestRegistry(t)
	tools := r.MCPTools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 mcp tools, got %d", len(tools))
	}

	exec := ExecOptions{User: "bob", Security: security.NewStaticResolver(map[string]string{"bob": "dev"})}
	handler := mcpHandler(r, "file_delete", exec)
	var req mcp.CallToolRequest
	req.Params.Name = "file_delete"
	req.Params.Arguments = map[string]any{"path": "/tmp/x"}
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError || *calls != 0 {
		t.Fatalf("mcp calls must pass the same RBAC gate")
	}

	echo := mcpHandler(r, "echo", exec)
	req.Params.Arguments = map[string]any{"text": "hi"}
	res, err = echo(context.Background(), req)
	if err != nil || res.IsError {
		t.Fatalf("unexpected echo result %+v %v", res, err)
	}
	if text := textContent(res); text != "hi" {
		t.Fatalf("expected text hi, got %q", text)
	}

	if NewMCPServer(r, MCPServerConfig{Exec: exec}) == nil {
		t.Fatalf("expected server")
	}
}

func textContent(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			return v.Text
		case *mcp.TextContent:
			return v.Text
		}
	}
	return ""
}
