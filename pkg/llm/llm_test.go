package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jllopis/synod/pkg/config"
)

func TestScripted(t *testing.T) {
	s := NewScripted("first", "second")
	ctx := context.Background()
	for _, want := range []string{"first", "second"} {
		resp, err := s.Generate(ctx, Request{Prompt: "go"})
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if resp.Content != want || resp.Backend != BackendScripted {
			t.Errorf("expected %q, got %+v", want, resp)
		}
	}
	if _, err := s.Generate(ctx, Request{}); err == nil {
		t.Fatalf("expected exhausted script to fail")
	}
	if s.Calls != 3 {
		t.Errorf("expected 3 calls, got %d", s.Calls)
	}
}

func TestEchoNeverRunsOut(t *testing.T) {
	e := NewEcho()
	resp, err := e.Generate(context.Background(), Request{Prompt: "  find   the bug "})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "considered: find the bug" || resp.Tokens == 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "tiny" || len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem || req.Stream {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Message:         Message{Role: RoleAssistant, Content: "ok"},
			Done:            true,
			PromptEvalCount: 7,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL+"/", "tiny")
	resp, err := o.Generate(context.Background(), Request{System: "be brief", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "ok" || resp.Tokens != 10 || resp.Backend != BackendOllama {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOllamaStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	if _, err := NewOllama(srv.URL, "x").Generate(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestFromConfig(t *testing.T) {
	g, err := FromConfig(config.LLMConfig{Provider: "ollama", BaseURL: "http://example:11434", Model: "m"})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := g.(*Ollama); !ok {
		t.Fatalf("expected ollama backend, got %T", g)
	}
	if _, err := FromConfig(config.LLMConfig{Provider: "nope"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestRegisteredBackend(t *testing.T) {
	var got config.LLMConfig
	Register("canned", func(cfg config.LLMConfig) (Generator, error) {
		got = cfg
		return GeneratorFunc(func(context.Context, Request) (Response, error) {
			return Response{Content: "canned", Backend: "canned"}, nil
		}), nil
	})

	g, err := FromConfig(config.LLMConfig{Provider: " Canned ", Model: "m1", APIKey: "k"})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got.Model != "m1" || got.APIKey != "k" {
		t.Fatalf("factory must receive the llm section, got %+v", got)
	}
	resp, err := g.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil || resp.Content != "canned" {
		t.Fatalf("unexpected response %+v %v", resp, err)
	}

	found := false
	for _, name := range Backends() {
		found = found || name == "canned"
	}
	if !found {
		t.Fatalf("expected canned among %v", Backends())
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("registering a name twice must panic")
		}
	}()
	Register("ollama", func(config.LLMConfig) (Generator, error) { return nil, nil })
}
