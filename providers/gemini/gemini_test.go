// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package gemini

import (
	"testing"

	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/llm"
	"google.golang.org/genai"
)

func TestFromConfigRegistersBackend(t *testing.T) {
	g, err := llm.FromConfig(config.LLMConfig{Provider: Backend, APIKey: "test", Model: "gemini-1.5-pro"})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	gen, ok := g.(*Generator)
	if !ok || gen.model != "gemini-1.5-pro" {
		t.Fatalf("expected a gemini generator with the configured model, got %T %+v", g, g)
	}
}

func TestBuildRequest(t *testing.T) {
	contents, gc := buildRequest(llm.Request{System: "be brief", Prompt: "hi", Temperature: 0.2})
	if len(contents) != 1 || contents[0].Role != "user" || contents[0].Parts[0].Text != "hi" {
		t.Fatalf("unexpected contents %+v", contents)
	}
	if gc.SystemInstruction == nil || gc.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("expected system instruction")
	}
	if gc.Temperature == nil || *gc.Temperature != float32(0.2) {
		t.Fatalf("expected temperature")
	}
}

func TestConvertResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "a"}, {Text: "b"}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 9},
	}
	if out := convertResponse(resp); out.Content != "ab" || out.Tokens != 9 || out.Backend != Backend {
		t.Fatalf("unexpected response %+v", out)
	}
	if out := convertResponse(nil); out.Backend != Backend || out.Content != "" {
		t.Fatalf("nil response yields an empty result, got %+v", out)
	}
}
