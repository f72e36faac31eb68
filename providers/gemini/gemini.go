// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini is the Google Gemini backend for synod teams. Importing it
// registers the "gemini" provider with llm.FromConfig.
package gemini

import (
	"cmp"
	"context"
	"fmt"

	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/llm"
	"google.golang.org/genai"
)

const (
	// Backend names responses produced by this package.
	Backend      = "gemini"
	DefaultModel = "gemini-3-flash-preview"
)

func init() { llm.Register(Backend, FromConfig) }

// Config selects the endpoint and model. An empty APIKey leaves the SDK to
// read GOOGLE_API_KEY or GEMINI_API_KEY.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Generator asks the models API for one completion per request.
type Generator struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Generator, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Generator{client: client, model: cmp.Or(cfg.Model, DefaultModel)}, nil
}

// FromConfig maps the llm section onto Config.
func FromConfig(cfg config.LLMConfig) (llm.Generator, error) {
	return New(context.Background(), Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
}

func (g *Generator) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	contents, gc := buildRequest(req)
	resp, err := g.client.Models.GenerateContent(ctx, cmp.Or(req.Model, g.model), contents, gc)
	if err != nil {
		return llm.Response{}, fmt.Errorf("gemini: %w", err)
	}
	return convertResponse(resp), nil
}

func buildRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	gc := &genai.GenerateContentConfig{}
	if req.System != "" {
		gc.SystemInstruction = textContent("", req.System)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		gc.Temperature = &temp
	}
	return []*genai.Content{textContent("user", req.Prompt)}, gc
}

func textContent(role, text string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}}
}

func convertResponse(resp *genai.GenerateContentResponse) llm.Response {
	out := llm.Response{Backend: Backend}
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.Tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		out.Content += part.Text
	}
	return out
}
