// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package anthropic is the Claude backend for synod teams. Importing it
// registers the "anthropic" provider with llm.FromConfig.
package anthropic

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/llm"
)

const (
	// Backend names responses produced by this package.
	Backend          = "anthropic"
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

func init() { llm.Register(Backend, FromConfig) }

// Config selects the endpoint and model. An empty APIKey leaves the SDK to
// read ANTHROPIC_API_KEY.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// Generator sends each request as a single-turn message.
type Generator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New builds a generator over the messages API.
func New(cfg Config) *Generator {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Generator{
		client:    anthropic.NewClient(opts...),
		model:     cmp.Or(cfg.Model, DefaultModel),
		maxTokens: maxTokens,
	}
}

// FromConfig maps the llm section onto Config.
func FromConfig(cfg config.LLMConfig) (llm.Generator, error) {
	return New(Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
}

func (g *Generator) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	msg, err := g.client.Messages.New(ctx, g.params(req))
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: %w", err)
	}
	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return llm.Response{
		Content: content.String(),
		Tokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Backend: Backend,
	}, nil
}

func (g *Generator) params(req llm.Request) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:     cmp.Or(req.Model, g.model),
		MaxTokens: g.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		p.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		p.Temperature = anthropic.Float(req.Temperature)
	}
	return p
}
