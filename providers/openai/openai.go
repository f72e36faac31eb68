// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai is the OpenAI chat completions backend for synod teams.
// BaseURL also reaches Azure OpenAI and compatible servers. Importing the
// package registers the "openai" provider with llm.FromConfig.
package openai

import (
	"cmp"
	"context"
	"fmt"

	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// Backend names responses produced by this package.
	Backend      = "openai"
	DefaultModel = "gpt-5-mini"
)

func init() { llm.Register(Backend, FromConfig) }

// Config selects the endpoint and model. An empty APIKey leaves the SDK to
// read OPENAI_API_KEY.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Generator turns a request into a system plus user chat completion.
type Generator struct {
	client openai.Client
	model  string
}

func New(cfg Config) *Generator {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Generator{client: openai.NewClient(opts...), model: cmp.Or(cfg.Model, DefaultModel)}
}

// FromConfig maps the llm section onto Config.
func FromConfig(cfg config.LLMConfig) (llm.Generator, error) {
	return New(Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
}

func (g *Generator) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    cmp.Or(req.Model, g.model),
		Messages: chatMessages(req.Messages()),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: %w", err)
	}
	out := llm.Response{Tokens: int(completion.Usage.TotalTokens), Backend: Backend}
	if len(completion.Choices) > 0 {
		out.Content = completion.Choices[0].Message.Content
	}
	return out, nil
}

func chatMessages(msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out[i] = openai.SystemMessage(m.Content)
		case llm.RoleAssistant:
			out[i] = openai.AssistantMessage(m.Content)
		default:
			out[i] = openai.UserMessage(m.Content)
		}
	}
	return out
}
