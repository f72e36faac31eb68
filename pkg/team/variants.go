package team

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jllopis/synod/pkg/llm"
)

// SearchResult is one web research hit.
type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Researcher is the web research collaborator competitor teams may use.
type Researcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
	Read(ctx context.Context, url string) (string, error)
}

type behavior int

const (
	propose behavior = iota
	review
)

// variant is the behavior attached to a kind.
type variant struct {
	behavior behavior
	system   string
}

var variants = map[Kind]variant{
	KindYellow: {propose, "You are the Yellow team: optimistic builders. Propose the most valuable plan for the objective. End with a line 'score: <0..1>' rating your confidence."},
	KindGreen:  {propose, "You are the Green team: creative alternatives. Propose an unconventional plan for the objective. End with a line 'score: <0..1>' rating your confidence."},
	KindBlack:  {propose, "You are the Black team: disruptors. Find what everyone else assumes and propose a plan that breaks it. End with a line 'score: <0..1>'."},
	KindRed:    {review, "You are the Red team: attackers. Try to break the proposal. Answer with 'approved: yes|no', one 'fix: ...' line per required fix and 'risk: <0..1>'."},
	KindBlue:   {review, "You are the Blue team: defenders. Check the proposal holds under attack. Answer with 'approved: yes|no', one 'fix: ...' line per required fix and 'risk: <0..1>'."},
	KindWhite:  {review, "You are the White team: security and quality. Audit the final plan. Answer with 'approved: yes|no', one 'fix: ...' line per required fix and 'risk: <0..1>'."},
}

func (v variant) run(ctx context.Context, u *Unit, objective string, input map[string]any) (Output, error) {
	if u.gen == nil {
		return nil, fmt.Errorf("team %s has no generator", u.id)
	}
	prompt, citations := u.prompt(ctx, v, objective, input)
	resp, err := u.gen.Generate(ctx, llm.Request{Model: u.model, System: v.system, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("team %s generate: %w", u.id, err)
	}
	out := Output{
		"text":    resp.Content,
		"cost":    float64(resp.Tokens) / 1000,
		"tokens":  resp.Tokens,
		"backend": resp.Backend,
		"kind":    string(u.kind),
	}
	if len(citations) > 0 {
		out["citations"] = citations
	}
	switch v.behavior {
	case propose:
		score, ok := parseScore(resp.Content)
		if !ok {
			score = lexicalQuality(resp.Content)
		}
		out["score"] = score
		out["quality"] = score
	case review:
		verdict := parseVerdict(resp.Content)
		out["verdict"] = verdict
		out["quality"] = 1 - verdict.Risk
	}
	return out, nil
}

func (u *Unit) prompt(ctx context.Context, v variant, objective string, input map[string]any) (string, []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", objective)

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, input[k])
	}

	var citations []string
	if v.behavior == propose && u.researcher != nil {
		results, err := u.researcher.Search(ctx, objective)
		if err != nil {
			u.append("research.failed", err.Error())
		}
		for i, r := range results {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "Source: %s (%s)\n", r.Title, r.URL)
			citations = append(citations, r.URL)
		}
	}
	return b.String(), citations
}

// lexicalQuality is a fallback quality in [0,1] growing with the number of
// distinct words, saturating at 60.
func lexicalQuality(text string) float64 {
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		seen[w] = struct{}{}
	}
	return clamp01(float64(len(seen)) / 60)
}
