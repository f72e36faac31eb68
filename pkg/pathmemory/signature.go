// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathmemory records the strategies teams attempted ("paths") in
// principal-scoped partitions and answers similarity queries over them so
// future runs can avoid repeating known failures.
package pathmemory

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Result is the outcome label of a path.
type Result string

const (
	ResultPass Result = "pass"
	ResultFail Result = "fail"
)

// Metrics are the pruning scores observed when the path was taken.
type Metrics struct {
	Novelty float64 `json:"novelty"`
	Growth  float64 `json:"growth"`
	Cost    float64 `json:"cost"`
}

// Outcome is the observed result of a path.
type Outcome struct {
	Result Result  `json:"result"`
	Score  float64 `json:"score"`
}

// Signature is a hashable record of an attempted strategy.
type Signature struct {
	Hash         string   `json:"hash"`
	Steps        []string `json:"steps"`
	ToolsUsed    []string `json:"tools_used"`
	KeyDecisions []string `json:"key_decisions"`
	Metrics      Metrics  `json:"metrics"`
	Outcome      Outcome  `json:"outcome"`
	Scope        string   `json:"scope"`
	Citations    []string `json:"citations"`
}

// ComputeHash returns the deterministic, order-sensitive hash of steps, tools
// and key decisions. Each list and each element is length-prefixed so that
// different splits of the same text never collide.
func ComputeHash(steps, toolsUsed, keyDecisions []string) string {
	h := sha256.New()
	writeList(h, steps)
	writeList(h, toolsUsed)
	writeList(h, keyDecisions)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeHash is ComputeHash over the signature's own fields.
func (s Signature) ComputeHash() string {
	return ComputeHash(s.Steps, s.ToolsUsed, s.KeyDecisions)
}

// Clone returns a deep copy so stored signatures cannot be mutated by callers.
func (s Signature) Clone() Signature {
	out := s
	out.Steps = cloneStrings(s.Steps)
	out.ToolsUsed = cloneStrings(s.ToolsUsed)
	out.KeyDecisions = cloneStrings(s.KeyDecisions)
	out.Citations = cloneStrings(s.Citations)
	return out
}

// Jaccard is the Jaccard index of the two step sets. Two empty sets have
// similarity 0: nothing was attempted, so nothing can be repeated.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for k := range setA {
		if _, ok := setB[k]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// Kind partitions paths within a scope.
type Kind string

const (
	KindPositive Kind = "positive"
	KindNegative Kind = "negative"
	KindLocal    Kind = "local"
)

// ParseKind validates a kind string.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindPositive, KindNegative, KindLocal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown path kind %q", raw)
	}
}

func writeList(h hash.Hash, items []string) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(items)))
	h.Write(buf[:])
	for _, item := range items {
		binary.BigEndian.PutUint64(buf[:], uint64(len(item)))
		h.Write(buf[:])
		h.Write([]byte(item))
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
