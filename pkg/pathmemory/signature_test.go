package pathmemory

import (
	"math"
	"testing"
)

func TestComputeHashDeterministic(t *testing.T) {
	steps := []string{"recon", "test_defenses"}
	tools := []string{"search"}
	decisions := []string{"go wide"}

	first := ComputeHash(steps, tools, decisions)
	for i := 0; i < 10; i++ {
		if got := ComputeHash(steps, tools, decisions); got != first {
			t.Fatalf("hash changed on iteration %d", i)
		}
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %q", first)
	}

	sig := Signature{Steps: steps, ToolsUsed: tools, KeyDecisions: decisions, Outcome: Outcome{Result: ResultFail}}
	if sig.ComputeHash() != first {
		t.Fatalf("metrics and outcome must not affect the hash")
	}
}

func TestComputeHashSensitivity(t *testing.T) {
	base := ComputeHash([]string{"a", "b"}, []string{"t"}, nil)
	tests := map[string]string{
		"order":      ComputeHash([]string{"b", "a"}, []string{"t"}, nil),
		"boundary":   ComputeHash([]string{"ab"}, []string{"t"}, nil),
		"list shift": ComputeHash([]string{"a"}, []string{"b", "t"}, nil),
		"decision":   ComputeHash([]string{"a", "b"}, []string{"t"}, []string{"x"}),
	}
	for name, got := range tests {
		if got == base {
			t.Errorf("%s: expected a different hash", name)
		}
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"b", "a"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"half", []string{"a", "b"}, []string{"b", "c", "a", "d"}, 0.5},
		{"duplicates ignored", []string{"a", "a", "b"}, []string{"a"}, 0.5},
		{"both empty", nil, nil, 0},
		{"one empty", []string{"a"}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jaccard(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := Signature{Steps: []string{"a"}, Citations: []string{"https://example.com"}}
	c := orig.Clone()
	c.Steps[0] = "mutated"
	c.Citations[0] = "mutated"
	if orig.Steps[0] != "a" || orig.Citations[0] != "https://example.com" {
		t.Fatalf("clone shares backing arrays")
	}
}

func TestParseKind(t *testing.T) {
	for _, raw := range []string{"positive", "Negative", " local "} {
		if _, err := ParseKind(raw); err != nil {
			t.Errorf("ParseKind(%q): %v", raw, err)
		}
	}
	if _, err := ParseKind("neutral"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestACLTables(t *testing.T) {
	writes := []struct {
		actor, target string
		want          bool
	}{
		{"orchestrator", "project", true},
		{"meta", "project", true},
		{"team/red", "project", false},
		{"team/red", "team/red", true},
		{"team/red", "team/blue", false},
		{"orchestrator", "team/red", false},
		{"orchestrator", "elsewhere", false},
		{"team/", "team/", false},
	}
	for _, tt := range writes {
		if got := CanWrite(tt.actor, tt.target); got != tt.want {
			t.Errorf("CanWrite(%s,%s) = %v, want %v", tt.actor, tt.target, got, tt.want)
		}
	}

	reads := []struct {
		actor, target string
		kind          Kind
		want          bool
	}{
		{"team/red", "team/red", KindPositive, true},
		{"team/red", "project", KindNegative, true},
		{"team/red", "project", KindPositive, false},
		{"team/red", "project", KindLocal, false},
		{"team/red", "team/blue", KindNegative, false},
		{"orchestrator", "team/blue", KindPositive, true},
		{"meta", "project", KindLocal, true},
		{"stranger", "project", KindNegative, false},
		{"", "project", KindNegative, false},
	}
	for _, tt := range reads {
		if got := CanRead(tt.actor, tt.target, tt.kind); got != tt.want {
			t.Errorf("CanRead(%s,%s,%s) = %v, want %v", tt.actor, tt.target, tt.kind, got, tt.want)
		}
	}
}
