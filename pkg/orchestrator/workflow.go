// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives teams through the fixed deliberation workflow:
// paired competition, adversarial critique, innovation, broadcast and a final
// security review. It owns the runtime controls (pause, restart, merge, prune)
// and the lineage of every team it spawned.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jllopis/synod/pkg/team"
	"gopkg.in/yaml.v3"
)

// Phase names a workflow step.
type Phase string

const (
	PhaseCompetitivePair      Phase = "competitive_pair"
	PhaseAdversaryPair        Phase = "adversary_pair"
	PhaseInnovatorsDisruptors Phase = "innovators_disruptors"
	PhaseBroadcastFindings    Phase = "broadcast_findings"
	PhaseSecurityQuality      Phase = "security_quality"
	PhaseEnd                  Phase = "END"
)

// transitions is the static phase table. halt is checked after each phase.
var transitions = map[Phase]Phase{
	PhaseCompetitivePair:      PhaseAdversaryPair,
	PhaseAdversaryPair:        PhaseInnovatorsDisruptors,
	PhaseInnovatorsDisruptors: PhaseBroadcastFindings,
	PhaseBroadcastFindings:    PhaseSecurityQuality,
	PhaseSecurityQuality:      PhaseEnd,
}

// First is the phase every run starts with.
const First = PhaseCompetitivePair

// Next returns the phase after p. Unknown phases and END lead to END.
func Next(p Phase) Phase {
	if next, ok := transitions[p]; ok {
		return next
	}
	return PhaseEnd
}

// Phases lists the workflow phases in execution order.
func Phases() []Phase {
	var out []Phase
	for p := First; p != PhaseEnd; p = Next(p) {
		out = append(out, p)
	}
	return out
}

// ParsePhase validates a phase name.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.TrimSpace(raw))
	if _, ok := transitions[p]; ok || p == PhaseEnd {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", raw)
}

// round is the pruning round a phase belongs to.
func (p Phase) round() string {
	switch p {
	case PhaseCompetitivePair:
		return "competitive"
	case PhaseAdversaryPair:
		return "adversarial"
	case PhaseInnovatorsDisruptors:
		return "innovation"
	case PhaseBroadcastFindings:
		return "broadcast"
	case PhaseSecurityQuality:
		return "quality"
	default:
		return ""
	}
}

// pairSize is the number of teams a phase schedules. Broadcast is run by the
// orchestrator itself.
func (p Phase) pairSize() int {
	switch p {
	case PhaseCompetitivePair, PhaseAdversaryPair, PhaseInnovatorsDisruptors:
		return 2
	case PhaseSecurityQuality:
		return 1
	default:
		return 0
	}
}

// Workflow assigns teams to phases. The phase order itself is fixed.
type Workflow struct {
	Name   string                `json:"name" yaml:"name"`
	Phases map[Phase][]team.Kind `json:"phases" yaml:"phases"`
}

// DefaultWorkflow is the standard team assignment.
func DefaultWorkflow() Workflow {
	return Workflow{
		Name: "default",
		Phases: map[Phase][]team.Kind{
			PhaseCompetitivePair:      {team.KindYellow, team.KindGreen},
			PhaseAdversaryPair:        {team.KindRed, team.KindBlue},
			PhaseInnovatorsDisruptors: {team.KindYellow, team.KindBlack},
			PhaseBroadcastFindings:    nil,
			PhaseSecurityQuality:      {team.KindWhite},
		},
	}
}

// Teams returns the kinds scheduled in p.
func (w Workflow) Teams(p Phase) []team.Kind {
	return append([]team.Kind(nil), w.Phases[p]...)
}

// Kinds returns every kind the workflow schedules, in phase order without
// duplicates.
func (w Workflow) Kinds() []team.Kind {
	seen := make(map[team.Kind]bool)
	var out []team.Kind
	for _, p := range Phases() {
		for _, k := range w.Phases[p] {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Validate checks that every phase has the team count it needs and that the
// adversarial and security phases are staffed by critics.
func (w Workflow) Validate() error {
	for p, kinds := range w.Phases {
		if _, err := ParsePhase(string(p)); err != nil || p == PhaseEnd {
			return fmt.Errorf("workflow %q: unknown phase %q", w.Name, p)
		}
		for _, k := range kinds {
			if _, err := team.ParseKind(string(k)); err != nil {
				return fmt.Errorf("workflow %q phase %s: %w", w.Name, p, err)
			}
		}
	}
	for _, p := range Phases() {
		kinds := w.Phases[p]
		if len(kinds) != p.pairSize() {
			return fmt.Errorf("workflow %q phase %s needs %d teams, got %d", w.Name, p, p.pairSize(), len(kinds))
		}
		if p.pairSize() == 2 && kinds[0] == kinds[1] {
			return fmt.Errorf("workflow %q phase %s pairs %s with itself", w.Name, p, kinds[0])
		}
		if p == PhaseAdversaryPair || p == PhaseSecurityQuality {
			for _, k := range kinds {
				if !k.IsCritic() {
					return fmt.Errorf("workflow %q phase %s needs critics, %s is not one", w.Name, p, k)
				}
			}
		}
	}
	return nil
}

// LoadWorkflow reads a workflow from a YAML or JSON file.
func LoadWorkflow(path string) (Workflow, error) {
	if strings.TrimSpace(path) == "" {
		return Workflow{}, fmt.Errorf("workflow path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseWorkflowJSON(data)
	default:
		// YAML is a superset of JSON.
		return ParseWorkflowYAML(data)
	}
}

// ParseWorkflowJSON loads a workflow from JSON and validates it.
func ParseWorkflowJSON(data []byte) (Workflow, error) {
	if len(data) == 0 {
		return Workflow{}, fmt.Errorf("empty JSON payload")
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return Workflow{}, fmt.Errorf("parse json workflow: %w", err)
	}
	return w.normalized()
}

// ParseWorkflowYAML loads a workflow from YAML and validates it.
func ParseWorkflowYAML(data []byte) (Workflow, error) {
	if len(data) == 0 {
		return Workflow{}, fmt.Errorf("empty YAML payload")
	}
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Workflow{}, fmt.Errorf("parse yaml workflow: %w", err)
	}
	return w.normalized()
}

// normalized lowercases kinds and fills phases the file left out from the
// default assignment.
func (w Workflow) normalized() (Workflow, error) {
	def := DefaultWorkflow()
	out := Workflow{Name: w.Name, Phases: make(map[Phase][]team.Kind)}
	if out.Name == "" {
		out.Name = def.Name
	}
	for p, kinds := range w.Phases {
		norm := make([]team.Kind, 0, len(kinds))
		for _, k := range kinds {
			kind, err := team.ParseKind(string(k))
			if err != nil {
				return Workflow{}, fmt.Errorf("workflow %q phase %s: %w", out.Name, p, err)
			}
			norm = append(norm, kind)
		}
		out.Phases[p] = norm
	}
	for p, kinds := range def.Phases {
		if _, ok := out.Phases[p]; !ok {
			out.Phases[p] = kinds
		}
	}
	if err := out.Validate(); err != nil {
		return Workflow{}, err
	}
	return out, nil
}
