// SPDX-License-Identifier: Apache-2.0
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/team"
)

// WorkflowState is the mutable record of one run. It is what checkpoints
// persist and what Run returns.
type WorkflowState struct {
	RunID       string                           `json:"run_id"`
	Objective   string                           `json:"objective"`
	Context     map[string]any                   `json:"context"`
	TeamOutputs map[Phase]map[string]team.Output `json:"team_outputs"`
	// Critics holds each critic's verdict by team id; Gate is the merged
	// adversarial verdict.
	Critics    map[string]team.Verdict `json:"critics"`
	Gate       *team.Verdict           `json:"gate,omitempty"`
	Winner     string                  `json:"winner,omitempty"`
	Halt       bool                    `json:"halt"`
	HaltReason string                  `json:"halt_reason,omitempty"`
	// Phase is the next phase to run, END once the run is over.
	Phase     Phase     `json:"phase"`
	Completed []Phase   `json:"completed"`
	Skipped   []Phase   `json:"skipped,omitempty"`
	Blocked   []string  `json:"blocked,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newState(runID, objective string, initial map[string]any) *WorkflowState {
	now := time.Now().UTC()
	ctx := make(map[string]any, len(initial))
	for k, v := range initial {
		ctx[k] = v
	}
	return &WorkflowState{
		RunID:       runID,
		Objective:   objective,
		Context:     ctx,
		TeamOutputs: make(map[Phase]map[string]team.Output),
		Critics:     make(map[string]team.Verdict),
		Phase:       First,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// Done reports whether the run reached END.
func (s *WorkflowState) Done() bool { return s.Phase == PhaseEnd }

// Output returns the output a team produced in phase.
func (s *WorkflowState) Output(p Phase, teamID string) (team.Output, bool) {
	out, ok := s.TeamOutputs[p][teamID]
	return out, ok
}

func (s *WorkflowState) setOutput(p Phase, teamID string, out team.Output) {
	if s.TeamOutputs[p] == nil {
		s.TeamOutputs[p] = make(map[string]team.Output)
	}
	s.TeamOutputs[p][teamID] = out
}

func (s *WorkflowState) isBlocked(teamID string) bool {
	for _, b := range s.Blocked {
		if b == teamID {
			return true
		}
	}
	return false
}

// CheckpointStore persists workflow state between phases.
type CheckpointStore interface {
	Save(ctx context.Context, state *WorkflowState) error
	Load(ctx context.Context, runID string) (*WorkflowState, error)
}

// MemoryCheckpointStore keeps checkpoints in process.
type MemoryCheckpointStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{states: make(map[string][]byte)}
}

func (s *MemoryCheckpointStore) Save(_ context.Context, state *WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.RunID] = data
	return nil
}

func (s *MemoryCheckpointStore) Load(_ context.Context, runID string) (*WorkflowState, error) {
	s.mu.Lock()
	data, ok := s.states[runID]
	s.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("checkpoint %q", runID))
	}
	return decodeState(data)
}

// FileCheckpointStore writes one JSON file per run under Dir.
type FileCheckpointStore struct {
	Dir string
}

func NewFileCheckpointStore(dir string) *FileCheckpointStore {
	return &FileCheckpointStore{Dir: dir}
}

func (s *FileCheckpointStore) path(runID string) string {
	return filepath.Join(s.Dir, strings.ReplaceAll(runID, string(filepath.Separator), "_")+".json")
}

// Save replaces the checkpoint of the run atomically.
func (s *FileCheckpointStore) Save(_ context.Context, state *WorkflowState) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.New(errors.CodeStorage, "create checkpoint dir", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.New(errors.CodeStorage, "encode checkpoint", err)
	}
	final := s.path(state.RunID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.New(errors.CodeStorage, "write checkpoint", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.New(errors.CodeStorage, "commit checkpoint", err)
	}
	return nil
}

func (s *FileCheckpointStore) Load(_ context.Context, runID string) (*WorkflowState, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(fmt.Sprintf("checkpoint %q", runID))
		}
		return nil, errors.New(errors.CodeStorage, "read checkpoint", err)
	}
	return decodeState(data)
}

func decodeState(data []byte) (*WorkflowState, error) {
	var state WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.New(errors.CodeStorage, "decode checkpoint", err)
	}
	if state.Context == nil {
		state.Context = make(map[string]any)
	}
	if state.TeamOutputs == nil {
		state.TeamOutputs = make(map[Phase]map[string]team.Output)
	}
	if state.Critics == nil {
		state.Critics = make(map[string]team.Verdict)
	}
	return &state, nil
}
