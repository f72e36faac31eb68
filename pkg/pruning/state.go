package pruning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/synod/pkg/errors"
)

// StateStore is the live per-team state plus the set of active teams.
// States are JSON documents.
type StateStore interface {
	Get(team string) (json.RawMessage, bool)
	Put(team string, state json.RawMessage) error
	Delete(team string)
	Activate(team string)
	Deactivate(team string)
	IsActive(team string) bool
	Active() []string
}

// MemoryStateStore keeps states in memory. Put stores the compacted form of
// the document, so a value read back and written again is byte-identical.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]json.RawMessage
	active map[string]struct{}
}

// NewMemoryStateStore creates a store with teams active and no state.
func NewMemoryStateStore(teams ...string) *MemoryStateStore {
	s := &MemoryStateStore{
		states: make(map[string]json.RawMessage),
		active: make(map[string]struct{}),
	}
	for _, t := range teams {
		s.active[t] = struct{}{}
	}
	return s
}

func (s *MemoryStateStore) Get(team string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.states[team]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

func (s *MemoryStateStore) Put(team string, state json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, state); err != nil {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("state of %s is not valid JSON", team), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[team] = buf.Bytes()
	return nil
}

func (s *MemoryStateStore) Delete(team string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, team)
}

func (s *MemoryStateStore) Activate(team string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[team] = struct{}{}
}

func (s *MemoryStateStore) Deactivate(team string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, team)
}

func (s *MemoryStateStore) IsActive(team string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[team]
	return ok
}

// Active returns the active teams sorted by name.
func (s *MemoryStateStore) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.active))
	for t := range s.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Snapshot is the pre-prune state of a team.
type Snapshot struct {
	ID        string          `json:"id"`
	Team      string          `json:"team"`
	State     json.RawMessage `json:"state,omitempty"`
	HasState  bool            `json:"has_state"`
	Active    bool            `json:"active"`
	Actor     string          `json:"actor"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// SnapshotStore persists snapshots. Save returns the location Load accepts.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) (string, error)
	Load(ctx context.Context, location string) (Snapshot, error)
}

// FileSnapshotStore writes one JSON file per snapshot as
// <dir>/<team>-<timestamp>.json.
type FileSnapshotStore struct {
	Dir string
}

// NewFileSnapshotStore creates a store rooted at dir.
func NewFileSnapshotStore(dir string) *FileSnapshotStore {
	return &FileSnapshotStore{Dir: dir}
}

func (s *FileSnapshotStore) Save(_ context.Context, snap Snapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", errors.New(errors.CodeStorage, "create snapshot dir", err)
	}
	name := fmt.Sprintf("%s-%s.json", sanitize(snap.Team), snap.Timestamp.Format("20060102T150405.000000000Z"))
	path := filepath.Join(s.Dir, name)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", errors.New(errors.CodeInternal, "encode snapshot", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", errors.New(errors.CodeStorage, "write snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.New(errors.CodeStorage, "commit snapshot", err)
	}
	return path, nil
}

func (s *FileSnapshotStore) Load(_ context.Context, location string) (Snapshot, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, errors.NotFound(fmt.Sprintf("snapshot %s", location))
		}
		return Snapshot{}, errors.New(errors.CodeStorage, "read snapshot", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.New(errors.CodeStorage, "decode snapshot", err)
	}
	return snap, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
