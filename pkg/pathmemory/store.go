package pathmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/jllopis/synod/pkg/errors"
)

// PathFilter selects recorded paths. Hashes is optional; when set only
// signatures with one of those hashes are returned.
type PathFilter struct {
	Target string
	Kind   Kind
	Hashes []string
}

// Store persists recorded paths and scope key/value pairs.
// Implementations return paths in insertion order.
type Store interface {
	AppendPath(ctx context.Context, target string, kind Kind, sig Signature) error
	ListPaths(ctx context.Context, filter PathFilter) ([]Signature, error)
	PutValue(ctx context.Context, principal, scope, key, value string) error
	GetValue(ctx context.Context, principal, scope, key string) (string, error)
	ListValues(ctx context.Context, principal, scope string) (map[string]string, error)
	Ping(ctx context.Context) error
}

type pathKey struct {
	target string
	kind   Kind
}

type scopeKey struct {
	principal string
	scope     string
}

// MemoryStore keeps paths and values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	paths  map[pathKey][]Signature
	values map[scopeKey]map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		paths:  make(map[pathKey][]Signature),
		values: make(map[scopeKey]map[string]string),
	}
}

func (s *MemoryStore) AppendPath(_ context.Context, target string, kind Kind, sig Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pathKey{target: target, kind: kind}
	s.paths[key] = append(s.paths[key], sig.Clone())
	return nil
}

func (s *MemoryStore) ListPaths(_ context.Context, filter PathFilter) ([]Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := hashSet(filter.Hashes)
	stored := s.paths[pathKey{target: filter.Target, kind: filter.Kind}]
	out := make([]Signature, 0, len(stored))
	for _, sig := range stored {
		if wanted != nil {
			if _, ok := wanted[sig.Hash]; !ok {
				continue
			}
		}
		out = append(out, sig.Clone())
	}
	return out, nil
}

func (s *MemoryStore) PutValue(_ context.Context, principal, scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := scopeKey{principal: principal, scope: scope}
	if s.values[sk] == nil {
		s.values[sk] = make(map[string]string)
	}
	s.values[sk][key] = value
	return nil
}

func (s *MemoryStore) GetValue(_ context.Context, principal, scope, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[scopeKey{principal: principal, scope: scope}][key]
	if !ok {
		return "", errors.NotFound("key " + key)
	}
	return value, nil
}

func (s *MemoryStore) ListValues(_ context.Context, principal, scope string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range s.values[scopeKey{principal: principal, scope: scope}] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func hashSet(hashes []string) map[string]struct{} {
	if hashes == nil {
		return nil
	}
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
