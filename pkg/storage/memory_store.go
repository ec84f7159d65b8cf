package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStateStore is an in-memory implementation of StateStore. Values are
// deep-copied on the way in and out so runs never share mutable maps.
type MemoryStateStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]any
	closed     bool
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{namespaces: make(map[string]map[string]any)}
}

// Get returns a copy of namespace. Unknown namespaces are empty.
func (s *MemoryStateStore) Get(_ context.Context, namespace string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return cloneMap(s.namespaces[namespace]), nil
}

// Merge applies patch to namespace and returns the new state. A nil value
// removes its key.
func (s *MemoryStateStore) Merge(_ context.Context, namespace string, patch map[string]any) (map[string]any, error) {
	if namespace == "" {
		return nil, fmt.Errorf("merge state: empty namespace")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	state := s.namespaces[namespace]
	if state == nil {
		state = make(map[string]any, len(patch))
		s.namespaces[namespace] = state
	}
	for key, value := range patch {
		if value == nil {
			delete(state, key)
			continue
		}
		state[key] = cloneValue(value)
	}
	return cloneMap(state), nil
}

// Delete drops a namespace.
func (s *MemoryStateStore) Delete(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.namespaces, namespace)
	return nil
}

// Namespaces lists namespaces in sorted order.
func (s *MemoryStateStore) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// Close releases the store. Further calls fail with ErrClosed.
func (s *MemoryStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.namespaces = nil
	return nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	}
	return value
}
