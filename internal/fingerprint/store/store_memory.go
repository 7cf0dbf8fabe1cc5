package store

import (
	"context"
	"sync"
)

// InMemoryStore keeps fingerprint IDs in a map. Used by tests and local runs.
type InMemoryStore struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewInMemoryStore(ids ...string) *InMemoryStore {
	s := &InMemoryStore{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *InMemoryStore) ExistsBatch(ctx context.Context, ids []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := s.ids[id]
		out[id] = ok
	}
	return out, nil
}

func (s *InMemoryStore) Add(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return nil
}

// Remove deletes IDs; store truth can change between redeliveries.
func (s *InMemoryStore) Remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.ids, id)
	}
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func (s *InMemoryStore) Health(_ context.Context) error {
	return nil
}

var _ Store = (*InMemoryStore)(nil)
