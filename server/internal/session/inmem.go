package session

import (
	"context"
	"sync"
)

// InMemoryStore keeps session state in process memory. Values are copied on the way in and out.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*State
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]*State)}
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

func (s *InMemoryStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[state.SessionID] = state.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}
