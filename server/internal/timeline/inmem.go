package timeline

import (
	"context"
	"sync"
)

// InMemoryStore keeps audit entries in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]Event
	seq      map[string]int64
	eventIDs map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string][]Event),
		seq:      make(map[string]int64),
		eventIDs: make(map[string]map[string]int64),
	}
}

func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.EventID != "" {
		if seen, ok := s.eventIDs[sessionID]; ok {
			if seq, exists := seen[evt.EventID]; exists {
				return seq, nil
			}
		}
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SessionID = sessionID
	if evt.Data != nil {
		eventCopy.Data = make(map[string]interface{}, len(evt.Data))
		for k, v := range evt.Data {
			eventCopy.Data[k] = v
		}
	}
	s.events[sessionID] = append(s.events[sessionID], eventCopy)

	if evt.EventID != "" {
		if s.eventIDs[sessionID] == nil {
			s.eventIDs[sessionID] = make(map[string]int64)
		}
		s.eventIDs[sessionID][evt.EventID] = seq
	}

	return seq, nil
}

// List returns a copy of the session's entries.
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, sessionID)
	delete(s.seq, sessionID)
	delete(s.eventIDs, sessionID)
	return nil
}

// Sessions reports how many sessions have entries.
func (s *InMemoryStore) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
