package memory

import (
	"context"
	"sync"
)

// DefaultMaxSessions bounds how many sessions the in-process archive keeps.
const DefaultMaxSessions = 1024

// InMemoryStore keeps archived turns in process for local and mock runs. The
// oldest session is evicted once more than maxSessions have been archived.
type InMemoryStore struct {
	mu          sync.RWMutex
	maxSessions int
	order       []string
	records     map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return NewBoundedInMemoryStore(DefaultMaxSessions)
}

func NewBoundedInMemoryStore(maxSessions int) *InMemoryStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &InMemoryStore{maxSessions: maxSessions, records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	stamp(&record)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.SessionID]; !ok {
		s.order = append(s.order, record.SessionID)
		for len(s.order) > s.maxSessions {
			delete(s.records, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.records[record.SessionID] = append(s.records[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) SessionHistory(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.records[sessionID]
	if limit <= 0 || limit > len(turns) {
		limit = len(turns)
	}
	if limit == 0 {
		return nil, nil
	}
	out := make([]TurnRecord, limit)
	copy(out, turns[len(turns)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
