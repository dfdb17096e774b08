package store

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/incentive-engine/internal/model"
)

// MemoryStore implements Store with in-memory values. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	state        []byte
	timestamp    float64
	eliminations map[string]model.EliminationRecord
	savedAt      time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadState(_ context.Context) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	// Decode a fresh copy so callers never share maps with the store.
	return decodeState(s.state)
}

func (s *MemoryStore) SaveState(_ context.Context, st *State) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil && st.Timestamp <= s.timestamp {
		return ErrStale
	}
	s.state = data
	s.timestamp = st.Timestamp
	return nil
}

func (s *MemoryStore) LoadEliminations(_ context.Context, now time.Time) (map[string]model.EliminationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.EliminationRecord, len(s.eliminations))
	if s.eliminations == nil || now.Sub(s.savedAt) > EliminationTTL {
		return out, nil
	}
	for id, rec := range s.eliminations {
		out[id] = rec
	}
	return out, nil
}

func (s *MemoryStore) SaveEliminations(_ context.Context, records map[string]model.EliminationRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eliminations = activeOnly(records)
	s.savedAt = now
	return nil
}
