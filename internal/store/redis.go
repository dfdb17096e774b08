package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/incentive-engine/internal/model"
)

const stateKey = "incentive:state"

// CachedStore wraps a primary Store with a Redis read-through cache for the
// validator state. Writes go to the primary store and refresh the cache;
// elimination records pass straight through.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadState(ctx context.Context) (*State, error) {
	data, err := s.rdb.Get(ctx, stateKey).Bytes()
	if err == nil {
		if st, derr := decodeState(data); derr == nil {
			return st, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("state cache read failed", "err", err)
	}

	// Cache miss: read from primary.
	st, err := s.primary.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, st)
	return st, nil
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) SaveState(ctx context.Context, st *State) error {
	if err := s.primary.SaveState(ctx, st); err != nil {
		if errors.Is(err, ErrStale) {
			// Someone else won; the cached copy may be theirs or older.
			s.rdb.Del(ctx, stateKey)
		}
		return err
	}
	s.cache(ctx, st)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadEliminations(ctx context.Context, now time.Time) (map[string]model.EliminationRecord, error) {
	return s.primary.LoadEliminations(ctx, now)
}

func (s *CachedStore) SaveEliminations(ctx context.Context, records map[string]model.EliminationRecord, now time.Time) error {
	return s.primary.SaveEliminations(ctx, records, now)
}

func (s *CachedStore) cache(ctx context.Context, st *State) {
	data, err := encodeState(st)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, stateKey, data, s.ttl).Err(); err != nil {
		slog.Warn("state cache write failed", "err", err)
	}
}
