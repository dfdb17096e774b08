// Package store defines persistence for validator state and elimination
// records. Implementations include a JSON file (default), PostgreSQL, a
// Redis read-through cache over either, and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/incentive-engine/internal/model"
)

// EliminationTTL is how long persisted elimination records stay valid.
// Older records are discarded on load.
const EliminationTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned by LoadState when nothing has been saved yet.
	ErrNotFound = errors.New("store: state not found")

	// ErrStale is returned by SaveState when the stored state is at least as
	// new as the one being written.
	ErrStale = errors.New("store: stale write rejected")
)

// State is the validator state persisted between runs.
type State struct {
	Accounts    map[string]*model.Account `json:"accounts"`
	Checkpoints []*model.Checkpoint       `json:"data"`
	// UpdateTime is the newest order timestamp fetched so far; the next
	// round asks the feed for orders from this time on.
	UpdateTime int64 `json:"update_time"`
	// Timestamp orders writes: a save only wins if it is strictly newer.
	Timestamp float64 `json:"timestamp"`
}

// Store is the persistence interface.
type Store interface {
	// LoadState returns the last saved state or ErrNotFound.
	LoadState(ctx context.Context) (*State, error)

	// SaveState writes st unless the stored state has a Timestamp >= st's,
	// in which case it returns ErrStale.
	SaveState(ctx context.Context, st *State) error

	// LoadEliminations returns the saved records, or none when they were
	// saved more than EliminationTTL before now.
	LoadEliminations(ctx context.Context, now time.Time) (map[string]model.EliminationRecord, error)

	// SaveEliminations replaces the saved records. Only Status=true records
	// are kept.
	SaveEliminations(ctx context.Context, records map[string]model.EliminationRecord, now time.Time) error
}

// Timestamp converts t to the fractional unix seconds used by State.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func activeOnly(records map[string]model.EliminationRecord) map[string]model.EliminationRecord {
	out := make(map[string]model.EliminationRecord, len(records))
	for id, rec := range records {
		if rec.Status {
			out[id] = rec
		}
	}
	return out
}

func encodeState(st *State) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("store: encode state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("store: decode state: %w", err)
	}
	st.normalize()
	return &st, nil
}

func (st *State) normalize() {
	if st.Accounts == nil {
		st.Accounts = make(map[string]*model.Account)
	}
	for id, acc := range st.Accounts {
		if acc == nil {
			delete(st.Accounts, id)
			continue
		}
		acc.Normalize()
	}
}
