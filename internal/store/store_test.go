package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/incentive-engine/internal/model"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func sampleState(ts float64) *State {
	acc := model.NewAccount([]string{"0xa"})
	acc.RealizedProfit = decimal.NewFromFloat(1.25)
	acc.FirstTrade = 100
	cp := model.NewCheckpoint(86400)
	cp.CurRet["m1"] = 11
	cp.Applied = true
	return &State{
		Accounts:    map[string]*model.Account{"m1": acc},
		Checkpoints: []*model.Checkpoint{cp},
		UpdateTime:  4242,
		Timestamp:   ts,
	}
}

func records() map[string]model.EliminationRecord {
	return map[string]model.EliminationRecord{
		"bad":  {MinerID: "bad", Status: true, Timestamp: now.Format(time.RFC3339), Reason: model.ReasonMaxDrawdown},
		"safe": {MinerID: "safe", Status: false, Timestamp: now.Format(time.RFC3339), Reason: model.ReasonProtect},
	}
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.LoadState(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveState(ctx, sampleState(10)))
	assert.ErrorIs(t, s.SaveState(ctx, sampleState(10)), ErrStale)
	assert.ErrorIs(t, s.SaveState(ctx, sampleState(9)), ErrStale)

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, st.Timestamp)
	assert.Equal(t, int64(4242), st.UpdateTime)
	require.Contains(t, st.Accounts, "m1")
	assert.True(t, st.Accounts["m1"].RealizedProfit.Equal(decimal.NewFromFloat(1.25)))
	assert.NotNil(t, st.Accounts["m1"].WinFlags)
	require.Len(t, st.Checkpoints, 1)
	assert.Equal(t, 11.0, st.Checkpoints[0].CurRet["m1"])

	// Mutating the loaded copy must not leak back.
	st.UpdateTime = 1
	again, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), again.UpdateTime)

	require.NoError(t, s.SaveState(ctx, sampleState(11)))

	require.NoError(t, s.SaveEliminations(ctx, records(), now))
	got, err := s.LoadEliminations(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, model.ReasonMaxDrawdown, got["bad"].Reason)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	got, err := s.LoadEliminations(context.Background(), now.Add(EliminationTTL+time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	// LoadEliminations compares against file mtime, so use the wall clock.
	ctx := context.Background()
	exerciseStoreWallClock(t, s)

	old := time.Now().Add(-EliminationTTL - time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, eliminationFile), old, old))
	got, err := s.LoadEliminations(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func exerciseStoreWallClock(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveState(ctx, sampleState(10)))
	assert.ErrorIs(t, s.SaveState(ctx, sampleState(5)), ErrStale)

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, st.Timestamp)

	require.NoError(t, s.SaveEliminations(ctx, records(), time.Now()))
	got, err := s.LoadEliminations(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, keys(got))
}

func TestFileStore_EmptyAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.LoadState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.LoadEliminations(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), []byte("{not json"), 0o644))
	_, err = s.LoadState(ctx)
	assert.Error(t, err)
	// a corrupt file does not block the next save
	require.NoError(t, s.SaveState(ctx, sampleState(1)))
}

func TestCachedStore_FallsBackToPrimaryWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, sampleState(3)))
	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, st.Timestamp)
	assert.ErrorIs(t, s.SaveState(ctx, sampleState(2)), ErrStale)

	require.NoError(t, s.SaveEliminations(ctx, records(), now))
	got, err := s.LoadEliminations(ctx, now)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, float64(now.Unix()), Timestamp(now))
}

func keys(m map[string]model.EliminationRecord) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
