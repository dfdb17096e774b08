package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/incentive-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS validator_state (
	id        SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	timestamp DOUBLE PRECISION NOT NULL,
	payload   JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS eliminations (
	miner_id  TEXT PRIMARY KEY,
	status    BOOLEAN NOT NULL,
	flagged   TEXT NOT NULL,
	reason    TEXT NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL
);`

// PostgresStore implements Store using PostgreSQL. State is a single JSONB
// row; elimination records are one row per miner.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadState(ctx context.Context) (*State, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM validator_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}
	return decodeState(payload)
}

func (s *PostgresStore) SaveState(ctx context.Context, st *State) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	// The conditional upsert enforces last-writer-wins inside the database.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO validator_state (id, timestamp, payload)
		 VALUES (1, $1, $2::JSONB)
		 ON CONFLICT (id) DO UPDATE
		 SET timestamp = EXCLUDED.timestamp, payload = EXCLUDED.payload
		 WHERE validator_state.timestamp < EXCLUDED.timestamp`,
		st.Timestamp, string(data),
	)
	if err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (s *PostgresStore) LoadEliminations(ctx context.Context, now time.Time) (map[string]model.EliminationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT miner_id, status, flagged, reason
		 FROM eliminations
		 WHERE status AND saved_at >= $1`, now.Add(-EliminationTTL))
	if err != nil {
		return nil, fmt.Errorf("store: load eliminations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.EliminationRecord)
	for rows.Next() {
		var rec model.EliminationRecord
		var reason string
		if err := rows.Scan(&rec.MinerID, &rec.Status, &rec.Timestamp, &reason); err != nil {
			return nil, err
		}
		rec.Reason = model.Reason(reason)
		out[rec.MinerID] = rec
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveEliminations(ctx context.Context, records map[string]model.EliminationRecord, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: save eliminations: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM eliminations`); err != nil {
		return fmt.Errorf("store: save eliminations: %w", err)
	}

	batch := &pgx.Batch{}
	for id, rec := range activeOnly(records) {
		batch.Queue(
			`INSERT INTO eliminations (miner_id, status, flagged, reason, saved_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, rec.Status, rec.Timestamp, string(rec.Reason), now,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("store: save eliminations: %w", err)
		}
	}
	return tx.Commit(ctx)
}
