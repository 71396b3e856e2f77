package residency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
)

// Schema creates the durable match table. Queryable columns mirror fields of
// the encoded state.
const Schema = `
CREATE TABLE IF NOT EXISTS matches (
	match_key     TEXT PRIMARY KEY,
	match_id      BIGINT NOT NULL UNIQUE,
	kind          SMALLINT NOT NULL,
	status        SMALLINT NOT NULL,
	residency     SMALLINT NOT NULL,
	lease_id      TEXT NOT NULL DEFAULT '',
	last_activity TIMESTAMPTZ NOT NULL,
	version       BIGINT NOT NULL,
	state         BYTEA NOT NULL,
	checksum      TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS matches_inactive_idx ON matches (status, last_activity);
`

// PostgresStore is the durable match store. Updates hold a row lock for the
// duration of the transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the match table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate match schema: %w", err)
	}
	return nil
}

// Create inserts a new match.
func (s *PostgresStore) Create(ctx context.Context, m *battle.Match) error {
	snap, err := battle.EncodeSnapshot(m)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO matches (match_key, match_id, kind, status, residency, lease_id, last_activity, version, state, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		battle.Key(m.ID), int64(m.ID), int16(m.Kind), int16(m.Status), int16(m.Residency),
		m.LeaseID, m.LastActivity, int64(m.Version), snap.Data, snap.Checksum,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", battle.ErrMatchExists, m.ID)
	}
	return nil
}

// Load reads and verifies a match.
func (s *PostgresStore) Load(ctx context.Context, id uint64) (*battle.Match, error) {
	return s.read(ctx, s.pool, id, "")
}

// Update runs fn under SELECT ... FOR UPDATE.
func (s *PostgresStore) Update(ctx context.Context, id uint64, fn UpdateFunc) (*battle.Match, error) {
	var out *battle.Match
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := s.read(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		m.Version++

		snap, err := battle.EncodeSnapshot(m)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE matches
			SET status = $2, residency = $3, lease_id = $4, last_activity = $5,
			    version = $6, state = $7, checksum = $8, updated_at = NOW()
			WHERE match_key = $1`,
			battle.Key(id), int16(m.Status), int16(m.Residency), m.LeaseID, m.LastActivity,
			int64(m.Version), snap.Data, snap.Checksum,
		)
		if err != nil {
			return fmt.Errorf("failed to update match: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindInactive lists active matches idle since cutoff.
func (s *PostgresStore) FindInactive(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT match_id FROM matches
		WHERE status = $1 AND last_activity < $2
		ORDER BY match_id
		LIMIT $3`,
		int16(battle.StatusActive), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query inactive matches: %w", err)
	}

	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uint64, error) {
		var id int64
		err := row.Scan(&id)
		return uint64(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read inactive matches: %w", err)
	}
	return ids, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) read(ctx context.Context, q querier, id uint64, lock string) (*battle.Match, error) {
	snap := &battle.Snapshot{Version: battle.SnapshotVersion}
	err := q.QueryRow(ctx,
		`SELECT state, checksum FROM matches WHERE match_key = $1`+lock, battle.Key(id),
	).Scan(&snap.Data, &snap.Checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query match: %w", err)
	}

	m, err := battle.DecodeSnapshot(snap)
	if err != nil {
		s.logger.Error("stored match failed verification", zap.Uint64("match_id", id), zap.Error(err))
		return nil, err
	}
	return m, nil
}
