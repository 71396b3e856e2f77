package reward

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/loadout"
)

// Schema creates the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS reward_grants (
	grant_key  TEXT PRIMARY KEY,
	match_id   BIGINT NOT NULL,
	player_key TEXT NOT NULL,
	trophies   INTEGER NOT NULL,
	mmr        INTEGER NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS player_ratings (
	player_key TEXT PRIMARY KEY,
	trophies   BIGINT NOT NULL DEFAULT 0,
	mmr        BIGINT NOT NULL DEFAULT 0
);
`

// ledgerLockID serializes cap checks across server instances.
const ledgerLockID = 0x41524e41

// PostgresLedger records grants and ratings in Postgres.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	cap    uint64
	logger *zap.Logger
}

// NewPostgresLedger creates a ledger. A cap of 0 means unlimited trophies.
func NewPostgresLedger(pool *pgxpool.Pool, issuanceCap uint64, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedger{pool: pool, cap: issuanceCap, logger: logger}
}

// Migrate creates the ledger tables if missing.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate reward schema: %w", err)
	}
	return nil
}

// Credit records a grant and updates the player's rating in one transaction.
func (l *PostgresLedger) Credit(ctx context.Context, g Grant) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(ledgerLockID)); err != nil {
			return fmt.Errorf("failed to lock ledger: %w", err)
		}

		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT true FROM reward_grants WHERE grant_key = $1`, g.Key,
		).Scan(&exists)
		if err == nil {
			l.logger.Debug("grant already recorded", zap.String("grant_key", g.Key))
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to query grant: %w", err)
		}

		if l.cap > 0 {
			var issued int64
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(SUM(trophies), 0) FROM reward_grants`,
			).Scan(&issued); err != nil {
				return fmt.Errorf("failed to sum issued trophies: %w", err)
			}
			if uint64(issued)+uint64(g.Trophies) > l.cap {
				return ErrIssuanceCapReached
			}
		}

		playerKey := loadout.Key(g.Authority)
		if _, err := tx.Exec(ctx, `
			INSERT INTO reward_grants (grant_key, match_id, player_key, trophies, mmr)
			VALUES ($1, $2, $3, $4, $5)`,
			g.Key, int64(g.MatchID), playerKey, int32(g.Trophies), int32(g.MMR),
		); err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO player_ratings (player_key, trophies, mmr)
			VALUES ($1, $2, $3)
			ON CONFLICT (player_key) DO UPDATE
			SET trophies = player_ratings.trophies + EXCLUDED.trophies,
			    mmr = player_ratings.mmr + EXCLUDED.mmr`,
			playerKey, int64(g.Trophies), int64(g.MMR),
		); err != nil {
			return fmt.Errorf("failed to update rating: %w", err)
		}
		return nil
	})
}

// Balance returns the accumulated rating of an authority.
func (l *PostgresLedger) Balance(ctx context.Context, authority string) (Balance, error) {
	var trophies, mmr int64
	err := l.pool.QueryRow(ctx,
		`SELECT trophies, mmr FROM player_ratings WHERE player_key = $1`, loadout.Key(authority),
	).Scan(&trophies, &mmr)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("failed to query rating: %w", err)
	}
	return Balance{Trophies: uint64(trophies), MMR: uint64(mmr)}, nil
}
