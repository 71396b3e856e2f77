package loadout

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Schema creates the loadout tables. The progression service owns the writes.
const Schema = `
CREATE TABLE IF NOT EXISTS player_loadouts (
	player_key TEXT PRIMARY KEY,
	authority  TEXT NOT NULL,
	deck       SMALLINT[] NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS player_cards (
	player_key TEXT NOT NULL REFERENCES player_loadouts(player_key) ON DELETE CASCADE,
	card_id    SMALLINT NOT NULL,
	level      SMALLINT NOT NULL,
	amount     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (player_key, card_id)
);
`

// PostgresProvider reads loadouts from Postgres.
type PostgresProvider struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresProvider creates a provider backed by pool.
func NewPostgresProvider(pool *pgxpool.Pool, logger *zap.Logger) *PostgresProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresProvider{pool: pool, logger: logger}
}

// Migrate creates the loadout tables if missing.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate loadout schema: %w", err)
	}
	return nil
}

// Loadout reads the deck and inventory of an authority.
func (p *PostgresProvider) Loadout(ctx context.Context, authority string) (*Loadout, error) {
	key := Key(authority)

	var deck []int16
	err := p.pool.QueryRow(ctx,
		`SELECT deck FROM player_loadouts WHERE player_key = $1`, key,
	).Scan(&deck)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, authority)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query loadout: %w", err)
	}

	l := &Loadout{Authority: authority, Inventory: make(map[uint8]CardProgress)}
	for i := 0; i < len(deck) && i < DeckSize; i++ {
		l.Deck[i] = uint8(deck[i])
	}

	rows, err := p.pool.Query(ctx,
		`SELECT card_id, level, amount FROM player_cards WHERE player_key = $1`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cardID, level int16
		var amount int32
		if err := rows.Scan(&cardID, &level, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan inventory row: %w", err)
		}
		l.Inventory[uint8(cardID)] = CardProgress{Level: uint8(level), Amount: uint32(amount)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}
