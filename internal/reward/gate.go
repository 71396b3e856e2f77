package reward

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/residency"
)

// Default reward amounts.
const (
	DefaultTrophies uint32 = 50
	DefaultMMR      uint32 = 30
)

// Amounts is the reward paid to each winning player.
type Amounts struct {
	Trophies uint32
	MMR      uint32
}

// DurableUpdater runs an update against a match whose durable record is
// authoritative, failing with battle.ErrNotCommitted otherwise.
type DurableUpdater interface {
	UpdateDurable(ctx context.Context, id uint64, fn residency.UpdateFunc) (*battle.Match, error)
}

// Gate pays each winning player of a committed match exactly once.
type Gate struct {
	store   DurableUpdater
	ledger  Ledger
	amounts Amounts
	logger  *zap.Logger
}

// NewGate creates a gate.
func NewGate(store DurableUpdater, ledger Ledger, amounts Amounts, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, ledger: ledger, amounts: amounts, logger: logger}
}

// Claim credits the reward to authority and sets its claim flag. The ledger
// credit happens before the flag is set, inside the same durable update, and
// is keyed so a retry after a failed flag write cannot double-pay. It returns
// the grant and the match with the flag set.
func (g *Gate) Claim(ctx context.Context, id uint64, authority string) (*Grant, *battle.Match, error) {
	var grant *Grant
	m, err := g.store.UpdateDurable(ctx, id, func(m *battle.Match) error {
		if m.Status != battle.StatusCompleted {
			return battle.ErrGameNotFinished
		}
		if m.Winner == battle.NoSide {
			return battle.ErrWinnerNotDetermined
		}
		slot, ok := m.SlotOf(authority)
		if !ok || m.SideOfSlot(slot) != m.Winner {
			return battle.ErrNotWinner
		}
		if m.RewardClaimed[slot] {
			return battle.ErrAlreadyClaimed
		}

		gr := Grant{
			Key:       GrantKey(m.ID, slot),
			MatchID:   m.ID,
			Authority: authority,
			Trophies:  g.amounts.Trophies,
			MMR:       g.amounts.MMR,
		}
		if err := g.ledger.Credit(ctx, gr); err != nil {
			return fmt.Errorf("failed to credit reward: %w", err)
		}
		m.RewardClaimed[slot] = true
		grant = &gr
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	g.logger.Info("reward claimed",
		zap.Uint64("match_id", id),
		zap.String("player", authority),
		zap.Uint32("trophies", grant.Trophies),
		zap.Uint32("mmr", grant.MMR),
	)
	return grant, m, nil
}
