package battle

import (
	"fmt"
	"time"

	"github.com/tesar-games/arena-server/internal/battle/elixir"
	"github.com/tesar-games/arena-server/internal/catalog"
	"github.com/tesar-games/arena-server/internal/loadout"
)

// DeployRequest places the card in a deck slot at a board position.
type DeployRequest struct {
	Authority string
	CardIndex int
	X         int32
	Y         int32
}

// LevelMultiplier returns the percentage applied to base health and damage.
func LevelMultiplier(level uint8) int32 {
	return 100 + (int32(level)-1)*10
}

// Deploy validates and applies a unit deployment to m.
//
// Deploy mutates m step by step, so callers must run it on a working copy and
// discard the copy on error. The returned entity is the one appended.
func Deploy(m *Match, cat *catalog.Catalog, lo *loadout.Loadout, req DeployRequest, now time.Time) (*Entity, error) {
	if m.Status != StatusActive {
		return nil, ErrNotActive
	}

	m.LastEconomyUpdate = elixir.Regenerate(m.Elixir, m.LastEconomyUpdate, now)

	slot, ok := m.SlotOf(req.Authority)
	if !ok {
		return nil, ErrNotAPlayer
	}
	side := m.SideOfSlot(slot)

	if req.CardIndex < 0 || req.CardIndex >= loadout.DeckSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCardIndex, req.CardIndex)
	}
	cardID := lo.Deck[req.CardIndex]
	if cardID == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmptyCardSlot, req.CardIndex)
	}

	card, ok := cat.Lookup(cardID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCardID, cardID)
	}

	level := lo.Level(cardID)
	if level < 1 {
		return nil, fmt.Errorf("%w: card %d", ErrCardNotOwned, cardID)
	}

	multiplier := LevelMultiplier(level)
	health := card.Health * multiplier / 100
	damage := card.Damage * multiplier / 100
	cost := card.Cost * elixir.Scale

	if !m.Elixir.Spend(int(side), cost) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughElixir, cost, m.Elixir.Balance(int(side)))
	}

	if len(m.Entities) >= MaxEntities {
		return nil, ErrTooManyEntities
	}

	m.Entities = append(m.Entities, Entity{
		ID:     uint32(m.TickCount*100) + uint32(len(m.Entities)),
		Owner:  side,
		CardID: cardID,
		X:      req.X,
		Y:      req.Y,
		Health: health,
		Damage: damage,
		State:  EntityMoving,
	})
	m.TickCount++
	m.LastActivity = now

	DetectWinner(m, now)

	return &m.Entities[len(m.Entities)-1], nil
}
