// Package loadout provides read access to player decks and card inventories.
//
// Deck editing, unlocking and upgrading live in the progression service; this
// package only reads what that service has recorded.
package loadout

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DeckSize is the number of deck slots.
	DeckSize = 8
	// MaxInventory is the number of distinct cards a player may own.
	MaxInventory = 64
)

var (
	// ErrNotFound is returned when no loadout exists for an authority.
	ErrNotFound = errors.New("loadout not found")
	// ErrInventoryFull is returned when an inventory exceeds MaxInventory entries.
	ErrInventoryFull = errors.New("inventory full")
)

// CardProgress is a player's ownership record for one card id.
type CardProgress struct {
	Level  uint8  `json:"level"`
	Amount uint32 `json:"amount"`
}

// Loadout is a player's deck and inventory. Deck slot value 0 means empty.
type Loadout struct {
	Authority string                 `json:"authority"`
	Deck      [DeckSize]uint8        `json:"deck"`
	Inventory map[uint8]CardProgress `json:"inventory"`
}

// Level returns the owned level of a card, or 0 if the card is not owned.
func (l *Loadout) Level(cardID uint8) uint8 {
	if l == nil || l.Inventory == nil {
		return 0
	}
	return l.Inventory[cardID].Level
}

// Validate checks structural limits.
func (l *Loadout) Validate() error {
	if l.Authority == "" {
		return fmt.Errorf("loadout authority is required")
	}
	if len(l.Inventory) > MaxInventory {
		return fmt.Errorf("%w: %d cards, max %d", ErrInventoryFull, len(l.Inventory), MaxInventory)
	}
	return nil
}

// Clone returns a deep copy.
func (l *Loadout) Clone() *Loadout {
	out := &Loadout{Authority: l.Authority, Deck: l.Deck}
	if l.Inventory != nil {
		out.Inventory = make(map[uint8]CardProgress, len(l.Inventory))
		for id, p := range l.Inventory {
			out.Inventory[id] = p
		}
	}
	return out
}

// Key is the storage key of an authority's loadout record.
func Key(authority string) string {
	return "player:" + authority
}

// Provider returns the loadout recorded for an authority.
type Provider interface {
	Loadout(ctx context.Context, authority string) (*Loadout, error)
}
