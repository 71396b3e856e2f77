// Package catalog holds the static card table used by the battle engine.
package catalog

import (
	"fmt"
	"sort"
	"sync"
)

// Card describes the base, level-1 stats of a deployable card.
type Card struct {
	ID     uint8  `mapstructure:"id" json:"id"`
	Name   string `mapstructure:"name" json:"name"`
	Cost   uint32 `mapstructure:"cost" json:"cost"`
	Health int32  `mapstructure:"health" json:"health"`
	Damage int32  `mapstructure:"damage" json:"damage"`
}

// Valid card ids are 1..MaxCardID.
const MaxCardID uint8 = 12

// default stats for cards without a dedicated row
const (
	defaultCost   uint32 = 3
	defaultHealth int32  = 100
	defaultDamage int32  = 100
)

var cardNames = [MaxCardID + 1]string{
	1:  "Giant",
	2:  "Valkyrie",
	3:  "MiniPEKKA",
	4:  "BabyDragon",
	5:  "Archers",
	6:  "Arrows",
	7:  "Wizard",
	8:  "Barbarians",
	9:  "Cannon",
	10: "Rage",
	11: "InfernoTower",
	12: "Fireball",
}

// Catalog is a read-only card lookup table. Overrides are applied once at startup.
type Catalog struct {
	mu    sync.RWMutex
	cards map[uint8]Card
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{cards: make(map[uint8]Card, MaxCardID)}
	for id := uint8(1); id <= MaxCardID; id++ {
		c.cards[id] = Card{
			ID:     id,
			Name:   cardNames[id],
			Cost:   defaultCost,
			Health: defaultHealth,
			Damage: defaultDamage,
		}
	}

	c.cards[1] = Card{ID: 1, Name: cardNames[1], Cost: 3, Health: 125, Damage: 33}
	c.cards[2] = Card{ID: 2, Name: cardNames[2], Cost: 5, Health: 2000, Damage: 126}
	c.cards[3] = Card{ID: 3, Name: cardNames[3], Cost: 4, Health: 600, Damage: 325}

	return c
}

// New returns the default catalog with the given rows replacing built-in ones.
func New(overrides []Card) (*Catalog, error) {
	c := Default()
	for _, card := range overrides {
		if err := c.override(card); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) override(card Card) error {
	if card.ID == 0 || card.ID > MaxCardID {
		return fmt.Errorf("card id %d out of range 1..%d", card.ID, MaxCardID)
	}
	if card.Cost == 0 {
		return fmt.Errorf("card %d: cost must be positive", card.ID)
	}
	if card.Health <= 0 || card.Damage < 0 {
		return fmt.Errorf("card %d: invalid health/damage %d/%d", card.ID, card.Health, card.Damage)
	}
	if card.Name == "" {
		card.Name = cardNames[card.ID]
	}

	c.mu.Lock()
	c.cards[card.ID] = card
	c.mu.Unlock()
	return nil
}

// Lookup returns the card with the given id.
func (c *Catalog) Lookup(id uint8) (Card, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	card, ok := c.cards[id]
	return card, ok
}

// Cards returns all cards ordered by id.
func (c *Catalog) Cards() []Card {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Card, 0, len(c.cards))
	for _, card := range c.cards {
		out = append(out, card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
