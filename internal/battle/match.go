// Package battle holds the match state machine: the match model, deploy
// resolution, win detection and the residency snapshot codec.
package battle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tesar-games/arena-server/internal/battle/elixir"
)

// Kind is the match format.
type Kind uint8

const (
	KindDuel Kind = iota + 1 // 1v1
	KindTeam                 // 2v2
)

// Slots returns the number of player slots for the kind.
func (k Kind) Slots() int {
	switch k {
	case KindDuel:
		return 2
	case KindTeam:
		return 4
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindDuel:
		return "1v1"
	case KindTeam:
		return "2v2"
	default:
		return "unknown"
	}
}

// ParseKind accepts "1v1"/"duel" and "2v2"/"team".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1v1", "duel":
		return KindDuel, nil
	case "2v2", "team":
		return KindTeam, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Status is the lifecycle state of a match.
type Status uint8

const (
	StatusWaiting Status = iota
	StatusActive
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Side identifies one of the two opposing sides.
type Side int8

const (
	// NoSide marks an unset winner or a draw.
	NoSide Side = -1
	// DrawSentinel is the declared winner value meaning "no winner".
	DrawSentinel uint8 = 255
)

// Residency tells which store currently holds write authority for a match.
type Residency uint8

const (
	ResidencyDurable Residency = iota
	ResidencyDelegated
)

func (r Residency) String() string {
	if r == ResidencyDelegated {
		return "delegated"
	}
	return "durable"
}

// MaxEntities caps the number of deployed units per match.
const MaxEntities = 64

// EntityState is the simulation state of a deployed unit.
type EntityState uint8

const (
	EntityIdle EntityState = iota
	EntityMoving
	EntityAttacking
	EntityDead
)

// Tower is one of the six fixed defensive structures.
type Tower struct {
	Health int32 `msgpack:"hp"`
	X      int32 `msgpack:"x"`
	Y      int32 `msgpack:"y"`
	Owner  Side  `msgpack:"owner"`
	IsKing bool  `msgpack:"king"`
}

// Destroyed reports whether the tower has no health left.
func (t Tower) Destroyed() bool {
	return t.Health <= 0
}

// Entity is a deployed unit.
type Entity struct {
	ID       uint32      `msgpack:"id"`
	Owner    Side        `msgpack:"owner"`
	CardID   uint8       `msgpack:"card"`
	X        int32       `msgpack:"x"`
	Y        int32       `msgpack:"y"`
	Health   int32       `msgpack:"hp"`
	Damage   int32       `msgpack:"dmg"`
	State    EntityState `msgpack:"state"`
	TargetID *uint32     `msgpack:"target,omitempty"`
}

// Match is the full state of one match.
type Match struct {
	ID                uint64      `msgpack:"id"`
	Kind              Kind        `msgpack:"kind"`
	Players           []string    `msgpack:"players"`
	Status            Status      `msgpack:"status"`
	TickCount         uint64      `msgpack:"tick"`
	Elixir            elixir.Pool `msgpack:"elixir"`
	Towers            [6]Tower    `msgpack:"towers"`
	Entities          []Entity    `msgpack:"entities"`
	Winner            Side        `msgpack:"winner"`
	RewardClaimed     []bool      `msgpack:"claimed"`
	TowersDestroyed   [2]uint8    `msgpack:"towers_destroyed"`
	DamageDealt       [2]uint64   `msgpack:"damage_dealt"`
	LastEconomyUpdate time.Time   `msgpack:"economy_at"`
	CreatedAt         time.Time   `msgpack:"created_at"`
	LastActivity      time.Time   `msgpack:"activity_at"`
	Residency         Residency   `msgpack:"residency"`
	LeaseID           string      `msgpack:"lease,omitempty"`
	Version           uint64      `msgpack:"version"`
}

// Key is the storage key of a match record.
func Key(id uint64) string {
	return "match:" + strconv.FormatUint(id, 10)
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (uint64, error) {
	raw, ok := strings.CutPrefix(key, "match:")
	if !ok {
		return 0, fmt.Errorf("not a match key: %q", key)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a match key: %q: %w", key, err)
	}
	return id, nil
}

// Tower baselines per kind.
const (
	DuelKingHealth     int32 = 3000
	DuelPrincessHealth int32 = 1500
	TeamKingHealth     int32 = 4000
	TeamPrincessHealth int32 = 2500
)

// InitialTowerHealth returns the starting health of a tower for the kind.
func InitialTowerHealth(kind Kind, king bool) int32 {
	switch {
	case kind == KindTeam && king:
		return TeamKingHealth
	case kind == KindTeam:
		return TeamPrincessHealth
	case king:
		return DuelKingHealth
	default:
		return DuelPrincessHealth
	}
}

// TowerLayout returns the fixed tower layout: indices 0..2 belong to side 0
// (king, left, right), 3..5 to side 1 mirrored across the river.
func TowerLayout(kind Kind) [6]Tower {
	var towers [6]Tower
	for side := 0; side < 2; side++ {
		dir := int32(-1)
		if side == 1 {
			dir = 1
		}
		base := side * 3
		owner := Side(side)
		towers[base] = Tower{Health: InitialTowerHealth(kind, true), X: 0, Y: 20 * dir, Owner: owner, IsKing: true}
		towers[base+1] = Tower{Health: InitialTowerHealth(kind, false), X: -10, Y: 15 * dir, Owner: owner}
		towers[base+2] = Tower{Health: InitialTowerHealth(kind, false), X: 10, Y: 15 * dir, Owner: owner}
	}
	return towers
}

// NewMatch creates a waiting match with the creator in slot 0.
func NewMatch(id uint64, kind Kind, creator string, now time.Time) (*Match, error) {
	if kind.Slots() == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}
	if creator == "" {
		return nil, ErrNotAPlayer
	}

	players := make([]string, kind.Slots())
	players[0] = creator

	return &Match{
		ID:                id,
		Kind:              kind,
		Players:           players,
		Status:            StatusWaiting,
		Elixir:            elixir.NewPool(2),
		Towers:            TowerLayout(kind),
		Entities:          []Entity{},
		Winner:            NoSide,
		RewardClaimed:     make([]bool, kind.Slots()),
		LastEconomyUpdate: now,
		CreatedAt:         now,
		LastActivity:      now,
		Residency:         ResidencyDurable,
	}, nil
}

// SlotOf returns the player slot occupied by authority.
func (m *Match) SlotOf(authority string) (int, bool) {
	if authority == "" {
		return -1, false
	}
	for i, p := range m.Players {
		if p == authority {
			return i, true
		}
	}
	return -1, false
}

// IsParticipant reports whether authority occupies a slot.
func (m *Match) IsParticipant(authority string) bool {
	_, ok := m.SlotOf(authority)
	return ok
}

// SideOfSlot maps a player slot to its side. Team matches put slots 0-1 on
// side 0 and 2-3 on side 1.
func (m *Match) SideOfSlot(slot int) Side {
	if m.Kind == KindTeam {
		if slot < 2 {
			return 0
		}
		return 1
	}
	return Side(slot)
}

// Join seats authority in the first empty slot and activates the match once
// every slot is filled.
func (m *Match) Join(authority string, now time.Time) (int, error) {
	if m.Status != StatusWaiting {
		return -1, ErrNotWaiting
	}
	if authority == "" {
		return -1, ErrNotAPlayer
	}
	if m.IsParticipant(authority) {
		return -1, ErrAlreadyJoined
	}

	slot := -1
	for i := 1; i < len(m.Players); i++ {
		if m.Players[i] == "" {
			slot = i
			break
		}
	}
	if slot < 0 {
		return -1, ErrMatchFull
	}
	m.Players[slot] = authority

	if m.full() {
		m.Status = StatusActive
		m.LastEconomyUpdate = now
	}
	m.LastActivity = now
	return slot, nil
}

func (m *Match) full() bool {
	for _, p := range m.Players {
		if p == "" {
			return false
		}
	}
	return true
}

// Complete finishes the match with the given winner (NoSide for a draw).
func (m *Match) Complete(winner Side, now time.Time) error {
	if m.Status != StatusActive {
		return ErrNotActive
	}
	if m.Winner != NoSide {
		return ErrWinnerAlreadySet
	}
	m.Winner = winner
	m.Status = StatusCompleted
	m.LastActivity = now
	return nil
}

// End completes the match on behalf of a participant. declared is 0, 1 or
// DrawSentinel.
func (m *Match) End(authority string, declared uint8, now time.Time) error {
	if m.Status != StatusActive {
		return ErrNotActive
	}
	if !m.IsParticipant(authority) {
		return ErrNotAPlayer
	}

	winner := NoSide
	switch declared {
	case 0, 1:
		winner = Side(declared)
	case DrawSentinel:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidWinner, declared)
	}
	return m.Complete(winner, now)
}

// DamageTower applies externally simulated damage to a tower.
func (m *Match) DamageTower(index int, amount int32, now time.Time) error {
	if m.Status != StatusActive {
		return ErrNotActive
	}
	if index < 0 || index >= len(m.Towers) {
		return fmt.Errorf("%w: %d", ErrInvalidTower, index)
	}
	if amount < 0 {
		return fmt.Errorf("%w: negative damage %d", ErrInvalidTower, amount)
	}
	m.Towers[index].Health -= amount
	m.LastActivity = now
	return nil
}

// Clone returns a deep copy.
func (m *Match) Clone() *Match {
	out := *m
	out.Players = append([]string(nil), m.Players...)
	out.Elixir = m.Elixir.Copy()
	out.RewardClaimed = append([]bool(nil), m.RewardClaimed...)
	out.Entities = make([]Entity, len(m.Entities))
	for i, e := range m.Entities {
		if e.TargetID != nil {
			target := *e.TargetID
			e.TargetID = &target
		}
		out.Entities[i] = e
	}
	return &out
}
