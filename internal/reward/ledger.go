// Package reward pays out the one-time winner reward of a completed match.
package reward

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/loadout"
)

// ErrIssuanceCapReached is returned when a credit would exceed the issuance cap.
var ErrIssuanceCapReached = &battle.Error{
	Class:   battle.ClassResource,
	Code:    "ISSUANCE_CAP_REACHED",
	Message: "reward issuance cap reached",
}

// Grant is one reward credit. Key makes the credit idempotent.
type Grant struct {
	Key       string
	MatchID   uint64
	Authority string
	Trophies  uint32
	MMR       uint32
}

// GrantKey is the idempotency key of the reward for a match slot.
func GrantKey(matchID uint64, slot int) string {
	return "reward:" + strconv.FormatUint(matchID, 10) + ":" + strconv.Itoa(slot)
}

// Ledger credits rewards. Crediting an already-recorded key is a no-op.
type Ledger interface {
	Credit(ctx context.Context, g Grant) error
}

// Balance is a player's accumulated rating.
type Balance struct {
	Trophies uint64
	MMR      uint64
}

// MemoryLedger is an in-process ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	grants   map[string]Grant
	balances map[string]Balance
	issued   uint64
	cap      uint64
	logger   *zap.Logger
}

// NewMemoryLedger creates a ledger. A cap of 0 means unlimited trophies.
func NewMemoryLedger(issuanceCap uint64, logger *zap.Logger) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLedger{
		grants:   make(map[string]Grant),
		balances: make(map[string]Balance),
		cap:      issuanceCap,
		logger:   logger,
	}
}

// Credit records a grant once.
func (l *MemoryLedger) Credit(_ context.Context, g Grant) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.grants[g.Key]; ok {
		l.logger.Debug("grant already recorded", zap.String("grant_key", g.Key))
		return nil
	}
	if l.cap > 0 && l.issued+uint64(g.Trophies) > l.cap {
		return ErrIssuanceCapReached
	}

	l.grants[g.Key] = g
	l.issued += uint64(g.Trophies)

	key := loadout.Key(g.Authority)
	b := l.balances[key]
	b.Trophies += uint64(g.Trophies)
	b.MMR += uint64(g.MMR)
	l.balances[key] = b
	return nil
}

// Balance returns the accumulated rating of an authority.
func (l *MemoryLedger) Balance(authority string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[loadout.Key(authority)]
}

// Issued returns the total trophies credited.
func (l *MemoryLedger) Issued() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issued
}
