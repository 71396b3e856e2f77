// Package match runs the lifecycle of card-battle matches: creation, joining,
// deploys, completion, residency moves and reward claims.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/catalog"
	"github.com/tesar-games/arena-server/internal/loadout"
	"github.com/tesar-games/arena-server/internal/residency"
	"github.com/tesar-games/arena-server/internal/reward"
	"github.com/tesar-games/arena-server/internal/session"
)

// Listener observes every successfully committed match change, in commit
// order per match. It must not block, must treat the match as read-only and
// must not call back into the Manager.
type Listener func(m *battle.Match)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSimulationAuthority sets the identity allowed to report tower damage.
func WithSimulationAuthority(authority string) Option {
	return func(m *Manager) { m.simulationAuthority = authority }
}

// Manager orchestrates match operations over the residency protocol. Every
// mutating operation is one atomic update of one match.
type Manager struct {
	protocol *residency.Protocol
	catalog  *catalog.Catalog
	loadouts loadout.Provider
	sessions session.Resolver
	gate     *reward.Gate
	logger   *zap.Logger
	now      func() time.Time

	simulationAuthority string

	order     *matchLocks
	mu        sync.RWMutex
	listeners []Listener
}

// NewManager creates a match manager.
func NewManager(
	protocol *residency.Protocol,
	cat *catalog.Catalog,
	loadouts loadout.Provider,
	sessions session.Resolver,
	gate *reward.Gate,
	logger *zap.Logger,
	opts ...Option,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		protocol: protocol,
		catalog:  cat,
		loadouts: loadouts,
		sessions: sessions,
		gate:     gate,
		logger:   logger,
		now:      time.Now,
		order:    newMatchLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a listener for committed changes.
func (mgr *Manager) Subscribe(l Listener) {
	mgr.mu.Lock()
	mgr.listeners = append(mgr.listeners, l)
	mgr.mu.Unlock()
}

func (mgr *Manager) publish(m *battle.Match) {
	mgr.mu.RLock()
	listeners := mgr.listeners
	mgr.mu.RUnlock()

	for _, l := range listeners {
		l(m.Clone())
	}
}

func (mgr *Manager) resolve(ctx context.Context, caller session.Caller) (string, error) {
	authority, err := mgr.sessions.Resolve(ctx, caller)
	if err != nil {
		return "", err
	}
	return authority, nil
}

// CreateMatch creates a waiting match with the caller in slot 0.
func (mgr *Manager) CreateMatch(ctx context.Context, id uint64, creator session.Caller, kind battle.Kind) (*battle.Match, error) {
	authority, err := mgr.resolve(ctx, creator)
	if err != nil {
		return nil, err
	}

	m, err := battle.NewMatch(id, kind, authority, mgr.now())
	if err != nil {
		return nil, err
	}
	defer mgr.order.lock(id)()
	if err := mgr.protocol.Create(ctx, m); err != nil {
		return nil, err
	}

	mgr.logger.Info("match created",
		zap.Uint64("match_id", id),
		zap.String("kind", kind.String()),
		zap.String("player", authority),
	)
	mgr.publish(m)
	return m, nil
}

// JoinMatch seats the caller in the first empty slot.
func (mgr *Manager) JoinMatch(ctx context.Context, id uint64, joiner session.Caller) (*battle.Match, int, error) {
	authority, err := mgr.resolve(ctx, joiner)
	if err != nil {
		return nil, -1, err
	}

	slot := -1
	defer mgr.order.lock(id)()
	m, err := mgr.protocol.Update(ctx, id, func(m *battle.Match) error {
		var err error
		slot, err = m.Join(authority, mgr.now())
		return err
	})
	if err != nil {
		return nil, -1, err
	}

	mgr.logger.Info("player joined match",
		zap.Uint64("match_id", id),
		zap.String("player", authority),
		zap.Int("slot", slot),
		zap.String("status", m.Status.String()),
	)
	mgr.publish(m)
	return m, slot, nil
}

// EndMatch completes an active match with a declared winner side, or
// battle.DrawSentinel for no winner.
func (mgr *Manager) EndMatch(ctx context.Context, id uint64, caller session.Caller, declared uint8) (*battle.Match, error) {
	authority, err := mgr.resolve(ctx, caller)
	if err != nil {
		return nil, err
	}

	defer mgr.order.lock(id)()
	m, err := mgr.protocol.Update(ctx, id, func(m *battle.Match) error {
		return m.End(authority, declared, mgr.now())
	})
	if err != nil {
		return nil, err
	}

	mgr.logger.Info("match ended",
		zap.Uint64("match_id", id),
		zap.String("player", authority),
		zap.Int8("winner", int8(m.Winner)),
	)
	mgr.publish(m)
	return m, nil
}

// DeployUnit deploys the card in the caller's deck slot at (x, y).
func (mgr *Manager) DeployUnit(ctx context.Context, id uint64, caller session.Caller, cardIndex int, x, y int32) (battle.Entity, *battle.Match, error) {
	authority, err := mgr.resolve(ctx, caller)
	if err != nil {
		return battle.Entity{}, nil, err
	}

	lo, err := mgr.loadouts.Loadout(ctx, authority)
	if errors.Is(err, loadout.ErrNotFound) {
		return battle.Entity{}, nil, fmt.Errorf("%w: no profile for %s", battle.ErrInvalidAuth, authority)
	}
	if err != nil {
		return battle.Entity{}, nil, fmt.Errorf("failed to load loadout: %w", err)
	}
	if lo.Authority != authority {
		return battle.Entity{}, nil, battle.ErrInvalidAuth
	}

	req := battle.DeployRequest{Authority: authority, CardIndex: cardIndex, X: x, Y: y}
	var entity battle.Entity
	defer mgr.order.lock(id)()
	m, err := mgr.protocol.Update(ctx, id, func(m *battle.Match) error {
		e, err := battle.Deploy(m, mgr.catalog, lo, req, mgr.now())
		if err != nil {
			return err
		}
		entity = *e
		return nil
	})
	if err != nil {
		return battle.Entity{}, nil, err
	}

	mgr.logger.Debug("unit deployed",
		zap.Uint64("match_id", id),
		zap.String("player", authority),
		zap.Int8("side", int8(entity.Owner)),
		zap.Uint8("card_id", entity.CardID),
		zap.Uint32("entity_id", entity.ID),
	)
	if m.Status == battle.StatusCompleted {
		mgr.logger.Info("match won",
			zap.Uint64("match_id", id),
			zap.Int8("winner", int8(m.Winner)),
		)
	}
	mgr.publish(m)
	return entity, m, nil
}

// ApplyTowerDamage records tower damage computed by the simulation. Only the
// configured simulation authority may call it. The win check runs on the next
// deploy.
func (mgr *Manager) ApplyTowerDamage(ctx context.Context, id uint64, reporter session.Caller, tower int, amount int32) (*battle.Match, error) {
	authority, err := mgr.resolve(ctx, reporter)
	if err != nil {
		return nil, err
	}
	if mgr.simulationAuthority == "" || authority != mgr.simulationAuthority {
		return nil, battle.ErrUnauthorized
	}

	defer mgr.order.lock(id)()
	m, err := mgr.protocol.Update(ctx, id, func(m *battle.Match) error {
		return m.DamageTower(tower, amount, mgr.now())
	})
	if err != nil {
		return nil, err
	}

	mgr.logger.Debug("tower damaged",
		zap.Uint64("match_id", id),
		zap.Int("tower", tower),
		zap.Int32("health", m.Towers[tower].Health),
	)
	mgr.publish(m)
	return m, nil
}

var errNotStale = errors.New("match is not stale")

// ForceResolve completes an active match idle since cutoff as a draw and
// returns authority to the durable store. It reports false if the match was
// not stale on its authoritative copy. A delegated match whose venue copy is
// gone is first reverted to its last checkpoint.
func (mgr *Manager) ForceResolve(ctx context.Context, id uint64, cutoff time.Time) (*battle.Match, bool, error) {
	resolve := func(m *battle.Match) error {
		if m.Status != battle.StatusActive || !m.LastActivity.Before(cutoff) {
			return errNotStale
		}
		return m.Complete(battle.NoSide, mgr.now())
	}

	defer mgr.order.lock(id)()
	m, err := mgr.protocol.Update(ctx, id, resolve)
	if errors.Is(err, battle.ErrMatchNotFound) || errors.Is(err, battle.ErrConcurrentUpdate) {
		var reclaimed *battle.Match
		if reclaimed, err = mgr.reclaimLost(ctx, id, err); err != nil {
			return nil, false, err
		}
		if m, err = mgr.protocol.Update(ctx, id, resolve); errors.Is(err, errNotStale) {
			mgr.publish(reclaimed)
			return nil, false, nil
		}
	}
	if errors.Is(err, errNotStale) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if m.Residency == battle.ResidencyDelegated {
		if m, err = mgr.protocol.Reclaim(ctx, id); err != nil {
			return nil, true, fmt.Errorf("resolved match %d but failed to reclaim: %w", id, err)
		}
	}

	mgr.logger.Info("match resolved for inactivity", zap.Uint64("match_id", id))
	mgr.publish(m)
	return m, true, nil
}

// reclaimLost reverts a delegated match whose venue copy is gone. Any other
// cause returns cause unchanged.
func (mgr *Manager) reclaimLost(ctx context.Context, id uint64, cause error) (*battle.Match, error) {
	lost, err := mgr.protocol.VenueCopyLost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !lost {
		return nil, cause
	}

	m, err := mgr.protocol.Reclaim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim match %d after losing its venue copy: %w", id, err)
	}
	mgr.logger.Warn("reclaimed match with lost venue copy",
		zap.Uint64("match_id", id),
		zap.String("status", m.Status.String()),
	)
	return m, nil
}

// Get returns the authoritative copy of a match.
func (mgr *Manager) Get(ctx context.Context, id uint64) (*battle.Match, error) {
	return mgr.protocol.Load(ctx, id)
}

// Delegate moves write authority to the fast venue.
func (mgr *Manager) Delegate(ctx context.Context, id uint64, caller session.Caller) (string, error) {
	authority, err := mgr.resolve(ctx, caller)
	if err != nil {
		return "", err
	}
	defer mgr.order.lock(id)()
	lease, err := mgr.protocol.Delegate(ctx, id, authority)
	if err != nil {
		return "", err
	}

	if m, err := mgr.protocol.Load(ctx, id); err == nil {
		mgr.publish(m)
	} else {
		mgr.logger.Warn("failed to load delegated match for listeners",
			zap.Uint64("match_id", id),
			zap.String("lease_id", lease),
			zap.Error(err),
		)
	}
	return lease, nil
}

// Commit checkpoints the venue copy into the durable store.
func (mgr *Manager) Commit(ctx context.Context, id uint64, caller session.Caller) (*battle.Match, error) {
	authority, err := mgr.resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	return mgr.protocol.Commit(ctx, id, authority)
}

// CommitAndUndelegate returns write authority to the durable store.
func (mgr *Manager) CommitAndUndelegate(ctx context.Context, id uint64, caller session.Caller) (*battle.Match, error) {
	authority, err := mgr.resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	defer mgr.order.lock(id)()
	m, err := mgr.protocol.CommitAndUndelegate(ctx, id, authority)
	if err != nil {
		return nil, err
	}
	mgr.publish(m)
	return m, nil
}

// ClaimReward pays the caller's winner reward once.
func (mgr *Manager) ClaimReward(ctx context.Context, id uint64, caller session.Caller) (*reward.Grant, error) {
	authority, err := mgr.resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	defer mgr.order.lock(id)()
	grant, m, err := mgr.gate.Claim(ctx, id, authority)
	if err != nil {
		return nil, err
	}
	mgr.publish(m)
	return grant, nil
}
