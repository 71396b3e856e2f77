package residency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
)

// ErrDelegationDisabled is returned when no venue is configured.
var ErrDelegationDisabled = errors.New("delegation is disabled: no venue configured")

// Protocol routes match reads and writes to whichever store holds authority
// and moves that authority between them.
type Protocol struct {
	durable Durable
	venue   Venue
	logger  *zap.Logger
	now     func() time.Time
}

// NewProtocol creates a protocol. venue may be nil, which disables delegation.
func NewProtocol(durable Durable, venue Venue, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		durable: durable,
		venue:   venue,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (p *Protocol) SetClock(now func() time.Time) {
	p.now = now
}

// Durable returns the durable store.
func (p *Protocol) Durable() Durable {
	return p.durable
}

// Create stores a new match in the durable store.
func (p *Protocol) Create(ctx context.Context, m *battle.Match) error {
	m.Residency = battle.ResidencyDurable
	m.LeaseID = ""
	return p.durable.Create(ctx, m)
}

// Load reads the authoritative copy of a match.
func (p *Protocol) Load(ctx context.Context, id uint64) (*battle.Match, error) {
	m, err := p.durable.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Residency == battle.ResidencyDurable || p.venue == nil {
		return m, nil
	}

	vm, err := p.venue.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegated match %d: %w", id, err)
	}
	return vm, nil
}

// Update runs fn against the authoritative copy.
func (p *Protocol) Update(ctx context.Context, id uint64, fn UpdateFunc) (*battle.Match, error) {
	probe, err := p.durable.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if probe.Residency == battle.ResidencyDurable {
		return p.durable.Update(ctx, id, func(m *battle.Match) error {
			// Delegated between the probe and the lock
			if m.Residency != battle.ResidencyDurable {
				return battle.ErrConcurrentUpdate
			}
			return fn(m)
		})
	}

	if p.venue == nil {
		return nil, ErrDelegationDisabled
	}
	lease := probe.LeaseID
	out, err := p.venue.Update(ctx, id, func(m *battle.Match) error {
		if m.LeaseID != lease {
			return battle.ErrConcurrentUpdate
		}
		return fn(m)
	})
	if errors.Is(err, battle.ErrMatchNotFound) {
		// Undelegated between the probe and the write
		return nil, fmt.Errorf("%w: match %d left the venue", battle.ErrConcurrentUpdate, id)
	}
	return out, err
}

// UpdateDurable runs fn against the durable record, which must be
// authoritative.
func (p *Protocol) UpdateDurable(ctx context.Context, id uint64, fn UpdateFunc) (*battle.Match, error) {
	return p.durable.Update(ctx, id, func(m *battle.Match) error {
		if m.Residency != battle.ResidencyDurable {
			return battle.ErrNotCommitted
		}
		return fn(m)
	})
}

// Delegate moves write authority for an active match to the venue.
func (p *Protocol) Delegate(ctx context.Context, id uint64, requester string) (string, error) {
	if p.venue == nil {
		return "", ErrDelegationDisabled
	}

	lease := uuid.NewString()
	imported := false
	_, err := p.durable.Update(ctx, id, func(m *battle.Match) error {
		if m.Residency == battle.ResidencyDelegated {
			return battle.ErrAlreadyDelegated
		}
		if !m.IsParticipant(requester) {
			return battle.ErrNotAPlayer
		}
		if m.Status != battle.StatusActive {
			return battle.ErrNotActive
		}

		m.Residency = battle.ResidencyDelegated
		m.LeaseID = lease
		m.LastActivity = p.now()

		snap, err := battle.EncodeSnapshot(m)
		if err != nil {
			return err
		}
		if err := p.venue.Import(ctx, snap, lease); err != nil {
			return fmt.Errorf("failed to import match into venue: %w", err)
		}
		imported = true
		return nil
	})
	if err != nil {
		if imported {
			// The durable flip did not commit; the venue copy is orphaned.
			if derr := p.venue.Drop(ctx, id, lease); derr != nil {
				p.logger.Warn("failed to drop orphaned venue copy",
					zap.Uint64("match_id", id),
					zap.String("lease_id", lease),
					zap.Error(derr),
				)
			}
		}
		return "", err
	}

	p.logger.Info("match delegated",
		zap.Uint64("match_id", id),
		zap.String("player", requester),
		zap.String("lease_id", lease),
	)
	return lease, nil
}

// Commit checkpoints the venue copy into the durable record. The venue keeps
// authority.
func (p *Protocol) Commit(ctx context.Context, id uint64, requester string) (*battle.Match, error) {
	lease, err := p.delegatedLease(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	out, err := p.flush(ctx, id, lease, false)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("match checkpointed", zap.Uint64("match_id", id), zap.String("lease_id", lease))
	return out, nil
}

// CommitAndUndelegate flushes the venue copy and returns authority to the
// durable store.
func (p *Protocol) CommitAndUndelegate(ctx context.Context, id uint64, requester string) (*battle.Match, error) {
	lease, err := p.delegatedLease(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	return p.undelegate(ctx, id, lease)
}

// Reclaim returns authority to the durable store without a participant. It
// is a no-op for matches that are not delegated. If the venue copy has been
// lost, the durable record falls back to its last checkpoint.
func (p *Protocol) Reclaim(ctx context.Context, id uint64) (*battle.Match, error) {
	m, err := p.durable.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Residency != battle.ResidencyDelegated || p.venue == nil {
		return m, nil
	}

	out, err := p.undelegate(ctx, id, m.LeaseID)
	if !errors.Is(err, battle.ErrMatchNotFound) {
		return out, err
	}

	p.logger.Warn("venue copy lost, reverting to last checkpoint",
		zap.Uint64("match_id", id),
		zap.String("lease_id", m.LeaseID),
	)
	return p.durable.Update(ctx, id, func(dm *battle.Match) error {
		if dm.Residency != battle.ResidencyDelegated || dm.LeaseID != m.LeaseID {
			return battle.ErrConcurrentUpdate
		}
		dm.Residency = battle.ResidencyDurable
		dm.LeaseID = ""
		return nil
	})
}

// VenueCopyLost reports whether a delegated match no longer has a venue
// copy, as after a venue restart or key expiry.
func (p *Protocol) VenueCopyLost(ctx context.Context, id uint64) (bool, error) {
	m, err := p.durable.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if m.Residency != battle.ResidencyDelegated || p.venue == nil {
		return false, nil
	}
	if _, err := p.venue.Load(ctx, id); err != nil {
		if errors.Is(err, battle.ErrMatchNotFound) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (p *Protocol) delegatedLease(ctx context.Context, id uint64, requester string) (string, error) {
	if p.venue == nil {
		return "", ErrDelegationDisabled
	}
	m, err := p.durable.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if !m.IsParticipant(requester) {
		return "", battle.ErrNotAPlayer
	}
	if m.Residency != battle.ResidencyDelegated {
		return "", battle.ErrNotDelegated
	}
	return m.LeaseID, nil
}

func (p *Protocol) undelegate(ctx context.Context, id uint64, lease string) (*battle.Match, error) {
	if err := p.venue.Seal(ctx, id, lease); err != nil {
		return nil, err
	}

	out, err := p.flush(ctx, id, lease, true)
	if err != nil {
		if uerr := p.venue.Unseal(ctx, id, lease); uerr != nil {
			p.logger.Error("failed to unseal venue copy after failed flush",
				zap.Uint64("match_id", id),
				zap.String("lease_id", lease),
				zap.Error(uerr),
			)
		}
		return nil, err
	}

	if err := p.venue.Drop(ctx, id, lease); err != nil {
		// Durable already holds authority; a stale venue copy is harmless.
		p.logger.Warn("failed to drop venue copy",
			zap.Uint64("match_id", id),
			zap.String("lease_id", lease),
			zap.Error(err),
		)
	}

	p.logger.Info("match undelegated",
		zap.Uint64("match_id", id),
		zap.String("lease_id", lease),
		zap.String("status", out.Status.String()),
	)
	return out, nil
}

// flush writes the venue copy over the durable record. release flips
// residency back to durable.
func (p *Protocol) flush(ctx context.Context, id uint64, lease string, release bool) (*battle.Match, error) {
	snap, err := p.venue.Export(ctx, id)
	if err != nil {
		return nil, err
	}
	vm, err := battle.DecodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return p.checkpoint(ctx, id, lease, vm, release)
}

var errStaleExport = errors.New("venue export predates the durable checkpoint")

// checkpoint stores vm as the durable record. A non-releasing checkpoint
// older than the stored one is skipped, so racing commits never move the
// durable record backwards.
func (p *Protocol) checkpoint(ctx context.Context, id uint64, lease string, vm *battle.Match, release bool) (*battle.Match, error) {
	out, err := p.durable.Update(ctx, id, func(m *battle.Match) error {
		if m.Residency != battle.ResidencyDelegated || m.LeaseID != lease {
			return battle.ErrNotDelegated
		}
		if !release && vm.Version < m.Version {
			return errStaleExport
		}

		version := m.Version
		if vm.Version > version {
			version = vm.Version
		}
		*m = *vm
		m.Version = version
		if release {
			m.Residency = battle.ResidencyDurable
			m.LeaseID = ""
		} else {
			m.Residency = battle.ResidencyDelegated
			m.LeaseID = lease
		}
		return nil
	})
	if errors.Is(err, errStaleExport) {
		p.logger.Debug("skipped stale checkpoint",
			zap.Uint64("match_id", id),
			zap.String("lease_id", lease),
			zap.Uint64("version", vm.Version),
		)
		return p.durable.Load(ctx, id)
	}
	return out, err
}
