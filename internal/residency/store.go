// Package residency moves write authority for a match between the durable
// store and a low-latency venue.
//
// The durable record's residency flag decides which copy is authoritative.
// Delegation exports a snapshot, imports it into the venue under a fresh
// lease and flips the flag in one durable transaction. Undelegation seals the
// venue copy, flushes it back, flips the flag and drops the venue copy.
package residency

import (
	"context"
	"time"

	"github.com/tesar-games/arena-server/internal/battle"
)

// UpdateFunc mutates a working copy of a match. Returning an error discards
// the copy and leaves the stored record untouched.
type UpdateFunc func(m *battle.Match) error

// Store is an addressable match store with atomic read-modify-write.
type Store interface {
	Load(ctx context.Context, id uint64) (*battle.Match, error)
	// Update runs fn on a copy of the record under a single-writer guarantee,
	// bumps Version and persists the copy. It returns the persisted copy.
	Update(ctx context.Context, id uint64, fn UpdateFunc) (*battle.Match, error)
}

// Durable is the long-term system of record.
type Durable interface {
	Store
	Create(ctx context.Context, m *battle.Match) error
	// FindInactive lists active matches with no activity since cutoff.
	FindInactive(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error)
}

// Venue is the fast store a match is delegated to while it is being played.
// Every mutating call names the lease it acts under.
type Venue interface {
	Store
	Import(ctx context.Context, snap *battle.Snapshot, leaseID string) error
	Export(ctx context.Context, id uint64) (*battle.Snapshot, error)
	// Seal makes further Update calls fail with battle.ErrSealed.
	Seal(ctx context.Context, id uint64, leaseID string) error
	Unseal(ctx context.Context, id uint64, leaseID string) error
	Drop(ctx context.Context, id uint64, leaseID string) error
}
