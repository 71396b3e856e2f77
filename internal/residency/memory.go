package residency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
)

type memoryRecord struct {
	mu     sync.Mutex
	match  *battle.Match
	lease  string
	sealed bool
}

// memoryTable is a map of records with a mutex per record, so writers to
// different matches never contend.
type memoryTable struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

func newMemoryTable() *memoryTable {
	return &memoryTable{records: make(map[string]*memoryRecord)}
}

func (t *memoryTable) get(id uint64) (*memoryRecord, error) {
	t.mu.RLock()
	rec, ok := t.records[battle.Key(id)]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
	}
	return rec, nil
}

func (t *memoryTable) load(id uint64) (*battle.Match, error) {
	rec, err := t.get(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.match == nil {
		return nil, fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
	}
	return rec.match.Clone(), nil
}

func (t *memoryTable) update(id uint64, fn UpdateFunc) (*battle.Match, error) {
	rec, err := t.get(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.match == nil {
		return nil, fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
	}
	if rec.sealed {
		return nil, battle.ErrSealed
	}

	working := rec.match.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Version++
	rec.match = working
	return working.Clone(), nil
}

// MemoryStore is an in-process durable store.
type MemoryStore struct {
	table  *memoryTable
	logger *zap.Logger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{table: newMemoryTable(), logger: logger}
}

// Create inserts a new match.
func (s *MemoryStore) Create(_ context.Context, m *battle.Match) error {
	key := battle.Key(m.ID)

	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if _, exists := s.table.records[key]; exists {
		return fmt.Errorf("%w: %d", battle.ErrMatchExists, m.ID)
	}
	s.table.records[key] = &memoryRecord{match: m.Clone()}
	return nil
}

// Load returns a copy of the match.
func (s *MemoryStore) Load(_ context.Context, id uint64) (*battle.Match, error) {
	return s.table.load(id)
}

// Update applies fn atomically.
func (s *MemoryStore) Update(_ context.Context, id uint64, fn UpdateFunc) (*battle.Match, error) {
	return s.table.update(id, fn)
}

// FindInactive lists active matches idle since cutoff, oldest id first.
func (s *MemoryStore) FindInactive(_ context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	s.table.mu.RLock()
	recs := make([]*memoryRecord, 0, len(s.table.records))
	for _, rec := range s.table.records {
		recs = append(recs, rec)
	}
	s.table.mu.RUnlock()

	var ids []uint64
	for _, rec := range recs {
		rec.mu.Lock()
		m := rec.match
		if m != nil && m.Status == battle.StatusActive && m.LastActivity.Before(cutoff) {
			ids = append(ids, m.ID)
		}
		rec.mu.Unlock()
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// MemoryVenue is an in-process delegation venue.
type MemoryVenue struct {
	table  *memoryTable
	logger *zap.Logger
}

// NewMemoryVenue creates an empty venue.
func NewMemoryVenue(logger *zap.Logger) *MemoryVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryVenue{table: newMemoryTable(), logger: logger}
}

// Import decodes a snapshot and stores it under leaseID.
func (v *MemoryVenue) Import(_ context.Context, snap *battle.Snapshot, leaseID string) error {
	m, err := battle.DecodeSnapshot(snap)
	if err != nil {
		return err
	}
	if m.LeaseID != leaseID {
		return fmt.Errorf("%w: snapshot lease %q, import lease %q", battle.ErrConcurrentUpdate, m.LeaseID, leaseID)
	}

	key := battle.Key(m.ID)
	v.table.mu.Lock()
	defer v.table.mu.Unlock()
	if _, exists := v.table.records[key]; exists {
		return fmt.Errorf("%w: %d", battle.ErrAlreadyDelegated, m.ID)
	}
	v.table.records[key] = &memoryRecord{match: m, lease: leaseID}

	v.logger.Debug("match imported", zap.Uint64("match_id", m.ID), zap.String("lease_id", leaseID))
	return nil
}

// Export snapshots the venue copy.
func (v *MemoryVenue) Export(_ context.Context, id uint64) (*battle.Snapshot, error) {
	m, err := v.table.load(id)
	if err != nil {
		return nil, err
	}
	return battle.EncodeSnapshot(m)
}

// Load returns a copy of the venue copy.
func (v *MemoryVenue) Load(_ context.Context, id uint64) (*battle.Match, error) {
	return v.table.load(id)
}

// Update applies fn atomically unless the record is sealed.
func (v *MemoryVenue) Update(_ context.Context, id uint64, fn UpdateFunc) (*battle.Match, error) {
	return v.table.update(id, fn)
}

// Seal blocks further updates.
func (v *MemoryVenue) Seal(_ context.Context, id uint64, leaseID string) error {
	return v.withLease(id, leaseID, func(rec *memoryRecord) { rec.sealed = true })
}

// Unseal lifts a seal.
func (v *MemoryVenue) Unseal(_ context.Context, id uint64, leaseID string) error {
	return v.withLease(id, leaseID, func(rec *memoryRecord) { rec.sealed = false })
}

// Drop removes the venue copy.
func (v *MemoryVenue) Drop(_ context.Context, id uint64, leaseID string) error {
	key := battle.Key(id)

	v.table.mu.Lock()
	defer v.table.mu.Unlock()
	rec, ok := v.table.records[key]
	if !ok {
		return fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.lease != leaseID {
		return fmt.Errorf("%w: lease %q does not hold match %d", battle.ErrConcurrentUpdate, leaseID, id)
	}
	rec.match = nil
	delete(v.table.records, key)

	v.logger.Debug("match dropped", zap.Uint64("match_id", id), zap.String("lease_id", leaseID))
	return nil
}

func (v *MemoryVenue) withLease(id uint64, leaseID string, fn func(rec *memoryRecord)) error {
	rec, err := v.table.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.match == nil {
		return fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
	}
	if rec.lease != leaseID {
		return fmt.Errorf("%w: lease %q does not hold match %d", battle.ErrConcurrentUpdate, leaseID, id)
	}
	fn(rec)
	return nil
}
