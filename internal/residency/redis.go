package residency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
)

// hash fields of a venue record
const (
	fieldState    = "state"
	fieldChecksum = "checksum"
	fieldVersion  = "snapshot_version"
	fieldLease    = "lease"
	fieldSealed   = "sealed"
)

// RedisVenue keeps delegated matches in Redis hashes. Writers use WATCH/MULTI;
// a lost race surfaces as battle.ErrConcurrentUpdate and is not retried.
type RedisVenue struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisVenue connects to redisURL and verifies the connection.
func NewRedisVenue(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisVenue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisVenue{rdb: rdb, prefix: "arena:venue:", ttl: ttl, logger: logger}, nil
}

// Close closes the client.
func (v *RedisVenue) Close() error {
	return v.rdb.Close()
}

func (v *RedisVenue) key(id uint64) string {
	return v.prefix + battle.Key(id)
}

type venueRecord struct {
	snap   *battle.Snapshot
	lease  string
	sealed bool
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readRecord(ctx context.Context, c hashReader, key string, id uint64) (*venueRecord, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
	}

	version, err := strconv.Atoi(fields[fieldVersion])
	if err != nil {
		return nil, fmt.Errorf("corrupt venue record %s: %w", key, err)
	}
	return &venueRecord{
		snap: &battle.Snapshot{
			Version:  version,
			Data:     []byte(fields[fieldState]),
			Checksum: fields[fieldChecksum],
		},
		lease:  fields[fieldLease],
		sealed: fields[fieldSealed] == "1",
	}, nil
}

func (v *RedisVenue) writeRecord(ctx context.Context, pipe redis.Pipeliner, key string, rec *venueRecord) {
	sealed := "0"
	if rec.sealed {
		sealed = "1"
	}
	pipe.HSet(ctx, key,
		fieldState, rec.snap.Data,
		fieldChecksum, rec.snap.Checksum,
		fieldVersion, rec.snap.Version,
		fieldLease, rec.lease,
		fieldSealed, sealed,
	)
	if v.ttl > 0 {
		pipe.Expire(ctx, key, v.ttl)
	}
}

// watch runs fn in an optimistic transaction on key.
func (v *RedisVenue) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	err := v.rdb.Watch(ctx, fn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return battle.ErrConcurrentUpdate
	}
	return err
}

// Import stores a snapshot under leaseID.
func (v *RedisVenue) Import(ctx context.Context, snap *battle.Snapshot, leaseID string) error {
	m, err := battle.DecodeSnapshot(snap)
	if err != nil {
		return err
	}
	if m.LeaseID != leaseID {
		return fmt.Errorf("%w: snapshot lease %q, import lease %q", battle.ErrConcurrentUpdate, m.LeaseID, leaseID)
	}

	key := v.key(m.ID)
	err = v.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d", battle.ErrAlreadyDelegated, m.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			v.writeRecord(ctx, pipe, key, &venueRecord{snap: snap, lease: leaseID})
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	v.logger.Debug("match imported", zap.Uint64("match_id", m.ID), zap.String("lease_id", leaseID))
	return nil
}

// Export returns the stored snapshot.
func (v *RedisVenue) Export(ctx context.Context, id uint64) (*battle.Snapshot, error) {
	rec, err := readRecord(ctx, v.rdb, v.key(id), id)
	if err != nil {
		return nil, err
	}
	return rec.snap, nil
}

// Load decodes the stored snapshot.
func (v *RedisVenue) Load(ctx context.Context, id uint64) (*battle.Match, error) {
	snap, err := v.Export(ctx, id)
	if err != nil {
		return nil, err
	}
	return battle.DecodeSnapshot(snap)
}

// Update applies fn in a WATCH/MULTI transaction.
func (v *RedisVenue) Update(ctx context.Context, id uint64, fn UpdateFunc) (*battle.Match, error) {
	key := v.key(id)
	var out *battle.Match

	err := v.watch(ctx, key, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key, id)
		if err != nil {
			return err
		}
		if rec.sealed {
			return battle.ErrSealed
		}
		m, err := battle.DecodeSnapshot(rec.snap)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		m.Version++

		rec.snap, err = battle.EncodeSnapshot(m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			v.writeRecord(ctx, pipe, key, rec)
			return nil
		})
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Seal blocks further updates.
func (v *RedisVenue) Seal(ctx context.Context, id uint64, leaseID string) error {
	return v.setSealed(ctx, id, leaseID, true)
}

// Unseal lifts a seal.
func (v *RedisVenue) Unseal(ctx context.Context, id uint64, leaseID string) error {
	return v.setSealed(ctx, id, leaseID, false)
}

func (v *RedisVenue) setSealed(ctx context.Context, id uint64, leaseID string, sealed bool) error {
	key := v.key(id)
	return v.watch(ctx, key, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key, id)
		if err != nil {
			return err
		}
		if rec.lease != leaseID {
			return fmt.Errorf("%w: lease %q does not hold match %d", battle.ErrConcurrentUpdate, leaseID, id)
		}
		rec.sealed = sealed
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			v.writeRecord(ctx, pipe, key, rec)
			return nil
		})
		return err
	})
}

// Drop deletes the venue copy.
func (v *RedisVenue) Drop(ctx context.Context, id uint64, leaseID string) error {
	key := v.key(id)
	err := v.watch(ctx, key, func(tx *redis.Tx) error {
		lease, err := tx.HGet(ctx, key, fieldLease).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %d", battle.ErrMatchNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("redis hget: %w", err)
		}
		if lease != leaseID {
			return fmt.Errorf("%w: lease %q does not hold match %d", battle.ErrConcurrentUpdate, leaseID, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	v.logger.Debug("match dropped", zap.Uint64("match_id", id), zap.String("lease_id", leaseID))
	return nil
}
