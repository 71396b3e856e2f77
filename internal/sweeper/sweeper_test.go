package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tesar-games/arena-server/internal/battle"
)

type stubFinder struct {
	ids    []uint64
	err    error
	cutoff time.Time
}

func (f *stubFinder) FindInactive(_ context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	f.cutoff = cutoff
	if len(f.ids) > limit {
		return f.ids[:limit], f.err
	}
	return f.ids, f.err
}

type stubResolver struct {
	calls []uint64
	fail  map[uint64]bool
	fresh map[uint64]bool
}

func (r *stubResolver) ForceResolve(_ context.Context, id uint64, _ time.Time) (*battle.Match, bool, error) {
	r.calls = append(r.calls, id)
	if r.fail[id] {
		return nil, false, errors.New("store unavailable")
	}
	if r.fresh[id] {
		return nil, false, nil
	}
	return &battle.Match{ID: id, Status: battle.StatusCompleted, Winner: battle.NoSide}, true, nil
}

func TestRunOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	finder := &stubFinder{ids: []uint64{1, 2, 3, 4}}
	resolver := &stubResolver{fail: map[uint64]bool{2: true}, fresh: map[uint64]bool{3: true}}

	s := New(finder, resolver, Config{Timeout: 5 * time.Minute, Interval: time.Minute}, zaptest.NewLogger(t))
	s.SetClock(func() time.Time { return now })

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2, 3, 4}, resolver.calls, "one failure does not stop the batch")
	assert.Equal(t, now.Add(-5*time.Minute), finder.cutoff)
}

func TestRunOnceBatchSize(t *testing.T) {
	finder := &stubFinder{ids: []uint64{1, 2, 3}}
	resolver := &stubResolver{}

	s := New(finder, resolver, Config{Timeout: time.Minute, Interval: time.Minute, BatchSize: 2}, nil)
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunOnceFinderError(t *testing.T) {
	s := New(&stubFinder{err: errors.New("db down")}, &stubResolver{}, Config{Interval: time.Minute}, nil)
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s := New(&stubFinder{}, &stubResolver{}, Config{Timeout: time.Minute, Interval: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	idle := New(&stubFinder{}, &stubResolver{}, Config{}, nil)
	assert.NoError(t, idle.Stop())
}
