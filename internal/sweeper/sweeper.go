// Package sweeper periodically resolves matches abandoned mid-game.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/tesar-games/arena-server/internal/battle"
)

// Finder lists candidate matches.
type Finder interface {
	FindInactive(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error)
}

// Resolver force-resolves a single match.
type Resolver interface {
	ForceResolve(ctx context.Context, id uint64, cutoff time.Time) (*battle.Match, bool, error)
}

// Config controls the sweep schedule.
type Config struct {
	Timeout   time.Duration
	Interval  time.Duration
	BatchSize int
}

// Sweeper resolves active matches idle for longer than Timeout.
type Sweeper struct {
	finder    Finder
	resolver  Resolver
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
	scheduler gocron.Scheduler
}

// New creates a sweeper.
func New(finder Finder, resolver Resolver, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		finder:   finder,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start schedules a sweep every Interval.
func (s *Sweeper) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
			defer cancel()
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("inactivity sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	sched.Start()
	s.scheduler = sched
	s.logger.Info("inactivity sweeper started",
		zap.Duration("timeout", s.cfg.Timeout),
		zap.Duration("interval", s.cfg.Interval),
	)
	return nil
}

// Stop shuts the scheduler down and waits for a running sweep.
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// RunOnce resolves one batch of stale matches and returns how many it
// resolved. A failure on one match does not stop the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Timeout)

	ids, err := s.finder.FindInactive(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list inactive matches: %w", err)
	}

	resolved := 0
	for _, id := range ids {
		_, ok, err := s.resolver.ForceResolve(ctx, id, cutoff)
		if err != nil {
			s.logger.Warn("failed to resolve inactive match", zap.Uint64("match_id", id), zap.Error(err))
			continue
		}
		if ok {
			resolved++
		}
	}

	if resolved > 0 {
		s.logger.Info("resolved inactive matches", zap.Int("count", resolved))
	}
	return resolved, nil
}
