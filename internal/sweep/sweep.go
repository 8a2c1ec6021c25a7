// Package sweep runs the periodic lease recovery pass and retention pruning.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sakti-dev/runcoord/internal/otel"
	"github.com/sakti-dev/runcoord/internal/persistence"
)

type Config struct {
	// Interval between sweeps. Ignored when Schedule is set.
	Interval time.Duration

	// Schedule is an optional 5-field cron expression overriding Interval.
	Schedule string

	// Retention prunes terminal runs older than this. Zero disables pruning.
	Retention time.Duration

	Metrics *otel.Metrics // optional
}

// Sweeper periodically requeues runs whose lease expired and prunes old
// terminal runs. The first sweep fires immediately on Start so runs orphaned
// by a crash are recovered before workers start polling an empty queue.
type Sweeper struct {
	store    *persistence.Store
	config   Config
	logger   *slog.Logger
	schedule cron.Schedule

	once sync.Once
	wg   sync.WaitGroup
}

func New(store *persistence.Store, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{store: store, config: cfg, logger: logger}
	if cfg.Schedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err := parser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = schedule
	}
	return s, nil
}

func (s *Sweeper) Start(ctx context.Context) {
	s.once.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx)
		}()
	})
}

func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	// Startup recovery pass.
	s.SweepOnce(ctx)

	for {
		var wait time.Duration
		if s.schedule != nil {
			wait = time.Until(s.schedule.Next(time.Now()))
			if wait < time.Second {
				wait = time.Second
			}
		} else {
			wait = s.config.Interval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one recovery pass and, when retention is configured,
// one pruning pass. Returns the number of runs requeued.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	started := time.Now()
	requeued, err := s.store.RequeueExpiredRuns(ctx, started.UTC())
	if err != nil {
		s.logger.Error("lease recovery sweep failed", "error", err)
		return 0
	}
	if requeued > 0 {
		s.logger.Info("recovered expired leases", "requeued", requeued)
	}
	if s.config.Metrics != nil {
		if requeued > 0 {
			s.config.Metrics.RunsRequeued.Add(ctx, requeued)
			s.config.Metrics.LeaseExpiries.Add(ctx, requeued)
		}
		s.config.Metrics.SweepDuration.Record(ctx, time.Since(started).Seconds())
	}

	if s.config.Retention > 0 {
		cutoff := time.Now().UTC().Add(-s.config.Retention)
		pruned, err := s.store.PruneTerminalRuns(ctx, cutoff)
		if err != nil {
			s.logger.Error("retention pruning failed", "error", err)
		} else if pruned > 0 {
			s.logger.Info("pruned terminal runs", "pruned", pruned, "cutoff", cutoff)
		}
	}
	return requeued
}
