// Package runtime hosts the long-running pieces of the daemon: the cron
// scheduler that drives the nightly maintenance jobs.
package runtime

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jotkeep/recall/config"
)

// Jobs are the maintenance entry points the scheduler fires. Nil jobs
// are skipped, which the tests and partial deployments rely on.
type Jobs struct {
	BulkReflection func(ctx context.Context)
	SelfImprove    func(ctx context.Context)
	RetentionSweep func(ctx context.Context)
	CachePurge     func(ctx context.Context)
}

// Scheduler wraps a cron runner with the four maintenance schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewScheduler(cfg config.ScheduleConfig, jobs Jobs, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}

	entries := []struct {
		name string
		spec string
		fn   func(ctx context.Context)
	}{
		{"bulk_reflection", cfg.BulkReflection, jobs.BulkReflection},
		{"self_improve", cfg.SelfImprove, jobs.SelfImprove},
		{"retention_sweep", cfg.RetentionSweep, jobs.RetentionSweep},
		{"cache_purge", cfg.CachePurge, jobs.CachePurge},
	}
	for _, e := range entries {
		if e.fn == nil || e.spec == "" {
			continue
		}
		name, fn := e.name, e.fn
		_, err := s.cron.AddFunc(e.spec, func() {
			s.logger.Info().Str("job", name).Msg("Scheduled job starting")
			fn(context.Background())
			s.logger.Info().Str("job", name).Msg("Scheduled job finished")
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", e.name, e.spec, err)
		}
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}
