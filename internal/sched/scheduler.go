// Package sched runs full crawls on a cron schedule. A tick that finds
// the lease held simply logs the skip; the lock, not the scheduler, is
// the concurrency control.
package sched

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/crawl"
)

// Runner is the slice of the coordinator the scheduler needs.
type Runner interface {
	RunFullCrawl(ctx context.Context) crawl.Outcome
}

// Scheduler wraps a cron instance with one registered crawl job.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New registers the crawl under the given cron spec (standard 5-field
// format).
func New(spec string, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))

	_, err := c.AddFunc(spec, func() {
		out := runner.RunFullCrawl(context.Background())
		switch out.Status {
		case crawl.StatusCompleted:
			logger.Info("scheduled crawl completed",
				zap.String("run_id", out.Summary.RunID),
				zap.Int("books_seen", out.Summary.BooksSeen),
				zap.Int("events", out.Summary.Events),
				zap.Duration("duration", out.Summary.Duration))
		case crawl.StatusSkipped:
			logger.Info("scheduled crawl skipped", zap.String("reason", out.Reason))
		default:
			logger.Error("scheduled crawl failed",
				zap.String("run_id", out.Summary.RunID),
				zap.Error(out.Err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("register crawl schedule %q: %w", spec, err)
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins firing ticks in a background goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
