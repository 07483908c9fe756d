// Package scheduler triggers one ingestion per feed on the feed's update
// interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/go-co-op/gocron"
)

// Runner performs one ingestion.
type Runner interface {
	Run(ctx context.Context, trig domain.Trigger) (pipeline.Summary, error)
}

// Scheduler runs a singleton job per feed. A run still in progress when its
// next tick arrives is not doubled up; the tick is skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	feeds     map[domain.Kind]domain.Feed
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Scheduler for the given feeds.
func New(feeds map[domain.Kind]domain.Feed, runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		runner:    runner,
		feeds:     feeds,
		logger:    logger,
	}
}

// Start schedules every feed and starts the scheduler. Each job runs once
// immediately, then on its interval. Runs are cancelled when ctx ends or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.feeds) == 0 {
		s.logger.Info("scheduler: no feeds configured; nothing to schedule")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, kind := range domain.Kinds {
		feed, ok := s.feeds[kind]
		if !ok {
			continue
		}
		_, err := s.scheduler.Every(feed.UpdateInterval).
			Tag(string(kind)).
			SingletonMode().
			Do(s.job, ctx, feed)
		if err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", kind, err)
		}
		s.logger.Info("scheduled ingestion", "kind", kind, "interval", feed.UpdateInterval)
	}

	s.scheduler.StartAsync()
	return nil
}

// job runs one ingestion bounded by the feed interval, so a hung download
// cannot hold the singleton past the next tick's slot.
func (s *Scheduler) job(ctx context.Context, feed domain.Feed) {
	if ctx.Err() != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, feed.UpdateInterval)
	defer cancel()

	// Failures are logged by the pipeline and retried on the next tick.
	_, _ = s.runner.Run(rctx, domain.Trigger{BulletinKind: string(feed.Kind)})
}

// Stop cancels running jobs and stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Scheduled returns the kinds with a job, in scheduling order.
func (s *Scheduler) Scheduled() []string {
	var out []string
	for _, job := range s.scheduler.Jobs() {
		out = append(out, job.Tags()...)
	}
	return out
}
