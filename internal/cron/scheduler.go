// Package cron runs the daemon's periodic maintenance jobs on cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@every 1m" and "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one periodic task. Run receives the scheduler's context and must
// return when it is cancelled.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
	Jobs   []Job
	// RunOnStart fires every job once immediately after Start.
	RunOnStart bool
}

// Scheduler runs jobs on their schedules. A job never overlaps with
// itself; a tick that arrives while the previous run is still going is
// skipped.
type Scheduler struct {
	logger     *slog.Logger
	jobs       []Job
	runOnStart bool
	engine     *cronlib.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job's spec.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %q has no run function", job.Name)
		}
		if _, err := cronParser.Parse(job.Spec); err != nil {
			return nil, fmt.Errorf("cron job %q: invalid spec %q: %w", job.Name, job.Spec, err)
		}
	}
	return &Scheduler{
		logger:     logger.With("component", "cron"),
		jobs:       cfg.Jobs,
		runOnStart: cfg.RunOnStart,
	}, nil
}

// Start schedules every job. It respects ctx for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.engine = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	now := time.Now()
	for _, job := range s.jobs {
		// Specs were validated in NewScheduler.
		_, _ = s.engine.AddFunc(job.Spec, func() { s.fire(ctx, job) })
		if next, err := NextRunTime(job.Spec, now); err == nil {
			s.logger.Info("cron job scheduled", "job", job.Name, "spec", job.Spec, "next_run", next)
		}
	}
	s.engine.Start()

	if s.runOnStart {
		for _, job := range s.jobs {
			s.wg.Add(1)
			go func(job Job) {
				defer s.wg.Done()
				s.fire(ctx, job)
			}(job)
		}
	}
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.engine != nil {
		<-s.engine.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cron job failed", "job", job.Name, "error", err, "duration", time.Since(started))
		return
	}
	s.logger.Debug("cron job finished", "job", job.Name, "duration", time.Since(started))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
