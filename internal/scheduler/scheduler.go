// Package scheduler runs periodic jobs on a gocron scheduler.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler wraps a gocron scheduler.
type Scheduler struct {
	scheduler gocron.Scheduler
	log       *slog.Logger
}

func New(log *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{scheduler: s, log: log.With("component", "scheduler")}, nil
}

// Every schedules fn to run every interval. Runs of the same job don't overlap.
// The ctx passed to fn is canceled when the scheduler stops.
// It returns the job ID.
func (s *Scheduler) Every(interval time.Duration, name string, fn func(ctx context.Context) error) (string, error) {
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.run, name, fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create %s job: %w", name, err)
	}
	return job.ID().String(), nil
}

// run is called by gocron. gocron injects the job context as the first argument.
func (s *Scheduler) run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		s.log.Error("job failed", "job", name, "err", err)
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.log.Info("starting scheduler")
	s.scheduler.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.log.Info("stopping scheduler")
	return s.scheduler.Shutdown()
}
