package backup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when backup.schedule cannot be parsed
var ErrInvalidSchedule = errors.New("invalid backup schedule")

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RunFunc is triggered by the scheduler
type RunFunc func(ctx context.Context) error

// Scheduler runs a backup on a cron schedule until its context is cancelled.
// Accepts five-field cron, an optional leading seconds field and descriptors such as @daily.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	run      RunFunc
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler parses spec and binds it to run
func NewScheduler(spec string, run RunFunc, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		spec:     spec,
		schedule: schedule,
		run:      run,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start launches the scheduling goroutine and returns immediately
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// NextRun returns the next scheduled run time from now
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(s.now())
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		nextRun := s.schedule.Next(s.now())
		wait := time.Until(nextRun)

		s.logger.Debug("waiting for next scheduled backup",
			"schedule", s.spec,
			"next_run", nextRun,
			"wait_duration", wait,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("backup scheduler shutting down")
			return
		case <-timer.C:
			s.execute(ctx)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	s.logger.Info("starting scheduled backup")

	if err := s.run(ctx); err != nil {
		s.logger.Warn("scheduled backup failed", "error", err)
		return
	}
	s.logger.Info("scheduled backup completed")
}
