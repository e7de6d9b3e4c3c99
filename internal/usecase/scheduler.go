package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/ports"
)

// Scheduler wires the cron driver with the reconciler.
type Scheduler struct {
	driver     ports.Scheduler
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring reconcile runs.
func NewScheduler(driver ports.Scheduler, reconciler *Reconciler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, reconciler: reconciler, logger: logger}
}

// Start registers the reconciler with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.reconciler == nil {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) {
		s.tick(ctx, trigger)
	})
}

func (s *Scheduler) tick(ctx context.Context, trigger time.Time) {
	result, err := s.reconciler.RunOnce(ctx)
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		s.logger.Info("scheduled reconcile skipped, another run holds the lease", "trigger", trigger)
	case err != nil:
		s.logger.Error("scheduled reconcile failed", "trigger", trigger, "error", err)
	default:
		s.logger.Info("scheduled reconcile done", "trigger", trigger,
			"checked", result.Checked, "changed", result.Changed)
	}
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
