package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"VisaTracker/internal/ports"
	"VisaTracker/pkg/logger"
)

// CronScheduler triggers the job on a standard five-field cron expression.
type CronScheduler struct {
	spec   string
	loc    *time.Location
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler configured via cron expression string.
func NewCronScheduler(spec string, loc *time.Location, log *slog.Logger) *CronScheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &CronScheduler{spec: spec, loc: loc, logger: log}
}

// Validate parses the expression without starting anything.
func (c *CronScheduler) Validate() error {
	if _, err := cron.ParseStandard(c.spec); err != nil {
		return fmt.Errorf("parse cron %q: %w", c.spec, err)
	}
	return nil
}

// Start schedules job. Overlapping ticks are skipped while a run is still going.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(logger.Printf{Logger: c.logger})
	cr := cron.New(
		cron.WithLocation(c.loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	run := func() {
		job(time.Now().In(c.loc))
		if next, err := c.Next(time.Now()); err == nil {
			c.logger.Debug("next reconcile scheduled", "at", next)
		}
	}
	if _, err := cr.AddFunc(c.spec, run); err != nil {
		return fmt.Errorf("schedule %q: %w", c.spec, err)
	}
	cr.Start()
	c.cron = cr

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	next, _ := c.Next(time.Now())
	c.logger.Info("scheduler started", "cron", c.spec, "timezone", c.loc.String(), "next", next)
	return nil
}

// Stop halts scheduling and waits for a running job until ctx is done.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr == nil {
		return nil
	}
	select {
	case <-cr.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports the next activation after now in the scheduler timezone.
func (c *CronScheduler) Next(now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(c.spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", c.spec, err)
	}
	return sched.Next(now.In(c.loc)), nil
}
