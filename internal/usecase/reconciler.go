package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/infrastructure/metrics"
	"VisaTracker/internal/ports"
	"VisaTracker/internal/resolver"
)

const reconcileLeaseKey = "reconcile"

// ReconcilerDeps wires the driven adapters into the Reconciler.
type ReconcilerDeps struct {
	Repository ports.RecordRepository
	Checker    ports.StatusChecker
	Notifier   ports.Notifier
	// Locker is optional; without it concurrent runs are not prevented.
	Locker   ports.Locker
	LeaseTTL time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Reconciler re-checks auto-check records and notifies on status changes.
type Reconciler struct {
	repository ports.RecordRepository
	checker    ports.StatusChecker
	notifier   ports.Notifier
	locker     ports.Locker
	leaseTTL   time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	clock      func() time.Time
}

// RunResult summarizes one batch.
type RunResult struct {
	Checked  int `json:"checked"`
	Changed  int `json:"changed"`
	Failed   int `json:"failed"`
	TimedOut int `json:"timedOut"`
}

// CheckResult is the outcome of checking a single record.
type CheckResult struct {
	Passport        string `json:"passport"`
	PreviousStatus  string `json:"previousStatus"`
	Status          string `json:"status"`
	ApplicationDate string `json:"applicationDate,omitempty"`
	Changed         bool   `json:"changed"`
	Notified        bool   `json:"notified"`
	TimedOut        bool   `json:"timedOut"`
	Warning         string `json:"warning,omitempty"`
}

// NewReconciler constructs the reconciler.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	r := &Reconciler{
		repository: deps.Repository,
		checker:    deps.Checker,
		notifier:   deps.Notifier,
		locker:     deps.Locker,
		leaseTTL:   deps.LeaseTTL,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		clock:      deps.Clock,
	}
	if r.leaseTTL <= 0 {
		r.leaseTTL = 30 * time.Minute
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	return r
}

// RunOnce checks every auto-check record in turn. A failing record is logged
// and skipped; only listing or lease failures abort the batch.
func (r *Reconciler) RunOnce(ctx context.Context) (RunResult, error) {
	started := r.clock()
	result, err := r.runOnce(ctx)

	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		outcome = "skipped"
	case err != nil:
		outcome = "failed"
	}
	r.metrics.ObserveRun(outcome, r.clock().Sub(started))

	return result, err
}

func (r *Reconciler) runOnce(ctx context.Context) (RunResult, error) {
	var result RunResult

	if r.locker != nil {
		release, ok, err := r.locker.Acquire(ctx, reconcileLeaseKey, r.leaseTTL)
		if err != nil {
			return result, fmt.Errorf("acquire reconcile lease: %w", err)
		}
		if !ok {
			return result, domain.ErrRunInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("release reconcile lease", "error", err)
			}
		}()
	}

	records, err := r.repository.ListAutoCheck(ctx)
	if err != nil {
		return result, fmt.Errorf("list auto-check records: %w", err)
	}
	r.logger.Info("reconcile started", "records", len(records))

	for _, rec := range records {
		if rec.Passport == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Checked++
		res, err := r.check(ctx, rec)
		if err != nil {
			result.Failed++
			r.logger.Error("check record failed", "passport", rec.Passport, "error", err)
			continue
		}
		if res.TimedOut {
			result.TimedOut++
		}
		if res.Changed && !strings.EqualFold(res.PreviousStatus, domain.StatusUnknown) {
			result.Changed++
		}
	}

	r.logger.Info("reconcile finished",
		"checked", result.Checked, "changed", result.Changed, "failed", result.Failed)
	return result, nil
}

// CheckRecord runs the single-record step for passport outside a batch.
func (r *Reconciler) CheckRecord(ctx context.Context, passport string) (CheckResult, error) {
	rec, err := r.repository.Get(ctx, passport)
	if err != nil {
		return CheckResult{}, err
	}
	return r.check(ctx, rec)
}

func (r *Reconciler) check(ctx context.Context, rec domain.Record) (CheckResult, error) {
	outcome, err := r.checker.CheckStatus(ctx, rec)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check status: %w", err)
	}

	resolution := resolver.ResolveJSON(outcome.Payload)
	result := CheckResult{
		Passport:        rec.Passport,
		PreviousStatus:  rec.StatusOrUnknown(),
		Status:          resolution.Status,
		ApplicationDate: resolution.ApplicationDate,
		TimedOut:        outcome.TimedOut,
	}
	if err := outcome.Err(); err != nil {
		result.Warning = err.Error()
	}

	err = r.repository.ApplyCheck(ctx, rec.Passport, domain.CheckUpdate{
		Status:          resolution.Status,
		ApplicationDate: resolution.ApplicationDate,
		CheckedAt:       r.clock(),
		APIResponse:     outcome.Payload,
	})
	if err != nil {
		return CheckResult{}, fmt.Errorf("persist check: %w", err)
	}

	result.Changed = !strings.EqualFold(result.PreviousStatus, result.Status)
	if !result.Changed || strings.EqualFold(result.PreviousStatus, domain.StatusUnknown) {
		return result, nil
	}

	r.logger.Info("visa status changed",
		"passport", rec.Passport, "from", result.PreviousStatus, "to", result.Status)
	r.metrics.ObserveStatusChange(string(domain.Categorize(result.Status)))
	result.Notified = r.notify(ctx, rec, resolution)
	return result, nil
}

// notify is best-effort: failures are logged and counted, never returned.
func (r *Reconciler) notify(ctx context.Context, rec domain.Record, resolution domain.Resolution) bool {
	if r.notifier == nil {
		r.metrics.ObserveNotification(metrics.OutcomeSkipped)
		return false
	}

	err := r.notifier.Notify(ctx, rec, resolution.Status, resolution.ApplicationDate)
	switch {
	case err == nil:
		r.metrics.ObserveNotification(metrics.OutcomeOK)
		return true
	case errors.Is(err, domain.ErrConfigMissing):
		r.logger.Debug("notifier not configured, skipping", "passport", rec.Passport)
		r.metrics.ObserveNotification(metrics.OutcomeSkipped)
	default:
		r.logger.Warn("notification failed", "passport", rec.Passport, "error", err)
		r.metrics.ObserveNotification(metrics.OutcomeFailed)
	}
	return false
}
