package ports

import (
	"context"
	"iter"
	"time"

	"VisaTracker/internal/domain"
)

// StatusChecker queries the upstream visa API for one record.
type StatusChecker interface {
	CheckStatus(ctx context.Context, record domain.Record) (domain.CheckOutcome, error)
}

// RecordRepository owns tracked records. Implementations must be safe for concurrent use.
type RecordRepository interface {
	ListAutoCheck(ctx context.Context) ([]domain.Record, error)
	List(ctx context.Context) ([]domain.Record, error)
	Get(ctx context.Context, passport string) (domain.Record, error)
	Create(ctx context.Context, record domain.Record) error
	UpdateDetails(ctx context.Context, passport string, details domain.Details) error
	ApplyCheck(ctx context.Context, passport string, update domain.CheckUpdate) error
	Delete(ctx context.Context, passport string) error
}

// ChangeFeed streams record changes. Each Watch call starts a fresh
// subscription that first replays the current records as added events,
// then yields a single ChangeSynced marker before live changes.
type ChangeFeed interface {
	Watch(ctx context.Context) iter.Seq2[domain.RecordChange, error]
}

// Notifier delivers status-change messages (Telegram, etc.).
type Notifier interface {
	Notify(ctx context.Context, record domain.Record, newStatus, applicationDate string) error
}

// Locker hands out exclusive leases, used to keep reconcile runs from overlapping.
// Acquire returns ok=false when someone else holds the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Scheduler controls when reconcile runs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
