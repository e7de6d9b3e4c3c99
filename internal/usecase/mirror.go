package usecase

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/ports"
)

// ErrMirrorNotReady is returned by Mirror.List before the first replay completes.
var ErrMirrorNotReady = errors.New("mirror not synced yet")

// Mirror keeps a local copy of the store by folding its change feed.
type Mirror struct {
	feed   ports.ChangeFeed
	logger *slog.Logger
	retry  time.Duration

	mu      sync.RWMutex
	records map[string]domain.Record
	ready   bool
}

// NewMirror builds a mirror over feed. retry is the pause before re-subscribing after an error.
func NewMirror(feed ports.ChangeFeed, retry time.Duration, logger *slog.Logger) *Mirror {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{feed: feed, logger: logger, retry: retry, records: map[string]domain.Record{}}
}

// Run follows the feed until ctx ends, re-subscribing after errors.
func (m *Mirror) Run(ctx context.Context) {
	for ctx.Err() == nil {
		m.follow(ctx)

		select {
		case <-ctx.Done():
		case <-time.After(m.retry):
		}
	}
}

// follow consumes one subscription. The replay is folded into a fresh map that
// replaces the served copy only once the feed reports it synced, so readers
// keep the previous copy while a resubscribe is catching up.
func (m *Mirror) follow(ctx context.Context) {
	staging := map[string]domain.Record{}
	synced := false
	for change, err := range m.feed.Watch(ctx) {
		if err != nil {
			m.logger.Warn("change feed failed, resubscribing", "error", err, "retry", m.retry)
			return
		}
		switch {
		case change.Kind == domain.ChangeSynced:
			if !synced {
				synced = true
				m.replace(staging)
			}
		case synced:
			m.Apply(change)
		default:
			fold(staging, change)
		}
	}
}

// Apply folds one change into the served copy.
func (m *Mirror) Apply(change domain.RecordChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fold(m.records, change)
}

// Ready reports whether a full replay has been served at least once.
func (m *Mirror) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// List returns the mirrored records, oldest application first.
func (m *Mirror) List(context.Context) ([]domain.Record, error) {
	m.mu.RLock()
	if !m.ready {
		m.mu.RUnlock()
		return nil, ErrMirrorNotReady
	}
	out := slices.Collect(maps.Values(m.records))
	m.mu.RUnlock()

	slices.SortFunc(out, domain.CompareRecords)
	return out, nil
}

func (m *Mirror) replace(records map[string]domain.Record) {
	m.mu.Lock()
	m.records = records
	m.ready = true
	m.mu.Unlock()
}

func fold(records map[string]domain.Record, change domain.RecordChange) {
	switch change.Kind {
	case domain.ChangeRemoved:
		delete(records, change.Record.Passport)
	case domain.ChangeAdded, domain.ChangeModified:
		records[change.Record.Passport] = change.Record
	}
}
