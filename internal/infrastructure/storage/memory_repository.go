package storage

import (
	"context"
	"iter"
	"slices"
	"sync"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/ports"
)

// MemoryRepository keeps records in a mutex-guarded map and fans changes out to watchers.
type MemoryRepository struct {
	mu       sync.RWMutex
	records  map[string]domain.Record
	watchers map[*watcher]struct{}
}

var (
	_ ports.RecordRepository = (*MemoryRepository)(nil)
	_ ports.ChangeFeed       = (*MemoryRepository)(nil)
)

// NewMemoryRepository returns a store seeded with records.
func NewMemoryRepository(seed ...domain.Record) *MemoryRepository {
	r := &MemoryRepository{
		records:  make(map[string]domain.Record, len(seed)),
		watchers: make(map[*watcher]struct{}),
	}
	for _, rec := range seed {
		r.records[rec.Passport] = rec
	}
	return r
}

func (r *MemoryRepository) ListAutoCheck(ctx context.Context) ([]domain.Record, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.AutoCheck {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := r.snapshotLocked()
	r.mu.RUnlock()
	return out, nil
}

func (r *MemoryRepository) Get(ctx context.Context, passport string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[passport]
	if !ok {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	return rec, nil
}

func (r *MemoryRepository) Create(ctx context.Context, record domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.Passport]; exists {
		return domain.ErrRecordExists
	}
	r.records[record.Passport] = record
	r.publishLocked(domain.RecordChange{Kind: domain.ChangeAdded, Record: record})
	return nil
}

func (r *MemoryRepository) UpdateDetails(ctx context.Context, passport string, details domain.Details) error {
	return r.modify(ctx, passport, func(rec *domain.Record) {
		rec.FullName = details.FullName
		rec.Birthday = details.Birthday
		rec.StudentID = details.StudentID
		rec.AutoCheck = details.AutoCheck
	})
}

func (r *MemoryRepository) ApplyCheck(ctx context.Context, passport string, update domain.CheckUpdate) error {
	return r.modify(ctx, passport, func(rec *domain.Record) {
		rec.Status = update.Status
		rec.LastChecked = update.CheckedAt
		rec.APIResponse = update.APIResponse
		if update.ApplicationDate != "" {
			rec.ApplicationDate = update.ApplicationDate
		}
	})
}

func (r *MemoryRepository) Delete(ctx context.Context, passport string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[passport]
	if !ok {
		return domain.ErrRecordNotFound
	}
	delete(r.records, passport)
	r.publishLocked(domain.RecordChange{Kind: domain.ChangeRemoved, Record: rec})
	return nil
}

// Watch replays the current records as added events followed by a synced
// marker, then streams every change until ctx is done.
func (r *MemoryRepository) Watch(ctx context.Context) iter.Seq2[domain.RecordChange, error] {
	return func(yield func(domain.RecordChange, error) bool) {
		w := &watcher{signal: make(chan struct{}, 1)}

		r.mu.Lock()
		initial := r.snapshotLocked()
		r.watchers[w] = struct{}{}
		r.mu.Unlock()

		defer func() {
			r.mu.Lock()
			delete(r.watchers, w)
			r.mu.Unlock()
		}()

		for _, rec := range initial {
			if !yield(domain.RecordChange{Kind: domain.ChangeAdded, Record: rec}, nil) {
				return
			}
		}
		if !yield(domain.RecordChange{Kind: domain.ChangeSynced}, nil) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
			for _, change := range w.drain() {
				if !yield(change, nil) {
					return
				}
			}
		}
	}
}

func (r *MemoryRepository) modify(ctx context.Context, passport string, fn func(*domain.Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[passport]
	if !ok {
		return domain.ErrRecordNotFound
	}
	fn(&rec)
	r.records[passport] = rec
	r.publishLocked(domain.RecordChange{Kind: domain.ChangeModified, Record: rec})
	return nil
}

func (r *MemoryRepository) snapshotLocked() []domain.Record {
	out := make([]domain.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

func (r *MemoryRepository) publishLocked(change domain.RecordChange) {
	for w := range r.watchers {
		w.push(change)
	}
}

// watcher queues changes without bound so writers never block on slow readers.
type watcher struct {
	mu      sync.Mutex
	pending []domain.RecordChange
	signal  chan struct{}
}

func (w *watcher) push(change domain.RecordChange) {
	w.mu.Lock()
	w.pending = append(w.pending, change)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []domain.RecordChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

func sortRecords(records []domain.Record) {
	slices.SortFunc(records, domain.CompareRecords)
}
