package usecase

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/infrastructure/storage"
	"VisaTracker/internal/logging"
)

func TestMirrorApply(t *testing.T) {
	t.Parallel()

	m := NewMirror(nil, time.Second, logging.Discard())
	m.replace(map[string]domain.Record{})
	m.Apply(domain.RecordChange{Kind: domain.ChangeAdded, Record: domain.Record{Passport: "B", FullName: "ZED"}})
	m.Apply(domain.RecordChange{Kind: domain.ChangeAdded, Record: domain.Record{Passport: "A", FullName: "ANN"}})
	m.Apply(domain.RecordChange{Kind: domain.ChangeModified, Record: domain.Record{Passport: "B", FullName: "BEN", ApplicationDate: "2024-02-01"}})
	m.Apply(domain.RecordChange{Kind: domain.ChangeAdded, Record: domain.Record{Passport: "C", FullName: "CAT"}})
	m.Apply(domain.RecordChange{Kind: domain.ChangeRemoved, Record: domain.Record{Passport: "C"}})

	records, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "BEN", records[0].FullName, "dated records come first")
	assert.Equal(t, "ANN", records[1].FullName)
}

func TestMirrorNotReadyBeforeSync(t *testing.T) {
	t.Parallel()

	m := NewMirror(nil, time.Second, logging.Discard())
	_, err := m.List(context.Background())
	assert.ErrorIs(t, err, ErrMirrorNotReady)
	assert.False(t, m.Ready())
}

func TestMirrorFollowsMemoryStore(t *testing.T) {
	t.Parallel()

	repo := storage.NewMemoryRepository(domain.Record{Passport: "AA1234567", FullName: "JOHN"})
	m := NewMirror(repo, time.Second, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		records, _ := m.List(ctx)
		return len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, repo.Create(ctx, domain.Record{Passport: "BB1234567", FullName: "ANNA"}))
	require.NoError(t, repo.Delete(ctx, "AA1234567"))

	require.Eventually(t, func() bool {
		records, _ := m.List(ctx)
		return len(records) == 1 && records[0].Passport == "BB1234567"
	}, 2*time.Second, 10*time.Millisecond)
}

type flakyFeed struct {
	subscriptions atomic.Int32
}

func (f *flakyFeed) Watch(ctx context.Context) iter.Seq2[domain.RecordChange, error] {
	n := f.subscriptions.Add(1)
	return func(yield func(domain.RecordChange, error) bool) {
		if !yield(domain.RecordChange{Kind: domain.ChangeAdded, Record: domain.Record{Passport: "AA1234567"}}, nil) {
			return
		}
		if !yield(domain.RecordChange{Kind: domain.ChangeSynced}, nil) {
			return
		}
		if n == 1 {
			yield(domain.RecordChange{}, errors.New("stream reset"))
			return
		}
		<-ctx.Done()
	}
}

func TestMirrorResubscribesAfterError(t *testing.T) {
	t.Parallel()

	feed := &flakyFeed{}
	m := NewMirror(feed, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return feed.subscriptions.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		records, _ := m.List(ctx)
		return len(records) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// slowReplayFeed serves one record, fails, then replays a different record and
// holds the synced marker until release is closed.
type slowReplayFeed struct {
	subscriptions atomic.Int32
	replaying     chan struct{}
	release       chan struct{}
}

func (f *slowReplayFeed) Watch(ctx context.Context) iter.Seq2[domain.RecordChange, error] {
	n := f.subscriptions.Add(1)
	return func(yield func(domain.RecordChange, error) bool) {
		if n == 1 {
			if !yield(domain.RecordChange{Kind: domain.ChangeAdded, Record: domain.Record{Passport: "AA0000001"}}, nil) {
				return
			}
			if !yield(domain.RecordChange{Kind: domain.ChangeSynced}, nil) {
				return
			}
			yield(domain.RecordChange{}, errors.New("stream reset"))
			return
		}
		if !yield(domain.RecordChange{Kind: domain.ChangeAdded, Record: domain.Record{Passport: "BB0000002"}}, nil) {
			return
		}
		close(f.replaying)
		select {
		case <-f.release:
		case <-ctx.Done():
			return
		}
		if !yield(domain.RecordChange{Kind: domain.ChangeSynced}, nil) {
			return
		}
		<-ctx.Done()
	}
}

func TestMirrorServesPreviousCopyDuringReplay(t *testing.T) {
	t.Parallel()

	feed := &slowReplayFeed{replaying: make(chan struct{}), release: make(chan struct{})}
	m := NewMirror(feed, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-feed.replaying:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscription never started")
	}

	records, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "AA0000001", records[0].Passport)

	close(feed.release)
	require.Eventually(t, func() bool {
		records, _ := m.List(ctx)
		return len(records) == 1 && records[0].Passport == "BB0000002"
	}, 2*time.Second, 5*time.Millisecond)
}
