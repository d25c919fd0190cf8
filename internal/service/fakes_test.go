package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowbox/internal/model"
	"flowbox/internal/queue"
	"flowbox/internal/repository"
	"flowbox/pkg/logger"

	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("test")
}

// snapshotter lets the fake tx runner roll fakes back when a closure fails,
// mimicking a real transaction.
type snapshotter interface {
	snapshot()
	restore()
}

type fakeTx struct {
	mu    sync.Mutex
	repos []snapshotter
	fail  error
}

// Tx serializes closures the way conflicting row locks would, and rolls the
// fakes back when the closure fails.
func (f *fakeTx) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	for _, r := range f.repos {
		r.snapshot()
	}
	if err := fn(nil); err != nil {
		for _, r := range f.repos {
			r.restore()
		}
		return err
	}
	return nil
}

type fakeAggregateRepo struct {
	mu        sync.Mutex
	aggs      map[string]model.Aggregate
	saved     map[string]model.Aggregate
	getErr    error
	createErr error
}

func newFakeAggregateRepo() *fakeAggregateRepo {
	return &fakeAggregateRepo{aggs: map[string]model.Aggregate{}}
}

func (f *fakeAggregateRepo) snapshot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = make(map[string]model.Aggregate, len(f.aggs))
	for k, v := range f.aggs {
		f.saved[k] = v
	}
}

func (f *fakeAggregateRepo) restore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggs = f.saved
}

func (f *fakeAggregateRepo) Get(ctx context.Context, id string) (*model.Aggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	agg, ok := f.aggs[id]
	if !ok {
		return nil, nil
	}
	cp := agg
	return &cp, nil
}

func (f *fakeAggregateRepo) Create(ctx context.Context, agg *model.Aggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, exists := f.aggs[agg.ID]; exists {
		return gorm.ErrDuplicatedKey
	}
	f.aggs[agg.ID] = *agg
	return nil
}

func (f *fakeAggregateRepo) UpdateStatus(ctx context.Context, id string, fromVersion int, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg, ok := f.aggs[id]
	if !ok || agg.Version != fromVersion {
		return false, nil
	}
	agg.Status = status
	agg.Version = fromVersion + 1
	f.aggs[id] = agg
	return true, nil
}

func (f *fakeAggregateRepo) PingContext(ctx context.Context) error { return nil }

func (f *fakeAggregateRepo) WithTx(tx *gorm.DB) repository.AggregateInterface { return f }

type fakeOutboxRepo struct {
	mu        sync.Mutex
	entries   map[string]model.OutboxEntry
	saved     map[string]model.OutboxEntry
	createErr error
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{entries: map[string]model.OutboxEntry{}}
}

func (f *fakeOutboxRepo) snapshot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = make(map[string]model.OutboxEntry, len(f.entries))
	for k, v := range f.entries {
		f.saved[k] = v
	}
}

func (f *fakeOutboxRepo) restore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = f.saved
}

func (f *fakeOutboxRepo) Create(ctx context.Context, entry *model.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	f.entries[entry.ID] = *entry
	return nil
}

func (f *fakeOutboxRepo) ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []model.OutboxEntry
	for _, e := range f.entries {
		if e.Status == model.StatusPending && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeOutboxRepo) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[id]
	e.Status = model.StatusProcessed
	e.ProcessedAt = &at
	f.entries[id] = e
	return nil
}

func (f *fakeOutboxRepo) MarkRetry(ctx context.Context, id string, retryCount int, nextAt time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[id]
	e.Status = model.StatusPending
	e.RetryCount = retryCount
	e.NextRetryAt = nextAt
	e.LastError = lastErr
	f.entries[id] = e
	return nil
}

func (f *fakeOutboxRepo) MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[id]
	e.Status = model.StatusFailed
	e.RetryCount = retryCount
	e.LastError = lastErr
	f.entries[id] = e
	return nil
}

func (f *fakeOutboxRepo) CountPending(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.entries {
		if e.Status == model.StatusPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeOutboxRepo) WithTx(tx *gorm.DB) repository.OutboxInterface { return f }

func (f *fakeOutboxRepo) pendingEntries() []model.OutboxEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.OutboxEntry
	for _, e := range f.entries {
		if e.Status == model.StatusPending {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeOutboxRepo) get(id string) model.OutboxEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[id]
}

type fakeDLQRepo struct {
	mu      sync.Mutex
	entries []model.DLQEntry
	saved   []model.DLQEntry
}

func (f *fakeDLQRepo) snapshot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append([]model.DLQEntry(nil), f.entries...)
}

func (f *fakeDLQRepo) restore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = f.saved
}

func (f *fakeDLQRepo) Create(ctx context.Context, entry *model.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeDLQRepo) ListUnresolved(ctx context.Context, limit int) ([]model.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DLQEntry(nil), f.entries...), nil
}

func (f *fakeDLQRepo) WithTx(tx *gorm.DB) repository.DLQInterface { return f }

// fakeQueue scripts enqueue outcomes: errs are consumed one per call, then
// enqueues succeed.
type fakeQueue struct {
	mu       sync.Mutex
	errs     []error
	enqueued []queue.Job
}

func (f *fakeQueue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.enqueued = append(f.enqueued, job)
	return "job-" + job.AggregateID, nil
}

func (f *fakeQueue) enqueuedJobs() []queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Job(nil), f.enqueued...)
}
