package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"flowbox/internal/fsm"
	"flowbox/internal/metrics"
	"flowbox/internal/model"
	"flowbox/internal/queue"
)

type fakeEnsurer struct {
	repaired map[string]bool
	calls    int
	err      error
}

func (f *fakeEnsurer) EnsureAggregate(ctx context.Context, id string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.repaired == nil {
		return false, nil
	}
	return f.repaired[id], nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	outbox     *fakeOutboxRepo
	dlq        *fakeDLQRepo
	queue      *fakeQueue
	ensurer    *fakeEnsurer
	now        time.Time
}

func newDispatcherFixture(cfg DispatcherConfig) *dispatcherFixture {
	outs := newFakeOutboxRepo()
	dlqs := &fakeDLQRepo{}
	q := &fakeQueue{}
	ens := &fakeEnsurer{}
	tx := &fakeTx{repos: []snapshotter{outs, dlqs}}

	f := &dispatcherFixture{
		outbox:  outs,
		dlq:     dlqs,
		queue:   q,
		ensurer: ens,
		now:     time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	f.dispatcher = NewDispatcher(tx, outs, dlqs, q, ens, metrics.NoopObserver{}, cfg)
	f.dispatcher.clock = func() time.Time { return f.now }
	return f
}

func (f *dispatcherFixture) addEntry(id, aggID string, jobType fsm.JobType) {
	envelope, _ := json.Marshal(queue.Job{
		IdempotencyKey: queue.IdempotencyKey(aggID, "start"),
		Type:           string(jobType),
		AggregateID:    aggID,
		EventType:      "start",
	})
	_ = f.outbox.Create(context.Background(), &model.OutboxEntry{
		ID:          id,
		AggregateID: aggID,
		EventType:   "start",
		Payload:     string(envelope),
		Status:      model.StatusPending,
		NextRetryAt: f.now,
		CreatedAt:   f.now,
	})
}

func TestDispatcher_PublishesAndMarksProcessed(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	f.addEntry("e1", "agg-1", fsm.JobGenerateOutline)

	found, err := f.dispatcher.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	if !found {
		t.Error("expected entry to be claimed")
	}

	jobs := f.queue.enqueuedJobs()
	if len(jobs) != 1 || jobs[0].AggregateID != "agg-1" {
		t.Fatalf("enqueued = %+v", jobs)
	}

	entry := f.outbox.get("e1")
	if entry.Status != model.StatusProcessed {
		t.Errorf("status = %d, want processed", entry.Status)
	}
	if entry.ProcessedAt == nil || !entry.ProcessedAt.Equal(f.now) {
		t.Errorf("processed_at = %v", entry.ProcessedAt)
	}
}

func TestDispatcher_EmptyCycleFindsNothing(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	found, err := f.dispatcher.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	if found {
		t.Error("found work in an empty outbox")
	}
}

func TestDispatcher_TransientFailureSchedulesBackoff(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{MaxRetries: 5, RetryBase: time.Second, RetryCap: 30 * time.Second})
	f.addEntry("e1", "agg-1", fsm.JobGenerateOutline)

	// Three consecutive transient failures.
	for i := 0; i < 3; i++ {
		f.queue.errs = []error{&queue.TransientError{Err: errors.New("broker down")}}
		if _, err := f.dispatcher.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		entry := f.outbox.get("e1")
		// Jump past the scheduled backoff so the next cycle claims it again.
		f.now = entry.NextRetryAt
	}

	entry := f.outbox.get("e1")
	if entry.Status != model.StatusPending {
		t.Errorf("status = %d, want pending", entry.Status)
	}
	if entry.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", entry.RetryCount)
	}
	if entry.LastError == "" {
		t.Error("last_error not recorded")
	}
	if len(f.dlq.entries) != 0 {
		t.Errorf("premature dead-lettering: %+v", f.dlq.entries)
	}
}

func TestDispatcher_ExhaustedRetriesDeadLetterOnce(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{MaxRetries: 5})
	f.addEntry("e1", "agg-1", fsm.JobGenerateOutline)

	attempts := 0
	for i := 0; i < 10; i++ {
		f.queue.errs = []error{&queue.TransientError{Err: errors.New("broker down")}}
		found, err := f.dispatcher.ProcessOnce(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if !found {
			break
		}
		attempts++
		entry := f.outbox.get("e1")
		if entry.Status == model.StatusFailed {
			break
		}
		f.now = entry.NextRetryAt
	}

	// max_retries=5 allows the initial attempt plus five retries.
	if attempts != 6 {
		t.Errorf("attempts = %d, want 6", attempts)
	}
	entry := f.outbox.get("e1")
	if entry.Status != model.StatusFailed {
		t.Fatalf("status = %d, want failed", entry.Status)
	}
	if entry.RetryCount != 5 {
		t.Errorf("retry_count = %d, want capped at the maximum of 5", entry.RetryCount)
	}
	if len(f.dlq.entries) != 1 {
		t.Fatalf("dlq entries = %d, want exactly 1", len(f.dlq.entries))
	}
	dlq := f.dlq.entries[0]
	if dlq.OriginalEventID != "e1" || dlq.AggregateID != "agg-1" {
		t.Errorf("dlq entry = %+v", dlq)
	}
	if dlq.ErrorMessage == "" {
		t.Error("dlq entry missing error message")
	}
}

func TestDispatcher_PermanentFailureSkipsRetryBudget(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{MaxRetries: 5})
	f.addEntry("e1", "agg-1", fsm.JobGenerateOutline)
	f.queue.errs = []error{&queue.PermanentError{Err: errors.New("rejected by queue")}}

	if _, err := f.dispatcher.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	entry := f.outbox.get("e1")
	if entry.Status != model.StatusFailed {
		t.Errorf("status = %d, want failed", entry.Status)
	}
	if len(f.dlq.entries) != 1 {
		t.Errorf("dlq entries = %d, want 1", len(f.dlq.entries))
	}
}

func TestDispatcher_Layer2RepairsMissingAggregate(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	f.ensurer.repaired = map[string]bool{"agg-orphan": true}
	f.addEntry("e1", "agg-orphan", fsm.JobGenerateOutline)

	if _, err := f.dispatcher.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	if f.ensurer.calls != 1 {
		t.Errorf("ensurer calls = %d, want 1", f.ensurer.calls)
	}
	// The repair is an anomaly, not a failure: dispatch proceeds.
	if len(f.queue.enqueuedJobs()) != 1 {
		t.Error("job not dispatched after repair")
	}
	if f.outbox.get("e1").Status != model.StatusProcessed {
		t.Error("entry not marked processed after repair")
	}
}

func TestDispatcher_CorruptEnvelopeDeadLetters(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	_ = f.outbox.Create(context.Background(), &model.OutboxEntry{
		ID:          "e1",
		AggregateID: "agg-1",
		EventType:   "start",
		Payload:     "{not json",
		Status:      model.StatusPending,
		NextRetryAt: f.now,
		CreatedAt:   f.now,
	})

	if _, err := f.dispatcher.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	if f.outbox.get("e1").Status != model.StatusFailed {
		t.Error("corrupt entry not failed")
	}
	if len(f.dlq.entries) != 1 {
		t.Errorf("dlq entries = %d, want 1", len(f.dlq.entries))
	}
	if len(f.queue.enqueuedJobs()) != 0 {
		t.Error("corrupt entry reached the queue")
	}
}

func TestDispatcher_BackoffDelayGrows(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{MaxRetries: 5, RetryBase: time.Second, RetryCap: 30 * time.Second})
	f.addEntry("e1", "agg-1", fsm.JobGenerateOutline)

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		f.queue.errs = []error{&queue.TransientError{Err: errors.New("broker down")}}
		before := f.now
		if _, err := f.dispatcher.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		entry := f.outbox.get("e1")
		delays = append(delays, entry.NextRetryAt.Sub(before))
		f.now = entry.NextRetryAt
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDispatcher_OldestFirstOrdering(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{BatchSize: 10})
	base := f.now
	for i, id := range []string{"e3", "e1", "e2"} {
		envelope, _ := json.Marshal(queue.Job{Type: string(fsm.JobGenerateOutline), AggregateID: "agg-" + id, EventType: "start"})
		_ = f.outbox.Create(context.Background(), &model.OutboxEntry{
			ID:          id,
			AggregateID: "agg-" + id,
			EventType:   "start",
			Payload:     string(envelope),
			Status:      model.StatusPending,
			NextRetryAt: base,
			CreatedAt:   base.Add(time.Duration(2-i) * time.Minute), // e3 newest, e2 oldest
		})
	}

	if _, err := f.dispatcher.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	jobs := f.queue.enqueuedJobs()
	if len(jobs) != 3 {
		t.Fatalf("enqueued %d jobs", len(jobs))
	}
	wantOrder := []string{"agg-e2", "agg-e1", "agg-e3"}
	for i, j := range jobs {
		if j.AggregateID != wantOrder[i] {
			t.Errorf("position %d: got %s, want %s", i, j.AggregateID, wantOrder[i])
		}
	}
}
