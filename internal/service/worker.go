package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowbox/internal/fsm"
	"flowbox/internal/metrics"
	"flowbox/internal/model"
	"flowbox/internal/queue"
	"flowbox/pkg/logger"

	"go.uber.org/zap"
)

// JobHandler executes the business side effect of one job. Handlers must be
// idempotent: at-least-once delivery means they can run more than once for
// the same idempotency key.
type JobHandler func(ctx context.Context, job queue.Job) error

// HandlerRegistry maps job types to handlers. Register everything before
// starting the worker; lookups are not synchronized.
type HandlerRegistry struct {
	handlers map[string]JobHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobHandler)}
}

func (r *HandlerRegistry) Register(jobType fsm.JobType, h JobHandler) {
	r.handlers[string(jobType)] = h
}

func (r *HandlerRegistry) lookup(jobType string) JobHandler {
	return r.handlers[jobType]
}

// CommandGateway is the slice of CommandService the worker needs: the
// layer-3 defense check, the state read for the idempotency short-circuit,
// and the atomic path for advancing the FSM afterwards.
type CommandGateway interface {
	Initiate(ctx context.Context, aggregateID string, event fsm.Event, payload json.RawMessage) (fsm.Status, error)
	EnsureAggregate(ctx context.Context, aggregateID string) (bool, error)
	GetAggregate(ctx context.Context, aggregateID string) (*model.Aggregate, error)
}

// Worker drains the queue and executes jobs. Per job: validate or repair FSM
// state (defense layer 3), short-circuit duplicates by state, run the
// handler, then advance the FSM through the same atomic command path that
// created the job.
type Worker struct {
	consumer    queue.Consumer
	commands    CommandGateway
	registry    *HandlerRegistry
	observer    metrics.Observer
	concurrency int
}

func NewWorker(consumer queue.Consumer, commands CommandGateway, registry *HandlerRegistry, observer metrics.Observer, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		consumer:    consumer,
		commands:    commands,
		registry:    registry,
		observer:    observer,
		concurrency: concurrency,
	}
}

// Run blocks until ctx is canceled and every worker slot has drained.
func (w *Worker) Run(ctx context.Context) {
	logger.Info("worker pool started", zap.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		slot := i
		go func() {
			defer wg.Done()
			w.loop(ctx, slot)
		}()
	}
	wg.Wait()
	logger.Info("worker pool stopped")
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.consumer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Int("slot", slot), zap.Error(err))
			// Brief pause so a down broker does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.Handle(ctx, *job)
	}
}

// Handle processes one delivery. Exposed for tests and for embedding the
// worker into other consumers.
func (w *Worker) Handle(ctx context.Context, job queue.Job) {
	// Defense layer 3: never execute against missing state.
	repaired, err := w.commands.EnsureAggregate(ctx, job.AggregateID)
	if err != nil {
		// The transport already consumed this delivery; it is not coming
		// back. The outbox row stays processed, so recovery is manual.
		logger.Error("state validation failed, delivery discarded",
			zap.String("job_id", job.ID),
			zap.String("aggregate_id", job.AggregateID),
			zap.Error(err))
		w.observer.RecordWorkerFailure()
		return
	}
	if repaired {
		logger.Warn("missing aggregate repaired at worker start",
			zap.String("job_id", job.ID),
			zap.String("aggregate_id", job.AggregateID))
	}

	expected, known := fsm.ProcessingState(fsm.JobType(job.Type))
	if !known {
		logger.Error("unknown job type acknowledged without execution",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type))
		w.observer.RecordWorkerFailure()
		return
	}

	// Idempotency by state check: a duplicate or stale delivery finds the
	// aggregate somewhere else in its lifecycle and is acknowledged without
	// side effects. A just-repaired aggregate sits in the default state, not
	// this job's processing state; the check only applies to rows that
	// already existed, otherwise the repair would orphan the job.
	if !repaired {
		agg, err := w.commands.GetAggregate(ctx, job.AggregateID)
		if err != nil {
			logger.Error("state read failed",
				zap.String("job_id", job.ID),
				zap.String("aggregate_id", job.AggregateID),
				zap.Error(err))
			w.observer.RecordWorkerFailure()
			return
		}

		if fsm.Status(agg.Status) != expected {
			logger.Info("duplicate or stale delivery short-circuited",
				zap.String("job_id", job.ID),
				zap.String("idempotency_key", job.IdempotencyKey),
				zap.String("current_status", agg.Status),
				zap.String("expected_status", string(expected)))
			w.observer.RecordShortCircuit()
			return
		}
	}

	handler := w.registry.lookup(job.Type)
	if handler == nil {
		logger.Error("no handler registered for job type",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type))
		w.observer.RecordWorkerFailure()
		return
	}

	if err := handler(ctx, job); err != nil {
		// The delivery is already consumed and the list transport does not
		// redeliver. The FSM stays in its processing state, so the failed
		// stage can be replayed by re-initiating its triggering event.
		logger.Error("job handler failed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Error(err))
		w.observer.RecordWorkerFailure()
		return
	}
	w.observer.RecordExecuted()

	next := fsm.CompletionEvent(fsm.JobType(job.Type))
	if next == "" {
		return
	}

	if _, err := w.commands.Initiate(ctx, job.AggregateID, next, job.Payload); err != nil {
		if errors.Is(err, ErrConflict) {
			// A concurrent duplicate already advanced the aggregate.
			logger.Info("completion transition already applied",
				zap.String("job_id", job.ID),
				zap.String("idempotency_key", job.IdempotencyKey))
			return
		}
		logger.Error(fmt.Sprintf("failed to advance fsm after %s", job.Type),
			zap.String("job_id", job.ID),
			zap.String("aggregate_id", job.AggregateID),
			zap.Error(err))
		w.observer.RecordWorkerFailure()
	}
}
