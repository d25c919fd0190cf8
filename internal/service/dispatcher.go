package service

import (
	"context"
	"encoding/json"
	"time"

	"flowbox/internal/metrics"
	"flowbox/internal/model"
	"flowbox/internal/queue"
	"flowbox/internal/repository"
	"flowbox/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StateEnsurer is the defense-layer hook: idempotent create-if-missing of an
// aggregate's default state. Implemented by CommandService.
type StateEnsurer interface {
	EnsureAggregate(ctx context.Context, aggregateID string) (bool, error)
}

// DispatcherConfig tunes the background processor.
type DispatcherConfig struct {
	BatchSize     int
	FastInterval  time.Duration
	SlowInterval  time.Duration
	IdleThreshold int
	MaxRetries    int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FastInterval <= 0 {
		c.FastInterval = time.Second
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 30 * time.Second
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	return c
}

// Dispatcher converts pending outbox entries into queue jobs. Each cycle runs
// in one transaction: the SKIP LOCKED claim holds the entries for exactly the
// lifetime of that transaction, so a crash mid-cycle releases them back to
// pending. Multiple instances may run concurrently.
type Dispatcher struct {
	tx         repository.TxRunner
	outboxRepo repository.OutboxInterface
	dlqRepo    repository.DLQInterface
	adapter    queue.Adapter
	ensurer    StateEnsurer
	observer   metrics.Observer
	cfg        DispatcherConfig
	backoff    *pollBackoff
	clock      func() time.Time
}

func NewDispatcher(tx repository.TxRunner, outboxRepo repository.OutboxInterface, dlqRepo repository.DLQInterface, adapter queue.Adapter, ensurer StateEnsurer, observer metrics.Observer, cfg DispatcherConfig) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		tx:         tx,
		outboxRepo: outboxRepo,
		dlqRepo:    dlqRepo,
		adapter:    adapter,
		ensurer:    ensurer,
		observer:   observer,
		cfg:        cfg,
		backoff:    newPollBackoff(cfg.FastInterval, cfg.SlowInterval, cfg.IdleThreshold),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is canceled, sleeping the adaptive interval between
// cycles.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.Info("outbox dispatcher started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("fast_interval", d.cfg.FastInterval),
		zap.Duration("slow_interval", d.cfg.SlowInterval))

	for {
		found, err := d.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("dispatcher cycle failed", zap.Error(err))
		}
		d.backoff.observe(found)

		timer := time.NewTimer(d.backoff.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("outbox dispatcher stopped")
			return
		case <-timer.C:
		}
	}
}

// ProcessOnce claims and dispatches one batch. It reports whether any entry
// was claimed, which drives the adaptive poll interval.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (bool, error) {
	var found bool
	err := d.tx.Tx(ctx, func(tx *gorm.DB) error {
		outs := d.outboxRepo.WithTx(tx)
		dlqs := d.dlqRepo.WithTx(tx)

		entries, err := outs.ClaimPending(ctx, d.cfg.BatchSize, d.clock())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		found = true

		for i := range entries {
			d.dispatch(ctx, outs, dlqs, &entries[i])
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	d.observer.SetLastCycle(d.clock())
	if backlog, err := d.outboxRepo.CountPending(ctx); err == nil {
		d.observer.SetBacklog(backlog)
	}
	return found, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, outs repository.OutboxInterface, dlqs repository.DLQInterface, entry *model.OutboxEntry) {
	var job queue.Job
	if err := json.Unmarshal([]byte(entry.Payload), &job); err != nil {
		// The envelope was written by us; a corrupt one will never publish.
		d.deadLetter(ctx, outs, dlqs, entry, entry.RetryCount, "corrupt envelope: "+err.Error())
		return
	}

	// Defense layer 2: the aggregate must exist before its job reaches the
	// queue. A repair here means layer 1 was bypassed somehow.
	repaired, err := d.ensurer.EnsureAggregate(ctx, entry.AggregateID)
	if err != nil {
		d.retry(ctx, outs, dlqs, entry, err.Error())
		return
	}
	if repaired {
		logger.Warn("missing aggregate repaired before dispatch",
			zap.String("aggregate_id", entry.AggregateID),
			zap.String("outbox_id", entry.ID))
	}

	if _, err := d.adapter.Enqueue(ctx, job); err != nil {
		if queue.IsPermanent(err) {
			d.deadLetter(ctx, outs, dlqs, entry, entry.RetryCount, err.Error())
			return
		}
		d.retry(ctx, outs, dlqs, entry, err.Error())
		return
	}

	if err := outs.MarkProcessed(ctx, entry.ID, d.clock()); err != nil {
		logger.Error("failed to mark outbox entry processed",
			zap.String("outbox_id", entry.ID), zap.Error(err))
		return
	}
	d.observer.RecordDispatched()
	logger.Debug("outbox entry dispatched",
		zap.String("outbox_id", entry.ID),
		zap.String("job_type", job.Type))
}

func (d *Dispatcher) retry(ctx context.Context, outs repository.OutboxInterface, dlqs repository.DLQInterface, entry *model.OutboxEntry, errMsg string) {
	attempt := entry.RetryCount + 1
	if attempt > d.cfg.MaxRetries {
		d.deadLetter(ctx, outs, dlqs, entry, attempt, errMsg)
		return
	}

	nextAt := d.clock().Add(RetryDelay(attempt, d.cfg.RetryBase, d.cfg.RetryCap))
	if err := outs.MarkRetry(ctx, entry.ID, attempt, nextAt, errMsg); err != nil {
		logger.Error("failed to schedule outbox retry",
			zap.String("outbox_id", entry.ID), zap.Error(err))
		return
	}
	d.observer.RecordRetried()
	logger.Warn("outbox publish failed, retry scheduled",
		zap.String("outbox_id", entry.ID),
		zap.Int("retry_count", attempt),
		zap.Time("next_retry_at", nextAt),
		zap.String("error", errMsg))
}

// deadLetter marks the entry failed and records exactly one DLQ row, in the
// same transaction as the claim.
func (d *Dispatcher) deadLetter(ctx context.Context, outs repository.OutboxInterface, dlqs repository.DLQInterface, entry *model.OutboxEntry, retryCount int, errMsg string) {
	// The exhausting attempt would count one past the budget; the stored
	// retry_count never exceeds the configured maximum.
	if retryCount > d.cfg.MaxRetries {
		retryCount = d.cfg.MaxRetries
	}
	if err := outs.MarkFailed(ctx, entry.ID, retryCount, errMsg); err != nil {
		logger.Error("failed to mark outbox entry failed",
			zap.String("outbox_id", entry.ID), zap.Error(err))
		return
	}
	if err := dlqs.Create(ctx, &model.DLQEntry{
		OriginalEventID: entry.ID,
		AggregateID:     entry.AggregateID,
		ErrorMessage:    errMsg,
		FailedAt:        d.clock(),
	}); err != nil {
		logger.Error("failed to create dlq entry",
			zap.String("outbox_id", entry.ID), zap.Error(err))
		return
	}
	d.observer.RecordDead()
	logger.Error("outbox entry dead-lettered",
		zap.String("outbox_id", entry.ID),
		zap.String("aggregate_id", entry.AggregateID),
		zap.Int("retry_count", retryCount),
		zap.String("error", errMsg))
}
