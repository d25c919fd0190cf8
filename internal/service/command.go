package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowbox/internal/fsm"
	"flowbox/internal/metrics"
	"flowbox/internal/model"
	"flowbox/internal/queue"
	"flowbox/internal/repository"
	"flowbox/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CommandService is the sole writer of aggregate transitions and outbox
// entries. Initiate validates against the FSM and commits both writes in one
// transaction, so a pending outbox row exists iff its transition committed.
type CommandService struct {
	tx         repository.TxRunner
	aggRepo    repository.AggregateInterface
	outboxRepo repository.OutboxInterface
	observer   metrics.Observer
}

func NewCommandService(tx repository.TxRunner, aggRepo repository.AggregateInterface, outboxRepo repository.OutboxInterface, observer metrics.Observer) *CommandService {
	return &CommandService{
		tx:         tx,
		aggRepo:    aggRepo,
		outboxRepo: outboxRepo,
		observer:   observer,
	}
}

// Initiate applies event to the aggregate. A missing aggregate is treated as
// being in the pending state; the winning transition creates the row. The
// queue is never touched here - converting the outbox row into a real job is
// the dispatcher's work.
func (s *CommandService) Initiate(ctx context.Context, aggregateID string, event fsm.Event, payload json.RawMessage) (fsm.Status, error) {
	if aggregateID == "" {
		return "", fmt.Errorf("%w: aggregate id is empty", ErrConflict)
	}
	if !fsm.IsValidEvent(event) {
		s.observer.RecordTransitionRejected()
		return "", fmt.Errorf("%w: unknown event %q", ErrConflict, event)
	}

	var newStatus fsm.Status
	err := s.tx.Tx(ctx, func(tx *gorm.DB) error {
		aggs := s.aggRepo.WithTx(tx)
		outs := s.outboxRepo.WithTx(tx)

		agg, err := aggs.Get(ctx, aggregateID)
		if err != nil {
			return err
		}

		current := fsm.StatusPending
		if agg != nil {
			current = fsm.Status(agg.Status)
		}

		tr, err := fsm.Next(current, event)
		if err != nil {
			s.observer.RecordTransitionRejected()
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}

		if agg == nil {
			err = aggs.Create(ctx, &model.Aggregate{
				ID:      aggregateID,
				Status:  string(tr.Next),
				Version: 1,
			})
			if err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					s.observer.RecordTransitionRejected()
					return fmt.Errorf("%w: aggregate %s created concurrently", ErrConflict, aggregateID)
				}
				return err
			}
		} else {
			ok, err := aggs.UpdateStatus(ctx, aggregateID, agg.Version, string(tr.Next))
			if err != nil {
				return err
			}
			if !ok {
				s.observer.RecordTransitionRejected()
				return fmt.Errorf("%w: aggregate %s version %d is stale", ErrConflict, aggregateID, agg.Version)
			}
		}

		envelope, err := json.Marshal(queue.Job{
			IdempotencyKey: queue.IdempotencyKey(aggregateID, string(event)),
			Type:           string(tr.Job),
			AggregateID:    aggregateID,
			EventType:      string(event),
			Payload:        payload,
		})
		if err != nil {
			return err
		}

		if err := outs.Create(ctx, &model.OutboxEntry{
			ID:          uuid.New().String(),
			AggregateID: aggregateID,
			EventType:   string(event),
			Payload:     string(envelope),
			Status:      model.StatusPending,
			NextRetryAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

		logger.Info("transition committed",
			zap.String("aggregate_id", aggregateID),
			zap.String("event", string(event)),
			zap.String("from", string(current)),
			zap.String("to", string(tr.Next)),
			zap.String("job", string(tr.Job)))

		newStatus = tr.Next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.observer.RecordTransition()
	return newStatus, nil
}

// EnsureAggregate is the shared defense operation: create-if-missing with the
// default pending state. It is idempotent and safe under races; the caller
// learns whether a repair actually happened. Fired from the dispatcher
// (layer 2) and the worker (layer 3); layer 1 is Initiate itself.
func (s *CommandService) EnsureAggregate(ctx context.Context, aggregateID string) (bool, error) {
	agg, err := s.aggRepo.Get(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	if agg != nil {
		return false, nil
	}

	err = s.aggRepo.Create(ctx, &model.Aggregate{
		ID:      aggregateID,
		Status:  string(fsm.StatusPending),
		Version: 1,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Someone else repaired it between our read and write.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger.Warn("aggregate state was missing, initialized to default",
		zap.String("aggregate_id", aggregateID),
		zap.String("status", string(fsm.StatusPending)))
	s.observer.RecordAnomaly()
	return true, nil
}

// GetAggregate reads the current state for the API and the worker's
// idempotency check.
func (s *CommandService) GetAggregate(ctx context.Context, aggregateID string) (*model.Aggregate, error) {
	agg, err := s.aggRepo.Get(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		return nil, ErrAggregateNotFound
	}
	return agg, nil
}

func (s *CommandService) Health(ctx context.Context) error {
	return s.aggRepo.PingContext(ctx)
}
