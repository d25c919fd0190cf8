package repository

import (
	"context"
	"time"

	"flowbox/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxInterface defines persistence for dispatch intents. ClaimPending must
// run inside a transaction: the row locks it takes are the claim, and they
// are released (crash-safe) when that transaction ends.
type OutboxInterface interface {
	Create(ctx context.Context, entry *model.OutboxEntry) error
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.OutboxEntry, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, nextAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error
	CountPending(ctx context.Context) (int64, error)
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, entry *model.OutboxEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ClaimPending locks up to limit pending entries that are due, oldest first.
// SKIP LOCKED lets concurrent dispatcher instances claim disjoint sets.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND next_retry_at <= ?", model.StatusPending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", id).Updates(map[string]any{
		"status":       model.StatusProcessed,
		"processed_at": at,
	}).Error
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, id string, retryCount int, nextAt time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", id).Updates(map[string]any{
		"status":        model.StatusPending,
		"retry_count":   retryCount,
		"next_retry_at": nextAt,
		"last_error":    truncateError(lastErr),
	}).Error
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", id).Updates(map[string]any{
		"status":      model.StatusFailed,
		"retry_count": retryCount,
		"last_error":  truncateError(lastErr),
	}).Error
}

func (r *OutboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("status = ?", model.StatusPending).Count(&n).Error
	return n, err
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx}
}

// last_error is a VARCHAR(1024); keep the tail, the root cause usually sits
// at the end of a wrapped chain.
func truncateError(msg string) string {
	const max = 1024
	if len(msg) <= max {
		return msg
	}
	return msg[len(msg)-max:]
}
