package repository

import (
	"context"

	"flowbox/internal/model"

	"gorm.io/gorm"
)

// DLQInterface defines persistence for dead-lettered dispatches. Append-only:
// nothing here deletes or reprocesses entries.
type DLQInterface interface {
	Create(ctx context.Context, entry *model.DLQEntry) error
	ListUnresolved(ctx context.Context, limit int) ([]model.DLQEntry, error)
	WithTx(tx *gorm.DB) DLQInterface
}

type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

func (r *DLQRepository) Create(ctx context.Context, entry *model.DLQEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *DLQRepository) ListUnresolved(ctx context.Context, limit int) ([]model.DLQEntry, error) {
	var entries []model.DLQEntry
	err := r.db.WithContext(ctx).Order("failed_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

func (r *DLQRepository) WithTx(tx *gorm.DB) DLQInterface {
	return &DLQRepository{db: tx}
}
