package repository

import (
	"context"
	"errors"

	"flowbox/internal/model"

	"gorm.io/gorm"
)

// AggregateInterface defines persistence for aggregate rows. All writes go
// through the command service; UpdateStatus enforces the optimistic version
// check.
type AggregateInterface interface {
	Get(ctx context.Context, id string) (*model.Aggregate, error)
	Create(ctx context.Context, agg *model.Aggregate) error
	UpdateStatus(ctx context.Context, id string, fromVersion int, status string) (bool, error)
	PingContext(ctx context.Context) error
	WithTx(tx *gorm.DB) AggregateInterface
}

type AggregateRepository struct {
	db *gorm.DB
}

func NewAggregateRepository(db *gorm.DB) *AggregateRepository {
	return &AggregateRepository{db: db}
}

// Get returns nil, nil when the aggregate does not exist.
func (r *AggregateRepository) Get(ctx context.Context, id string) (*model.Aggregate, error) {
	var agg model.Aggregate
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&agg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &agg, nil
}

func (r *AggregateRepository) Create(ctx context.Context, agg *model.Aggregate) error {
	return r.db.WithContext(ctx).Create(agg).Error
}

// UpdateStatus applies a compare-and-swap on the version column. It returns
// false when another writer won the race (zero rows matched).
func (r *AggregateRepository) UpdateStatus(ctx context.Context, id string, fromVersion int, status string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Aggregate{}).
		Where("id = ? AND version = ?", id, fromVersion).
		Updates(map[string]any{
			"status":  status,
			"version": fromVersion + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *AggregateRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *AggregateRepository) WithTx(tx *gorm.DB) AggregateInterface {
	return &AggregateRepository{db: tx}
}
