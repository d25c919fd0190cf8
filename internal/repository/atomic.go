package repository

import (
	"context"

	"gorm.io/gorm"
)

// TxRunner runs a closure inside one storage transaction. Everything the
// closure writes through tx-bound repositories commits or rolls back as a
// unit.
type TxRunner interface {
	Tx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Atomic is the gorm-backed TxRunner.
type Atomic struct {
	db *gorm.DB
}

func NewAtomic(db *gorm.DB) *Atomic {
	return &Atomic{db: db}
}

func (a *Atomic) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return a.db.WithContext(ctx).Transaction(fn)
}
