package model

import "time"

// OutboxEntry is a durable dispatch intent, inserted in the same transaction
// as the aggregate transition it belongs to. Rows in a terminal status
// (processed, failed) are never mutated again.
type OutboxEntry struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	AggregateID string    `json:"aggregate_id" gorm:"size:64;index"`
	EventType   string    `json:"event_type" gorm:"size:64"`
	Payload     string    `json:"payload" gorm:"type:text"`
	Status      int       `json:"status" gorm:"index:idx_outbox_claim"`
	RetryCount  int       `json:"retry_count" gorm:"default:0"`
	LastError   string    `json:"last_error" gorm:"size:1024"`
	NextRetryAt time.Time `json:"next_retry_at" gorm:"index:idx_outbox_claim"`
	CreatedAt   time.Time
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func (OutboxEntry) TableName() string { return "outbox" }

const (
	StatusPending   = 0
	StatusProcessed = 1
	StatusFailed    = 2
)
