package model

import "time"

// DLQEntry records a dispatch that exhausted its retry budget. Entries are
// append-only; resolution is external tooling's job.
type DLQEntry struct {
	ID              int64     `json:"id" gorm:"primaryKey"`
	OriginalEventID string    `json:"original_event_id" gorm:"size:36;index"`
	AggregateID     string    `json:"aggregate_id" gorm:"size:64;index"`
	ErrorMessage    string    `json:"error_message" gorm:"type:text"`
	FailedAt        time.Time `json:"failed_at"`
}

func (DLQEntry) TableName() string { return "outbox_dlq" }
