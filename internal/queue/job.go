package queue

import (
	"encoding/json"
	"time"
)

// Job is the envelope published to the queue. IdempotencyKey is derived from
// (aggregate_id, event_type) and is stable across delivery attempts, so
// consumers can detect duplicates regardless of how often the entry was
// republished.
type Job struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// IdempotencyKey derives the attempt-independent duplicate-detection key.
func IdempotencyKey(aggregateID, eventType string) string {
	return aggregateID + ":" + eventType
}
