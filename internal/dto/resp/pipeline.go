package resp

import "time"

type PipelineItem struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type InitiateResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type DLQItem struct {
	ID              int64     `json:"id"`
	OriginalEventID string    `json:"original_event_id"`
	AggregateID     string    `json:"aggregate_id"`
	ErrorMessage    string    `json:"error_message"`
	FailedAt        time.Time `json:"failed_at"`
}
