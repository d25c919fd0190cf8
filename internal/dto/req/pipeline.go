package req

import "encoding/json"

type CreatePipelineRequest struct {
	ID      string          `json:"id" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type PipelineEventRequest struct {
	Event   string          `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}
