package api

import (
	"context"
	"encoding/json"
	"errors"

	"flowbox/internal/dto/req"
	"flowbox/internal/dto/resp"
	"flowbox/internal/fsm"
	"flowbox/internal/model"
	"flowbox/internal/service"

	"github.com/gin-gonic/gin"
)

type PipelineProvider interface {
	Initiate(ctx context.Context, aggregateID string, event fsm.Event, payload json.RawMessage) (fsm.Status, error)
	GetAggregate(ctx context.Context, aggregateID string) (*model.Aggregate, error)
	Health(ctx context.Context) error
}

type DLQProvider interface {
	ListUnresolved(ctx context.Context, limit int) ([]model.DLQEntry, error)
}

type QueuePinger interface {
	Ping(ctx context.Context) error
}

type PipelineHandler struct {
	service PipelineProvider
	dlq     DLQProvider
	queue   QueuePinger
}

func NewPipelineHandler(service PipelineProvider, dlq DLQProvider, queue QueuePinger) *PipelineHandler {
	return &PipelineHandler{
		service: service,
		dlq:     dlq,
		queue:   queue,
	}
}

func (h *PipelineHandler) CreatePipeline(c *gin.Context) {
	var r req.CreatePipelineRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(400, gin.H{"error": "JSON format error"})
		return
	}

	status, err := h.service.Initiate(c.Request.Context(), r.ID, fsm.EventStart, r.Payload)
	if err != nil {
		writeInitiateError(c, err)
		return
	}
	c.JSON(201, resp.InitiateResponse{ID: r.ID, Status: string(status)})
}

func (h *PipelineHandler) ApplyEvent(c *gin.Context) {
	id := c.Param("id")
	var r req.PipelineEventRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(400, gin.H{"error": "invalid request body"})
		return
	}

	status, err := h.service.Initiate(c.Request.Context(), id, fsm.Event(r.Event), r.Payload)
	if err != nil {
		writeInitiateError(c, err)
		return
	}
	c.JSON(200, resp.InitiateResponse{ID: id, Status: string(status)})
}

func (h *PipelineHandler) GetPipeline(c *gin.Context) {
	id := c.Param("id")

	agg, err := h.service.GetAggregate(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrAggregateNotFound) {
			c.JSON(404, gin.H{"error": "pipeline not found"})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, resp.PipelineItem{
		ID:        agg.ID,
		Status:    agg.Status,
		Version:   agg.Version,
		UpdatedAt: agg.UpdatedAt,
	})
}

func (h *PipelineHandler) ListDLQ(c *gin.Context) {
	entries, err := h.dlq.ListUnresolved(c.Request.Context(), 100)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	items := make([]resp.DLQItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, resp.DLQItem{
			ID:              e.ID,
			OriginalEventID: e.OriginalEventID,
			AggregateID:     e.AggregateID,
			ErrorMessage:    e.ErrorMessage,
			FailedAt:        e.FailedAt,
		})
	}
	c.JSON(200, items)
}

func (h *PipelineHandler) HealthCheck(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		c.JSON(503, gin.H{"status": "unhealthy", "error": "mysql unreachable"})
		return
	}
	if err := h.queue.Ping(c.Request.Context()); err != nil {
		c.JSON(503, gin.H{"status": "unhealthy", "error": "redis unreachable"})
		return
	}
	c.JSON(200, gin.H{"status": "ok"})
}

func writeInitiateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrConflict):
		c.JSON(409, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPersistence):
		c.JSON(500, gin.H{"error": "transition could not be persisted"})
	default:
		c.JSON(500, gin.H{"error": err.Error()})
	}
}
