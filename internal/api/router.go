package api

import (
	"flowbox/internal/metrics"
	"flowbox/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func RegisterRoutes(pipelineHandler *PipelineHandler, rdb *redis.Client, requestsPerSecond int) *gin.Engine {
	r := gin.New()

	// Global Middleware
	r.Use(
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	r.GET("/health", pipelineHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Rate limiter for write operations
	writeLimiter := middleware.RateLimitMiddleware(rdb, requestsPerSecond)

	v1 := r.Group("/v1")
	{
		v1.POST("/pipelines", writeLimiter, pipelineHandler.CreatePipeline)
		v1.POST("/pipelines/:id/events", writeLimiter, pipelineHandler.ApplyEvent)
		v1.GET("/pipelines/:id", pipelineHandler.GetPipeline)
		v1.GET("/dlq", pipelineHandler.ListDLQ)
	}
	return r
}
