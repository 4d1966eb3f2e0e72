package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/erasure_service/pkg/logger"
	"github.com/rail-service/erasure_service/pkg/metrics"
)

// RequestTimeout bounds how long a single request may run, grounded on the
// teacher's internal/api/middleware/timeout.go TimeoutMiddleware.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		go func() {
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, errorResponse{
				Code:    "REQUEST_TIMEOUT",
				Message: "request processing timeout",
			})
		}
	}
}

// NewRouter builds the full gin.Engine: recovery, a bounded request
// timeout, the erasure-request surface under /v1, and a /metrics endpoint
// for the Prometheus registry.
func NewRouter(h *Handlers, reg *metrics.Registry, requestTimeout time.Duration, log *logger.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestTimeout(requestTimeout))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(reg.Handler()))

	v1 := engine.Group("/v1")
	Register(v1, h)

	return engine
}
