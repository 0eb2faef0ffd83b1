// Package server exposes the ops HTTP surface of the worker: health, metrics
// and a pipeline snapshot.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"posting-pipeline/internal/pipeline"
	"posting-pipeline/internal/services/health"
	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/server/middleware"
	"posting-pipeline/internal/shared/server/respond"
)

// StatsSource provides the pipeline snapshot.
type StatsSource interface {
	Stats() pipeline.Stats
}

// NewRouter constructs the Gin engine with middleware and ops routes registered.
func NewRouter(h *health.Service, stats StatsSource) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging("/health", "/metrics"),
		middleware.Recovery(),
	)

	r.GET("/health", func(c *gin.Context) {
		checks, healthy := h.Status(c.Request.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, gin.H{"ok": healthy, "checks": checks})
	})
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/pipeline/stats", func(c *gin.Context) {
		if stats == nil {
			respond.Error(c, http.StatusServiceUnavailable, "unavailable", "pipeline not running", nil)
			return
		}
		respond.OK(c, stats.Stats())
	})

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":9090"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
