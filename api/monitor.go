package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/VladPil/llm-gateway/statestore"
	"github.com/VladPil/llm-gateway/version"
)

// health is the composite liveness probe. Redis is mandatory; the GPU is an
// optional component whose absence degrades rather than fails the gateway.
func (s *Server) health(c *gin.Context) {
	components := gin.H{}
	status := http.StatusOK
	overall := "healthy"

	if err := s.store.HealthCheck(c.Request.Context()); err != nil {
		components["redis"] = "error"
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	} else {
		components["redis"] = "ok"
	}

	if s.monitor != nil {
		if _, err := s.monitor.VRAMUsage(c.Request.Context()); err != nil {
			components["gpu"] = "unavailable"
			if overall == "healthy" {
				overall = "degraded"
			}
		} else {
			components["gpu"] = "ok"
		}
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"version":    version.Version(),
		"components": components,
		"models":     len(s.registry.List()),
	})
}

// gpuTelemetry serves the short-lived cached snapshot when the ticker has one,
// falling back to a live query.
func (s *Server) gpuTelemetry(c *gin.Context) {
	if cached, err := s.store.CachedGPUStats(c.Request.Context()); err == nil {
		c.Data(http.StatusOK, "application/json", cached)
		return
	} else if !errors.Is(err, statestore.ErrNotFound) {
		mapError(c, err)
		return
	}

	if s.monitor == nil {
		respondError(c, http.StatusServiceUnavailable, "gpu_unavailable", "no gpu monitor configured")
		return
	}
	info, err := s.monitor.Info(c.Request.Context())
	if err != nil {
		mapError(c, err)
		return
	}
	if data, err := json.Marshal(info); err == nil {
		_ = s.store.CacheGPUStats(c.Request.Context(), json.RawMessage(data))
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.collectQueueStats(c.Request.Context())
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) collectQueueStats(ctx context.Context) (gin.H, error) {
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := s.store.Processing(ctx)
	if err != nil {
		return nil, err
	}
	daily, err := s.store.DailyStats(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return gin.H{
		"queue_depth": depth,
		"processing":  processing,
		"gpu_locked":  s.guard.IsLocked(),
		"daily":       daily,
	}, nil
}
