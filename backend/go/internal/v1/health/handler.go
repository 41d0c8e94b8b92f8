// Package health exposes liveness/readiness probes for the controller
// process, adapted from the teacher's single-gRPC-dependency check to this
// module's actual dependency set: the cache gateway, the bus gateway, and
// the SFU pool (bus-routed backends, not a single gRPC endpoint).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/logging"
	"go.uber.org/zap"
)

// BackendCounter reports how many SFU backends a pool currently considers
// connected; satisfied by *sfupool.Pool.
type BackendCounter interface {
	BackendCount() int
}

// Handler manages health check endpoints.
type Handler struct {
	cache    *cache.Gateway
	bus      *bus.Gateway
	backends BackendCounter
}

// NewHandler creates a new health check handler over the gateways and SFU
// pool the controller actually depends on.
func NewHandler(c *cache.Gateway, b *bus.Gateway, backends BackendCounter) *Handler {
	return &Handler{cache: c, bus: b, backends: backends}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if every dependency is healthy and at least one SFU
// backend is connected; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	cacheStatus := h.checkCache(ctx)
	checks["cache"] = cacheStatus
	if cacheStatus != "healthy" {
		allHealthy = false
	}

	busStatus := h.checkBus(ctx)
	checks["bus"] = busStatus
	if busStatus != "healthy" {
		allHealthy = false
	}

	sfuStatus := h.checkSFUPool()
	checks["sfu_pool"] = sfuStatus
	if sfuStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkCache(ctx context.Context) string {
	if h.cache == nil {
		return "healthy"
	}
	if err := h.cache.Ping(ctx); err != nil {
		logging.Error(ctx, "cache health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkSFUPool() string {
	if h.backends == nil {
		return "healthy"
	}
	if h.backends.BackendCount() == 0 {
		logging.Warn(context.Background(), "sfu pool has no connected backends")
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
