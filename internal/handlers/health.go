package handlers

import (
	"net/http"
	"time"

	"directory-backend/pkg/models"
	"directory-backend/pkg/storage"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HealthHandler handles health check and monitoring endpoints
type HealthHandler struct {
	layer     *storage.Layer
	throttle  func() any
	startTime time.Time
	logger    *zap.Logger
}

// NewHealthHandler creates a new health handler. throttle, when set, supplies the request
// throttle counters shown by the detailed check.
func NewHealthHandler(layer *storage.Layer, throttle func() any, appLogger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		layer:     layer,
		throttle:  throttle,
		startTime: time.Now(),
		logger:    appLogger,
	}
}

// HealthCheck handles GET /health
// @Summary Liveness and readiness probe
// @Description Reports the overall storage layer status. Load balancers get 200 while the
// @Description backend can serve (healthy or degraded) and 503 when it cannot (engine closed,
// @Description poisoned by an out-of-memory failure, or disk full).
// @Description
// @Description ## Configuration Dependencies:
// @Description - **No authentication required** - accessible regardless of ENABLE_AUTH
// @Description - **Not rate limited** - excluded from ECHO_RATE_LIMIT and ALLOWED_IPS
// @Tags Health & Monitoring
// @Produce json
// @Success 200 {object} models.HealthResponse "Backend can serve"
// @Failure 503 {object} models.HealthResponse "Backend cannot serve"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	report := h.layer.Health()
	response := models.HealthResponse{
		Status:    report.Status.String(),
		State:     report.State,
		Timestamp: report.CheckedAt,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}

	statusCode := http.StatusOK
	if report.Status == storage.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, response)
}

// DetailedHealthCheck handles GET /health/detailed
// @Summary Component health with adaptive status codes
// @Description Evaluates engine, disk, locks, maintenance threads and group commit.
// @Description
// @Description ## Adaptive HTTP Status Codes:
// @Description - **200 OK**: every component healthy
// @Description - **206 Partial Content**: degraded, e.g. lock utilization above LOCK_THRESHOLD
// @Description - **503 Service Unavailable**: a component is unhealthy
// @Tags Health & Monitoring
// @Produce json
// @Success 200 {object} models.HealthResponse "System is healthy"
// @Success 206 {object} models.HealthResponse "System is degraded"
// @Failure 503 {object} models.HealthResponse "System is unhealthy"
// @Router /health/detailed [get]
func (h *HealthHandler) DetailedHealthCheck(c echo.Context) error {
	report := h.layer.Health()
	response := models.HealthResponse{
		Status:     report.Status.String(),
		State:      report.State,
		Timestamp:  report.CheckedAt,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Components: make(map[string]interface{}, len(report.Components)),
	}
	for name, component := range report.Components {
		response.Components[name] = component
	}

	snap := h.layer.Monitor()
	response.Metrics = map[string]interface{}{
		"mode":                   snap.Mode,
		"lock_utilization_pct":   snap.Locks.Utilization,
		"active_transactions":    snap.Txn.Active,
		"maintenance_threads":    snap.Maintenance.Threads,
		"recovery_required":      snap.RecoveryRequired,
		"out_of_disk_space":      snap.OutOfDiskSpace,
		"lock_threshold_reached": snap.LockThresholdReached,
	}
	if h.throttle != nil {
		response.Metrics["throttle"] = h.throttle()
	}

	statusCode := http.StatusOK
	switch report.Status {
	case storage.HealthStatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
		h.logger.Warn("Detailed health check reports unhealthy backend", zap.Any("components", report.Components))
	case storage.HealthStatusDegraded:
		statusCode = http.StatusPartialContent
	}
	return c.JSON(statusCode, response)
}

// GetMonitor handles GET /api/v1/monitor
// @Summary Engine and control-plane counters
// @Description Cache, lock, log, transaction, group-commit and maintenance counters with
// @Description per-second rates. Pass refresh=true to sample now instead of returning the
// @Description snapshot of the last performance sampler run.
// @Tags Health & Monitoring
// @Produce json
// @Security ApiKeyAuth
// @Param refresh query bool false "Sample the counters now"
// @Success 200 {object} storage.MonitorSnapshot
// @Failure 401 {object} models.ErrorResponse "Authentication required (when ENABLE_AUTH=true)"
// @Router /api/v1/monitor [get]
func (h *HealthHandler) GetMonitor(c echo.Context) error {
	var refresh bool
	if err := echo.QueryParamsBinder(c).Bool("refresh", &refresh).BindError(); err != nil {
		return badRequest(c, err)
	}
	if refresh {
		return c.JSON(http.StatusOK, h.layer.RefreshPerf())
	}
	return c.JSON(http.StatusOK, h.layer.Monitor())
}
