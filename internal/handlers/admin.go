package handlers

import (
	"fmt"
	"net/http"
	"time"

	"directory-backend/pkg/config"
	"directory-backend/pkg/engine"
	"directory-backend/pkg/models"
	"directory-backend/pkg/storage"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AdminHandler serves the synchronous maintenance and runtime configuration endpoints
type AdminHandler struct {
	layer     *storage.Layer
	cfg       *config.Config
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(layer *storage.Layer, cfg *config.Config, appLogger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		layer:     layer,
		cfg:       cfg,
		validator: config.NewValidator(),
		logger:    appLogger,
	}
}

func (h *AdminHandler) logManagement(msg string, fields ...zap.Field) {
	if h.cfg.EnableManagementLogging {
		h.logger.Info(msg, fields...)
	}
}

// Checkpoint handles POST /api/v1/checkpoint
// @Summary Record a recovery starting point now
// @Description Without force a checkpoint already in progress is reported as 409.
// @Tags Maintenance
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body models.CheckpointRequest false "Checkpoint options"
// @Success 200 {object} models.ActionResponse
// @Failure 409 {object} models.ErrorResponse "Engine busy"
// @Failure 503 {object} models.ErrorResponse "Storage layer not open"
// @Router /api/v1/checkpoint [post]
func (h *AdminHandler) Checkpoint(c echo.Context) error {
	var req models.CheckpointRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, err)
		}
	}

	start := time.Now()
	if err := h.layer.Checkpoint(req.Force); err != nil {
		return errorJSON(c, err)
	}
	h.logManagement("Checkpoint requested through the admin API",
		zap.Bool("force", req.Force), zap.Duration("elapsed", time.Since(start)))
	return c.JSON(http.StatusOK, models.ActionResponse{Success: true, Message: "checkpoint complete"})
}

// GetConfig handles GET /api/v1/config
// @Summary Current runtime configuration
// @Tags Configuration
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} models.RuntimeConfig
// @Router /api/v1/config [get]
func (h *AdminHandler) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, runtimeConfig(h.layer.Tunables()))
}

func runtimeConfig(t storage.Tunables) models.RuntimeConfig {
	return models.RuntimeConfig{
		BatchLimit:         t.BatchLimit,
		BatchMinSleep:      t.BatchMinSleep.String(),
		BatchMaxSleep:      t.BatchMaxSleep.String(),
		CheckpointInterval: t.CheckpointInterval.String(),
		CompactionInterval: t.CompactionInterval.String(),
		CompactionTime:     t.CompactionTime,
		TricklePercent:     t.TricklePercent,
		DeadlockPolicy:     t.DeadlockPolicy.String(),
		LockMonitoring:     t.LockMonitoring,
		LockThreshold:      t.LockThreshold,
		LockPause:          t.LockPause.String(),
		CacheSize:          t.CacheSize,
	}
}

// UpdateConfig handles PUT /api/v1/config
// @Summary Change runtime settings
// @Description Applies a partial update. The whole request is validated before anything
// @Description changes; an invalid field rejects the request and nothing is applied.
// @Description
// @Description ## Runtime Semantics:
// @Description - **batch_limit**: 0 stops batching at once, turning it back on needs a restart
// @Description - **checkpoint_interval**: the checkpoint thread checkpoints once on the change
// @Description - **compaction_interval**: 0 disables compaction and drops a scheduled run
// @Description - **cache_size**: growth beyond available memory is rejected; applies at next start
// @Tags Configuration
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body models.ConfigUpdate true "Settings to change"
// @Success 200 {object} models.ConfigUpdateResponse
// @Failure 400 {object} models.ErrorResponse "Invalid setting"
// @Router /api/v1/config [put]
func (h *AdminHandler) UpdateConfig(c echo.Context) error {
	var req models.ConfigUpdate
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, fmt.Errorf("validation failed: %w", err))
	}
	if req.LockPause != nil && mustDuration(*req.LockPause) <= 0 {
		return badRequest(c, fmt.Errorf("lock_pause must be positive: %s", *req.LockPause))
	}

	before := h.layer.Tunables()
	var warnings []string

	// Everything below is already validated except the cache growth check
	if req.CacheSize != nil {
		if err := config.ValidateCacheSize(before.CacheSize, *req.CacheSize, h.layer.Options().MemInfo); err != nil {
			return badRequest(c, err)
		}
	}

	if req.BatchLimit != nil {
		if before.BatchLimit <= 0 && *req.BatchLimit > 0 {
			warnings = append(warnings, "batching was off, the new batch limit applies after a restart")
		}
		h.layer.SetBatchLimit(*req.BatchLimit)
	}
	if req.BatchMinSleep != nil {
		h.layer.SetBatchMinSleep(mustDuration(*req.BatchMinSleep))
	}
	if req.BatchMaxSleep != nil {
		h.layer.SetBatchMaxSleep(mustDuration(*req.BatchMaxSleep))
	}
	if req.CheckpointInterval != nil {
		h.layer.SetCheckpointInterval(mustDuration(*req.CheckpointInterval))
	}
	if req.CompactionInterval != nil || req.CompactionTime != nil {
		interval := before.CompactionInterval
		if req.CompactionInterval != nil {
			interval = mustDuration(*req.CompactionInterval)
		}
		timeOfDay := ""
		if req.CompactionTime != nil {
			timeOfDay = *req.CompactionTime
		}
		if err := h.layer.SetCompaction(interval, timeOfDay); err != nil {
			return badRequest(c, err)
		}
	}
	if req.TricklePercent != nil {
		if err := h.layer.SetTricklePercent(*req.TricklePercent); err != nil {
			return badRequest(c, err)
		}
		if before.TricklePercent == 0 && *req.TricklePercent > 0 {
			warnings = append(warnings, "trickle was off, the trickle thread starts at the next start")
		}
	}
	if req.DeadlockPolicy != nil {
		policy, err := engine.ParseDeadlockPolicy(*req.DeadlockPolicy)
		if err != nil {
			return badRequest(c, err)
		}
		h.layer.SetDeadlockPolicy(policy)
	}
	if req.LockMonitoring != nil || req.LockThreshold != nil || req.LockPause != nil {
		enabled, threshold, pause := before.LockMonitoring, before.LockThreshold, before.LockPause
		if req.LockMonitoring != nil {
			enabled = *req.LockMonitoring
		}
		if req.LockThreshold != nil {
			threshold = *req.LockThreshold
		}
		if req.LockPause != nil {
			pause = mustDuration(*req.LockPause)
		}
		if err := h.layer.SetLockMonitoring(enabled, threshold, pause); err != nil {
			return badRequest(c, err)
		}
	}
	if req.CacheSize != nil {
		check, accepted, err := h.layer.SetCacheSize(*req.CacheSize)
		if err != nil {
			return errorJSON(c, err)
		}
		if check == storage.CacheReduced {
			warnings = append(warnings, fmt.Sprintf("cache size reduced to %d", accepted))
		}
		warnings = append(warnings, "cache size applies at the next start")
	}

	after := h.layer.Tunables()
	h.logManagement("Runtime configuration updated",
		zap.Any("before", runtimeConfig(before)),
		zap.Any("after", runtimeConfig(after)),
		zap.Strings("warnings", warnings),
	)
	return c.JSON(http.StatusOK, models.ConfigUpdateResponse{
		Config:   runtimeConfig(after),
		Warnings: warnings,
	})
}

// mustDuration parses a value the validator already accepted
func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("unvalidated duration %q: %v", value, err))
	}
	return d
}
