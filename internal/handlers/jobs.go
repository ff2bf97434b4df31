package handlers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"directory-backend/pkg/config"
	"directory-backend/pkg/jobs"
	"directory-backend/pkg/models"
	"directory-backend/pkg/storage"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"
)

// backupNameLayout names backups taken without an explicit name
const backupNameLayout = "20060102-150405"

// JobsHandler starts the long-running operator jobs and reports their progress
type JobsHandler struct {
	baseCtx   context.Context
	layer     *storage.Layer
	tracker   *jobs.Tracker
	cfg       *config.Config
	validator *validator.Validate
	logger    *zap.Logger
}

// NewJobsHandler creates a new jobs handler. Jobs outlive the request that started them and
// are cancelled with ctx.
func NewJobsHandler(ctx context.Context, layer *storage.Layer, tracker *jobs.Tracker, cfg *config.Config, appLogger *zap.Logger) *JobsHandler {
	return &JobsHandler{
		baseCtx:   ctx,
		layer:     layer,
		tracker:   tracker,
		cfg:       cfg,
		validator: config.NewValidator(),
		logger:    appLogger,
	}
}

// run starts fn as a tracked job of kind and returns the job id
func (h *JobsHandler) run(kind string, fn func(ctx context.Context, job *jobs.Job) error) string {
	ctx, job := h.tracker.Start(h.baseCtx, kind)
	go func() {
		err := fn(ctx, job)
		if err != nil && h.cfg.EnableManagementLogging {
			h.logger.Error("Job failed", zap.String("id", job.ID()), zap.String("kind", kind), zap.Error(err))
		}
		job.Finish(err)
	}()
	return job.ID()
}

// Backup handles POST /api/v1/backup
// @Summary Take an online backup
// @Description Copies a consistent image of every instance and the log segments into
// @Description BACKUP_DIR/<name> while the backend keeps serving. Runs as a job; poll
// @Description /api/v1/jobs/{id} for progress. Only one backup runs at a time.
// @Tags Backup & Restore
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body models.BackupRequest false "Backup name"
// @Success 202 {object} models.ActionResponse "Backup job started"
// @Failure 400 {object} models.ErrorResponse "Invalid name"
// @Failure 409 {object} models.ErrorResponse "A backup is already running"
// @Router /api/v1/backup [post]
func (h *JobsHandler) Backup(c echo.Context) error {
	var req models.BackupRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, err)
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, fmt.Errorf("validation failed: %w", err))
	}
	if h.layer.State() != storage.StateOpen {
		return errorJSON(c, storage.ErrNotOpen)
	}
	if req.Name == "" {
		req.Name = time.Now().UTC().Format(backupNameLayout)
	}
	dest := filepath.Join(h.cfg.BackupDir, req.Name)

	id := h.run("backup", func(ctx context.Context, job *jobs.Job) error {
		return h.layer.Backup(ctx, dest, job)
	})
	h.logger.Info("Backup job started", zap.String("job_id", id), zap.String("dest", dest))
	return c.JSON(http.StatusAccepted, models.ActionResponse{
		Success: true,
		Message: "backup started into " + dest,
		JobID:   id,
	})
}

// Restore handles POST /api/v1/restore
// @Summary Restore a backup over the live instances
// @Description Closes the engine, replaces the data files of every instance with the
// @Description backup in BACKUP_DIR/<name> and restarts with the recovery the backup needs.
// @Description Transactions fail with 503 while the restore runs.
// @Tags Backup & Restore
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body models.RestoreRequest true "Backup to restore"
// @Success 202 {object} models.ActionResponse "Restore job started"
// @Failure 400 {object} models.ErrorResponse "Invalid name"
// @Failure 422 {object} models.ErrorResponse "Backup cannot be restored"
// @Router /api/v1/restore [post]
func (h *JobsHandler) Restore(c echo.Context) error {
	var req models.RestoreRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, fmt.Errorf("validation failed: %w", err))
	}
	src := filepath.Join(h.cfg.BackupDir, req.Name)
	if _, err := os.Stat(src); err != nil {
		return errorJSON(c, fmt.Errorf("%w: backup %s: %v", storage.ErrUnwillingToPerform, req.Name, err))
	}

	id := h.run("restore", func(ctx context.Context, job *jobs.Job) error {
		return h.layer.Restore(ctx, src, storage.RestoreOptions{}, job)
	})
	h.logger.Warn("Restore job started, live instances will be replaced",
		zap.String("job_id", id), zap.String("src", src))
	return c.JSON(http.StatusAccepted, models.ActionResponse{
		Success: true,
		Message: "restore started from " + src,
		JobID:   id,
	})
}

// Compact handles POST /api/v1/compact
// @Summary Compact the data files now
// @Description Checkpoints, compacts and checkpoints again as a job. The job fails when the
// @Description backend runs in a bulk or command-line mode.
// @Tags Maintenance
// @Produce json
// @Security ApiKeyAuth
// @Success 202 {object} models.ActionResponse "Compaction job started"
// @Failure 503 {object} models.ErrorResponse "Storage layer not open"
// @Router /api/v1/compact [post]
func (h *JobsHandler) Compact(c echo.Context) error {
	if h.layer.State() != storage.StateOpen {
		return errorJSON(c, storage.ErrNotOpen)
	}
	id := h.run("compact", func(ctx context.Context, job *jobs.Job) error {
		job.Status("Compacting")
		return h.layer.Compact(ctx)
	})
	return c.JSON(http.StatusAccepted, models.ActionResponse{
		Success: true,
		Message: "compaction started",
		JobID:   id,
	})
}

// ListJobs handles GET /api/v1/jobs
// @Summary Running and recently finished jobs, newest first
// @Tags Jobs
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {array} jobs.Snapshot
// @Router /api/v1/jobs [get]
func (h *JobsHandler) ListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.List())
}

// GetJob handles GET /api/v1/jobs/{id}
// @Summary Progress of one job
// @Tags Jobs
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Job ID" format(uuid)
// @Success 200 {object} jobs.Snapshot
// @Failure 404 {object} models.ErrorResponse "Unknown or expired job"
// @Router /api/v1/jobs/{id} [get]
func (h *JobsHandler) GetJob(c echo.Context) error {
	id, err := bindJobID(c)
	if err != nil {
		return badRequest(c, err)
	}
	snap, err := h.tracker.Get(id)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// CancelJob handles DELETE /api/v1/jobs/{id}
// @Summary Cancel a running job
// @Description The job context is cancelled; a backup stops between files, a restore
// @Description stops before the engine is restarted.
// @Tags Jobs
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Job ID" format(uuid)
// @Success 200 {object} models.ActionResponse
// @Failure 404 {object} models.ErrorResponse "Unknown or expired job"
// @Failure 409 {object} models.ErrorResponse "Job already finished"
// @Router /api/v1/jobs/{id} [delete]
func (h *JobsHandler) CancelJob(c echo.Context) error {
	id, err := bindJobID(c)
	if err != nil {
		return badRequest(c, err)
	}
	if err := h.tracker.Cancel(id, http.StatusGone); err != nil {
		return errorJSON(c, err)
	}
	h.logger.Info("Job cancelled through the admin API", zap.String("job_id", id))
	return c.JSON(http.StatusOK, models.ActionResponse{Success: true, Message: "job cancelled", JobID: id})
}

// bindJobID binds the id path parameter and checks it is a UUID
func bindJobID(c echo.Context) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", fmt.Errorf("invalid format for parameter id: %w", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("job id %q is not a UUID: %w", id, err)
	}
	return id, nil
}
