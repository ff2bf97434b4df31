package handlers

import (
	"errors"
	"net/http"
	"time"

	"directory-backend/pkg/engine"
	"directory-backend/pkg/jobs"
	"directory-backend/pkg/models"
	"directory-backend/pkg/storage"

	"github.com/labstack/echo/v4"
)

// errorStatus maps storage and job errors onto an HTTP status and a stable error code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrCatastrophic):
		return http.StatusServiceUnavailable, "CATASTROPHIC"
	case errors.Is(err, storage.ErrNotOpen):
		return http.StatusServiceUnavailable, "NOT_OPEN"
	case errors.Is(err, storage.ErrNoDiskSpace), engine.IsDiskFull(err):
		return http.StatusInsufficientStorage, "DISK_FULL"
	case errors.Is(err, storage.ErrUnwillingToPerform):
		return http.StatusUnprocessableEntity, "UNWILLING_TO_PERFORM"
	case errors.Is(err, storage.ErrBackupInProgress):
		return http.StatusConflict, "BACKUP_IN_PROGRESS"
	case errors.Is(err, storage.ErrCompactionRefused):
		return http.StatusConflict, "COMPACTION_REFUSED"
	case errors.Is(err, engine.ErrBusy):
		return http.StatusConflict, "BUSY"
	case errors.Is(err, storage.ErrMemInfo):
		return http.StatusServiceUnavailable, "MEMORY_INFO_UNAVAILABLE"
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, jobs.ErrJobFinished):
		return http.StatusConflict, "JOB_FINISHED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func errorJSON(c echo.Context, err error) error {
	status, code := errorStatus(err)
	return c.JSON(status, models.ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Timestamp: time.Now().UTC(),
	})
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:     err.Error(),
		Code:      "INVALID_REQUEST",
		Timestamp: time.Now().UTC(),
	})
}
