package handlers

import (
	"github.com/labstack/echo/v4"
)

// Handlers groups every admin API handler
type Handlers struct {
	Health   *HealthHandler
	Admin    *AdminHandler
	Jobs     *JobsHandler
	OpenAPI  *OpenAPIHandler
	Shutdown *ShutdownHandler
}

// RegisterRoutes mounts the admin API. The shutdown middleware runs first so requests are
// refused as soon as shutdown starts.
func RegisterRoutes(e *echo.Echo, h Handlers) {
	if h.Shutdown != nil {
		e.Pre(h.Shutdown.Middleware())
	}

	e.GET("/health", h.Health.HealthCheck)
	e.GET("/health/detailed", h.Health.DetailedHealthCheck)
	e.GET("/openapi.json", h.OpenAPI.GetDocument)

	api := e.Group("/api/v1")
	api.GET("/monitor", h.Health.GetMonitor)
	api.POST("/checkpoint", h.Admin.Checkpoint)
	api.POST("/compact", h.Jobs.Compact)
	api.GET("/config", h.Admin.GetConfig)
	api.PUT("/config", h.Admin.UpdateConfig)
	api.POST("/backup", h.Jobs.Backup)
	api.POST("/restore", h.Jobs.Restore)
	api.GET("/jobs", h.Jobs.ListJobs)
	api.GET("/jobs/:id", h.Jobs.GetJob)
	api.DELETE("/jobs/:id", h.Jobs.CancelJob)
}
