package handlers

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"directory-backend/pkg/models"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ShutdownHandler coordinates shutdown across the HTTP and TLS servers. Once shutdown
// starts every new request is refused with 503; Done is closed so the entry point can stop
// the servers and close the storage layer.
type ShutdownHandler struct {
	isShuttingDown atomic.Bool
	reason         atomic.Value // string
	done           chan struct{}
	once           sync.Once
	logger         *zap.Logger
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(logger *zap.Logger) *ShutdownHandler {
	return &ShutdownHandler{
		done:   make(chan struct{}),
		logger: logger,
	}
}

// InitiateShutdown switches to the shutdown state. Only the first call has an effect.
func (sh *ShutdownHandler) InitiateShutdown(reason string) {
	sh.once.Do(func() {
		sh.reason.Store(reason)
		sh.isShuttingDown.Store(true)
		sh.logger.Info("=== SHUTDOWN STATE ACTIVATED ===",
			zap.String("status", "All new incoming requests will be refused with HTTP 503"),
			zap.String("reason", reason),
		)
		fmt.Println()
		fmt.Printf("🚫 SHUTDOWN STATE: All new requests will be refused (%s)\n", reason)
		close(sh.done)
	})
}

// OnDiskFull is installed as the storage layer disk-full hook. The backend cannot make
// progress without disk space, so the first signal shuts the server down.
func (sh *ShutdownHandler) OnDiskFull(err error) {
	sh.logger.Error("Disk full signalled by the storage layer", zap.Error(err))
	sh.InitiateShutdown("disk full")
}

// IsShuttingDown returns true if shutdown has been initiated
func (sh *ShutdownHandler) IsShuttingDown() bool {
	return sh.isShuttingDown.Load()
}

// Reason returns why shutdown was initiated, empty while running
func (sh *ShutdownHandler) Reason() string {
	reason, _ := sh.reason.Load().(string)
	return reason
}

// Done is closed when shutdown is initiated
func (sh *ShutdownHandler) Done() <-chan struct{} {
	return sh.done
}

// Middleware returns Echo middleware that immediately refuses requests during shutdown
func (sh *ShutdownHandler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if sh.IsShuttingDown() {
				return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
					Error:     "Server is shutting down: " + sh.Reason(),
					Code:      "SERVER_SHUTTING_DOWN",
					Timestamp: time.Now().UTC(),
				})
			}
			return next(c)
		}
	}
}
