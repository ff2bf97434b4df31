// Package main runs the directory backend with its admin API.
//
// @title Directory Backend Admin API
// @version 1.0
// @description Control plane for the transactional storage backend of a directory server:
// @description health, monitoring, checkpoints, compaction, runtime tuning, backup and restore.
// @description
// @description ### Authentication (ENABLE_AUTH)
// @description - When `ENABLE_AUTH=true`: every endpoint except `/health`, `/health/detailed` and `/openapi.json` requires an API key
// @description - Authentication methods: `X-API-Key` header or `api_key` query parameter
// @description
// @description ### Shutdown
// @description - Single Ctrl+C or SIGTERM: graceful shutdown, the backend checkpoints and closes
// @description - Double Ctrl+C or SIGUSR1: emergency shutdown, the backend closes and the process exits
// @description - Running out of disk space shuts the server down the same way as SIGTERM
// @BasePath /
// @schemes http https
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"directory-backend/internal/handlers"
	"directory-backend/pkg/config"
	"directory-backend/pkg/jobs"
	"directory-backend/pkg/logger"
	custommiddleware "directory-backend/pkg/middleware"
	"directory-backend/pkg/storage"
	tls "directory-backend/pkg/tls"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// main starts the backend and serves the admin API until a signal or a fatal backend
// condition ends the process.
//
// ## Startup Sequence:
// 1. **Configuration** - loaded from the environment and .env, then validated
// 2. **Logger** - built from LOG_PROFILE and LOG_LEVEL
// 3. **Storage** - the layer starts in normal mode and runs recovery when the guardian asks for it
// 4. **Router** - middleware, admin routes and the embedded OpenAPI document
// 5. **Server** - HTTP, or HTTPS through AutoTLS
//
// ## Shutdown Handling:
// - New requests are refused with 503 as soon as shutdown starts
// - The storage layer is closed after the listener drains
func main() {
	fmt.Println("🚀 Starting Directory Backend...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logger.ConfigForProfile(cfg.LogProfile, cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	appLogger, err := logger.NewLogger(logConfig)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	createDirectories(cfg)
	cfg.DisplayConfiguration()
	logStartupInfo(appLogger, cfg)

	if err := config.ValidateCacheSize(0, cfg.CacheSize, storage.SystemMemInfo); err != nil {
		appLogger.Warn("Configured cache size cannot be granted in full", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownHandler := handlers.NewShutdownHandler(appLogger)

	opts := cfg.StorageOptions()
	opts.OnDiskFull = shutdownHandler.OnDiskFull
	layer, err := storage.New(opts, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create storage layer", zap.Error(err))
	}
	if err := layer.Start(ctx, storage.ModeNormal); err != nil {
		appLogger.Fatal("Failed to start storage layer", zap.Error(err))
	}

	tracker, err := jobs.NewTracker(cfg.RetainedJobs, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create job tracker", zap.Error(err))
	}

	doc, err := handlers.LoadOpenAPI(ctx)
	if err != nil {
		appLogger.Fatal("Failed to load OpenAPI document", zap.Error(err))
	}

	router := echo.New()
	router.HideBanner = true
	throttle := custommiddleware.SetupMiddleware(router, cfg, appLogger)

	handlers.RegisterRoutes(router, handlers.Handlers{
		Health:   handlers.NewHealthHandler(layer, func() any { return throttle.Stats() }, appLogger),
		Admin:    handlers.NewAdminHandler(layer, cfg, appLogger),
		Jobs:     handlers.NewJobsHandler(ctx, layer, tracker, cfg, appLogger),
		OpenAPI:  handlers.NewOpenAPIHandler(doc),
		Shutdown: shutdownHandler,
	})
	if missing := handlers.UndocumentedRoutes(router, doc); len(missing) > 0 {
		appLogger.Warn("Routes missing from the OpenAPI document", zap.Strings("routes", missing))
	}

	displayServerInfo(cfg)
	displayControlInstructions()

	if cfg.EnableTLS {
		if err := tls.ValidateAutoTLSConfig(cfg); err != nil {
			appLogger.Fatal("Invalid AutoTLS configuration", zap.Error(err))
		}
		tls.StartAutoTLSServerWithShutdown(router, cfg, appLogger, shutdownHandler, layer)
		return
	}
	startServerWithShutdown(router, cfg, appLogger, shutdownHandler, layer)
}

// startServerWithShutdown serves HTTP until a signal or the shutdown handler stops it.
//
// A first SIGINT or SIGTERM starts a graceful shutdown after a three second window. A
// second SIGINT inside the window, or SIGUSR1, closes the backend at once and exits.
func startServerWithShutdown(e *echo.Echo, cfg *config.Config, appLogger *zap.Logger, shutdownHandler *handlers.ShutdownHandler, layer *storage.Layer) {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      e,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed to start", zap.Error(err))
		}
	}()

	fmt.Println("🟢 Server started successfully.")
	fmt.Println()

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(quit)

	var firstSignal os.Signal
	var firstSignalTime time.Time

	for {
		var sig os.Signal
		select {
		case sig = <-quit:
		case <-shutdownHandler.Done():
			appLogger.Error("Backend requested shutdown", zap.String("reason", shutdownHandler.Reason()))
			performGracefulServerShutdown(server, cfg, appLogger, layer)
			return
		}

		shutdownHandler.InitiateShutdown(sig.String())

		emergency := false
		switch sig {
		case syscall.SIGUSR1:
			emergency = true
			fmt.Println("=== SIGUSR1")

		case syscall.SIGINT, syscall.SIGTERM:
			if firstSignal == nil {
				firstSignal = sig
				firstSignalTime = time.Now()
				fmt.Println("=== CTRL+C received, wait for 3s ...")
				go func() {
					time.Sleep(3 * time.Second)
					select {
					case quit <- syscall.SIGTERM:
					default:
					}
				}()
				continue
			}
			if sig == syscall.SIGINT && time.Since(firstSignalTime) <= 3*time.Second {
				emergency = true
			}
		}

		if emergency {
			performEmergencyServerShutdown(server, appLogger, layer)
		} else {
			performGracefulServerShutdown(server, cfg, appLogger, layer)
		}
		return
	}
}

// performGracefulServerShutdown drains the listener, then closes the backend with a final checkpoint
func performGracefulServerShutdown(server *http.Server, cfg *config.Config, appLogger *zap.Logger, layer *storage.Layer) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- server.Shutdown(ctx)
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

wait:
	for {
		select {
		case err := <-shutdownDone:
			if err != nil {
				appLogger.Error("HTTP server shutdown failed", zap.Error(err))
				fmt.Printf(" HTTP server shutdown - FAILED (%v) [%v]\n", err, time.Since(startTime))
			} else {
				fmt.Printf(" HTTP server shutdown - SUCCESS [%v]\n", time.Since(startTime))
			}
			break wait

		case <-ticker.C:
			elapsed := time.Since(startTime)
			fmt.Printf(" HTTP server shutdown - WAITING [%v] | [%v]\n", elapsed, cfg.ShutdownTimeout-elapsed)
		}
	}

	if err := layer.Close(); err != nil {
		appLogger.Error("Storage layer close failed", zap.Error(err))
		fmt.Printf(" Storage layer close - FAILED (%v)\n", err)
		return
	}
	appLogger.Info("Shutdown completed", zap.Duration("duration", time.Since(startTime)))
	fmt.Printf(" Storage layer close - SUCCESS [%v]\n", time.Since(startTime))
}

// performEmergencyServerShutdown closes the backend before dropping connections, then exits
func performEmergencyServerShutdown(server *http.Server, appLogger *zap.Logger, layer *storage.Layer) {
	startTime := time.Now()

	if err := layer.Close(); err != nil {
		appLogger.Error("Emergency storage close failed", zap.Error(err))
		fmt.Printf("Emergency storage close - FAILED (%v)\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("HTTP server emergency shutdown failed", zap.Error(err))
	}

	appLogger.Error("Emergency shutdown completed", zap.Duration("duration", time.Since(startTime)))
	_ = appLogger.Sync()
	fmt.Println("🚨 EMERGENCY SHUTDOWN: Server abandoned")
	os.Exit(1)
}

func logStartupInfo(appLogger *zap.Logger, cfg *config.Config) {
	appLogger.Info("Starting Directory Backend",
		zap.String("go_version", runtime.Version()),
		zap.Int("cpus", runtime.NumCPU()),
		zap.Int("pid", os.Getpid()),
	)
	appLogger.Info("Storage configuration",
		zap.String("home_dir", cfg.HomeDir),
		zap.String("data_dir", cfg.DataDir),
		zap.Strings("instances", cfg.Instances),
		zap.Uint64("cache_size", cfg.CacheSize),
		zap.Bool("durable", cfg.Durable),
		zap.Bool("read_only", cfg.ReadOnly),
		zap.Int("batch_limit", cfg.BatchLimit),
		zap.Duration("checkpoint_interval", cfg.CheckpointInterval),
		zap.Duration("compaction_interval", cfg.CompactionInterval),
		zap.String("compaction_time", cfg.CompactionTime),
	)
	appLogger.Info("Admin API configuration",
		zap.String("address", fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)),
		zap.Bool("tls", cfg.EnableTLS),
		zap.Bool("auth", cfg.EnableAuth),
		zap.Int("allowed_ips", len(cfg.AllowedIPs)),
		zap.Int("throttle_limit", cfg.ThrottleLimit),
	)
}

func createDirectories(cfg *config.Config) {
	fmt.Println("📁 Creating data directories...")

	directories := []string{cfg.HomeDir, cfg.BackupDir, "./logs"}
	if cfg.DataDir != "" {
		directories = append(directories, cfg.DataDir)
	}
	if cfg.EnableTLS {
		directories = append(directories, cfg.TLSCacheDir)
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Printf("Warning: Failed to create directory %s: %v\n", dir, err)
		}
	}
}

func displayServerInfo(cfg *config.Config) {
	base := fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port)
	if cfg.EnableTLS {
		host := "your-domain"
		if len(cfg.TLSHosts) > 0 {
			host = cfg.TLSHosts[0]
		}
		base = "https://" + host
		fmt.Printf("✅ Starting HTTPS server on port %s...\n", cfg.TLSPort)
		if cfg.EnableHTTPSOnly {
			fmt.Println("🔒 HTTPS-only mode: HTTP traffic will be redirected to HTTPS")
		}
	} else {
		fmt.Printf("✅ Starting HTTP server on %s:%s...\n", cfg.Host, cfg.Port)
	}
	fmt.Printf("📊 Health check: %s/health\n", base)
	fmt.Printf("📖 OpenAPI document: %s/openapi.json\n", base)
	fmt.Println("📚 API endpoints:")
	fmt.Println("   GET    /health              - Basic health check")
	fmt.Println("   GET    /health/detailed     - Detailed health with component status")
	fmt.Println("   GET    /api/v1/monitor      - Engine and transaction counters")
	fmt.Println("   POST   /api/v1/checkpoint   - Run a checkpoint")
	fmt.Println("   POST   /api/v1/compact      - Compact every instance (returns HTTP 202 - job)")
	fmt.Println("   GET    /api/v1/config       - Runtime configuration")
	fmt.Println("   PUT    /api/v1/config       - Change runtime configuration")
	fmt.Println("   POST   /api/v1/backup       - Back up the backend (returns HTTP 202 - job)")
	fmt.Println("   POST   /api/v1/restore      - Restore from a backup (returns HTTP 202 - job)")
	fmt.Println("   GET    /api/v1/jobs         - List jobs")
	fmt.Println("   GET    /api/v1/jobs/{id}    - Job status")
	fmt.Println("   DELETE /api/v1/jobs/{id}    - Cancel a job")
	fmt.Println()
}

func displayControlInstructions() {
	fmt.Println("🛑 SERVER CONTROL INSTRUCTIONS")
	fmt.Println("• Single Ctrl+C or SIGTERM: Graceful shutdown (refuses new requests, checkpoints and closes the backend)")
	fmt.Println("• Double Ctrl+C within 3 seconds: Emergency shutdown (closes the backend and exits)")
	fmt.Println("• SIGUSR1 signal: Emergency shutdown")
	fmt.Println("• All new requests return HTTP 503 immediately upon any shutdown signal")
	fmt.Println()
}
