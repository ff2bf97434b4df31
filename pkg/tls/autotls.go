// Package tls serves the admin API over HTTPS with certificates obtained from Let's Encrypt
// through Echo's AutoTLS manager.
package tls

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"directory-backend/internal/handlers"
	"directory-backend/pkg/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// Closer releases the storage backend once the listener has stopped
type Closer interface {
	Close() error
}

// SetupAutoTLS configures automatic certificate management for e.
//
// Certificates are cached in TLSCacheDir. When TLSHosts is empty any host name is
// accepted, which is only suitable for development.
func SetupAutoTLS(e *echo.Echo, cfg *config.Config, appLogger *zap.Logger) {
	e.AutoTLSManager.Prompt = autocert.AcceptTOS
	e.AutoTLSManager.Cache = autocert.DirCache(cfg.TLSCacheDir)

	if len(cfg.TLSHosts) > 0 {
		e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(cfg.TLSHosts...)
		appLogger.Info("AutoTLS configured with host whitelist",
			zap.Strings("hosts", cfg.TLSHosts),
			zap.String("cache_dir", cfg.TLSCacheDir))
	} else {
		appLogger.Warn("AutoTLS configured without host restrictions - suitable for development only",
			zap.String("cache_dir", cfg.TLSCacheDir),
			zap.String("security_note", "Use TLS_HOSTS in production"))
	}

	if cfg.EnableHTTPSOnly {
		e.Pre(middleware.HTTPSRedirect())
		appLogger.Info("HTTPS redirect enabled - all HTTP traffic will be redirected to HTTPS")
	}
}

// StartAutoTLSServerWithShutdown starts the HTTPS listener and blocks until a signal or the
// shutdown handler ends the process.
//
// A first SIGINT or SIGTERM starts a graceful shutdown after a short grace window. A second
// signal inside that window, or SIGUSR1, closes the storage backend at once and exits.
func StartAutoTLSServerWithShutdown(e *echo.Echo, cfg *config.Config, appLogger *zap.Logger, shutdownHandler *handlers.ShutdownHandler, store Closer) {
	SetupAutoTLS(e, cfg, appLogger)

	appLogger.Info("Starting HTTPS server with AutoTLS",
		zap.String("port", cfg.TLSPort),
		zap.String("cache_dir", cfg.TLSCacheDir),
		zap.Bool("https_only", cfg.EnableHTTPSOnly))

	go func() {
		e.HideBanner = true
		err := e.StartAutoTLS(fmt.Sprintf(":%s", cfg.TLSPort))
		if err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("AutoTLS server failed to start", zap.Error(err))
		}
	}()

	fmt.Println("🟢 HTTPS server started successfully.")
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
			performGracefulTLSShutdown(e, cfg, appLogger, store)
			return
		}

		shutdownHandler.InitiateShutdown(sig.String())

		emergency := false
		switch sig {
		case syscall.SIGUSR1:
			emergency = true
			appLogger.Error("Emergency shutdown initiated", zap.String("signal", "SIGUSR1"))

		case syscall.SIGINT, syscall.SIGTERM:
			if firstSignal == nil {
				firstSignal = sig
				firstSignalTime = time.Now()
				fmt.Println("=== signal received, shutting down in 3s ...")
				go func() {
					time.Sleep(3 * time.Second)
					select {
					case quit <- syscall.SIGTERM:
					default:
					}
				}()
				continue
			}
			if time.Since(firstSignalTime) <= 3*time.Second && sig != syscall.SIGTERM {
				emergency = true
				appLogger.Error("Emergency shutdown initiated", zap.String("trigger", "double_signal"))
			}
		}

		if emergency {
			performEmergencyTLSShutdown(e, appLogger, store)
		} else {
			performGracefulTLSShutdown(e, cfg, appLogger, store)
		}
		return
	}
}

func performGracefulTLSShutdown(e *echo.Echo, cfg *config.Config, appLogger *zap.Logger, store Closer) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		appLogger.Error("HTTPS server shutdown failed", zap.Error(err), zap.Duration("duration", time.Since(startTime)))
		fmt.Printf(" HTTPS server shutdown - FAILED (%v)\n", err)
	} else {
		fmt.Printf(" HTTPS server shutdown - SUCCESS [%v]\n", time.Since(startTime))
	}

	if err := store.Close(); err != nil {
		appLogger.Error("Storage backend close failed", zap.Error(err))
		fmt.Printf(" Storage backend close - FAILED (%v)\n", err)
		return
	}
	appLogger.Info("Shutdown completed", zap.Duration("duration", time.Since(startTime)))
	fmt.Printf(" Storage backend close - SUCCESS [%v]\n", time.Since(startTime))
}

// performEmergencyTLSShutdown closes the storage backend before dropping connections, then exits
func performEmergencyTLSShutdown(e *echo.Echo, appLogger *zap.Logger, store Closer) {
	startTime := time.Now()

	if err := store.Close(); err != nil {
		appLogger.Error("Emergency storage close failed", zap.Error(err))
		fmt.Printf("Emergency storage close - FAILED (%v)\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		appLogger.Error("HTTPS server emergency shutdown failed", zap.Error(err))
	}

	appLogger.Error("Emergency shutdown completed", zap.Duration("duration", time.Since(startTime)))
	_ = appLogger.Sync()
	fmt.Println("🚨 EMERGENCY SHUTDOWN: Server abandoned")
	os.Exit(1)
}

// ValidateAutoTLSConfig checks the AutoTLS settings before the listener starts
func ValidateAutoTLSConfig(cfg *config.Config) error {
	if cfg.TLSPort == "" {
		return fmt.Errorf("TLS_PORT cannot be empty when TLS is enabled")
	}
	if cfg.TLSCacheDir == "" {
		return fmt.Errorf("TLS_CACHE_DIR cannot be empty when TLS is enabled")
	}
	for _, host := range cfg.TLSHosts {
		if host == "" {
			return fmt.Errorf("empty hostname in TLS_HOSTS list")
		}
	}
	return nil
}

// GetAutoTLSStatus summarizes the AutoTLS configuration
func GetAutoTLSStatus(cfg *config.Config) map[string]interface{} {
	status := map[string]interface{}{
		"enabled":               cfg.EnableTLS,
		"port":                  cfg.TLSPort,
		"cache_directory":       cfg.TLSCacheDir,
		"https_only":            cfg.EnableHTTPSOnly,
		"host_count":            len(cfg.TLSHosts),
		"hosts":                 cfg.TLSHosts,
		"certificate_authority": "Let's Encrypt",
	}
	if len(cfg.TLSHosts) == 0 {
		status["security_mode"] = "development"
		status["host_policy"] = "unrestricted"
	} else {
		status["security_mode"] = "production"
		status["host_policy"] = "whitelist"
	}
	return status
}
