package middleware

import (
	"directory-backend/pkg/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// SetupMiddleware configures the middleware stack of the admin API and returns the
// throttle so its counters can be reported by the detailed health check.
//
// ## Middleware Application Order:
// 1. **Request ID** - tracking for every request
// 2. **Echo Rate Limiting** - per-client token bucket, public probes are not counted
// 3. **Throttle** - bounded concurrency with a backlog queue
// 4. **IP Allowlisting** - early rejection of unknown networks
// 5. **Panic Recovery**
// 6. **Security Headers**
// 7. **Request Logging** - when ENABLE_REQUEST_LOGGING is set
// 8. **Compression**
// 9. **Request Timeout** - synchronous admin calls only, jobs run detached
// 10. **CORS**
// 11. **Authentication** - API key, applied last
//
// ## Configuration Dependencies:
// - **ECHO_RATE_LIMIT**: 0 disables the token bucket
// - **THROTTLE_LIMIT** / **THROTTLE_BACKLOG_LIMIT**: throttle sizing
// - **ALLOWED_IPS**: empty disables the allowlist
// - **ENABLE_COMPRESSION**, **ENABLE_AUTH**, **ALLOWED_ORIGINS**
func SetupMiddleware(e *echo.Echo, cfg *config.Config, appLogger *zap.Logger) *RateLimiter {
	e.Use(middleware.RequestID())

	if cfg.EchoRateLimit > 0 {
		e.Use(SetupEchoRateLimiter(cfg))
	}

	throttle := NewRateLimiter(
		cfg.ThrottleLimit,
		cfg.ThrottleBacklogLimit,
		cfg.ThrottleBacklogTimeout,
	)
	e.Use(throttle.Middleware())

	if len(cfg.AllowedIPs) > 0 {
		e.Use(NewIPAllowlistMiddleware(cfg.AllowedIPs, appLogger).Middleware())
	}

	e.Use(middleware.Recover())
	e.Use(middleware.Secure())

	if cfg.EnableRequestLogging {
		e.Use(RequestLogger(appLogger))
	}

	if cfg.EnableCompression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: cfg.CompressionLevel,
		}))
	}

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: cfg.RequestTimeout,
	}))

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.OPTIONS},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.EnableAuth {
		e.Use(EchoAPIKeyMiddleware(cfg.APIKey, appLogger))
	}
	return throttle
}

// RequestLogger logs one structured record per admin request
func RequestLogger(appLogger *zap.Logger) echo.MiddlewareFunc {
	log := appLogger.Named("http")
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
