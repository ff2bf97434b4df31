package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// publicPaths are reachable without an API key and from any address so that load balancers
// and orchestrators can probe the backend
var publicPaths = map[string]bool{
	"/health":          true,
	"/health/detailed": true,
	"/openapi.json":    true,
}

// IsPublicPath reports whether path bypasses authentication and the IP allowlist
func IsPublicPath(path string) bool {
	return publicPaths[strings.TrimSuffix(path, "/")] || path == "/"
}

// EchoAPIKeyMiddleware requires the X-API-Key header (or the api_key query parameter) on
// every admin route except the public ones
func EchoAPIKeyMiddleware(expectedAPIKey string, appLogger *zap.Logger) echo.MiddlewareFunc {
	expected := []byte(expectedAPIKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if IsPublicPath(path) {
				return next(c)
			}

			apiKey := c.Request().Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = c.QueryParam("api_key")
			}

			if subtle.ConstantTimeCompare([]byte(apiKey), expected) != 1 {
				appLogger.Warn("Unauthorized admin access attempt",
					zap.String("ip", c.RealIP()),
					zap.String("path", path),
					zap.String("user_agent", c.Request().UserAgent()),
					zap.String("method", c.Request().Method))
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}

			return next(c)
		}
	}
}
