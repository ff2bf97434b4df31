package middleware

import (
	"net/http"
	"net/netip"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const ipDecisionCacheSize = 1000

// IPAllowlistMiddleware restricts the admin API to the configured addresses and networks.
// Decisions are cached per client address.
type IPAllowlistMiddleware struct {
	exact     map[netip.Addr]bool
	prefixes  []netip.Prefix // Most specific first
	decisions *lru.Cache[string, bool]
	appLogger *zap.Logger
}

// NewIPAllowlistMiddleware parses allowedIPs, a mix of addresses and CIDR blocks such as
// "10.0.0.5" or "192.168.1.0/24". Entries that do not parse are logged and skipped.
func NewIPAllowlistMiddleware(allowedIPs []string, appLogger *zap.Logger) *IPAllowlistMiddleware {
	decisions, err := lru.New[string, bool](ipDecisionCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	ipm := &IPAllowlistMiddleware{
		exact:     make(map[netip.Addr]bool),
		decisions: decisions,
		appLogger: appLogger,
	}

	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				appLogger.Warn("Ignoring invalid allowlist network", zap.String("entry", entry), zap.Error(err))
				continue
			}
			ipm.prefixes = append(ipm.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			appLogger.Warn("Ignoring invalid allowlist address", zap.String("entry", entry), zap.Error(err))
			continue
		}
		ipm.exact[addr.Unmap()] = true
	}

	sort.Slice(ipm.prefixes, func(i, j int) bool {
		return ipm.prefixes[i].Bits() > ipm.prefixes[j].Bits()
	})
	return ipm
}

// Middleware rejects clients outside the allowlist with 403. An empty allowlist and the
// public probe paths let every client through.
func (ipm *IPAllowlistMiddleware) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if IsPublicPath(path) {
				return next(c)
			}

			clientIP := c.RealIP()
			if cached, ok := ipm.decisions.Get(clientIP); ok {
				if !cached {
					return echo.NewHTTPError(http.StatusForbidden, "Access denied: IP not allowed")
				}
				return next(c)
			}

			allowed := ipm.IsIPAllowed(clientIP)
			if !allowed {
				ipm.appLogger.Warn("IP access denied - not in allowlist",
					zap.String("client_ip", clientIP),
					zap.String("path", path))
				return echo.NewHTTPError(http.StatusForbidden, "Access denied: IP not allowed")
			}
			return next(c)
		}
	}
}

// IsIPAllowed reports whether ip may use the admin API and caches the decision
func (ipm *IPAllowlistMiddleware) IsIPAllowed(ip string) bool {
	if len(ipm.exact) == 0 && len(ipm.prefixes) == 0 {
		return true
	}
	if cached, ok := ipm.decisions.Get(ip); ok {
		return cached
	}

	allowed := false
	if addr, err := netip.ParseAddr(ip); err == nil {
		addr = addr.Unmap()
		allowed = ipm.exact[addr]
		for _, prefix := range ipm.prefixes {
			if allowed {
				break
			}
			allowed = prefix.Contains(addr)
		}
	}

	ipm.decisions.Add(ip, allowed)
	return allowed
}
