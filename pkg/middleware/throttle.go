package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimiter bounds the admin requests served at once and queues a limited backlog.
// Admin calls such as checkpoints hold engine resources, so excess callers wait instead of
// piling onto the engine.
type RateLimiter struct {
	maxConcurrent int
	maxBacklog    int
	timeout       time.Duration
	backlog       chan struct{} // Queued requests
	slots         chan struct{} // Semaphore of free slots
	rejected      atomic.Int64
	timedOut      atomic.Int64
}

// ThrottleStats is a point-in-time view of the limiter
type ThrottleStats struct {
	MaxConcurrent int    `json:"max_concurrent"`
	MaxBacklog    int    `json:"max_backlog"`
	InFlight      int    `json:"in_flight"`
	Queued        int    `json:"queued"`
	Rejected      int64  `json:"rejected"`
	TimedOut      int64  `json:"timed_out"`
	Timeout       string `json:"timeout"`
}

// NewRateLimiter creates a limiter allowing maxConcurrent requests and maxBacklog queued
// ones, each waiting at most timeout
func NewRateLimiter(maxConcurrent, maxBacklog int, timeout time.Duration) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxBacklog < 0 {
		maxBacklog = 0
	}
	rl := &RateLimiter{
		maxConcurrent: maxConcurrent,
		maxBacklog:    maxBacklog,
		timeout:       timeout,
		backlog:       make(chan struct{}, maxBacklog),
		slots:         make(chan struct{}, maxConcurrent),
	}
	for i := 0; i < maxConcurrent; i++ {
		rl.slots <- struct{}{}
	}
	return rl
}

// Middleware acquires a slot immediately when one is free, otherwise queues in the backlog
// until a slot frees up or the timeout expires. A full backlog is rejected with 429.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			select {
			case <-rl.slots:
				defer rl.release()
				return next(c)
			default:
			}

			select {
			case rl.backlog <- struct{}{}:
			default:
				rl.rejected.Add(1)
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests")
			}
			defer func() { <-rl.backlog }()

			ctx, cancel := context.WithTimeout(c.Request().Context(), rl.timeout)
			defer cancel()

			select {
			case <-rl.slots:
				defer rl.release()
				return next(c)
			case <-ctx.Done():
				rl.timedOut.Add(1)
				return echo.NewHTTPError(http.StatusTooManyRequests, "Request timeout in backlog")
			}
		}
	}
}

func (rl *RateLimiter) release() {
	rl.slots <- struct{}{}
}

// Stats returns the current limiter counters
func (rl *RateLimiter) Stats() ThrottleStats {
	return ThrottleStats{
		MaxConcurrent: rl.maxConcurrent,
		MaxBacklog:    rl.maxBacklog,
		InFlight:      rl.maxConcurrent - len(rl.slots),
		Queued:        len(rl.backlog),
		Rejected:      rl.rejected.Load(),
		TimedOut:      rl.timedOut.Load(),
		Timeout:       rl.timeout.String(),
	}
}
