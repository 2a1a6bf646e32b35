package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/ratelimit"
)

// ThrottleConfig bounds how many requests one client may make per window.
type ThrottleConfig struct {
	Limit  int
	Window time.Duration
	// Scope separates counters of differently configured groups.
	Scope string
	// KeyFunc identifies the client. Defaults to the real IP.
	KeyFunc func(c echo.Context) string
}

func (cfg ThrottleConfig) withDefaults() ThrottleConfig {
	if cfg.Limit <= 0 {
		cfg.Limit = 300
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Scope == "" {
		cfg.Scope = "http"
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c echo.Context) string { return c.RealIP() }
	}
	return cfg
}

// Throttle counts requests per client in fixed windows on the shared limiter,
// so every API instance sees the same budget when the limiter is Redis.
// Limiter failures let the request through.
func Throttle(limiter ratelimit.Limiter, cfg ThrottleConfig) echo.MiddlewareFunc {
	cfg = cfg.withDefaults()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			key := cfg.Scope + ":" + cfg.KeyFunc(c)

			counter, err := limiter.Increment(ctx, key, cfg.Window)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("throttle unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			remaining := cfg.Limit - counter.Count
			if remaining < 0 {
				remaining = 0
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if counter.Count > cfg.Limit {
				retry := cfg.Window - time.Since(counter.Since)
				if retry < time.Second {
					retry = time.Second
				}
				h.Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
				return echo.NewHTTPError(http.StatusTooManyRequests, apperr.Body{
					Code:      "rate_limited",
					Message:   "too many requests",
					Retryable: true,
				})
			}
			return next(c)
		}
	}
}
