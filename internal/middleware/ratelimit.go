package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"streamgate/internal/config"
)

// RateLimiter returns a per-IP rate limiter for the admin API, or nil when
// rate limiting is disabled in config.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return nil
	}
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiter(store)
}
