package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"streamgate/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each admin API request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.AdminRequestsInFlight.Inc()
			defer m.AdminRequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// Resolve the actual status code. When a handler returns an
			// *echo.HTTPError, the response status hasn't been written yet;
			// Echo's central error handler will do that later. We inspect
			// the error to get the correct code for metrics.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			route := metrics.NormalizeRoute(c.Request().URL.Path)
			duration := time.Since(start).Seconds()

			m.AdminRequestsTotal.WithLabelValues(method, status, route).Inc()
			m.AdminRequestDuration.WithLabelValues(method, status, route).Observe(duration)

			return err
		}
	}
}
