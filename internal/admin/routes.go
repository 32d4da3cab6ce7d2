package admin

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/internal/config"
	"streamgate/internal/metrics"
)

// RegisterRoutes wires all admin route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, h *Handlers, hub *Hub, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", h.Healthz)
	e.GET("/status", h.Status)

	e.GET("/headers/static", h.GetStaticHeaders)
	e.PUT("/headers/static", h.PutStaticHeaders)
	e.PUT("/headers/dynamic", h.PutDynamicHeaders)
	e.DELETE("/headers/dynamic", h.DeleteDynamicHeaders)

	e.POST("/proxy-url", h.CreateProxyURL)
	e.POST("/start", h.Start)
	e.POST("/stop", h.Stop)

	e.GET("/events", hub.Serve)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}
}
