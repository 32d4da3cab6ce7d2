// Package admin exposes the daemon's control surface: proxy lifecycle, header
// management, proxy URL minting, status, metrics, and a websocket event feed.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"streamgate/internal/config"
	"streamgate/proxy"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Handlers serves the admin API endpoints against one proxy server.
type Handlers struct {
	server  *proxy.Server
	cfg     *config.Config
	version Version
	logger  *slog.Logger
	started time.Time
}

// NewHandlers creates the admin API handlers.
func NewHandlers(server *proxy.Server, cfg *config.Config, v Version, logger *slog.Logger) *Handlers {
	return &Handlers{
		server:  server,
		cfg:     cfg,
		version: v,
		logger:  logger.With("component", "admin"),
		started: time.Now(),
	}
}

type statusResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Running           bool   `json:"running"`
	Port              int    `json:"port"`
	ActiveConnections int    `json:"active_connections"`
	StaticHeaders     int    `json:"static_headers"`
	DynamicProvider   bool   `json:"dynamic_provider"`
}

type headersRequest struct {
	Headers map[string]string `json:"headers"`
}

type headersResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type proxyURLRequest struct {
	URL string `json:"url"`
}

type proxyURLResponse struct {
	ProxyURL string `json:"proxy_url"`
}

type startRequest struct {
	TimeoutMS int `json:"timeout_ms"`
}

type lifecycleResponse struct {
	Running bool `json:"running"`
	Port    int  `json:"port,omitempty"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *Handlers) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the proxy's runtime state.
func (h *Handlers) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:            "ok",
		Version:           string(h.version),
		UptimeSeconds:     int64(time.Since(h.started).Seconds()),
		Running:           h.server.IsRunning(),
		Port:              h.server.Port(),
		ActiveConnections: h.server.ActiveConnections(),
		StaticHeaders:     h.server.StaticHeaderCount(),
		DynamicProvider:   h.server.HasDynamicHeaderProvider(),
	})
}

// GetStaticHeaders returns the current static header set.
func (h *Handlers) GetStaticHeaders(c echo.Context) error {
	return c.JSON(http.StatusOK, headersRequest{Headers: h.server.StaticHeaders()})
}

// PutStaticHeaders atomically replaces the static header set.
func (h *Handlers) PutStaticHeaders(c echo.Context) error {
	req, err := bindHeaders(c)
	if err != nil {
		return err
	}

	h.server.SetStaticHeaders(req.Headers)
	h.logger.Info("static headers replaced", "count", len(req.Headers))
	return c.JSON(http.StatusOK, headersResponse{Status: "ok", Count: len(req.Headers)})
}

// PutDynamicHeaders installs a dynamic provider returning the uploaded set.
// External owners keep values fresh by re-PUTting them; each proxied request
// observes the latest uploaded snapshot.
func (h *Handlers) PutDynamicHeaders(c echo.Context) error {
	req, err := bindHeaders(c)
	if err != nil {
		return err
	}

	headers := req.Headers
	h.server.SetDynamicHeaderProvider(func() map[string]string {
		return headers
	})
	h.logger.Info("dynamic header set replaced", "count", len(headers))
	return c.JSON(http.StatusOK, headersResponse{Status: "ok", Count: len(headers)})
}

// DeleteDynamicHeaders clears the dynamic provider.
func (h *Handlers) DeleteDynamicHeaders(c echo.Context) error {
	h.server.SetDynamicHeaderProvider(nil)
	h.logger.Info("dynamic header provider cleared")
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CreateProxyURL mints the local proxy URL for an upstream playback URL.
func (h *Handlers) CreateProxyURL(c echo.Context) error {
	var req proxyURLRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url is required"})
	}

	proxyURL, err := h.server.CreateProxyURL(req.URL)
	if err != nil {
		if errors.Is(err, proxy.ErrNotRunning) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "proxy is not running"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url must be an absolute http or https URL"})
	}
	return c.JSON(http.StatusOK, proxyURLResponse{ProxyURL: proxyURL})
}

// Start brings the proxy listener up. Idempotent. The optional request body
// overrides the configured readiness timeout.
func (h *Handlers) Start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	timeout := time.Duration(h.cfg.Proxy.StartTimeoutSeconds) * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	port, err := h.server.Start(timeout)
	if err != nil {
		h.logger.Error("proxy start failed", "err", err)
		if errors.Is(err, proxy.ErrStartTimeout) {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "proxy listener did not come up in time"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "proxy start failed"})
	}
	return c.JSON(http.StatusOK, lifecycleResponse{Running: true, Port: port})
}

// Stop tears the proxy listener down. Idempotent.
func (h *Handlers) Stop(c echo.Context) error {
	h.server.Stop()
	return c.NoContent(http.StatusNoContent)
}

// bindHeaders decodes and validates a header-set request body.
func bindHeaders(c echo.Context) (*headersRequest, error) {
	var req headersRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	for name := range req.Headers {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " :") {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid header name "+name)
		}
	}
	return &req, nil
}
