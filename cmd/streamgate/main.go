package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"streamgate/internal/admin"
	"streamgate/internal/config"
	"streamgate/internal/metrics"
	"streamgate/internal/middleware"
	"streamgate/internal/telemetry"
	"streamgate/proxy"
	"streamgate/upstream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("streamgate"),
		kong.Description("Loopback proxy daemon for media playback."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() admin.Version { return admin.Version(version) },
			config.Load,
			newLogger,
			newEcho,
			metrics.New,
			newUpstreamClient,
			newProxyServer,
			admin.NewHub,
			admin.NewHandlers,
		),
		fx.Invoke(admin.RegisterRoutes, warnConfigPermissions, initTelemetry, startHub, startProxy, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. The admin API's
	// responses are small JSON bodies except for /events, which upgrades to a
	// websocket and leaves these timeouts behind.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Admin.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.MetricsMiddleware(m))

	if rl := middleware.RateLimiter(cfg.Admin.RateLimit); rl != nil {
		e.Use(rl)
		logger.Info("rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func newUpstreamClient(cfg *config.Config, logger *slog.Logger) *upstream.Client {
	return upstream.NewClient(upstream.Config{
		Timeout:         time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		MaxBodyBytes:    int64(cfg.Upstream.MaxBodyMB) << 20,
		IdleConnections: cfg.Upstream.IdleConnections,
		EnableTracing:   cfg.Upstream.Tracing,
	}, logger)
}

func newProxyServer(cfg *config.Config, logger *slog.Logger, fetcher *upstream.Client, m *metrics.Metrics, hub *admin.Hub) *proxy.Server {
	return proxy.New(proxy.Options{
		Logger:            logger,
		Fetcher:           fetcher,
		Sink:              proxy.Sinks{m, hub},
		StaticHeaders:     cfg.Headers.Static,
		Port:              cfg.Proxy.Port,
		MaxConnections:    cfg.Proxy.MaxConnections,
		ReadHeaderTimeout: time.Duration(cfg.Proxy.ReadHeaderTimeoutSeconds) * time.Second,
	})
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func initTelemetry(lc fx.Lifecycle, logger *slog.Logger) {
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.Init(ctx, "streamgate", version)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(ctx)
		},
	})
}

func startHub(lc fx.Lifecycle, hub *admin.Hub) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go hub.Run()
			return nil
		},
		OnStop: func(_ context.Context) error {
			hub.Close()
			return nil
		},
	})
}

func startProxy(lc fx.Lifecycle, s *proxy.Server, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			m.RegisterActiveConnections(s.ActiveConnections)
			if !cfg.Proxy.Autostart {
				logger.Info("proxy idle, waiting for start request")
				return nil
			}
			timeout := time.Duration(cfg.Proxy.StartTimeoutSeconds) * time.Second
			port, err := s.Start(timeout)
			if err != nil {
				return fmt.Errorf("start proxy: %w", err)
			}
			logger.Info("proxy autostarted", "port", port)
			return nil
		},
		OnStop: func(_ context.Context) error {
			s.Stop()
			return nil
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
