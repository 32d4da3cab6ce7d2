// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/streamgate/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string            `kong:"short='c',help='Path to TOML config file.',env='STREAMGATE_CONFIG'"`
	AdminHost string            `kong:"help='Admin API listen host (overrides config).',env='ADMIN_HOST'"`
	AdminPort int               `kong:"short='p',help='Admin API listen port (overrides config).',env='ADMIN_PORT'"`
	Header    map[string]string `kong:"short='H',help='Static header to inject upstream, repeatable (overrides config).'"`
	LogLevel  string            `kong:"short='l',help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version   kong.VersionFlag  `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Headers  HeadersConfig  `toml:"headers"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ProxyConfig holds playback proxy settings.
type ProxyConfig struct {
	// Autostart brings the proxy up when the daemon boots; otherwise it waits
	// for POST /start on the admin API.
	Autostart bool `toml:"autostart"`
	// Port pins the playback listener; 0 picks an ephemeral port per start.
	Port                     int   `toml:"port"`
	StartTimeoutSeconds      int   `toml:"start_timeout_seconds"`
	ReadHeaderTimeoutSeconds int   `toml:"read_header_timeout_seconds"`
	MaxConnections           int64 `toml:"max_connections"` // 0 means unbounded
}

// UpstreamConfig holds origin fetch settings.
type UpstreamConfig struct {
	TimeoutSeconds  int  `toml:"timeout_seconds"`
	MaxBodyMB       int  `toml:"max_body_mb"`
	IdleConnections int  `toml:"idle_connections"`
	Tracing         bool `toml:"tracing"`
}

// HeadersConfig seeds the static header set injected into upstream requests.
type HeadersConfig struct {
	Static map[string]string `toml:"static"`
}

// AdminConfig holds admin API server settings.
type AdminConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin API.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or STREAMGATE_CONFIG), it
// searches /etc/streamgate/config.toml then configs/config.toml; with no file
// anywhere the daemon runs on built-in defaults.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.AdminHost != "" {
		c.Admin.Host = cli.AdminHost
	}
	if cli.AdminPort != 0 {
		c.Admin.Port = cli.AdminPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.Header) > 0 {
		if c.Headers.Static == nil {
			c.Headers.Static = make(map[string]string, len(cli.Header))
		}
		for k, v := range cli.Header {
			c.Headers.Static[k] = v
		}
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Admin.BodyMaxBytes < 0 {
		return fmt.Errorf("admin.body_max_bytes must be non-negative; got %d", c.Admin.BodyMaxBytes)
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be 0–65535; got %d", c.Proxy.Port)
	}
	if c.Proxy.StartTimeoutSeconds < 0 {
		return fmt.Errorf("proxy.start_timeout_seconds must be non-negative; got %d", c.Proxy.StartTimeoutSeconds)
	}
	if c.Proxy.ReadHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("proxy.read_header_timeout_seconds must be non-negative; got %d", c.Proxy.ReadHeaderTimeoutSeconds)
	}
	if c.Proxy.MaxConnections < 0 {
		return fmt.Errorf("proxy.max_connections must be non-negative; got %d", c.Proxy.MaxConnections)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.MaxBodyMB < 0 {
		return fmt.Errorf("upstream.max_body_mb must be non-negative; got %d", c.Upstream.MaxBodyMB)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	// Static header names.
	for name := range c.Headers.Static {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("headers.static contains an empty header name")
		}
		if strings.ContainsAny(name, " :") {
			return fmt.Errorf("headers.static name %q must not contain spaces or colons", name)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/status", "/headers", "/proxy-url", "/start", "/stop", "/events"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, TimeoutSeconds, etc.), zero means "unset" because
// TOML cannot distinguish between an explicit 0 and an omitted key. Setting
// port=0 in the config file therefore results in the default port (8080).
func (c *Config) setDefaults() {
	if c.Admin.Host == "" {
		// The playback proxy is loopback-only; the admin plane defaults to
		// loopback as well and must be opened up deliberately.
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
	if c.Admin.BodyMaxBytes == 0 {
		// Admin bodies are small JSON header maps.
		c.Admin.BodyMaxBytes = 64 << 10
	}
	if c.Proxy.StartTimeoutSeconds == 0 {
		c.Proxy.StartTimeoutSeconds = 5
	}
	if c.Proxy.ReadHeaderTimeoutSeconds == 0 {
		c.Proxy.ReadHeaderTimeoutSeconds = 10
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.MaxBodyMB == 0 {
		c.Upstream.MaxBodyMB = 256
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others; static headers routinely carry tokens.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
