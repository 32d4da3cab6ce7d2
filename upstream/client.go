// Package upstream performs the outbound origin fetches for the proxy.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrBodyTooLarge is returned when an upstream body exceeds the configured cap.
var ErrBodyTooLarge = errors.New("upstream body exceeds configured limit")

// acceptEncoding is what the client negotiates on its own behalf; bodies are
// decoded before they are handed back, so callers always see identity bodies.
const acceptEncoding = "gzip, br"

const userAgent = "streamgate/1.0"

// Config holds upstream client settings. Zero values fall back to defaults.
type Config struct {
	// Timeout bounds the whole request, connect through body read. Default 30s.
	Timeout time.Duration
	// MaxBodyBytes caps the decoded response body. Default 256 MiB.
	MaxBodyBytes int64
	// IdleConnections sizes the keep-alive pool. Default 100.
	IdleConnections int
	// EnableTracing wraps the transport with otelhttp instrumentation.
	EnableTracing bool
}

// Response is a fully buffered, identity-encoded upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues origin GETs with redirects disabled at the transport, so that
// redirect handling stays explicit in the proxy.
type Client struct {
	httpClient   *http.Client
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewClient creates a Client with connection pooling and timeouts.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 256 << 20
	}
	if cfg.IdleConnections <= 0 {
		cfg.IdleConnections = 100
	}

	var rt http.RoundTripper = &http.Transport{
		MaxIdleConns:        cfg.IdleConnections,
		MaxIdleConnsPerHost: cfg.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Compression is negotiated and decoded by this client, not the transport.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.EnableTracing {
		rt = otelhttp.NewTransport(rt)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: rt,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger.With("component", "upstream_client"),
	}
}

// Fetch issues a GET to target with the given headers and returns the buffered
// response. Compressed bodies (gzip, brotli) are decoded transparently. The
// context controls the lifetime of the request: cancel it and the fetch aborts.
func (c *Client) Fetch(ctx context.Context, target *url.URL, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	c.logger.Debug("upstream request",
		"host", target.Host,
		"path", target.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, decoded, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("upstream response",
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	respHeader := resp.Header.Clone()
	if decoded {
		// The body no longer matches these.
		respHeader.Del("Content-Encoding")
		respHeader.Del("Content-Length")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     respHeader,
		Body:       body,
	}, nil
}

// readBody reads the response body, decoding gzip and brotli encodings, and
// enforces the body cap. Reports whether a decode took place.
func (c *Client) readBody(resp *http.Response) ([]byte, bool, error) {
	var reader io.Reader = resp.Body
	decoded := false

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
		decoded = true
	case "br":
		reader = brotli.NewReader(resp.Body)
		decoded = true
	default:
		// Never advertised, so only a misbehaving origin lands here.
		c.logger.Warn("unexpected upstream content encoding", "encoding", encoding)
	}

	body, err := io.ReadAll(io.LimitReader(reader, c.maxBodyBytes+1))
	if err != nil {
		return nil, false, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, false, fmt.Errorf("%w (limit %d bytes)", ErrBodyTooLarge, c.maxBodyBytes)
	}
	return body, decoded, nil
}
