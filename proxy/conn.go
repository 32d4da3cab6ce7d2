package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"streamgate/manifest"
	"streamgate/upstream"
)

// handleConn owns one accepted connection end to end: read the request,
// resolve the target, fetch, translate or rewrite, respond, close. The socket
// is closed exactly once via the deferred Close regardless of the path taken;
// every failure is local to this connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, port int) {
	defer func() { _ = conn.Close() }()

	start := time.Now()
	ev := RequestEvent{Time: start}

	_ = conn.SetReadDeadline(time.Now().Add(s.readHeaderTimeout))
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		ev.Status = http.StatusBadRequest
		ev.Outcome = OutcomeError
		s.writeError(conn, http.StatusBadRequest, "malformed request")
		s.finish(&ev, start, fmt.Errorf("read request: %w", err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	ev.Method = req.Method

	if req.Method != http.MethodGet {
		ev.Status = http.StatusMethodNotAllowed
		ev.Outcome = OutcomeError
		s.writeError(conn, http.StatusMethodNotAllowed, "only GET is supported")
		s.finish(&ev, start, fmt.Errorf("method %s not allowed", req.Method))
		return
	}

	target, err := DecodeTarget(req.RequestURI)
	if err != nil {
		ev.Status = http.StatusBadRequest
		ev.Outcome = OutcomeError
		s.writeError(conn, http.StatusBadRequest, "invalid proxy target")
		s.finish(&ev, start, fmt.Errorf("decode target %q: %w", req.RequestURI, err))
		return
	}
	ev.Target = target.String()

	header := s.headers.resolve(req.Header, s.logger)

	fetchStart := time.Now()
	resp, err := s.fetcher.Fetch(ctx, target, header)
	ev.UpstreamMS = time.Since(fetchStart).Milliseconds()
	if err != nil {
		ev.Status = http.StatusBadGateway
		ev.Outcome = OutcomeError
		ev.ErrorKind = classifyFetchError(err)
		s.writeError(conn, http.StatusBadGateway, "upstream fetch failed")
		s.finish(&ev, start, fmt.Errorf("fetch %s: %w", target.Host, err))
		return
	}

	respHeader := resp.Header
	body := resp.Body
	ev.Outcome = OutcomePassThrough

	mint := func(u string) string {
		return proxyURLFor(port, u)
	}

	if loc, ok := translateRedirect(resp.StatusCode, respHeader, target, mint); ok {
		respHeader.Set("Location", loc)
		ev.Outcome = OutcomeRedirected
	} else if manifest.IsPlaylist(respHeader.Get("Content-Type"), target.Path) {
		body = manifest.Rewrite(body, target, mint)
		respHeader.Set("Content-Type", manifest.ContentType)
		ev.Outcome = OutcomeRewritten
	}

	ev.Status = resp.StatusCode
	ev.BytesOut = len(body)

	if err := writeResponse(conn, resp.StatusCode, respHeader, body); err != nil {
		// Typically a client that went away or a force-closed socket on Stop.
		s.logger.Debug("write response failed", "target", ev.Target, "err", err)
	}
	s.finish(&ev, start, nil)
}

// finish stamps the duration, publishes the event, and logs the result.
// Successful media traffic is chatty, so it logs at debug.
func (s *Server) finish(ev *RequestEvent, start time.Time, err error) {
	ev.DurationMS = time.Since(start).Milliseconds()
	s.publish(*ev)

	if err != nil {
		s.logger.Warn("request failed",
			"method", ev.Method,
			"target", ev.Target,
			"status", ev.Status,
			"err", err,
		)
		return
	}

	s.logger.Debug("request served",
		"method", ev.Method,
		"target", ev.Target,
		"status", ev.Status,
		"outcome", ev.Outcome,
		"duration_ms", ev.DurationMS,
		"bytes_out", ev.BytesOut,
	)
}

// classifyFetchError buckets upstream failures for logs and metric labels.
func classifyFetchError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "refused"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, upstream.ErrBodyTooLarge) {
		return "body_too_large"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connect"
	}
	return "other"
}
