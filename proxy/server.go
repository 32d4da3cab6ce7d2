// Package proxy implements a loopback-only HTTP/1.1 proxy for media playback.
// Streaming engines rarely let the embedding application attach per-request,
// dynamically changing headers to manifest and segment fetches; the proxy
// solves this by serving every such request on 127.0.0.1, substituting the
// real upstream URL embedded in the request, merging caller-supplied static
// and live-evaluated dynamic headers, and returning the upstream response
// with playlist-internal URLs rewritten to keep pointing through the proxy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"streamgate/upstream"
)

// ErrNotRunning is returned when an operation needs a running listener.
var ErrNotRunning = errors.New("proxy is not running")

// ErrStartTimeout is returned when the listener does not come up in time.
var ErrStartTimeout = errors.New("timed out waiting for proxy listener")

// DefaultStartTimeout is used when Start is given a non-positive timeout.
const DefaultStartTimeout = 5 * time.Second

// Fetcher performs the outbound origin request. *upstream.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL, header http.Header) (*upstream.Response, error)
}

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	// Logger receives lifecycle and per-request logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Fetcher performs origin requests. Defaults to an upstream.Client with defaults.
	Fetcher Fetcher
	// Sink, when set, receives a RequestEvent per completed request.
	Sink Sink
	// StaticHeaders seeds the static header set.
	StaticHeaders map[string]string
	// Port pins the loopback listen port. 0 picks an ephemeral port per Start.
	Port int
	// MaxConnections bounds concurrently served connections. 0 means unbounded;
	// a playback session is self-limited to a handful of parallel requests.
	MaxConnections int64
	// ReadHeaderTimeout bounds reading a request head. Default 10s.
	ReadHeaderTimeout time.Duration
}

// Server is one independent proxy instance. Construct any number of them;
// each owns its listener, header state, and connection set.
type Server struct {
	logger            *slog.Logger
	fetcher           Fetcher
	sink              Sink
	sem               *semaphore.Weighted
	readHeaderTimeout time.Duration
	listenPort        int

	headers *headerState

	// startMu serializes Start callers, so racing Starts observe one winner.
	startMu sync.Mutex

	mu      sync.Mutex
	gen     uint64 // bumped by every Start attempt and Stop; stale binds self-close
	running bool
	ln      net.Listener
	port    int
	conns   map[net.Conn]struct{}
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
}

// New creates a stopped Server. Call Start to bind the loopback listener.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy")

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = upstream.NewClient(upstream.Config{}, logger)
	}

	readHeaderTimeout := opts.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	var sem *semaphore.Weighted
	if opts.MaxConnections > 0 {
		sem = semaphore.NewWeighted(opts.MaxConnections)
	}

	listenPort := opts.Port
	if listenPort < 0 || listenPort > 65535 {
		listenPort = 0
	}

	s := &Server{
		logger:            logger,
		fetcher:           fetcher,
		sink:              opts.Sink,
		sem:               sem,
		readHeaderTimeout: readHeaderTimeout,
		listenPort:        listenPort,
		headers:           &headerState{},
	}
	if len(opts.StaticHeaders) > 0 {
		s.headers.setStatic(opts.StaticHeaders)
	}
	return s
}

type bindResult struct {
	port int
	err  error
}

// Start binds the loopback port (ephemeral unless Options.Port pinned one)
// and runs the accept loop on its own goroutine. Idempotent: when already
// running it returns the current port.
// If the bind does not complete within timeout, Start reports failure and the
// background attempt converges to torn-down: a listener that shows up late is
// closed immediately, never leaked.
func (s *Server) Start(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.running {
		port := s.port
		s.mu.Unlock()
		return port, nil
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	ready := make(chan bindResult, 1)
	go s.bind(gen, ready)

	select {
	case r := <-ready:
		return r.port, r.err
	case <-time.After(timeout):
		s.mu.Lock()
		if s.gen == gen && s.running {
			// The bind won the race with the timer; surface the success.
			port := s.port
			s.mu.Unlock()
			return port, nil
		}
		if s.gen == gen {
			// Invalidate the pending bind; it closes its own listener.
			s.gen++
		}
		s.mu.Unlock()
		return 0, ErrStartTimeout
	}
}

// bind creates the listener and installs it, unless this attempt was
// superseded by a Stop or an abandoning caller while the bind was in flight.
func (s *Server) bind(gen uint64, ready chan<- bindResult) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.listenPort))
	if err != nil {
		ready <- bindResult{err: fmt.Errorf("bind loopback listener: %w", err)}
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.running {
		running := s.running
		port := s.port
		s.mu.Unlock()
		_ = ln.Close()
		if running {
			ready <- bindResult{port: port}
			return
		}
		ready <- bindResult{err: ErrNotRunning}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	port := ln.Addr().(*net.TCPAddr).Port

	s.ln = ln
	s.port = port
	s.running = true
	s.conns = make(map[net.Conn]struct{})
	s.cancel = cancel
	s.wg = wg
	wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, ln, wg, port)
	}()

	s.logger.Info("proxy listening", "addr", ln.Addr().String())
	ready <- bindResult{port: port}
}

// Stop tears the proxy down: the listener first so no further connections are
// accepted, then the run context so in-flight fetches abort, then every
// tracked connection is force-closed rather than drained. Idempotent, and
// safe while requests are in flight; their writes fail on the closed sockets.
func (s *Server) Stop() {
	s.mu.Lock()
	s.gen++ // also aborts any bind still in flight from a pending Start
	if !s.running {
		s.mu.Unlock()
		return
	}
	ln := s.ln
	cancel := s.cancel
	wg := s.wg
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.running = false
	s.ln = nil
	s.port = 0
	s.conns = nil
	s.cancel = nil
	s.wg = nil
	s.mu.Unlock()

	_ = ln.Close()
	cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	wg.Wait()

	s.logger.Info("proxy stopped")
}

// IsRunning reports whether the listener is up.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the bound loopback port, 0 when not running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ActiveConnections reports the number of connections currently being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SetStaticHeaders atomically replaces the static header set with a copy of h.
func (s *Server) SetStaticHeaders(h map[string]string) {
	s.headers.setStatic(h)
}

// SetDynamicHeaderProvider atomically replaces the dynamic header provider.
// fn is re-evaluated on every proxied request; pass nil to clear it, which is
// how an owner detaches on teardown.
func (s *Server) SetDynamicHeaderProvider(fn HeaderProvider) {
	s.headers.setProvider(fn)
}

// StaticHeaderCount reports the size of the current static header set.
func (s *Server) StaticHeaderCount() int {
	return s.headers.staticLen()
}

// StaticHeaders returns a copy of the current static header set.
func (s *Server) StaticHeaders() map[string]string {
	return s.headers.staticSnapshot()
}

// HasDynamicHeaderProvider reports whether a dynamic provider is registered.
func (s *Server) HasDynamicHeaderProvider() bool {
	return s.headers.hasProvider()
}

// CreateProxyURL returns the absolute local URL that proxies original.
// It fails with ErrNotRunning when the listener is down, and rejects
// anything but absolute http/https URLs.
func (s *Server) CreateProxyURL(original string) (string, error) {
	s.mu.Lock()
	running, port := s.running, s.port
	s.mu.Unlock()

	if !running {
		return "", ErrNotRunning
	}

	u, err := url.Parse(original)
	if err != nil {
		return "", fmt.Errorf("parse original url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("original url must be absolute http/https, got %q", original)
	}
	return proxyURLFor(port, original), nil
}

// proxyURLFor mints the absolute proxy URL for target on the given port.
func proxyURLFor(port int, target string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, EncodeTarget(target))
}

// acceptLoop accepts connections until the listener closes and hands each one
// to its own goroutine, so one slow upstream fetch never delays the others.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup, port int) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}

		if !s.trackConn(conn) {
			// Stop won the race with this accept.
			_ = conn.Close()
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrackConn(conn)

			if s.sem != nil {
				if err := s.sem.Acquire(ctx, 1); err != nil {
					_ = conn.Close()
					return
				}
				defer s.sem.Release(1)
			}
			s.handleConn(ctx, conn, port)
		}()
	}
}

// trackConn registers a live connection; false means the server is stopping
// and the connection should be dropped.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) publish(ev RequestEvent) {
	if s.sink != nil {
		s.sink.Publish(ev)
	}
}
