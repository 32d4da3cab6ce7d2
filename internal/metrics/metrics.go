// Package metrics provides Prometheus metrics for the daemon.
package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"streamgate/proxy"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors. The playback-proxy plane is
// fed through Publish; the admin plane through the echo middleware.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamErrors      *prometheus.CounterVec
	ManifestsRewritten  prometheus.Counter
	RedirectsTranslated prometheus.Counter
	ResponseBytes       prometheus.Counter

	AdminRequestsTotal    *prometheus.CounterVec
	AdminRequestDuration  *prometheus.HistogramVec
	AdminRequestsInFlight prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_requests_total",
			Help: "Total playback requests served by the proxy.",
		}, []string{"method", "status_code", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_request_duration_seconds",
			Help:    "Playback request latency in seconds, end to end.",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_upstream_request_duration_seconds",
			Help:    "Origin fetch latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_upstream_errors_total",
			Help: "Total origin fetch failures by kind.",
		}, []string{"kind"}),

		ManifestsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_manifests_rewritten_total",
			Help: "Total playlist bodies rewritten to point through the proxy.",
		}),

		RedirectsTranslated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_redirects_translated_total",
			Help: "Total upstream redirects translated into proxy URLs.",
		}),

		ResponseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_response_bytes_total",
			Help: "Total body bytes written to playback clients.",
		}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_admin_requests_total",
			Help: "Total admin API requests.",
		}, []string{"method", "status_code", "route"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_admin_request_duration_seconds",
			Help:    "Admin API request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		AdminRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_admin_requests_in_flight",
			Help: "Number of admin API requests currently being processed.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.ManifestsRewritten,
		m.RedirectsTranslated,
		m.ResponseBytes,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
		m.AdminRequestsInFlight,
	)

	return m
}

// Publish implements proxy.Sink: one completed playback request per call.
func (m *Metrics) Publish(ev proxy.RequestEvent) {
	method := NormalizeMethod(ev.Method)
	outcome := NormalizeOutcome(ev.Outcome)
	status := strconv.Itoa(ev.Status)

	m.RequestsTotal.WithLabelValues(method, status, outcome).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(float64(ev.DurationMS) / 1000)
	m.ResponseBytes.Add(float64(ev.BytesOut))

	// 400 and 405 never reach the origin; everything else carries a fetch.
	if ev.ErrorKind != "" || ev.Outcome != proxy.OutcomeError {
		m.UpstreamDuration.WithLabelValues(status).Observe(float64(ev.UpstreamMS) / 1000)
	}
	if ev.ErrorKind != "" {
		m.UpstreamErrors.WithLabelValues(ev.ErrorKind).Inc()
	}

	switch ev.Outcome {
	case proxy.OutcomeRewritten:
		m.ManifestsRewritten.Inc()
	case proxy.OutcomeRedirected:
		m.RedirectsTranslated.Inc()
	}
}

// RegisterActiveConnections exposes the proxy's live connection count as a
// gauge, sampled at scrape time.
func (m *Metrics) RegisterActiveConnections(fn func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "streamgate_active_connections",
		Help: "Connections currently being served by the playback proxy.",
	}, func() float64 { return float64(fn()) }))
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownOutcomes lists the allowed outcome label values (bounded cardinality).
var knownOutcomes = map[string]bool{
	proxy.OutcomePassThrough: true,
	proxy.OutcomeRewritten:   true,
	proxy.OutcomeRedirected:  true,
	proxy.OutcomeError:       true,
}

// NormalizeOutcome returns a bounded outcome label for Prometheus metrics.
func NormalizeOutcome(outcome string) string {
	if knownOutcomes[outcome] {
		return outcome
	}
	return "other"
}

// knownRoutes lists the allowed admin route label values (bounded cardinality).
var knownRoutes = []string{
	"/healthz", "/status", "/headers", "/proxy-url", "/start", "/stop", "/events", "/metrics",
}

// NormalizeRoute returns a bounded admin route label for Prometheus metrics.
func NormalizeRoute(path string) string {
	for _, route := range knownRoutes {
		if path == route || strings.HasPrefix(path, route+"/") || strings.HasPrefix(path, route+"?") {
			return route
		}
	}
	return "other"
}
