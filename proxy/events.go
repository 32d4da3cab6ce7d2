package proxy

import "time"

// Request outcomes, bounded for metric labels.
const (
	OutcomePassThrough = "pass_through"
	OutcomeRewritten   = "rewritten"
	OutcomeRedirected  = "redirected"
	OutcomeError       = "error"
)

// RequestEvent describes one completed proxied request.
type RequestEvent struct {
	Time       time.Time `json:"time"`
	Method     string    `json:"method"`
	Target     string    `json:"target"`
	Status     int       `json:"status"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	UpstreamMS int64     `json:"upstream_ms"`
	BytesOut   int       `json:"bytes_out"`
	// ErrorKind is set for upstream fetch failures (dns, timeout, refused, ...).
	ErrorKind string `json:"error_kind,omitempty"`
}

// Sink receives request events as they complete. Implementations must not
// block; slow consumers are expected to drop.
type Sink interface {
	Publish(RequestEvent)
}

// Sinks fans one event out to several sinks.
type Sinks []Sink

// Publish delivers the event to every sink in order.
func (s Sinks) Publish(ev RequestEvent) {
	for _, sink := range s {
		sink.Publish(ev)
	}
}
