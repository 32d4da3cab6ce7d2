package proxy

import (
	"log/slog"
	"net/http"
	"sync"
)

// HeaderProvider supplies the dynamic header set. It is re-evaluated on every
// proxied request, so values such as playback-session tokens or CMCD fields
// stay current without re-registering.
type HeaderProvider func() map[string]string

// hopByHopHeaders are meaningful for one network hop only and are never
// forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// headerState holds the static header map and the dynamic provider. Both are
// replaced atomically as whole values, so an in-flight merge always observes
// one consistent snapshot.
type headerState struct {
	mu       sync.RWMutex
	static   map[string]string
	provider HeaderProvider
}

func (h *headerState) setStatic(m map[string]string) {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	h.mu.Lock()
	h.static = cp
	h.mu.Unlock()
}

func (h *headerState) setProvider(fn HeaderProvider) {
	h.mu.Lock()
	h.provider = fn
	h.mu.Unlock()
}

func (h *headerState) staticLen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.static)
}

func (h *headerState) staticSnapshot() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]string, len(h.static))
	for k, v := range h.static {
		cp[k] = v
	}
	return cp
}

func (h *headerState) hasProvider() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.provider != nil
}

// resolve merges the headers for one upstream request. Later wins: forwarded
// client headers, then static, then the dynamic provider result. The inbound
// Host header refers to the proxy itself and is always dropped, as are
// hop-by-hop headers.
func (h *headerState) resolve(forwarded http.Header, logger *slog.Logger) http.Header {
	h.mu.RLock()
	static := h.static
	provider := h.provider
	h.mu.RUnlock()

	out := make(http.Header, len(forwarded)+len(static))
	for key, vals := range forwarded {
		if key == "Host" || hopByHopHeaders[key] {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	for k, v := range static {
		out.Set(k, v)
	}
	for k, v := range callProvider(provider, logger) {
		out.Set(k, v)
	}
	return out
}

// callProvider invokes the dynamic provider, degrading to an empty set if the
// provider panics. A gone or broken owner must never take a request down.
func callProvider(fn HeaderProvider, logger *slog.Logger) (out map[string]string) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("dynamic header provider panicked", "panic", r)
			out = nil
		}
	}()
	return fn()
}
