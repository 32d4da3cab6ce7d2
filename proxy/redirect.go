package proxy

import (
	"net/http"
	"net/url"
)

// redirectStatuses are the upstream statuses whose Location gets translated.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// translateRedirect resolves an upstream Location against the request target
// and re-encodes it as a proxy URL, so the client's follow-up request is
// intercepted and header-injected as well. ok is false when the response
// should pass through unmodified: non-redirect status, missing Location, or a
// Location that does not resolve to an absolute http/https URL.
func translateRedirect(status int, header http.Header, target *url.URL, mint func(string) string) (string, bool) {
	if !redirectStatuses[status] {
		return "", false
	}

	loc := header.Get("Location")
	if loc == "" {
		return "", false
	}

	ref, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	resolved := target.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Host == "" {
		return "", false
	}

	return mint(resolved.String()), true
}
