package proxy

import (
	"errors"
	"fmt"
	"net/url"
)

// proxyPath is the single local path the proxy answers on; the upstream URL
// travels percent-encoded in the url query parameter.
const proxyPath = "/proxy"

const targetParam = "url"

// EncodeTarget encodes an absolute upstream URL into the local proxy path.
func EncodeTarget(target string) string {
	return proxyPath + "?" + targetParam + "=" + url.QueryEscape(target)
}

// DecodeTarget decodes a request target produced by EncodeTarget back into the
// upstream URL. It rejects anything that is not an absolute http or https URL
// addressed at the proxy path.
func DecodeTarget(rawTarget string) (*url.URL, error) {
	u, err := url.ParseRequestURI(rawTarget)
	if err != nil {
		return nil, fmt.Errorf("parse request target: %w", err)
	}
	if u.Path != proxyPath {
		return nil, fmt.Errorf("unknown path %q", u.Path)
	}

	raw := u.Query().Get(targetParam)
	if raw == "" {
		return nil, errors.New("missing url query parameter")
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported target scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, errors.New("target url has no host")
	}
	return target, nil
}
