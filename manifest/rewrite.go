// Package manifest rewrites HLS playlists so that every reference they
// contain points back through the local proxy.
package manifest

import (
	"net/url"
	"regexp"
	"strings"
)

// ContentType is forced onto every response whose body was rewritten, since
// the rewritten body no longer matches the upstream's reported type.
const ContentType = "application/vnd.apple.mpegurl"

// playlistMediaTypes are the MIME types treated as HLS playlists.
var playlistMediaTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// uriAttrPattern matches URI="..." attributes on playlist tag lines
// (key references, init segments, media renditions).
var uriAttrPattern = regexp.MustCompile(`URI="([^"]*)"`)

// IsPlaylist reports whether a response should be treated as an HLS playlist,
// judged by the upstream Content-Type or the target path extension.
func IsPlaylist(contentType, targetPath string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	if playlistMediaTypes[strings.ToLower(strings.TrimSpace(mediaType))] {
		return true
	}
	return strings.HasSuffix(strings.ToLower(targetPath), ".m3u8")
}

// Rewrite substitutes every segment, sub-playlist, and URI attribute reference
// in body with its proxied equivalent. References are resolved against base
// (the playlist's own fetch URL) before encoding, so relative references work.
// encode maps an absolute upstream URL to a proxy URL.
//
// The original line terminator style is preserved, and a line whose reference
// cannot be resolved is left untouched rather than failing the whole body.
func Rewrite(body []byte, base *url.URL, encode func(string) string) []byte {
	content := string(body)

	terminator := "\n"
	if strings.Contains(content, "\r\n") {
		terminator = "\r\n"
	}

	lines := strings.Split(content, terminator)
	for i, line := range lines {
		lines[i] = rewriteLine(line, base, encode)
	}

	return []byte(strings.Join(lines, terminator))
}

// rewriteLine handles one playlist line: URI attributes on tag lines, whole-line
// references on non-comment lines, everything else verbatim.
func rewriteLine(line string, base *url.URL, encode func(string) string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return line
	}

	if strings.HasPrefix(trimmed, "#") {
		if !strings.Contains(line, `URI="`) {
			return line
		}
		return uriAttrPattern.ReplaceAllStringFunc(line, func(match string) string {
			ref := match[len(`URI="`) : len(match)-1]
			resolved, ok := resolveRef(base, ref)
			if !ok {
				return match
			}
			return `URI="` + encode(resolved) + `"`
		})
	}

	resolved, ok := resolveRef(base, trimmed)
	if !ok {
		return line
	}
	return encode(resolved)
}

// resolveRef resolves ref against base and returns the absolute URL string.
// Only http/https results are eligible for proxying.
func resolveRef(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Host == "" {
		return "", false
	}
	return resolved.String(), true
}
