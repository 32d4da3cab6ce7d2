package proxy

import (
	"strings"
	"testing"
)

func TestEncodeDecodeTarget_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"plain manifest", "https://cdn.example/media/index.m3u8"},
		{"segment with port", "http://origin.example:8080/seg/00042.ts"},
		{"query preserved", "https://cdn.example/live/index.m3u8?token=abc&expires=123"},
		{"query with encoded chars", "https://cdn.example/a.m3u8?sig=a%2Fb%3D&x=1"},
		{"spaces in path", "https://cdn.example/my movie/index.m3u8"},
		{"unicode path", "https://cdn.example/schön/index.m3u8"},
		{"fragmentless deep path", "https://cdn.example/a/b/c/d/e/f.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeTarget(tt.target)
			if !strings.HasPrefix(encoded, proxyPath+"?") {
				t.Fatalf("EncodeTarget(%q) = %q, want %q prefix", tt.target, encoded, proxyPath+"?")
			}

			decoded, err := DecodeTarget(encoded)
			if err != nil {
				t.Fatalf("DecodeTarget(%q) error = %v", encoded, err)
			}
			if decoded.String() != tt.target {
				t.Errorf("round trip = %q, want %q", decoded.String(), tt.target)
			}
		})
	}
}

func TestDecodeTarget_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		rawTarget string
	}{
		{"unknown path", "/other?url=https%3A%2F%2Fcdn.example%2Fa.m3u8"},
		{"root path", "/"},
		{"missing parameter", "/proxy"},
		{"empty parameter", "/proxy?url="},
		{"relative target", "/proxy?url=media%2Findex.m3u8"},
		{"file scheme", "/proxy?url=file%3A%2F%2F%2Fetc%2Fpasswd"},
		{"ftp scheme", "/proxy?url=ftp%3A%2F%2Fcdn.example%2Fa.ts"},
		{"schemeless host", "/proxy?url=cdn.example%2Fa.ts"},
		{"no host", "/proxy?url=https%3A%2F%2F"},
		{"garbage", "not a request target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTarget(tt.rawTarget); err == nil {
				t.Errorf("DecodeTarget(%q) error = nil, want error", tt.rawTarget)
			}
		})
	}
}

func TestEncodeTarget_EscapesQueryDelimiters(t *testing.T) {
	encoded := EncodeTarget("https://cdn.example/a.m3u8?x=1&y=2")

	if strings.Count(encoded, "?") != 1 {
		t.Errorf("EncodeTarget left a raw ? in the parameter: %q", encoded)
	}
	if strings.Contains(encoded[strings.Index(encoded, "=")+1:], "&") {
		t.Errorf("EncodeTarget left a raw & in the parameter: %q", encoded)
	}
}
