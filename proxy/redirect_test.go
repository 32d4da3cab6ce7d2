package proxy

import (
	"net/http"
	"net/url"
	"testing"
)

func testMint(t *testing.T) func(string) string {
	t.Helper()
	return func(u string) string {
		return proxyURLFor(9999, u)
	}
}

func TestTranslateRedirect_RelativeLocation(t *testing.T) {
	target, err := url.Parse("https://cdn.example/a/b.m3u8")
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	header := http.Header{}
	header.Set("Location", "/v2/seg.ts")

	loc, ok := translateRedirect(http.StatusFound, header, target, testMint(t))
	if !ok {
		t.Fatal("translateRedirect ok = false, want true")
	}

	decoded, err := DecodeTarget(loc[len("http://127.0.0.1:9999"):])
	if err != nil {
		t.Fatalf("DecodeTarget(%q) error = %v", loc, err)
	}
	if got, want := decoded.String(), "https://cdn.example/v2/seg.ts"; got != want {
		t.Errorf("translated target = %q, want %q", got, want)
	}
}

func TestTranslateRedirect_Statuses(t *testing.T) {
	target, _ := url.Parse("https://cdn.example/a/b.m3u8")

	tests := []struct {
		name   string
		status int
		wantOK bool
	}{
		{"moved permanently", http.StatusMovedPermanently, true},
		{"found", http.StatusFound, true},
		{"temporary redirect", http.StatusTemporaryRedirect, true},
		{"permanent redirect", http.StatusPermanentRedirect, true},
		{"see other untouched", http.StatusSeeOther, false},
		{"not modified untouched", http.StatusNotModified, false},
		{"ok untouched", http.StatusOK, false},
		{"bad gateway untouched", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Location", "next.m3u8")

			_, ok := translateRedirect(tt.status, header, target, testMint(t))
			if ok != tt.wantOK {
				t.Errorf("translateRedirect(%d) ok = %v, want %v", tt.status, ok, tt.wantOK)
			}
		})
	}
}

func TestTranslateRedirect_PassThroughCases(t *testing.T) {
	target, _ := url.Parse("https://cdn.example/a/b.m3u8")

	tests := []struct {
		name     string
		location string
	}{
		{"missing location", ""},
		{"non-http scheme", "rtsp://cdn.example/stream"},
		{"data scheme", "data:text/plain,hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.location != "" {
				header.Set("Location", tt.location)
			}

			if loc, ok := translateRedirect(http.StatusFound, header, target, testMint(t)); ok {
				t.Errorf("translateRedirect ok = true (loc %q), want pass through", loc)
			}
		})
	}
}

func TestTranslateRedirect_AbsoluteLocation(t *testing.T) {
	target, _ := url.Parse("https://cdn.example/a/b.m3u8")
	header := http.Header{}
	header.Set("Location", "https://edge2.example/live/b.m3u8?token=x")

	loc, ok := translateRedirect(http.StatusMovedPermanently, header, target, testMint(t))
	if !ok {
		t.Fatal("translateRedirect ok = false, want true")
	}
	decoded, err := DecodeTarget(loc[len("http://127.0.0.1:9999"):])
	if err != nil {
		t.Fatalf("DecodeTarget(%q) error = %v", loc, err)
	}
	if got, want := decoded.String(), "https://edge2.example/live/b.m3u8?token=x"; got != want {
		t.Errorf("translated target = %q, want %q", got, want)
	}
}
