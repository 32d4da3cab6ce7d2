package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fetch(t *testing.T, c *Client, raw string, header http.Header) (*Response, error) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return c.Fetch(context.Background(), u, header)
}

func TestFetch_PlainBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "cdn-7")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer ts.Close()

	c := NewClient(Config{}, discardLogger())
	resp, err := fetch(t, c, ts.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("Body = %q, want %q", resp.Body, "hello")
	}
	if got := resp.Header.Get("X-Origin"); got != "cdn-7" {
		t.Errorf("X-Origin = %q, want %q", got, "cdn-7")
	}
}

func TestFetch_SendsHeaders(t *testing.T) {
	var gotAuth, gotEncoding, gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Accept-Encoding")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(Config{}, discardLogger())
	header := http.Header{}
	header.Set("Authorization", "Bearer token-1")

	if _, err := fetch(t, c, ts.URL, header); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if gotAuth != "Bearer token-1" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer token-1")
	}
	if gotEncoding != acceptEncoding {
		t.Errorf("Accept-Encoding = %q, want %q", gotEncoding, acceptEncoding)
	}
	if gotUA != userAgent {
		t.Errorf("User-Agent = %q, want default %q", gotUA, userAgent)
	}
}

func TestFetch_KeepsCallerUserAgent(t *testing.T) {
	var gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(Config{}, discardLogger())
	header := http.Header{}
	header.Set("User-Agent", "ExoPlayer/2.19")

	if _, err := fetch(t, c, ts.URL, header); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotUA != "ExoPlayer/2.19" {
		t.Errorf("User-Agent = %q, want caller value preserved", gotUA)
	}
}

func TestFetch_DoesNotFollowRedirects(t *testing.T) {
	followed := false
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/next", http.StatusFound)
	})
	mux.HandleFunc("/next", func(w http.ResponseWriter, r *http.Request) {
		followed = true
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewClient(Config{}, discardLogger())
	resp, err := fetch(t, c, ts.URL+"/start", nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d (redirect surfaced, not followed)", resp.StatusCode, http.StatusFound)
	}
	if got := resp.Header.Get("Location"); got != "/next" {
		t.Errorf("Location = %q, want %q", got, "/next")
	}
	if followed {
		t.Error("redirect target was fetched; redirects must stay disabled")
	}
}

func TestFetch_DecodesGzip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("#EXTM3U\nsegment1.ts\n"))
		_ = gz.Close()
	}))
	defer ts.Close()

	c := NewClient(Config{}, discardLogger())
	resp, err := fetch(t, c, ts.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if string(resp.Body) != "#EXTM3U\nsegment1.ts\n" {
		t.Errorf("Body = %q, want decoded playlist", resp.Body)
	}
	if got := resp.Header.Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want removed after decode", got)
	}
}

func TestFetch_DecodesBrotli(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		br := brotli.NewWriter(w)
		_, _ = br.Write([]byte("brotli payload"))
		_ = br.Close()
	}))
	defer ts.Close()

	c := NewClient(Config{}, discardLogger())
	resp, err := fetch(t, c, ts.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if string(resp.Body) != "brotli payload" {
		t.Errorf("Body = %q, want %q", resp.Body, "brotli payload")
	}
	if got := resp.Header.Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want removed after decode", got)
	}
}

func TestFetch_BodyTooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer ts.Close()

	c := NewClient(Config{MaxBodyBytes: 16}, discardLogger())
	_, err := fetch(t, c, ts.URL, nil)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Fetch() error = %v, want ErrBodyTooLarge", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	c := NewClient(Config{Timeout: 100 * time.Millisecond}, discardLogger())

	start := time.Now()
	_, err := fetch(t, c, ts.URL, nil)
	if err == nil {
		t.Fatal("Fetch() expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fetch() took %v, want prompt timeout", elapsed)
	}
}

func TestFetch_ContextCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	c := NewClient(Config{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := c.Fetch(ctx, u, nil); err == nil {
		t.Fatal("Fetch() expected error after context cancel, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fetch() took %v after cancel, want prompt abort", elapsed)
	}
}

func TestFetch_UnreachableHost(t *testing.T) {
	// Bind and immediately close a listener so the port is known-dead.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := ts.URL
	ts.Close()

	c := NewClient(Config{Timeout: 2 * time.Second}, discardLogger())
	if _, err := fetch(t, c, deadURL, nil); err == nil {
		t.Fatal("Fetch() expected connection error, got nil")
	}
}
