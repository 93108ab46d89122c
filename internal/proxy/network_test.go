package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/quran-companion/shell-cache/internal/config"
	"github.com/quran-companion/shell-cache/internal/fetch"
	"github.com/quran-companion/shell-cache/internal/server"
)

func newTestNetwork(t *testing.T, origins ...config.OriginConfig) *Network {
	t.Helper()
	cfg := &config.Config{
		Global:  config.GlobalConfig{ListenPort: 5000, UpstreamTimeout: config.Duration(5 * time.Second)},
		Origins: origins,
	}
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	network, err := NewNetwork(server.NewUpstreamClient(cfg), registry)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	return network
}

func publicRequest(t *testing.T, raw string) *fetch.Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return fetch.NewRequest(http.MethodGet, u)
}

func TestNetworkRewritesToUpstream(t *testing.T) {
	seenCh := make(chan *http.Request, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCh <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = w.Write([]byte("<html>shell</html>"))
	}))
	defer upstream.Close()

	network := newTestNetwork(t, config.OriginConfig{Name: "app", Domain: "app.example.com", Upstream: upstream.URL})

	req := publicRequest(t, "https://app.example.com/quran/1?lang=ar")
	req.Header.Set("X-Trace", "abc")
	req.Header.Set("Connection", "X-Private")
	req.Header.Set("X-Private", "secret")

	resp, err := network.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	defer resp.Close()
	body, _ := io.ReadAll(resp.Body)

	if string(body) != "<html>shell</html>" {
		t.Fatalf("unexpected body: %s", body)
	}
	if resp.Status != http.StatusOK || resp.Type != fetch.TypeBasic || resp.Source != fetch.SourceNetwork {
		t.Fatalf("unexpected response meta: %d %s %s", resp.Status, resp.Type, resp.Source)
	}
	if resp.URL != "https://app.example.com/quran/1?lang=ar" {
		t.Fatalf("response url should stay public, got %s", resp.URL)
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("content type not copied")
	}
	if resp.Header.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop header leaked into response")
	}

	var seen *http.Request
	select {
	case seen = <-seenCh:
	default:
		t.Fatalf("upstream not called")
	}
	if seen.URL.Path != "/quran/1" || seen.URL.RawQuery != "lang=ar" {
		t.Fatalf("unexpected upstream target: %s", seen.URL.String())
	}
	if seen.Header.Get("X-Trace") != "abc" {
		t.Fatalf("end-to-end header not forwarded")
	}
	if seen.Header.Get("X-Private") != "" {
		t.Fatalf("header named by Connection must be dropped")
	}
	if seen.Header.Get("X-Forwarded-Host") != "app.example.com" {
		t.Fatalf("unexpected X-Forwarded-Host: %s", seen.Header.Get("X-Forwarded-Host"))
	}
	if seen.Header.Get("X-Forwarded-Proto") != "https" {
		t.Fatalf("unexpected X-Forwarded-Proto: %s", seen.Header.Get("X-Forwarded-Proto"))
	}
	if seen.Header.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("unexpected X-Forwarded-Port: %s", seen.Header.Get("X-Forwarded-Port"))
	}
}

func TestNetworkMarksSecondaryOriginOpaque(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("font"))
	}))
	defer upstream.Close()

	network := newTestNetwork(t,
		config.OriginConfig{Name: "app", Domain: "app.example.com", Upstream: upstream.URL, Primary: true},
		config.OriginConfig{Name: "fonts", Domain: "fonts.example.com", Upstream: upstream.URL},
	)

	resp, err := network.Fetch(context.Background(), publicRequest(t, "https://fonts.example.com/uthmani.woff2"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	defer resp.Close()
	if resp.Type != fetch.TypeOpaque {
		t.Fatalf("secondary origin should be opaque, got %s", resp.Type)
	}
	if resp.Cacheable() {
		t.Fatalf("opaque response must not be cacheable")
	}
}

func TestNetworkUnmappedHost(t *testing.T) {
	network := newTestNetwork(t, config.OriginConfig{Name: "app", Domain: "app.example.com", Upstream: "http://127.0.0.1:1"})

	_, err := network.Fetch(context.Background(), publicRequest(t, "https://evil.example.com/"))
	if !errors.Is(err, ErrOriginUnmapped) {
		t.Fatalf("expected ErrOriginUnmapped, got %v", err)
	}
}

func TestNetworkDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer upstream.Close()

	network := newTestNetwork(t, config.OriginConfig{Name: "app", Domain: "app.example.com", Upstream: upstream.URL})
	resp, err := network.Fetch(context.Background(), publicRequest(t, "https://app.example.com/"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	defer resp.Close()
	if resp.Status != http.StatusFound || resp.Header.Get("Location") != "/login" {
		t.Fatalf("redirect should be returned as-is, got %d %s", resp.Status, resp.Header.Get("Location"))
	}
}

func TestNetworkUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	network := newTestNetwork(t, config.OriginConfig{Name: "app", Domain: "app.example.com", Upstream: target})
	if _, err := network.Fetch(context.Background(), publicRequest(t, "https://app.example.com/")); err == nil {
		t.Fatalf("expected error when upstream is down")
	}
}

func TestResolveUpstreamURLKeepsTrailingSlash(t *testing.T) {
	base, _ := url.Parse("http://127.0.0.1:3000")
	cases := map[string]string{
		"https://app.example.com":            "http://127.0.0.1:3000/",
		"https://app.example.com/surah/":     "http://127.0.0.1:3000/surah/",
		"https://app.example.com/a/../b?x=1": "http://127.0.0.1:3000/b?x=1",
	}
	for raw, want := range cases {
		public, _ := url.Parse(raw)
		if got := resolveUpstreamURL(base, public).String(); got != want {
			t.Fatalf("resolve %s: expected %s, got %s", raw, want, got)
		}
	}
}
