package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/wire"
)

func newProxy(t *testing.T, route config.ProxyRoute, opts Options) *Proxy {
	t.Helper()
	p, err := New(route, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func forward(t *testing.T, p *Proxy, req *wire.Request) *wire.Response {
	t.Helper()
	res := wire.NewResponse()
	if err := p.Serve(context.Background(), req, res); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return res
}

func TestProxyForwardsRequest(t *testing.T) {
	var (
		gotPath, gotQuery, gotHop, gotKeep, gotXFF, gotHost string
		gotBody                                             []byte
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHop = r.Header.Get("X-Hop")
		gotKeep = r.Header.Get("X-Keep")
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotHost = r.Header.Get("X-Forwarded-Host")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer upstream.Close()

	p := newProxy(t, config.ProxyRoute{Prefix: "/api", Upstream: upstream.URL + "/base"}, Options{})

	hdr := wire.Header{
		"Host":       {"example.com"},
		"Connection": {"close, X-Hop"},
		"X-Hop":      {"1"},
		"X-Keep":     {"1"},
	}
	req := wire.NewRequest("POST", "/api/users?page=2", "HTTP/1.1", hdr, []byte("payload")).WithClientIP("10.0.0.1")
	res := forward(t, p, req)

	if res.Status != http.StatusCreated || string(res.Body) != "created" {
		t.Fatalf("unexpected response %d %q", res.Status, res.Body)
	}
	if gotPath != "/base/users" {
		t.Errorf("expected upstream path /base/users, got %q", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("expected query page=2, got %q", gotQuery)
	}
	if gotHop != "" {
		t.Error("header named by Connection should not be forwarded")
	}
	if gotKeep != "1" {
		t.Error("end-to-end header should be forwarded")
	}
	if gotXFF != "10.0.0.1" {
		t.Errorf("expected X-Forwarded-For 10.0.0.1, got %q", gotXFF)
	}
	if gotHost != "example.com" {
		t.Errorf("expected X-Forwarded-Host example.com, got %q", gotHost)
	}
	if string(gotBody) != "payload" {
		t.Errorf("expected body to be forwarded, got %q", gotBody)
	}
	if res.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header should be relayed")
	}
	if res.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop response header should be dropped")
	}
}

func TestProxyAppendsForwardedFor(t *testing.T) {
	var gotXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
	}))
	defer upstream.Close()

	p := newProxy(t, config.ProxyRoute{Prefix: "/api", Upstream: upstream.URL}, Options{})
	req := wire.NewRequest("GET", "/api", "HTTP/1.1", wire.Header{"X-Forwarded-For": {"1.2.3.4"}}, nil).WithClientIP("10.0.0.1")
	forward(t, p, req)

	if gotXFF != "1.2.3.4, 10.0.0.1" {
		t.Errorf("unexpected X-Forwarded-For %q", gotXFF)
	}
}

func TestProxyConnectionRefused(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	p := newProxy(t, config.ProxyRoute{Prefix: "/api", Upstream: addr}, Options{})
	res := forward(t, p, wire.NewRequest("GET", "/api/x", "HTTP/1.1", nil, nil))
	if res.Status != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", res.Status)
	}
	if p.failed.Load() != 1 {
		t.Errorf("expected failed=1, got %d", p.failed.Load())
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	p := newProxy(t, config.ProxyRoute{Prefix: "/slow", Upstream: upstream.URL, Timeout: 50 * time.Millisecond}, Options{})
	start := time.Now()
	res := forward(t, p, wire.NewRequest("GET", "/slow", "HTTP/1.1", nil, nil))
	if res.Status != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", res.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("proxy did not honour the route timeout")
	}
}

func TestProxyCircuitOpens(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	var (
		mu     sync.Mutex
		states []int
	)
	route := config.ProxyRoute{
		Prefix:   "/api",
		Upstream: upstream.URL,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			OpenTimeout:      time.Minute,
		},
	}
	p := newProxy(t, route, Options{OnStateChange: func(_ string, state int) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}})

	for i := 0; i < 2; i++ {
		res := forward(t, p, wire.NewRequest("GET", "/api", "HTTP/1.1", nil, nil))
		if res.Status != http.StatusInternalServerError {
			t.Fatalf("request %d: upstream 500 should be relayed, got %d", i, res.Status)
		}
	}

	res := forward(t, p, wire.NewRequest("GET", "/api", "HTTP/1.1", nil, nil))
	if res.Status != http.StatusBadGateway {
		t.Errorf("expected 502 while open, got %d", res.Status)
	}
	if hits.Load() != 2 {
		t.Errorf("open breaker should not reach upstream, hits=%d", hits.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0] != 2 {
		t.Errorf("expected one transition to open, got %v", states)
	}
	if p.Stats()["state"] != "open" {
		t.Errorf("unexpected state %v", p.Stats()["state"])
	}
}

func TestNewRejectsBadUpstream(t *testing.T) {
	for _, u := range []string{"", "ftp://host", "/relative", "http://"} {
		if _, err := New(config.ProxyRoute{Prefix: "/x", Upstream: u}, Options{}); err == nil {
			t.Errorf("expected error for upstream %q", u)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	cases := []struct{ prefix, path, want string }{
		{"/api", "/api/users", "/users"},
		{"/api", "/api", "/"},
		{"/api", "/other", "/other"},
		{"", "/x", "/x"},
	}
	for _, c := range cases {
		if got := stripPrefix(c.prefix, c.path); got != c.want {
			t.Errorf("stripPrefix(%q, %q) = %q, want %q", c.prefix, c.path, got, c.want)
		}
	}
	if got := singleJoiningSlash("/base/", "/users"); got != "/base/users" {
		t.Errorf("singleJoiningSlash = %q", got)
	}
	if got := singleJoiningSlash("", "/users"); got != "/users" {
		t.Errorf("singleJoiningSlash = %q", got)
	}
}
