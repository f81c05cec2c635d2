package redirect

import (
	"context"
	"testing"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

func newFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := New([]config.RedirectRule{
		{From: "/old-page", To: "/new-page", Status: 301},
		{From: "/temp", To: "https://example.com/temporary"},
		{From: "/docs/**", To: "/documentation/", Status: 308},
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMatch(t *testing.T) {
	f := newFilter(t)

	tests := []struct {
		path   string
		to     string
		status int
		ok     bool
	}{
		{"/old-page", "/new-page", 301, true},
		{"/temp", "https://example.com/temporary", 302, true},
		{"/docs/a/b.html", "/documentation/", 308, true},
		{"/old-page/extra", "", 0, false},
		{"/index.html", "", 0, false},
	}
	for _, tt := range tests {
		to, status, ok := f.Match(tt.path)
		if ok != tt.ok || to != tt.to || status != tt.status {
			t.Errorf("Match(%q) = %q %d %v, want %q %d %v", tt.path, to, status, ok, tt.to, tt.status, tt.ok)
		}
	}
}

func TestHandle(t *testing.T) {
	f := newFilter(t)
	called := false
	next := middleware.NewChain(middleware.HandlerFunc(func(ctx context.Context, req *wire.Request, res *wire.Response) error {
		called = true
		return nil
	}))

	res := wire.NewResponse()
	if err := f.Handle(context.Background(), wire.NewRequest("GET", "/old-page?x=1", "", nil, nil), res, next); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("redirect should stop the chain")
	}
	if res.Status != 301 || res.Header.Get("Location") != "/new-page" {
		t.Errorf("unexpected response %d %q", res.Status, res.Header.Get("Location"))
	}

	res = wire.NewResponse()
	f.Handle(context.Background(), wire.NewRequest("GET", "/other", "", nil, nil), res, next)
	if !called || res.Status != 200 {
		t.Errorf("non-matching path should continue, called=%v status=%d", called, res.Status)
	}
	if f.Redirected() != 1 {
		t.Errorf("expected 1 redirect, got %d", f.Redirected())
	}
}

func TestInvalidPattern(t *testing.T) {
	if _, err := New([]config.RedirectRule{{From: "/a/[", To: "/b"}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
