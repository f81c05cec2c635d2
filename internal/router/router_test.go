package router

import (
	"context"
	"testing"

	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

func named(name string) middleware.Handler {
	return middleware.HandlerFunc(func(_ context.Context, _ *wire.Request, res *wire.Response) error {
		res.SetString("text/plain", name)
		return nil
	})
}

func resolveName(t *testing.T, r *Router, path string) string {
	t.Helper()
	res := wire.NewResponse()
	req := wire.NewRequest("GET", path, "", nil, nil)
	if err := r.Resolve(path).Serve(context.Background(), req, res); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.Status == 404 {
		return "404"
	}
	return string(res.Body)
}

func TestResolvePrecedence(t *testing.T) {
	r := New()
	r.Handle("/api/*", named("api"))
	r.Handle("/api/v1/*", named("v1"))
	r.Handle("/api/v1/users", named("users"))

	tests := map[string]string{
		"/api/v1/users":     "users",
		"/api/v1/users/9":   "v1",
		"/api/v1":           "v1",
		"/api/other":        "api",
		"/api":              "api",
		"/apiary":           "404",
		"/elsewhere":        "404",
		"/api/v1/users/x/y": "v1",
	}
	for path, want := range tests {
		if got := resolveName(t, r, path); got != want {
			t.Errorf("Resolve(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestResolveIndependentOfRegistrationOrder(t *testing.T) {
	a := New()
	a.Handle("/a/*", named("short"))
	a.Handle("/a/b/*", named("long"))

	b := New()
	b.Handle("/a/b/*", named("long"))
	b.Handle("/a/*", named("short"))

	for _, p := range []string{"/a/b/c", "/a/x", "/a/b"} {
		if resolveName(t, a, p) != resolveName(t, b, p) {
			t.Errorf("resolution of %q depends on registration order", p)
		}
	}
}

func TestMemoPurgedOnRegister(t *testing.T) {
	r := New()
	r.Handle("/*", named("root"))
	if got := resolveName(t, r, "/docs/x"); got != "root" {
		t.Fatalf("expected root, got %s", got)
	}
	r.Handle("/docs/*", named("docs"))
	if got := resolveName(t, r, "/docs/x"); got != "docs" {
		t.Errorf("expected docs after registration, got %s", got)
	}
}

func TestReplaceAndNotFound(t *testing.T) {
	r := New()
	r.Handle("/x", named("one"))
	r.Handle("/x", named("two"))
	if got := resolveName(t, r, "/x"); got != "two" {
		t.Errorf("expected replacement handler, got %s", got)
	}

	r.NotFound(named("custom"))
	if got := resolveName(t, r, "/nope"); got != "custom" {
		t.Errorf("expected custom not-found handler, got %s", got)
	}
	if routes := r.Routes(); len(routes) != 1 || routes[0] != "/x" {
		t.Errorf("unexpected routes: %v", routes)
	}
}
