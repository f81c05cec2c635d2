package middleware

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/wudi/webserver/internal/wire"
)

type staticResolver struct{ h Handler }

func (s staticResolver) Resolve(string) Handler { return s.h }

func recordFilter(log *[]string, name string) Filter {
	return FilterFunc(func(ctx context.Context, req *wire.Request, res *wire.Response, next Chain) error {
		*log = append(*log, name)
		return next.Next(ctx, req, res)
	})
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"/api/*", "/api", true},
		{"/api/*", "/api/", true},
		{"/api/*", "/api/users", true},
		{"/api/*", "/apix", false},
		{"/*", "/anything/at/all", true},
		{"/health", "/health", true},
		{"/health", "/health/x", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.path); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestPipelineOrdering(t *testing.T) {
	var log []string
	reg := NewRegistry()
	reg.AddRoute(recordFilter(&log, "route 0"), 0, "/api/*")
	reg.AddGlobal(recordFilter(&log, "global 5"), 5)
	reg.AddGlobal(recordFilter(&log, "global 1"), 1)
	reg.AddRoute(recordFilter(&log, "other route"), 0, "/static/*")

	handler := HandlerFunc(func(_ context.Context, _ *wire.Request, _ *wire.Response) error {
		log = append(log, "handler")
		return nil
	})
	p := NewPipeline(reg, staticResolver{handler})

	if _, err := p.Run(context.Background(), wire.NewRequest("GET", "/api/x", "", nil, nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"global 1", "global 5", "route 0", "handler"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("execution order = %v, want %v", log, want)
	}
}

func TestPipelineStableTies(t *testing.T) {
	var log []string
	reg := NewRegistry()
	reg.AddGlobal(recordFilter(&log, "a"), 3)
	reg.AddGlobal(recordFilter(&log, "b"), 3)
	reg.AddGlobal(recordFilter(&log, "c"), 3)
	p := NewPipeline(reg, staticResolver{HandlerFunc(func(context.Context, *wire.Request, *wire.Response) error { return nil })})

	p.Run(context.Background(), wire.NewRequest("GET", "/", "", nil, nil))
	if !reflect.DeepEqual(log, []string{"a", "b", "c"}) {
		t.Errorf("ties not in registration order: %v", log)
	}
}

func TestShortCircuit(t *testing.T) {
	called := false
	reg := NewRegistry()
	reg.AddGlobal(FilterFunc(func(_ context.Context, _ *wire.Request, res *wire.Response, _ Chain) error {
		res.SetStatus(403)
		return nil
	}), 0)
	p := NewPipeline(reg, staticResolver{HandlerFunc(func(context.Context, *wire.Request, *wire.Response) error {
		called = true
		return nil
	})})

	res, err := p.Run(context.Background(), wire.NewRequest("GET", "/", "", nil, nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Error("handler ran after short-circuit")
	}
	if res.Status != 403 {
		t.Errorf("expected 403, got %d", res.Status)
	}
}

func TestFilterSeesRewrittenRequest(t *testing.T) {
	reg := NewRegistry()
	reg.AddGlobal(FilterFunc(func(ctx context.Context, req *wire.Request, res *wire.Response, next Chain) error {
		return next.Next(ctx, req.WithClientIP("9.9.9.9"), res)
	}), 0)
	var seen string
	p := NewPipeline(reg, staticResolver{HandlerFunc(func(_ context.Context, req *wire.Request, _ *wire.Response) error {
		seen = req.ClientIP()
		return nil
	})})
	p.Run(context.Background(), wire.NewRequest("GET", "/", "", nil, nil))
	if seen != "9.9.9.9" {
		t.Errorf("handler saw client ip %q", seen)
	}
}

func TestErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	p := NewPipeline(NewRegistry(), staticResolver{HandlerFunc(func(context.Context, *wire.Request, *wire.Response) error {
		return boom
	})})
	if _, err := p.Run(context.Background(), wire.NewRequest("GET", "/", "", nil, nil)); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

type closingFilter struct {
	closes int
}

func (c *closingFilter) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next Chain) error {
	return next.Next(ctx, req, res)
}

func (c *closingFilter) Close() error {
	c.closes++
	return nil
}

func TestRegistryCloseOnce(t *testing.T) {
	f := &closingFilter{}
	reg := NewRegistry()
	reg.AddGlobal(f, 0)
	reg.AddRoute(f, 1, "/a/*")
	reg.AddGlobal(recordFilter(new([]string), "plain"), 2)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.closes != 1 {
		t.Errorf("expected one Close call, got %d", f.closes)
	}
}

func TestBuilder(t *testing.T) {
	var log []string
	r := &mapRouter{m: map[string]Handler{}}
	p := NewBuilder(r).
		Global(recordFilter(&log, "g"), 0).
		GlobalIf(false, func() Filter { return recordFilter(&log, "skipped") }, 0).
		Route(recordFilter(&log, "r"), 0, "/x").
		Handle("/x", HandlerFunc(func(context.Context, *wire.Request, *wire.Response) error {
			log = append(log, "h")
			return nil
		})).
		Build()

	p.Run(context.Background(), wire.NewRequest("GET", "/x", "", nil, nil))
	if !reflect.DeepEqual(log, []string{"g", "r", "h"}) {
		t.Errorf("unexpected order: %v", log)
	}
}

type mapRouter struct{ m map[string]Handler }

func (r *mapRouter) Handle(p string, h Handler) { r.m[p] = h }
func (r *mapRouter) Resolve(p string) Handler  { return r.m[p] }
