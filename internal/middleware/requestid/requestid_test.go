package requestid

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

func capture(t *testing.T, f *Filter, hdr wire.Header) (*wire.Request, context.Context, *wire.Response) {
	t.Helper()
	var seenReq *wire.Request
	var seenCtx context.Context
	next := middleware.NewChain(middleware.HandlerFunc(func(ctx context.Context, req *wire.Request, res *wire.Response) error {
		seenReq, seenCtx = req, ctx
		return nil
	}))
	res := wire.NewResponse()
	if err := f.Handle(context.Background(), wire.NewRequest("GET", "/", "", hdr, nil), res, next); err != nil {
		t.Fatal(err)
	}
	return seenReq, seenCtx, res
}

func TestGeneratesID(t *testing.T) {
	req, ctx, res := capture(t, New(DefaultConfig), nil)

	id := res.Header.Get("X-Request-ID")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected a UUID, got %q", id)
	}
	if req.Header("X-Request-ID") != id {
		t.Errorf("downstream request header = %q, want %q", req.Header("X-Request-ID"), id)
	}
	if FromContext(ctx) != id {
		t.Errorf("context ID = %q, want %q", FromContext(ctx), id)
	}
}

func TestTrustsIncomingHeader(t *testing.T) {
	_, ctx, res := capture(t, New(DefaultConfig), wire.Header{"X-Request-Id": {"abc-123"}})
	if res.Header.Get("X-Request-ID") != "abc-123" || FromContext(ctx) != "abc-123" {
		t.Errorf("expected incoming ID to be kept, got %q", res.Header.Get("X-Request-ID"))
	}
}

func TestRejectsInvalidIncomingHeader(t *testing.T) {
	for _, bad := range []string{"has space", strings.Repeat("x", 200)} {
		_, _, res := capture(t, New(DefaultConfig), wire.Header{"X-Request-Id": {bad}})
		if res.Header.Get("X-Request-ID") == bad {
			t.Errorf("invalid ID %q should be replaced", bad)
		}
	}
}

func TestUntrustedHeaderAndCustomGenerator(t *testing.T) {
	f := New(Config{Header: "X-Trace", Generator: func() string { return "fixed" }})
	_, ctx, res := capture(t, f, wire.Header{"X-Trace": {"client"}})
	if res.Header.Get("X-Trace") != "fixed" || FromContext(ctx) != "fixed" {
		t.Errorf("expected generated ID, got %q", res.Header.Get("X-Trace"))
	}
}

func TestFromContextEmpty(t *testing.T) {
	if FromContext(context.Background()) != "" {
		t.Error("expected empty ID")
	}
}
