package middleware

import (
	"context"

	"github.com/wudi/webserver/internal/wire"
)

// Handler produces the response for a request at the end of a chain.
type Handler interface {
	Serve(ctx context.Context, req *wire.Request, res *wire.Response) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *wire.Request, res *wire.Response) error

func (f HandlerFunc) Serve(ctx context.Context, req *wire.Request, res *wire.Response) error {
	return f(ctx, req, res)
}

// Chain is the continuation handed to a filter. Calling Next runs the rest of
// the pipeline; returning without calling it short-circuits.
type Chain interface {
	Next(ctx context.Context, req *wire.Request, res *wire.Response) error
}

// Filter inspects or rewrites a request before the handler runs, and may
// touch the response after the rest of the chain returns.
type Filter interface {
	Handle(ctx context.Context, req *wire.Request, res *wire.Response, next Chain) error
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, req *wire.Request, res *wire.Response, next Chain) error

func (f FilterFunc) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next Chain) error {
	return f(ctx, req, res, next)
}

// link is one node of a built chain. Nodes are immutable, so a filter that
// calls Next more than once re-runs the same suffix.
type link struct {
	filters []Filter
	pos     int
	handler Handler
}

func (l link) Next(ctx context.Context, req *wire.Request, res *wire.Response) error {
	if l.pos < len(l.filters) {
		return l.filters[l.pos].Handle(ctx, req, res, link{filters: l.filters, pos: l.pos + 1, handler: l.handler})
	}
	return l.handler.Serve(ctx, req, res)
}

// NewChain links filters in order in front of h.
func NewChain(h Handler, filters ...Filter) Chain {
	return link{filters: filters, handler: h}
}

// Wrap turns filters plus a terminal handler into a single Handler.
func Wrap(h Handler, filters ...Filter) Handler {
	c := NewChain(h, filters...)
	return HandlerFunc(func(ctx context.Context, req *wire.Request, res *wire.Response) error {
		return c.Next(ctx, req, res)
	})
}
