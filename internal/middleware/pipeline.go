package middleware

import (
	"context"

	"github.com/wudi/webserver/internal/wire"
)

// Resolver picks the terminal handler for a path.
type Resolver interface {
	Resolve(path string) Handler
}

// Router is a Resolver that also accepts registrations.
type Router interface {
	Resolver
	Handle(pattern string, h Handler)
}

// Pipeline runs the filters matching a request in front of the handler the
// resolver selects.
type Pipeline struct {
	registry *Registry
	resolver Resolver
}

// NewPipeline creates a pipeline over reg and resolver.
func NewPipeline(reg *Registry, resolver Resolver) *Pipeline {
	return &Pipeline{registry: reg, resolver: resolver}
}

// Registry returns the filter registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Match returns the ordered filters for path.
func (p *Pipeline) Match(path string) []Filter {
	return p.registry.Match(path)
}

// Run processes req and returns the response it produced. Errors escape
// unchanged for the caller to convert.
func (p *Pipeline) Run(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	res := wire.NewResponse()
	if err := p.Serve(ctx, req, res); err != nil {
		return res, err
	}
	return res, nil
}

// Serve implements Handler so a pipeline can be mounted anywhere a handler is.
func (p *Pipeline) Serve(ctx context.Context, req *wire.Request, res *wire.Response) error {
	h := p.resolver.Resolve(req.Path())
	return NewChain(h, p.Match(req.Path())...).Next(ctx, req, res)
}

// Close releases filters that hold resources.
func (p *Pipeline) Close() error {
	return p.registry.Close()
}

// Builder assembles a pipeline at startup.
type Builder struct {
	registry *Registry
	router   Router
}

// NewBuilder creates a builder that registers handlers on router.
func NewBuilder(router Router) *Builder {
	return &Builder{
		registry: NewRegistry(),
		router:   router,
	}
}

// Global registers a filter for every path.
func (b *Builder) Global(f Filter, order int) *Builder {
	b.registry.AddGlobal(f, order)
	return b
}

// GlobalIf registers a global filter when condition holds.
func (b *Builder) GlobalIf(condition bool, f func() Filter, order int) *Builder {
	if condition {
		b.registry.AddGlobal(f(), order)
	}
	return b
}

// Route registers a filter for the given patterns.
func (b *Builder) Route(f Filter, order int, patterns ...string) *Builder {
	b.registry.AddRoute(f, order, patterns...)
	return b
}

// Handle registers a terminal handler.
func (b *Builder) Handle(pattern string, h Handler) *Builder {
	b.router.Handle(pattern, h)
	return b
}

// NotFound replaces the router's fallback handler when the router supports it.
func (b *Builder) NotFound(h Handler) *Builder {
	if nf, ok := b.router.(interface{ NotFound(Handler) }); ok {
		nf.NotFound(h)
	}
	return b
}

// Build returns the assembled pipeline.
func (b *Builder) Build() *Pipeline {
	return NewPipeline(b.registry, b.router)
}
