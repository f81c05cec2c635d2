package router

import (
	"context"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/webserver/internal/errors"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

const defaultMemoSize = 1024

// Route binds a pattern to a handler. Patterns ending in "/*" are wildcards
// covering their prefix; everything else matches exactly.
type Route struct {
	Pattern string
	Handler middleware.Handler
	prefix  string
}

// Router resolves paths: exact match first, then the longest wildcard prefix,
// then the not-found handler.
type Router struct {
	mu        sync.RWMutex
	exact     map[string]middleware.Handler
	wildcards []*Route // longest prefix first
	notFound  middleware.Handler
	memo      *lru.Cache[string, middleware.Handler]
}

// New creates an empty router whose not-found handler answers 404.
func New() *Router {
	memo, _ := lru.New[string, middleware.Handler](defaultMemoSize)
	return &Router{
		exact:    make(map[string]middleware.Handler),
		notFound: NotFoundHandler(),
		memo:     memo,
	}
}

// Handle registers h for pattern, replacing an earlier handler for the same pattern.
func (r *Router) Handle(pattern string, h middleware.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.memo.Purge()

	prefix, wildcard := strings.CutSuffix(pattern, "/*")
	if !wildcard {
		r.exact[pattern] = h
		return
	}
	for _, rt := range r.wildcards {
		if rt.Pattern == pattern {
			rt.Handler = h
			return
		}
	}
	r.wildcards = append(r.wildcards, &Route{Pattern: pattern, Handler: h, prefix: prefix})
	sort.SliceStable(r.wildcards, func(i, j int) bool {
		if len(r.wildcards[i].prefix) != len(r.wildcards[j].prefix) {
			return len(r.wildcards[i].prefix) > len(r.wildcards[j].prefix)
		}
		return r.wildcards[i].prefix < r.wildcards[j].prefix
	})
}

// HandleFunc registers a function handler.
func (r *Router) HandleFunc(pattern string, fn func(ctx context.Context, req *wire.Request, res *wire.Response) error) {
	r.Handle(pattern, middleware.HandlerFunc(fn))
}

// NotFound replaces the fallback handler.
func (r *Router) NotFound(h middleware.Handler) {
	r.mu.Lock()
	r.notFound = h
	r.memo.Purge()
	r.mu.Unlock()
}

// Resolve returns the handler for path. It never returns nil.
func (r *Router) Resolve(path string) middleware.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.exact[path]; ok {
		return h
	}
	if h, ok := r.memo.Get(path); ok {
		return h
	}
	h := r.notFound
	for _, rt := range r.wildcards {
		if middleware.MatchPattern(rt.Pattern, path) {
			h = rt.Handler
			break
		}
	}
	r.memo.Add(path, h)
	return h
}

// Routes returns the registered patterns, exact routes first.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.exact)+len(r.wildcards))
	for p := range r.exact {
		out = append(out, p)
	}
	sort.Strings(out)
	for _, rt := range r.wildcards {
		out = append(out, rt.Pattern)
	}
	return out
}

// NotFoundHandler answers 404 with a framed error page.
func NotFoundHandler() middleware.Handler {
	return middleware.HandlerFunc(func(_ context.Context, req *wire.Request, res *wire.Response) error {
		errors.ErrNotFound.WithDetails("No route for " + req.Path()).Write(req, res)
		return nil
	})
}
