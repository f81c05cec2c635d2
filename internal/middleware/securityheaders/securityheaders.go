package securityheaders

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// CompiledSecurityHeaders holds the pre-computed security headers.
type CompiledSecurityHeaders struct {
	headers []headerPair
	metrics Metrics
}

// Metrics tracks security headers middleware statistics.
type Metrics struct {
	TotalRequests int64
}

// Snapshot is a point-in-time copy of metrics.
type Snapshot struct {
	TotalRequests int64    `json:"total_requests"`
	HeaderCount   int      `json:"header_count"`
	Headers       []string `json:"headers"`
}

// New creates a CompiledSecurityHeaders from config. Defaults are applied
// for fields not explicitly set.
func New(cfg config.SecurityHeadersConfig) *CompiledSecurityHeaders {
	pairs := []headerPair{
		{"X-Content-Type-Options", orDefault(cfg.XContentTypeOptions, "nosniff")},
		{"X-Frame-Options", orDefault(cfg.XFrameOptions, "DENY")},
		{"X-XSS-Protection", orDefault(cfg.XXSSProtection, "0")},
		{"Referrer-Policy", orDefault(cfg.ReferrerPolicy, "no-referrer")},
	}

	names := make([]string, 0, len(cfg.CustomHeaders))
	for name := range cfg.CustomHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pairs = append(pairs, headerPair{name, cfg.CustomHeaders[name]})
	}

	return &CompiledSecurityHeaders{
		headers: pairs,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Apply sets all configured security headers on the response header.
func (c *CompiledSecurityHeaders) Apply(h wire.Header) {
	atomic.AddInt64(&c.metrics.TotalRequests, 1)
	for _, p := range c.headers {
		h.Set(p.Name, p.Value)
	}
}

// Handle implements middleware.Filter. Headers are applied once the rest of
// the chain has returned, including when it short-circuited or failed.
func (c *CompiledSecurityHeaders) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	defer c.Apply(res.Header)
	return next.Next(ctx, req, res)
}

// Snapshot returns a point-in-time copy of metrics.
func (c *CompiledSecurityHeaders) Snapshot() Snapshot {
	names := make([]string, len(c.headers))
	for i, p := range c.headers {
		names[i] = p.Name
	}
	return Snapshot{
		TotalRequests: atomic.LoadInt64(&c.metrics.TotalRequests),
		HeaderCount:   len(c.headers),
		Headers:       names,
	}
}
