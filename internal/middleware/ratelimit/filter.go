package ratelimit

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/errors"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

// Filter rejects clients that have exhausted their bucket with 429.
type Filter struct {
	tb      *TokenBucket
	allowed atomic.Int64
	denied  atomic.Int64
	onDeny  func()
}

// NewFilter creates a rate limiting filter backed by tb.
func NewFilter(tb *TokenBucket) *Filter {
	return &Filter{tb: tb}
}

// OnDeny installs a hook run for every rejected request.
func (f *Filter) OnDeny(fn func()) {
	f.onDeny = fn
}

// ClientKey identifies the caller: the resolved client IP, else the first
// X-Forwarded-For entry.
func ClientKey(req *wire.Request) string {
	if ip := req.ClientIP(); ip != "" {
		return ip
	}
	if xff := req.Header("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return ""
}

// Handle implements middleware.Filter.
func (f *Filter) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	key := ClientKey(req)
	if key == "" {
		errors.ErrBadRequest.WithDetails("Unable to determine client identity").Write(req, res)
		return nil
	}

	d := f.tb.TryConsume(key)
	res.Header.Set("X-RateLimit-Limit", f.tb.burstStr)
	res.Header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

	if !d.Allowed {
		f.denied.Add(1)
		if f.onDeny != nil {
			f.onDeny()
		}
		logging.FromContext(ctx).Warn("rate limit exceeded",
			zap.String("client", key),
			zap.String("path", req.Path()),
		)
		res.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
		res.Header.Set("Cache-Control", "no-store")
		errors.ErrTooManyRequests.WithDetails("Rate limit exceeded. Try again later.").Write(req, res)
		return nil
	}

	f.allowed.Add(1)
	return next.Next(ctx, req, res)
}

func retryAfterSeconds(d time.Duration) int {
	s := math.Ceil(d.Seconds())
	if s < 1 {
		return 1
	}
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(s)
}

// Stats returns allowed and denied counts.
func (f *Filter) Stats() map[string]int64 {
	return map[string]int64{
		"allowed": f.allowed.Load(),
		"denied":  f.denied.Load(),
		"tracked": int64(f.tb.Len()),
	}
}

// Close stops background work in the limiter.
func (f *Filter) Close() error {
	return f.tb.Close()
}
