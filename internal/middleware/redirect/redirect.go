package redirect

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

type rule struct {
	from   string
	to     string
	status int
}

// Filter answers requests whose path matches a rule with a redirect.
type Filter struct {
	rules      []rule
	redirected atomic.Int64
}

// New compiles redirect rules. Rules are tried in order; the first match wins.
// A zero status means 302.
func New(rules []config.RedirectRule) (*Filter, error) {
	f := &Filter{rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		if !doublestar.ValidatePattern(r.From) {
			return nil, fmt.Errorf("redirect %d: invalid pattern %q", i, r.From)
		}
		status := r.Status
		if status == 0 {
			status = http.StatusFound
		}
		f.rules = append(f.rules, rule{from: r.From, to: r.To, status: status})
	}
	return f, nil
}

// Match returns the target and status for path, if a rule matches.
func (f *Filter) Match(path string) (string, int, bool) {
	for _, r := range f.rules {
		if ok, _ := doublestar.Match(r.from, path); ok {
			return r.to, r.status, true
		}
	}
	return "", 0, false
}

// Handle implements middleware.Filter. A match stops the chain.
func (f *Filter) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	to, status, ok := f.Match(req.Path())
	if !ok {
		return next.Next(ctx, req, res)
	}

	f.redirected.Add(1)
	logging.FromContext(ctx).Info("redirecting",
		zap.String("path", strings.NewReplacer("\r", "_", "\n", "_").Replace(req.Path())),
		zap.String("location", to),
		zap.Int("status", status),
	)

	res.SetStatus(status)
	res.Header.Set("Location", to)
	res.Body = nil
	return nil
}

// Redirected returns the number of redirects issued.
func (f *Filter) Redirected() int64 {
	return f.redirected.Load()
}
