package ipfilter

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/errors"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/middleware/realip"
	"github.com/wudi/webserver/internal/wire"
	"go.uber.org/zap"
)

// Filter checks client IPs against allow/deny lists
type Filter struct {
	allow        []*net.IPNet
	deny         []*net.IPNet
	defaultAllow bool

	allowed  atomic.Int64
	rejected atomic.Int64
}

// New creates a new IP filter from config
func New(cfg config.IPFilterConfig) (*Filter, error) {
	allow, err := realip.ParseNets(cfg.Allow)
	if err != nil {
		return nil, fmt.Errorf("ip_filter.allow: %w", err)
	}
	deny, err := realip.ParseNets(cfg.Deny)
	if err != nil {
		return nil, fmt.Errorf("ip_filter.deny: %w", err)
	}
	return &Filter{allow: allow, deny: deny, defaultAllow: cfg.DefaultAllow}, nil
}

// Check returns true if the IP is allowed. An address on both lists, or on
// neither, gets the default.
func (f *Filter) Check(ip string) bool {
	inAllow := realip.Contains(f.allow, ip)
	inDeny := realip.Contains(f.deny, ip)

	switch {
	case inAllow && inDeny:
		return f.defaultAllow
	case inAllow:
		return true
	case inDeny:
		return false
	}
	return f.defaultAllow
}

// Handle implements middleware.Filter.
func (f *Filter) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	ip := req.ClientIP()
	if f.Check(ip) {
		f.allowed.Add(1)
		return next.Next(ctx, req, res)
	}

	f.rejected.Add(1)
	logging.FromContext(ctx).Info("IP rejected", zap.String("client_ip", ip), zap.String("path", req.Path()))
	errors.ErrForbidden.WithDetails("IP not allowed (" + ip + ")").WriteText(res)
	return nil
}

// Stats returns filter counters.
func (f *Filter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"allowed":  f.allowed.Load(),
		"rejected": f.rejected.Load(),
		"allow":    len(f.allow),
		"deny":     len(f.deny),
	}
}
