package realip

import (
	"context"
	"net"
	"strings"
	"sync/atomic"

	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

// CompiledRealIP derives the real client IP from an X-Forwarded-For chain.
type CompiledRealIP struct {
	trustedNets []*net.IPNet

	totalRequests atomic.Int64
	extracted     atomic.Int64 // times the IP came from the header, not the socket
}

// New creates a CompiledRealIP from trusted proxy addresses or CIDRs.
func New(trusted []string) (*CompiledRealIP, error) {
	nets, err := ParseNets(trusted)
	if err != nil {
		return nil, err
	}
	return &CompiledRealIP{trustedNets: nets}, nil
}

// ParseNets parses a list of addresses or CIDRs. Bare IPs become /32 or /128.
func ParseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, cidr := range entries {
		cidr = strings.TrimSpace(cidr)
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// Contains reports whether ipStr parses and falls inside any of nets.
func Contains(nets []*net.IPNet, ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Extract determines the client IP for req. Without an X-Forwarded-For
// header the socket address stands. With no trusted proxies the leftmost
// entry wins; otherwise the chain is walked right to left and the first
// untrusted hop is returned.
func (c *CompiledRealIP) Extract(req *wire.Request) string {
	c.totalRequests.Add(1)

	xff := req.Header("X-Forwarded-For")
	if strings.TrimSpace(xff) == "" {
		return req.ClientIP()
	}

	ip := c.walkXFF(xff)
	if ip == "" {
		return req.ClientIP()
	}
	c.extracted.Add(1)
	return ip
}

func (c *CompiledRealIP) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	if len(c.trustedNets) == 0 {
		return strings.TrimSpace(parts[0])
	}

	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !Contains(c.trustedNets, ip) {
			return ip
		}
	}

	// every hop trusted
	return strings.TrimSpace(parts[0])
}

// Handle implements middleware.Filter. The downstream chain sees a derived
// request carrying the resolved client IP.
func (c *CompiledRealIP) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	ip := c.Extract(req)
	if ip != req.ClientIP() {
		req = req.WithClientIP(ip).WithAttribute(wire.AttrClientIP, ip)
	}
	return next.Next(ctx, req, res)
}

// Stats returns metrics for the real IP extractor.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	Extracted     int64 `json:"extracted"`
	TrustedCIDRs  int   `json:"trusted_cidrs"`
}

// Stats returns the current metrics.
func (c *CompiledRealIP) Stats() Stats {
	return Stats{
		TotalRequests: c.totalRequests.Load(),
		Extracted:     c.extracted.Load(),
		TrustedCIDRs:  len(c.trustedNets),
	}
}
