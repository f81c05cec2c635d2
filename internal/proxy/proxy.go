package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/errors"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/wire"
)

// Defaults for a proxy route.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
	DefaultMaxResponseBytes = 64 << 20
)

// errUpstreamStatus marks a 5xx answer as a breaker failure while still
// relaying it to the client.
var errUpstreamStatus = stderrors.New("upstream returned server error")

// upstreamResponse is an upstream answer read in full.
type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

// Options tune a Proxy beyond its route config.
type Options struct {
	// Transport defaults to DefaultTransport().
	Transport http.RoundTripper
	// OnStateChange observes breaker transitions (0=closed, 1=half_open, 2=open).
	OnStateChange func(upstream string, state int)
	// MaxResponseBytes bounds a relayed body.
	MaxResponseBytes int64
}

// Proxy forwards everything below a path prefix to one upstream.
type Proxy struct {
	prefix   string
	target   *url.URL
	timeout  time.Duration
	maxBytes int64
	client   *http.Client
	cb       *gobreaker.CircuitBreaker[*upstreamResponse]

	forwarded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New creates a proxy for route.
func New(route config.ProxyRoute, opts Options) (*Proxy, error) {
	target, err := url.Parse(route.Upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: invalid upstream: %w", route.Prefix, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, fmt.Errorf("proxy %s: upstream %q must be an absolute http(s) URL", route.Prefix, route.Upstream)
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	threshold := route.CircuitBreaker.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	openTimeout := route.CircuitBreaker.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	if opts.Transport == nil {
		opts.Transport = DefaultTransport()
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}

	p := &Proxy{
		prefix:   strings.TrimSuffix(route.Prefix, "/"),
		target:   target,
		timeout:  timeout,
		maxBytes: opts.MaxResponseBytes,
		client: &http.Client{
			Transport: opts.Transport,
			// redirects are relayed, not followed
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}

	onState := opts.OnStateChange
	p.cb = gobreaker.NewCircuitBreaker[*upstreamResponse](gobreaker.Settings{
		Name:        route.Upstream,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Proxy circuit breaker state changed",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onState != nil {
				onState(name, int(to))
			}
		},
	})
	return p, nil
}

// Prefix returns the route prefix this proxy serves.
func (p *Proxy) Prefix() string {
	return p.prefix
}

// Serve implements middleware.Handler.
func (p *Proxy) Serve(ctx context.Context, req *wire.Request, res *wire.Response) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outReq, err := p.createProxyRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}

	up, err := p.cb.Execute(func() (*upstreamResponse, error) {
		return p.roundTrip(outReq)
	})
	if err != nil && !stderrors.Is(err, errUpstreamStatus) {
		p.handleError(ctx, req, res, err)
		return nil
	}

	p.forwarded.Add(1)
	res.SetStatus(up.status)
	copyHeaders(res.Header, up.header)
	res.Body = up.body
	return nil
}

func (p *Proxy) roundTrip(outReq *http.Request) (*upstreamResponse, error) {
	resp, err := p.client.Do(outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}
	if int64(len(body)) > p.maxBytes {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", p.maxBytes)
	}

	up := &upstreamResponse{status: resp.StatusCode, header: resp.Header, body: body}
	if resp.StatusCode >= 500 {
		return up, errUpstreamStatus
	}
	return up, nil
}

// createProxyRequest builds the upstream request: prefix stripped, query
// kept, hop-by-hop headers dropped, X-Forwarded-* added.
func (p *Proxy) createProxyRequest(ctx context.Context, req *wire.Request) (*http.Request, error) {
	targetURL := *p.target
	targetURL.Path = singleJoiningSlash(p.target.Path, stripPrefix(p.prefix, req.Path()))
	targetURL.RawPath = ""
	targetURL.RawQuery = req.RawQuery()

	var body io.Reader = http.NoBody
	if b := req.Body(); len(b) > 0 {
		body = bytes.NewReader(b)
	}
	outReq, err := http.NewRequestWithContext(ctx, req.Method(), targetURL.String(), body)
	if err != nil {
		return nil, err
	}

	for name, values := range req.Headers() {
		outReq.Header[name] = values
	}
	removeHopHeaders(outReq.Header)
	outReq.Header.Del("Content-Length")
	outReq.Host = p.target.Host

	if clientIP := req.ClientIP(); clientIP != "" {
		if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	outReq.Header.Set("X-Forwarded-Proto", "http")
	if host := req.Header("Host"); host != "" {
		outReq.Header.Set("X-Forwarded-Host", host)
	}

	return outReq, nil
}

// handleError maps transport failures onto gateway statuses
func (p *Proxy) handleError(ctx context.Context, req *wire.Request, res *wire.Response, err error) {
	log := logging.FromContext(ctx).With(zap.String("upstream", p.target.String()), zap.Error(err))

	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		p.rejected.Add(1)
		log.Warn("Proxy circuit open")
		errors.ErrBadGateway.WithDetails("upstream unavailable").Write(req, res)
		return
	}

	p.failed.Add(1)
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		log.Warn("Proxy upstream timeout")
		errors.ErrGatewayTimeout.Write(req, res)
		return
	}

	log.Warn("Proxy upstream error")
	errors.ErrBadGateway.Write(req, res)
}

// copyHeaders copies upstream headers, minus hop-by-hop and framing headers
func copyHeaders(dst wire.Header, src http.Header) {
	src = src.Clone()
	removeHopHeaders(src)
	src.Del("Content-Length")
	for k, vv := range src {
		dst[textproto.CanonicalMIMEHeaderKey(k)] = vv
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	// headers named by Connection are hop-by-hop too
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// stripPrefix removes the route prefix from the request path
func stripPrefix(prefix, path string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path && prefix != "" {
		return path
	}
	if rest == "" {
		return "/"
	}
	return rest
}

// Stats returns proxy counters and the breaker state.
func (p *Proxy) Stats() map[string]interface{} {
	counts := p.cb.Counts()
	return map[string]interface{}{
		"upstream":             p.target.String(),
		"forwarded":            p.forwarded.Load(),
		"failed":               p.failed.Load(),
		"rejected":             p.rejected.Load(),
		"state":                p.cb.State().String(),
		"consecutive_failures": counts.ConsecutiveFailures,
	}
}
