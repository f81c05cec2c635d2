package accesslog

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
	"go.uber.org/zap"
)

// DefaultSensitiveHeaders are always masked unless overridden.
var DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-API-Key"}

// StatusRange represents a contiguous range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses a status range string like "4xx", "200", "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	// Pattern: Nxx (e.g. "4xx", "5xx")
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, &ParseError{Input: s}
		}
		return StatusRange{Lo: base, Hi: base + 99}, nil
	}
	// Pattern: N-M (e.g. "200-299")
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo < 100 || hi > 599 || lo > hi {
			return StatusRange{}, &ParseError{Input: s}
		}
		return StatusRange{Lo: lo, Hi: hi}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, &ParseError{Input: s}
	}
	return StatusRange{Lo: code, Hi: code}, nil
}

// ParseError is returned when a status range string is invalid.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return "invalid status range: " + e.Input
}

// Recorder receives the outcome of every request that passes the filter,
// logged or not.
type Recorder func(method string, status int, duration time.Duration)

// CompiledAccessLog logs one line per request once the chain has returned.
type CompiledAccessLog struct {
	skipPaths        map[string]bool
	statusRanges     []StatusRange
	headers          []string
	sensitiveHeaders map[string]bool
	recorders        []Recorder
}

// New compiles an AccessLogConfig into a CompiledAccessLog.
func New(cfg config.AccessLogConfig) (*CompiledAccessLog, error) {
	c := &CompiledAccessLog{
		skipPaths:        make(map[string]bool, len(cfg.SkipPaths)),
		sensitiveHeaders: make(map[string]bool),
	}

	for _, p := range cfg.SkipPaths {
		c.skipPaths[p] = true
	}

	for _, h := range cfg.Headers {
		c.headers = append(c.headers, http.CanonicalHeaderKey(h))
	}

	// Compile sensitive headers (merge defaults + user list)
	for _, h := range DefaultSensitiveHeaders {
		c.sensitiveHeaders[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range cfg.SensitiveHeaders {
		c.sensitiveHeaders[http.CanonicalHeaderKey(h)] = true
	}

	for _, sc := range cfg.StatusCodes {
		sr, err := ParseStatusRange(sc)
		if err != nil {
			return nil, err
		}
		c.statusRanges = append(c.statusRanges, sr)
	}

	return c, nil
}

// Observe registers fn to be called for every completed request.
func (c *CompiledAccessLog) Observe(fn Recorder) {
	c.recorders = append(c.recorders, fn)
}

// ShouldLog returns true if the request should be logged given path and status.
func (c *CompiledAccessLog) ShouldLog(path string, status int) bool {
	if c.skipPaths[path] {
		return false
	}
	if len(c.statusRanges) == 0 {
		return true
	}
	for _, sr := range c.statusRanges {
		if status >= sr.Lo && status <= sr.Hi {
			return true
		}
	}
	return false
}

// MaskHeaderValue returns "***" if the header name is sensitive, otherwise returns the value.
func (c *CompiledAccessLog) MaskHeaderValue(name, value string) string {
	if c.sensitiveHeaders[http.CanonicalHeaderKey(name)] {
		return "***"
	}
	return value
}

// Handle implements middleware.Filter.
func (c *CompiledAccessLog) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	start := time.Now()
	err := next.Next(ctx, req, res)
	duration := time.Since(start)

	status := res.Status
	if err != nil {
		// the connection boundary turns this into a 500
		status = http.StatusInternalServerError
	}

	for _, fn := range c.recorders {
		fn(req.Method(), status, duration)
	}

	if !c.ShouldLog(req.Path(), status) {
		return err
	}

	fields := make([]zap.Field, 0, 9+len(c.headers))
	fields = append(fields,
		zap.String("method", req.Method()),
		zap.String("path", req.Path()),
		zap.Int("status", status),
		zap.Int("bytes", len(res.Body)),
		zap.Duration("duration", duration),
		zap.String("client_ip", req.ClientIP()),
	)
	if q := req.RawQuery(); q != "" {
		fields = append(fields, zap.String("query", q))
	}
	if ua := req.Header("User-Agent"); ua != "" {
		fields = append(fields, zap.String("user_agent", ua))
	}
	for _, h := range c.headers {
		if v := req.Header(h); v != "" {
			fields = append(fields, zap.String("header."+h, c.MaskHeaderValue(h, v)))
		}
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	logging.FromContext(ctx).Info(req.Method()+" "+req.Path(), fields...)
	return err
}
