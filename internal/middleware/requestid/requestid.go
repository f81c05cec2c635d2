package requestid

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// DefaultHeader carries the request ID in both directions.
const DefaultHeader = "X-Request-ID"

// maxLen bounds a client supplied ID.
const maxLen = 128

// Config configures the request ID filter
type Config struct {
	// Header is the header name to use for the request ID
	Header string
	// Generator generates a new request ID
	Generator func() string
	// TrustHeader trusts incoming request ID headers
	TrustHeader bool
}

// DefaultConfig provides default request ID settings
var DefaultConfig = Config{
	Header:      DefaultHeader,
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// Filter assigns every request an ID.
type Filter struct {
	cfg Config
}

// New creates a request ID filter.
func New(cfg Config) *Filter {
	if cfg.Header == "" {
		cfg.Header = DefaultHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}
	return &Filter{cfg: cfg}
}

// Handle implements middleware.Filter. The ID reaches downstream code through
// the request header, the context and the context logger, and is echoed on
// the response.
func (f *Filter) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	var id string
	if f.cfg.TrustHeader {
		id = req.Header(f.cfg.Header)
		if !valid(id) {
			id = ""
		}
	}
	if id == "" {
		id = f.cfg.Generator()
		req = req.WithHeader(f.cfg.Header, id)
	}

	res.Header.Set(f.cfg.Header, id)

	ctx = WithRequestID(ctx, id)
	ctx = logging.WithFields(ctx, zap.String("request_id", id))
	return next.Next(ctx, req, res)
}

// valid accepts short IDs of visible ASCII.
func valid(id string) bool {
	if id == "" || len(id) > maxLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

type requestIDKey struct{}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// FromContext extracts the request ID from context
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
