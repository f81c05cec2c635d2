package cors

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

// Handler manages CORS for the routes it is registered on
type Handler struct {
	allowOrigins    []string
	allowAllOrigins bool
	allowMethods    string
	allowHeaders    string
	maxAge          string

	preflights atomic.Int64
}

// New creates a new CORS handler from config
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{allowOrigins: cfg.AllowedOrigins}

	if len(cfg.AllowedMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowedMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}

	if len(cfg.AllowedHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowedHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	} else {
		h.maxAge = "3600"
	}

	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// Handle implements middleware.Filter. Requests without an Origin, or from an
// origin that is not allowed, pass through untouched. An allowed OPTIONS
// request is answered here with 204.
func (h *Handler) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	origin := strings.TrimSpace(req.Header("Origin"))
	if origin == "" || !h.isOriginAllowed(origin) {
		return next.Next(ctx, req, res)
	}

	res.Header.Set("Access-Control-Allow-Origin", origin)
	res.Header.AddVary("Origin")

	if req.Method() != http.MethodOptions {
		return next.Next(ctx, req, res)
	}

	h.preflights.Add(1)
	res.Header.Set("Access-Control-Allow-Methods", h.allowMethods)
	res.Header.Set("Access-Control-Allow-Headers", h.preflightHeaders(req))
	res.Header.Set("Access-Control-Max-Age", h.maxAge)
	res.SetStatus(http.StatusNoContent)
	res.Body = nil
	return nil
}

// preflightHeaders mirrors the requested headers, falling back to the
// configured list and then to Content-Type.
func (h *Handler) preflightHeaders(req *wire.Request) string {
	if requested := strings.TrimSpace(req.Header("Access-Control-Request-Headers")); requested != "" {
		return requested
	}
	if h.allowHeaders != "" {
		return h.allowHeaders
	}
	return "Content-Type"
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}

	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// Simple wildcard matching: *.example.com
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:] // .example.com
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}

	return false
}

// Preflights returns the number of preflight requests answered.
func (h *Handler) Preflights() int64 {
	return h.preflights.Load()
}
