package staticfiles

import (
	"context"
	stderrors "errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/webserver/internal/cache"
	"github.com/wudi/webserver/internal/errors"
	"github.com/wudi/webserver/internal/wire"
)

// Config configures a StaticFileHandler.
type Config struct {
	Root         string
	Index        string
	CacheControl string
}

// StaticFileHandler serves files below a root directory through a FileCache.
type StaticFileHandler struct {
	root         string
	index        string
	cacheControl string
	source       Source
	cache        *cache.FileCache

	served    atomic.Int64
	notFound  atomic.Int64
	forbidden atomic.Int64
}

// New creates a StaticFileHandler. A nil source reads from disk below the
// root; a nil cache gets a private one with default limits.
func New(cfg Config, src Source, fc *cache.FileCache) (*StaticFileHandler, error) {
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("root directory %q: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", absRoot)
	}
	if cfg.Index == "" {
		cfg.Index = "index.html"
	}
	if src == nil {
		src = DiskSource{Root: absRoot}
	}
	if fc == nil {
		fc = cache.New(cache.Config{})
	}
	return &StaticFileHandler{
		root:         absRoot,
		index:        cfg.Index,
		cacheControl: cfg.CacheControl,
		source:       src,
		cache:        fc,
	}, nil
}

// Root returns the absolute web root.
func (h *StaticFileHandler) Root() string {
	return h.root
}

var errTraversal = stderrors.New("path escapes web root")

// Resolve sanitizes a request path into a slash-separated name relative to
// the root. An empty name means the root itself. It fails when the path would
// leave the root.
func (h *StaticFileHandler) Resolve(reqPath string) (string, error) {
	if i := strings.IndexAny(reqPath, "?#"); i >= 0 {
		reqPath = reqPath[:i]
	}
	decoded, err := url.PathUnescape(reqPath)
	if err != nil {
		return "", fmt.Errorf("invalid escape in %q: %w", reqPath, errTraversal)
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return "", errTraversal
	}
	decoded = strings.ReplaceAll(decoded, "\\", "/")
	rel := strings.TrimLeft(decoded, "/")

	full := filepath.Join(h.root, filepath.FromSlash(rel))
	within, err := filepath.Rel(h.root, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", errTraversal
	}
	if within == "." {
		return "", nil
	}
	name := filepath.ToSlash(within)
	if strings.HasSuffix(decoded, "/") {
		name += "/"
	}
	return name, nil
}

// Serve implements middleware.Handler.
func (h *StaticFileHandler) Serve(ctx context.Context, req *wire.Request, res *wire.Response) error {
	if req.Method() != http.MethodGet && req.Method() != http.MethodHead {
		res.Header.Set("Allow", "GET, HEAD")
		errors.ErrMethodNotAllowed.Write(req, res)
		return nil
	}

	name, err := h.Resolve(req.Path())
	if err != nil {
		h.forbidden.Add(1)
		errors.ErrForbidden.WithDetails("Access denied").Write(req, res)
		return nil
	}
	if name == "" || strings.HasSuffix(name, "/") {
		name += h.index
	}

	data, err := h.load(ctx, name)
	if stderrors.Is(err, ErrIsDirectory) {
		name = name + "/" + h.index
		data, err = h.load(ctx, name)
	}
	if stderrors.Is(err, ErrNotFound) || stderrors.Is(err, ErrIsDirectory) {
		h.notFound.Add(1)
		errors.ErrNotFound.WithDetails("The requested resource " + req.Path() + " was not found.").Write(req, res)
		return nil
	}
	if err != nil {
		return fmt.Errorf("serving %s: %w", name, err)
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(data), 16) + `"`
	res.Header.Set("ETag", etag)
	if h.cacheControl != "" {
		res.Header.Set("Cache-Control", h.cacheControl)
	}
	if inm := req.Header("If-None-Match"); inm != "" && etagMatches(inm, etag) {
		res.SetStatus(http.StatusNotModified)
		res.Header.Set("Content-Length", "0")
		res.Body = nil
		return nil
	}

	h.served.Add(1)
	res.SetStatus(http.StatusOK)
	res.Header.Set("Content-Type", ContentType(name))
	if req.Method() == http.MethodHead {
		res.Header.Set("Content-Length", strconv.Itoa(len(data)))
		res.Body = nil
		return nil
	}
	res.Body = data
	return nil
}

func (h *StaticFileHandler) load(ctx context.Context, name string) ([]byte, error) {
	return h.cache.GetOrFetch(ctx, h.root+":"+name, func(ctx context.Context) ([]byte, error) {
		return h.source.Fetch(ctx, name)
	})
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		c := strings.TrimSpace(candidate)
		if c == "*" || c == etag || strings.TrimPrefix(c, "W/") == etag {
			return true
		}
	}
	return false
}

// ContentType guesses the media type from the file extension, adding a UTF-8
// charset to textual types.
func ContentType(name string) string {
	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		return "application/octet-stream"
	}
	if (strings.HasPrefix(ct, "text/") || ct == "application/javascript" || ct == "application/json") &&
		!strings.Contains(ct, "charset") {
		ct += "; charset=utf-8"
	}
	return ct
}

// Cache returns the file cache backing the handler.
func (h *StaticFileHandler) Cache() *cache.FileCache {
	return h.cache
}

// Stats returns file serving statistics.
func (h *StaticFileHandler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"root":      h.root,
		"served":    h.served.Load(),
		"not_found": h.notFound.Load(),
		"forbidden": h.forbidden.Load(),
		"cache":     h.cache.Stats(),
	}
}
