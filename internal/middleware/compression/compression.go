package compression

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
	"go.uber.org/zap"
)

// encodingWriter is an io.Writer that can be closed.
type encodingWriter interface {
	io.Writer
	Close() error
}

// pooledZstdWriter wraps a *zstd.Encoder and returns it to a pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) {
	return pw.enc.Write(p)
}

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

// AlgorithmMetrics tracks compression metrics for one algorithm.
type AlgorithmMetrics struct {
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
	Count    atomic.Int64
}

// AlgorithmSnapshot is the JSON-serializable form of AlgorithmMetrics.
type AlgorithmSnapshot struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

// CompressionSnapshot is compression stats per algorithm.
type CompressionSnapshot struct {
	Algorithms map[string]AlgorithmSnapshot `json:"algorithms"`
}

// encodingPref represents a parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// defaultAlgoOrder is the server-preferred algorithm order.
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

// Compressor compresses buffered response bodies once the chain returns.
type Compressor struct {
	level        int
	minSize      int
	contentTypes map[string]bool
	algorithms   map[string]bool
	algoOrder    []string
	metrics      map[string]*AlgorithmMetrics
	zstdPool     sync.Pool
}

// New creates a new Compressor from config.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
		algorithms:   make(map[string]bool),
		metrics:      make(map[string]*AlgorithmMetrics),
	}

	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	if len(cfg.Algorithms) > 0 {
		for _, algo := range cfg.Algorithms {
			c.algorithms[algo] = true
		}
	} else {
		c.algorithms["gzip"] = true
		c.algorithms["br"] = true
		c.algorithms["zstd"] = true
	}

	// Server preference order, enabled algorithms only
	for _, algo := range defaultAlgoOrder {
		if c.algorithms[algo] {
			c.algoOrder = append(c.algoOrder, algo)
		}
	}

	for algo := range c.algorithms {
		c.metrics[algo] = &AlgorithmMetrics{}
	}

	if len(cfg.ContentTypes) > 0 {
		for _, ct := range cfg.ContentTypes {
			c.contentTypes[ct] = true
		}
	} else {
		c.contentTypes["text/html"] = true
		c.contentTypes["text/css"] = true
		c.contentTypes["text/plain"] = true
		c.contentTypes["text/javascript"] = true
		c.contentTypes["application/javascript"] = true
		c.contentTypes["application/json"] = true
		c.contentTypes["application/xml"] = true
		c.contentTypes["text/xml"] = true
		c.contentTypes["image/svg+xml"] = true
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}

	return c
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: strings.ToLower(enc), quality: q})
	}
	return prefs
}

// NegotiateEncoding selects the best algorithm for an Accept-Encoding value.
// Returns "" if none is acceptable.
func (c *Compressor) NegotiateEncoding(acceptEncoding string) string {
	prefs := parseAcceptEncoding(acceptEncoding)
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if hasWildcard {
				q = wildcardQ
			} else {
				continue
			}
		}
		if q <= 0 {
			continue // q=0 means rejected
		}
		// Higher quality wins; on tie, server preference (earlier in algoOrder) wins.
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

// newEncodingWriter creates a writer for the specified algorithm.
func (c *Compressor) newEncodingWriter(w io.Writer, algo string) (encodingWriter, error) {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level), nil
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}, nil
	default:
		return gzip.NewWriterLevel(w, min(c.level, gzip.BestCompression))
	}
}

// Encode compresses data with algo.
func (c *Compressor) Encode(algo string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	ew, err := c.newEncodingWriter(&buf, algo)
	if err != nil {
		return nil, err
	}
	if _, err := ew.Write(data); err != nil {
		ew.Close()
		return nil, err
	}
	if err := ew.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isCompressibleType checks if the content type should be compressed.
func (c *Compressor) isCompressibleType(contentType string) bool {
	if contentType == "" {
		return false
	}
	ct := contentType
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return c.contentTypes[strings.ToLower(strings.TrimSpace(ct))]
}

// Handle implements middleware.Filter. The body is compressed after the rest
// of the chain has produced it.
func (c *Compressor) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	if err := next.Next(ctx, req, res); err != nil {
		return err
	}

	if req.Method() == http.MethodHead ||
		len(res.Body) < c.minSize ||
		res.Header.Has("Content-Encoding") ||
		!c.isCompressibleType(res.Header.Get("Content-Type")) {
		return nil
	}
	res.Header.AddVary("Accept-Encoding")

	algo := c.NegotiateEncoding(req.Header("Accept-Encoding"))
	if algo == "" {
		return nil
	}

	out, err := c.Encode(algo, res.Body)
	if err != nil {
		// the uncompressed body is still a valid answer
		logging.FromContext(ctx).Warn("compression failed", zap.String("algorithm", algo), zap.Error(err))
		return nil
	}

	if m, ok := c.metrics[algo]; ok {
		m.BytesIn.Add(int64(len(res.Body)))
		m.BytesOut.Add(int64(len(out)))
		m.Count.Add(1)
	}
	res.Body = out
	res.Header.Set("Content-Encoding", algo)
	res.Header.Del("Content-Length")
	if etag := res.Header.Get("ETag"); strings.HasPrefix(etag, `"`) {
		res.Header.Set("ETag", "W/"+etag)
	}
	return nil
}

// Stats returns per-algorithm compression metrics.
func (c *Compressor) Stats() CompressionSnapshot {
	snap := CompressionSnapshot{
		Algorithms: make(map[string]AlgorithmSnapshot, len(c.metrics)),
	}
	for algo, m := range c.metrics {
		snap.Algorithms[algo] = AlgorithmSnapshot{
			BytesIn:  m.BytesIn.Load(),
			BytesOut: m.BytesOut.Load(),
			Count:    m.Count.Load(),
		}
	}
	return snap
}
