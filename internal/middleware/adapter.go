package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/wudi/webserver/internal/wire"
)

// FromHTTP mounts a net/http handler as a terminal Handler. The handler's
// output is buffered into the response.
func FromHTTP(h http.Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *wire.Request, res *wire.Response) error {
		var body io.Reader = http.NoBody
		if b := req.Body(); len(b) > 0 {
			body = bytes.NewReader(b)
		}
		hreq, err := http.NewRequestWithContext(ctx, req.Method(), req.Target(), body)
		if err != nil {
			return err
		}
		for k, vv := range req.Headers() {
			hreq.Header[k] = vv
		}
		hreq.Host = req.Header("Host")
		hreq.RemoteAddr = req.ClientIP()

		w := &bufferedWriter{header: http.Header{}}
		h.ServeHTTP(w, hreq)

		res.SetStatus(w.statusCode())
		for k, vv := range w.header {
			res.Header[k] = vv
		}
		res.Body = w.buf.Bytes()
		return nil
	})
}

// bufferedWriter is an http.ResponseWriter that keeps everything in memory.
type bufferedWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.buf.Write(p)
}

func (w *bufferedWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
