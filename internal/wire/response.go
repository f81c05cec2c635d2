package wire

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
)

// Response is the mutable response under construction. A fresh Response is
// 200 OK with no headers and no body.
type Response struct {
	Status int
	Reason string
	Header Header
	Body   []byte
}

// NewResponse returns an empty 200 OK response.
func NewResponse() *Response {
	return &Response{
		Status: http.StatusOK,
		Reason: http.StatusText(http.StatusOK),
		Header: Header{},
	}
}

// SetStatus sets the status code and the matching reason phrase.
func (r *Response) SetStatus(code int) {
	r.Status = code
	r.Reason = http.StatusText(code)
}

// SetBody replaces the body and, when contentType is not empty, the Content-Type.
func (r *Response) SetBody(contentType string, body []byte) {
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	r.Body = body
}

// SetString is SetBody for string payloads.
func (r *Response) SetString(contentType, body string) {
	r.SetBody(contentType, []byte(body))
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	c := &Response{
		Status: r.Status,
		Reason: r.Reason,
		Header: r.Header.Clone(),
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// CopyFrom overwrites r with a deep copy of src.
func (r *Response) CopyFrom(src *Response) {
	r.Status = src.Status
	r.Reason = src.Reason
	r.Header = src.Header.Clone()
	r.Body = nil
	if src.Body != nil {
		r.Body = append([]byte(nil), src.Body...)
	}
}

// Reset restores r to a fresh 200 OK.
func (r *Response) Reset() {
	r.Status = http.StatusOK
	r.Reason = http.StatusText(http.StatusOK)
	r.Header = Header{}
	r.Body = nil
}

// WriteTo serializes r as an HTTP/1.1 message. Content-Length is derived from
// the body unless already set, and Connection defaults to close since every
// connection carries exactly one exchange.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.Status)
	}
	if reason == "" {
		reason = "Unknown"
	}

	h := r.Header.Clone()
	if !h.Has("Content-Length") {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	if !h.Has("Connection") {
		h.Set("Connection", "close")
	}

	io.WriteString(cw, "HTTP/1.1 ")
	io.WriteString(cw, strconv.Itoa(r.Status))
	io.WriteString(cw, " ")
	io.WriteString(cw, reason)
	io.WriteString(cw, "\r\n")
	for _, k := range h.Keys() {
		for _, v := range h[k] {
			io.WriteString(cw, k)
			io.WriteString(cw, ": ")
			io.WriteString(cw, sanitizeFieldValue(v))
			io.WriteString(cw, "\r\n")
		}
	}
	io.WriteString(cw, "\r\n")
	cw.Write(r.Body)

	if cw.err != nil {
		return cw.n, cw.err
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// sanitizeFieldValue strips CR and LF so a value can never split the header block.
func sanitizeFieldValue(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] == '\r' || v[i] == '\n' {
			b := make([]byte, 0, len(v))
			for j := 0; j < len(v); j++ {
				if v[j] != '\r' && v[j] != '\n' {
					b = append(b, v[j])
				}
			}
			return string(b)
		}
	}
	return v
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
