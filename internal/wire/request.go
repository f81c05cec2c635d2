package wire

import (
	"net/url"
	"strings"
	"time"
)

// AttrClientIP is the attribute under which the acceptor records the peer address.
const AttrClientIP = "clientIp"

// Request is an immutable parsed HTTP request. Derivations return new values
// and never modify the receiver, so a Request can be shared freely between
// goroutines.
type Request struct {
	method   string
	target   string
	path     string
	rawQuery string
	proto    string
	header   Header
	body     []byte
	clientIP string
	attrs    map[string]any
	created  time.Time
}

// NewRequest builds a request from its parts. target may carry a query string
// and a fragment; the fragment is discarded.
func NewRequest(method, target, proto string, header Header, body []byte) *Request {
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	path, query := target, ""
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path, query = target[:i], target[i+1:]
	}
	if header == nil {
		header = Header{}
	}
	if proto == "" {
		proto = "HTTP/1.1"
	}
	return &Request{
		method:   method,
		target:   target,
		path:     path,
		rawQuery: query,
		proto:    proto,
		header:   header,
		body:     body,
		created:  time.Now(),
	}
}

func (r *Request) Method() string   { return r.method }
func (r *Request) Target() string   { return r.target }
func (r *Request) Path() string     { return r.path }
func (r *Request) RawQuery() string { return r.rawQuery }
func (r *Request) Proto() string    { return r.proto }
func (r *Request) ClientIP() string { return r.clientIP }
func (r *Request) Created() time.Time {
	return r.created
}

// Query parses the raw query. Malformed pairs are dropped.
func (r *Request) Query() url.Values {
	v, _ := url.ParseQuery(r.rawQuery)
	return v
}

// Header returns the first value of the named header.
func (r *Request) Header(name string) string {
	return r.header.Get(name)
}

// HeaderValues returns every value of the named header.
func (r *Request) HeaderValues(name string) []string {
	return r.header.Values(name)
}

// Headers returns a copy of the header multimap.
func (r *Request) Headers() Header {
	return r.header.Clone()
}

// Body returns the request body. Callers must not modify it.
func (r *Request) Body() []byte {
	return r.body
}

// Attribute returns a value attached with WithAttribute.
func (r *Request) Attribute(key string) (any, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// WithClientIP returns a copy of r carrying ip as the resolved client address.
func (r *Request) WithClientIP(ip string) *Request {
	c := *r
	c.clientIP = ip
	return &c
}

// WithAttribute returns a copy of r with key set to value.
func (r *Request) WithAttribute(key string, value any) *Request {
	c := *r
	c.attrs = make(map[string]any, len(r.attrs)+1)
	for k, v := range r.attrs {
		c.attrs[k] = v
	}
	c.attrs[key] = value
	return &c
}

// WithHeader returns a copy of r with the named header replaced.
func (r *Request) WithHeader(name, value string) *Request {
	c := *r
	c.header = r.header.Clone()
	c.header.Set(name, value)
	return &c
}
