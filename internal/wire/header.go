package wire

import (
	"net/textproto"
	"sort"
	"strings"
)

// Header is a case-insensitive multimap of header fields. Keys are stored in
// canonical MIME form, so "content-type" and "Content-Type" address the same
// field.
type Header map[string][]string

// Get returns the first value for key, or "".
func (h Header) Get(key string) string {
	v := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns a copy of all values for key.
func (h Header) Values(key string) []string {
	v := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// Has reports whether key is present.
func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Set replaces any existing values for key.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Add appends value to key.
func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Clone returns a deep copy.
func (h Header) Clone() Header {
	if h == nil {
		return Header{}
	}
	out := make(Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// Keys returns the field names in sorted order.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContainsToken reports whether any comma-separated element of key equals
// token, ignoring case.
func (h Header) ContainsToken(key, token string) bool {
	for _, v := range h[textproto.CanonicalMIMEHeaderKey(key)] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// AddVary appends field to the Vary header unless it is already listed.
func (h Header) AddVary(field string) {
	if h.ContainsToken("Vary", field) {
		return
	}
	if v := h.Get("Vary"); v != "" {
		h.Set("Vary", v+", "+field)
		return
	}
	h.Set("Vary", field)
}
