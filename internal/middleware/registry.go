package middleware

import (
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registration binds a filter to an order and an optional set of path
// patterns. A registration without patterns is global.
type Registration struct {
	Filter   Filter
	Order    int
	Patterns []string
	seq      uint64
}

// Global reports whether the registration applies to every path.
func (r Registration) Global() bool {
	return len(r.Patterns) == 0
}

// Matches reports whether the registration applies to path.
func (r Registration) Matches(path string) bool {
	if r.Global() {
		return true
	}
	for _, p := range r.Patterns {
		if MatchPattern(p, path) {
			return true
		}
	}
	return false
}

// MatchPattern reports whether path matches pattern. A pattern ending in
// "/*" matches its prefix and anything below it; any other pattern must match
// exactly.
func MatchPattern(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		if prefix == "" {
			return true
		}
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return pattern == path
}

// Registry holds filter registrations. Writers copy the slice; readers load
// the current snapshot without locking.
type Registry struct {
	mu   sync.Mutex
	seq  uint64
	regs atomic.Pointer[[]Registration]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := []Registration{}
	r.regs.Store(&empty)
	return r
}

// AddGlobal registers f for every request.
func (r *Registry) AddGlobal(f Filter, order int) {
	r.add(Registration{Filter: f, Order: order})
}

// AddRoute registers f for requests whose path matches any of patterns.
func (r *Registry) AddRoute(f Filter, order int, patterns ...string) {
	if len(patterns) == 0 {
		patterns = []string{"/*"}
	}
	r.add(Registration{Filter: f, Order: order, Patterns: append([]string(nil), patterns...)})
}

func (r *Registry) add(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	reg.seq = r.seq
	cur := *r.regs.Load()
	next := make([]Registration, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, reg)
	r.regs.Store(&next)
}

// Snapshot returns the registrations in registration order.
func (r *Registry) Snapshot() []Registration {
	return *r.regs.Load()
}

// Match returns the filters that apply to path: global filters first, then
// route filters, each group by ascending order with ties kept in
// registration order.
func (r *Registry) Match(path string) []Filter {
	regs := r.Snapshot()
	var global, route []Registration
	for _, reg := range regs {
		if !reg.Matches(path) {
			continue
		}
		if reg.Global() {
			global = append(global, reg)
		} else {
			route = append(route, reg)
		}
	}
	byOrder := func(s []Registration) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Order < s[j].Order })
	}
	byOrder(global)
	byOrder(route)

	out := make([]Filter, 0, len(global)+len(route))
	for _, reg := range global {
		out = append(out, reg.Filter)
	}
	for _, reg := range route {
		out = append(out, reg.Filter)
	}
	return out
}

// Close closes every registered filter that implements io.Closer, once each.
func (r *Registry) Close() error {
	var errs []error
	var closed []io.Closer
	for _, reg := range r.Snapshot() {
		c, ok := reg.Filter.(io.Closer)
		if !ok || containsCloser(closed, c) {
			continue
		}
		closed = append(closed, c)
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func containsCloser(list []io.Closer, c io.Closer) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
