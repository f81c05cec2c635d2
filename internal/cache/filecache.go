package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/webserver/internal/logging"
)

// Default ceilings.
const (
	DefaultMaxEntries = 100
	DefaultMaxBytes   = 50 << 20
)

// Config bounds a FileCache.
type Config struct {
	MaxEntries int
	MaxBytes   int64
}

// FetchFunc loads the bytes for a missing key.
type FetchFunc func(ctx context.Context) ([]byte, error)

type entry struct {
	data       []byte
	lastAccess atomic.Int64 // logical clock tick
	accesses   atomic.Int64
}

// Stats is an advisory snapshot of cache state.
type Stats struct {
	Entries       int   `json:"entries"`
	Bytes         int64 `json:"bytes"`
	MaxEntries    int   `json:"max_entries"`
	MaxBytes      int64 `json:"max_bytes"`
	TotalAccesses int64 `json:"total_accesses"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
}

// FileCache is a bounded in-memory byte cache with least-recently-used
// eviction. Hits never take a lock. A miss runs the fetch at most once per key
// no matter how many callers race on it; misses on different keys proceed in
// parallel.
type FileCache struct {
	maxEntries int
	maxBytes   int64

	entries sync.Map // string -> *entry
	flight  singleflight.Group
	clock   atomic.Int64

	mu    sync.Mutex // serializes insert, evict and clear
	count int
	bytes int64

	totalAccesses atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
}

// New creates a FileCache. Non-positive limits fall back to the defaults.
func New(cfg Config) *FileCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &FileCache{
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
	}
}

// Get returns the cached bytes for key and records the access.
func (c *FileCache) Get(key string) ([]byte, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	c.touch(e)
	return e.data, true
}

// GetOrFetch returns the cached bytes for key, calling fetch on a miss. Fetch
// errors are returned to every waiter and nothing is cached. The returned
// slice is shared and must not be modified.
func (c *FileCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) ([]byte, error) {
	c.totalAccesses.Add(1)
	if data, ok := c.Get(key); ok {
		c.hits.Add(1)
		return data, nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		// A racer may have inserted while we waited for the flight.
		if v, ok := c.entries.Load(key); ok {
			e := v.(*entry)
			c.touch(e)
			return e.data, nil
		}
		c.misses.Add(1)
		// Shared by every waiter; detached from the first caller's cancellation.
		data, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.insert(key, data)
		return data, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FileCache) touch(e *entry) {
	e.lastAccess.Store(c.clock.Add(1))
	e.accesses.Add(1)
}

func (c *FileCache) insert(key string, data []byte) {
	size := int64(len(data))
	if size > c.maxBytes {
		logging.Warn("file too large to cache",
			zap.String("key", key),
			zap.Int64("size", size),
			zap.Int64("max_bytes", c.maxBytes),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries.LoadAndDelete(key); ok {
		c.count--
		c.bytes -= int64(len(v.(*entry).data))
	}
	for c.count > 0 && (c.count >= c.maxEntries || c.bytes+size > c.maxBytes) {
		c.evictOldestLocked()
	}

	e := &entry{data: data}
	e.lastAccess.Store(c.clock.Add(1))
	c.entries.Store(key, e)
	c.count++
	c.bytes += size
}

// evictOldestLocked removes the entry with the oldest access. Linear in the
// number of entries; c.mu must be held.
func (c *FileCache) evictOldestLocked() {
	var (
		victim string
		oldest int64
		found  bool
	)
	c.entries.Range(func(k, v any) bool {
		t := v.(*entry).lastAccess.Load()
		if !found || t < oldest {
			victim, oldest, found = k.(string), t, true
		}
		return true
	})
	if !found {
		c.count, c.bytes = 0, 0
		return
	}
	if v, ok := c.entries.LoadAndDelete(victim); ok {
		c.count--
		c.bytes -= int64(len(v.(*entry).data))
		c.evictions.Add(1)
		logging.Debug("file cache eviction", zap.String("key", victim))
	}
}

// Remove drops key from the cache.
func (c *FileCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries.LoadAndDelete(key); ok {
		c.count--
		c.bytes -= int64(len(v.(*entry).data))
	}
}

// Clear empties the cache.
func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
	c.count = 0
	c.bytes = 0
}

// Stats returns current counters.
func (c *FileCache) Stats() Stats {
	c.mu.Lock()
	count, bytes := c.count, c.bytes
	c.mu.Unlock()
	return Stats{
		Entries:       count,
		Bytes:         bytes,
		MaxEntries:    c.maxEntries,
		MaxBytes:      c.maxBytes,
		TotalAccesses: c.totalAccesses.Load(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
	}
}
