package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/logging"
)

// Defaults applied by NewTokenBucket.
const (
	DefaultPeriod    = time.Minute
	DefaultHighWater = 10000
	DefaultIdleAfter = 10 * time.Minute
)

// Config holds token bucket configuration.
type Config struct {
	Rate      int           // tokens added per Period
	Period    time.Duration // refill period
	Burst     int           // bucket capacity
	HighWater int           // tracked keys above which idle buckets are swept
	IdleAfter time.Duration // idle time after which a bucket may be swept
}

type bucket struct {
	tokens     float64
	last       time.Time // last refill
	lastAccess time.Time
}

// Decision is the outcome of one consumption attempt.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket keeps one lazily created bucket per key. Consumption and refill
// for a key happen under its shard lock, so concurrent requests from the same
// key never spend the same token twice.
type TokenBucket struct {
	rate      float64 // tokens per second
	burst     int
	burstStr  string
	highWater int
	idleAfter time.Duration
	buckets   *shardedMap[*bucket]

	size     atomic.Int64
	sweeping atomic.Bool
	sweeps   sync.WaitGroup
	now      func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(cfg Config) *TokenBucket {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	return &TokenBucket{
		rate:      float64(cfg.Rate) / cfg.Period.Seconds(),
		burst:     cfg.Burst,
		burstStr:  strconv.Itoa(cfg.Burst),
		highWater: cfg.HighWater,
		idleAfter: cfg.IdleAfter,
		buckets:   newShardedMap[*bucket](),
		now:       time.Now,
	}
}

// Limit returns the bucket capacity.
func (tb *TokenBucket) Limit() int {
	return tb.burst
}

// TryConsume takes one token from key's bucket if one is available.
func (tb *TokenBucket) TryConsume(key string) Decision {
	now := tb.now()
	d := Decision{Limit: tb.burst}
	created := false

	tb.buckets.withLocked(key, func(b *bucket, ok bool, set func(*bucket)) {
		if !ok {
			b = &bucket{tokens: float64(tb.burst), last: now}
			set(b)
			created = true
		}
		b.lastAccess = now

		if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
			b.tokens = math.Min(float64(tb.burst), b.tokens+elapsed*tb.rate)
			b.last = now
		}

		if b.tokens >= 1 {
			b.tokens--
			d.Allowed = true
			d.Remaining = int(b.tokens)
			return
		}
		if tb.rate > 0 {
			d.RetryAfter = time.Duration((1 - b.tokens) / tb.rate * float64(time.Second))
		} else {
			d.RetryAfter = time.Duration(math.MaxInt64)
		}
	})

	if created && tb.size.Add(1) > int64(tb.highWater) {
		tb.triggerSweep()
	}
	return d
}

// triggerSweep starts a background sweep unless one is already running.
func (tb *TokenBucket) triggerSweep() {
	if !tb.sweeping.CompareAndSwap(false, true) {
		return
	}
	tb.sweeps.Add(1)
	go func() {
		defer tb.sweeps.Done()
		defer tb.sweeping.Store(false)
		n := tb.Sweep(tb.now())
		logging.Debug("rate limit sweep", zap.Int("removed", n), zap.Int("tracked", tb.Len()))
	}()
}

// Sweep removes buckets idle since before now minus the idle threshold and
// returns how many it removed. A bucket is only removed while its shard is
// locked, so a concurrent consumer either sees it before removal or creates a
// fresh one afterwards.
func (tb *TokenBucket) Sweep(now time.Time) int {
	cutoff := now.Add(-tb.idleAfter)
	n := tb.buckets.deleteFunc(func(_ string, b *bucket) bool {
		return b.lastAccess.Before(cutoff)
	})
	tb.size.Add(-int64(n))
	return n
}

// Len returns the number of tracked keys.
func (tb *TokenBucket) Len() int {
	return int(tb.size.Load())
}

// Close waits for an in-flight sweep to finish.
func (tb *TokenBucket) Close() error {
	tb.sweeps.Wait()
	return nil
}
