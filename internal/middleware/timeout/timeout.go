package timeout

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/errors"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

// Defaults applied by New.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultQueueDepth = 50
)

// DefaultWorkers is max(4, 2×CPU).
func DefaultWorkers() int {
	return max(4, 2*runtime.NumCPU())
}

// Config configures a Guard.
type Config struct {
	Request    time.Duration
	Workers    int
	QueueDepth int
}

// Guard runs the rest of the chain on a bounded worker pool and enforces a
// deadline on it. Downstream writes go to a shadow response that is copied
// back only when the work finishes in time.
type Guard struct {
	request    time.Duration
	retryAfter string // pre-computed Retry-After header value (seconds)
	pool       *Pool
	metrics    *TimeoutMetrics
	observe    func(outcome string)
}

// New creates a Guard with its own worker pool.
func New(cfg Config) *Guard {
	if cfg.Request <= 0 {
		cfg.Request = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	secs := int(cfg.Request.Seconds())
	if secs < 1 {
		secs = 1
	}
	return &Guard{
		request:    cfg.Request,
		retryAfter: strconv.Itoa(secs),
		pool:       NewPool(cfg.Workers, cfg.QueueDepth),
		metrics:    &TimeoutMetrics{},
	}
}

// Observe installs a callback invoked with the outcome of every request.
func (g *Guard) Observe(fn func(outcome string)) {
	g.observe = fn
}

func (g *Guard) record(outcome string) {
	switch outcome {
	case OutcomeCompleted:
		g.metrics.Completed.Add(1)
	case OutcomeTimeout:
		g.metrics.Timeouts.Add(1)
	case OutcomeRejected:
		g.metrics.Rejections.Add(1)
	case OutcomeFault:
		g.metrics.Faults.Add(1)
	}
	if g.observe != nil {
		g.observe(outcome)
	}
}

// Handle implements middleware.Filter.
func (g *Guard) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	g.metrics.TotalRequests.Add(1)
	log := logging.FromContext(ctx)

	shadow := res.Clone()
	jobCtx, cancel := context.WithTimeout(ctx, g.request)
	defer cancel()

	done := make(chan error, 1)
	accepted := g.pool.TrySubmit(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		// Abandoned while queued: the client already has its 504.
		if err := jobCtx.Err(); err != nil {
			done <- err
			return
		}
		done <- next.Next(jobCtx, req, shadow)
	})
	if !accepted {
		g.record(OutcomeRejected)
		log.Warn("request rejected, worker pool saturated", zap.String("path", req.Path()))
		errors.ErrServiceUnavailable.WithDetails("Server is busy. Try again later.").Write(req, res)
		return nil
	}

	var err error
	select {
	case err = <-done:
	case <-jobCtx.Done():
		// Completion wins a tie with the deadline.
		select {
		case err = <-done:
		default:
			cancel()
			g.record(OutcomeTimeout)
			log.Warn("request timed out",
				zap.String("path", req.Path()),
				zap.Duration("timeout", g.request),
			)
			res.Header.Set("Retry-After", g.retryAfter)
			errors.ErrGatewayTimeout.WithDetails("The request took too long to process.").Write(req, res)
			return nil
		}
	}

	if err != nil {
		g.record(OutcomeFault)
		log.Error("request failed inside timeout guard", zap.String("path", req.Path()), zap.Error(err))
		errors.ErrInternalServer.Write(req, res)
		return nil
	}
	g.record(OutcomeCompleted)
	res.CopyFrom(shadow)
	return nil
}

// Metrics returns a snapshot of the guard metrics.
func (g *Guard) Metrics() TimeoutSnapshot {
	return g.metrics.Snapshot()
}

// Pool exposes the worker pool.
func (g *Guard) Pool() *Pool {
	return g.pool
}

// Close drains and stops the worker pool.
func (g *Guard) Close() error {
	return g.pool.Close()
}
