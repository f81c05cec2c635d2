package timeout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/logging"
)

// DefaultDrainTimeout bounds how long Close waits for running jobs.
const DefaultDrainTimeout = 5 * time.Second

// Pool is a fixed set of workers draining a bounded queue. Submission never
// blocks: when every worker is busy and the queue is full the job is refused.
type Pool struct {
	jobs    chan func()
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	busy    atomic.Int64
	stopped atomic.Bool
	dropped atomic.Int64
	workers int
}

// NewPool starts workers goroutines behind a queue of queueDepth slots.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	p := &Pool{
		jobs:    make(chan func(), queueDepth),
		workers: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		if p.stopped.Load() {
			p.dropped.Add(1)
			continue
		}
		p.run(job)
	}
}

func (p *Pool) run(job func()) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logging.Error("worker recovered from panic", zap.Any("panic", r))
		}
	}()
	job()
}

// TrySubmit queues job and reports whether it was accepted.
func (p *Pool) TrySubmit(job func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Busy returns the number of workers currently running a job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Dropped returns the number of queued jobs discarded by a forced shutdown.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Close shuts the pool down, waiting at most DefaultDrainTimeout.
func (p *Pool) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDrainTimeout)
	defer cancel()
	return p.Shutdown(ctx)
}

// Shutdown stops accepting work and lets queued jobs finish. If ctx ends
// first, jobs still queued are discarded and ctx's error is returned; jobs
// already running are left to complete on their own.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		p.stopped.Store(true)
		logging.Warn("worker pool did not drain in time",
			zap.Int("busy", p.Busy()),
			zap.Int("queued", p.Queued()),
		)
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}
