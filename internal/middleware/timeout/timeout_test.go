package timeout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

func chainOf(fn func(ctx context.Context, res *wire.Response) error) middleware.Chain {
	return middleware.NewChain(middleware.HandlerFunc(func(ctx context.Context, _ *wire.Request, res *wire.Response) error {
		return fn(ctx, res)
	}))
}

func newReq() *wire.Request {
	return wire.NewRequest("GET", "/slow", "", nil, nil)
}

func TestGuardTimeoutFires(t *testing.T) {
	g := New(Config{Request: 50 * time.Millisecond, Workers: 2, QueueDepth: 2})
	defer g.Close()

	var outcomes []string
	g.Observe(func(o string) { outcomes = append(outcomes, o) })

	release := make(chan struct{})
	defer close(release)

	res := wire.NewResponse()
	res.Header.Set("X-Before", "kept")
	err := g.Handle(context.Background(), newReq(), res, chainOf(func(ctx context.Context, res *wire.Response) error {
		res.SetString("text/plain", "partial")
		<-release
		return nil
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if res.Status != 504 {
		t.Errorf("expected 504, got %d", res.Status)
	}
	if string(res.Body) == "partial" {
		t.Error("partial shadow output leaked into the response")
	}
	if res.Header.Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", res.Header.Get("Retry-After"))
	}
	if res.Header.Get("X-Before") != "kept" {
		t.Error("headers set before the guard were lost")
	}
	if m := g.Metrics(); m.Timeouts != 1 || m.TotalRequests != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeTimeout {
		t.Errorf("unexpected outcomes: %v", outcomes)
	}
}

func TestGuardCancelsContextOnTimeout(t *testing.T) {
	g := New(Config{Request: 30 * time.Millisecond, Workers: 1})
	defer g.Close()

	cancelled := make(chan struct{})
	g.Handle(context.Background(), newReq(), wire.NewResponse(), chainOf(func(ctx context.Context, _ *wire.Response) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled")
	}
}

func TestGuardCompletesInTime(t *testing.T) {
	g := New(Config{Request: 2 * time.Second, Workers: 1})
	defer g.Close()

	res := wire.NewResponse()
	err := g.Handle(context.Background(), newReq(), res, chainOf(func(_ context.Context, res *wire.Response) error {
		time.Sleep(10 * time.Millisecond)
		res.SetStatus(201)
		res.SetString("text/plain", "done")
		return nil
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != 201 || string(res.Body) != "done" {
		t.Errorf("expected handler output, got %d %q", res.Status, res.Body)
	}
	if res.Header.Get("Retry-After") != "" {
		t.Error("did not expect Retry-After on success")
	}
	if m := g.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completion, got %+v", m)
	}
}

func TestGuardFaultBecomes500(t *testing.T) {
	g := New(Config{Request: time.Second, Workers: 1})
	defer g.Close()

	res := wire.NewResponse()
	g.Handle(context.Background(), newReq(), res, chainOf(func(context.Context, *wire.Response) error {
		return errors.New("boom")
	}))
	if res.Status != 500 {
		t.Errorf("expected 500 for error, got %d", res.Status)
	}

	res = wire.NewResponse()
	g.Handle(context.Background(), newReq(), res, chainOf(func(context.Context, *wire.Response) error {
		panic("kaboom")
	}))
	if res.Status != 500 {
		t.Errorf("expected 500 for panic, got %d", res.Status)
	}
	if m := g.Metrics(); m.Faults != 2 {
		t.Errorf("expected 2 faults, got %+v", m)
	}
}

func TestGuardSaturationRejects(t *testing.T) {
	g := New(Config{Request: 5 * time.Second, Workers: 1, QueueDepth: 1})

	release := make(chan struct{})
	running := make(chan struct{})
	var invoked atomic.Int32
	slow := chainOf(func(context.Context, *wire.Response) error {
		if invoked.Add(1) == 1 {
			close(running)
		}
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Handle(context.Background(), newReq(), wire.NewResponse(), slow)
	}()
	<-running

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Handle(context.Background(), newReq(), wire.NewResponse(), slow)
	}()
	deadline := time.Now().Add(time.Second)
	for g.Pool().Queued() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	res := wire.NewResponse()
	g.Handle(context.Background(), newReq(), res, slow)
	if res.Status != 503 {
		t.Errorf("expected 503 when saturated, got %d", res.Status)
	}

	close(release)
	wg.Wait()
	g.Close()

	if got := invoked.Load(); got != 2 {
		t.Errorf("rejected request should never reach the handler, invoked %d times", got)
	}
	if m := g.Metrics(); m.Rejections != 1 {
		t.Errorf("expected 1 rejection, got %+v", m)
	}
}

func TestPoolCloseRefusesWork(t *testing.T) {
	p := NewPool(2, 4)
	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		if !p.TrySubmit(func() { ran.Add(1) }) {
			t.Fatalf("submit %d refused", i)
		}
	}
	p.Close()
	if ran.Load() != 4 {
		t.Errorf("queued jobs should drain on close, ran %d", ran.Load())
	}
	if p.TrySubmit(func() {}) {
		t.Error("closed pool accepted work")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestGuardSkipsJobThatExpiredInQueue(t *testing.T) {
	g := New(Config{Request: 50 * time.Millisecond, Workers: 1, QueueDepth: 1})

	release := make(chan struct{})
	running := make(chan struct{})
	blocker := chainOf(func(context.Context, *wire.Response) error {
		close(running)
		<-release
		return nil
	})
	var queuedRuns atomic.Int32
	queued := chainOf(func(context.Context, *wire.Response) error {
		queuedRuns.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Handle(context.Background(), newReq(), wire.NewResponse(), blocker)
	}()
	<-running

	res := wire.NewResponse()
	g.Handle(context.Background(), newReq(), res, queued)
	if res.Status != 504 {
		t.Fatalf("expected 504 for the queued request, got %d", res.Status)
	}

	close(release)
	wg.Wait()
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := queuedRuns.Load(); got != 0 {
		t.Errorf("expired request should never reach the handler, invoked %d times", got)
	}
}

func TestPoolShutdownIsBounded(t *testing.T) {
	p := NewPool(1, 2)
	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	if !p.TrySubmit(func() {
		close(running)
		<-release
	}) {
		t.Fatal("submit refused")
	}
	<-running
	var ran atomic.Int32
	if !p.TrySubmit(func() { ran.Add(1) }) {
		t.Fatal("submit refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown blocked for %v", elapsed)
	}
	if p.TrySubmit(func() {}) {
		t.Error("stopped pool accepted work")
	}
	if ran.Load() != 0 {
		t.Error("queued job ran after a forced shutdown")
	}
}
