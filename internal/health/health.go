package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/wire"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the latest probe outcome for one upstream.
type CheckResult struct {
	Address   string        `json:"address"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Config holds prober settings.
type Config struct {
	Timeout        time.Duration
	Interval       time.Duration
	HealthyAfter   int // consecutive successes needed to be healthy
	UnhealthyAfter int // consecutive failures needed to be unhealthy
	OnChange       func(address string, status Status)
}

// DefaultConfig provides default prober settings
var DefaultConfig = Config{
	Timeout:        2 * time.Second,
	Interval:       10 * time.Second,
	HealthyAfter:   1,
	UnhealthyAfter: 3,
}

type upstreamState struct {
	status          Status
	lastCheck       time.Time
	lastError       error
	consecutivePass int
	consecutiveFail int
	latency         time.Duration
}

// Prober dials proxy upstreams on an interval and tracks their reachability.
type Prober struct {
	cfg      Config
	mu       sync.RWMutex
	backends map[string]*upstreamState
	dial     func(ctx context.Context, network, address string) (net.Conn, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a prober for the given host:port addresses.
func NewProber(cfg Config, addresses ...string) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = DefaultConfig.HealthyAfter
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = DefaultConfig.UnhealthyAfter
	}
	p := &Prober{
		cfg:      cfg,
		backends: make(map[string]*upstreamState, len(addresses)),
		dial:     (&net.Dialer{}).DialContext,
	}
	for _, a := range addresses {
		p.backends[a] = &upstreamState{status: StatusUnknown}
	}
	return p
}

// Start launches one check loop per upstream. It returns immediately.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for addr := range p.backends {
		p.wg.Add(1)
		go p.checkLoop(ctx, addr)
	}
}

// Stop cancels the check loops and waits for them.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prober) checkLoop(ctx context.Context, address string) {
	defer p.wg.Done()
	p.CheckNow(ctx, address)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckNow(ctx, address)
		}
	}
}

// CheckNow performs an immediate TCP check of address.
func (p *Prober) CheckNow(ctx context.Context, address string) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", address)
	latency := time.Since(start)
	if err == nil {
		conn.Close()
	} else {
		err = fmt.Errorf("TCP connection failed: %w", err)
	}
	p.updateStatus(address, err == nil, latency, err)
	return p.result(address)
}

// updateStatus updates the health status with threshold logic
func (p *Prober) updateStatus(address string, healthy bool, latency time.Duration, err error) {
	p.mu.Lock()
	state, ok := p.backends[address]
	if !ok {
		p.mu.Unlock()
		return
	}
	state.lastCheck = time.Now()
	state.lastError = err
	state.latency = latency

	old := state.status
	if healthy {
		state.consecutiveFail = 0
		state.consecutivePass++
		if state.consecutivePass >= p.cfg.HealthyAfter {
			state.status = StatusHealthy
		}
	} else {
		state.consecutivePass = 0
		state.consecutiveFail++
		if state.consecutiveFail >= p.cfg.UnhealthyAfter {
			state.status = StatusUnhealthy
		}
	}
	changed := state.status
	p.mu.Unlock()

	if old != changed {
		logging.Info("Upstream health changed",
			zap.String("address", address),
			zap.String("from", string(old)),
			zap.String("to", string(changed)),
		)
		if p.cfg.OnChange != nil {
			p.cfg.OnChange(address, changed)
		}
	}
}

func (p *Prober) result(address string) CheckResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.backends[address]
	if !ok {
		return CheckResult{Address: address, Status: StatusUnknown, Timestamp: time.Now()}
	}
	r := CheckResult{
		Address:   address,
		Status:    state.status,
		Latency:   state.latency,
		Timestamp: state.lastCheck,
	}
	if state.lastError != nil {
		r.Error = state.lastError.Error()
	}
	return r
}

// GetStatus returns the health status of an upstream
func (p *Prober) GetStatus(address string) Status {
	return p.result(address).Status
}

// GetAllStatus returns every upstream's latest result, sorted by address.
func (p *Prober) GetAllStatus() []CheckResult {
	p.mu.RLock()
	addrs := make([]string, 0, len(p.backends))
	for a := range p.backends {
		addrs = append(addrs, a)
	}
	p.mu.RUnlock()
	sort.Strings(addrs)

	out := make([]CheckResult, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, p.result(a))
	}
	return out
}

// Handler answers health requests. The server reports UP whenever it can
// answer; upstream results are informational.
type Handler struct {
	prober *Prober
}

// NewHandler creates a health handler. prober may be nil.
func NewHandler(prober *Prober) *Handler {
	return &Handler{prober: prober}
}

type report struct {
	Status    string        `json:"status"`
	Upstreams []CheckResult `json:"upstreams,omitempty"`
}

// Serve implements middleware.Handler.
func (h *Handler) Serve(_ context.Context, _ *wire.Request, res *wire.Response) error {
	rep := report{Status: "UP"}
	if h.prober != nil {
		rep.Upstreams = h.prober.GetAllStatus()
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding health report: %w", err)
	}
	res.SetStatus(200)
	res.Header.Set("Cache-Control", "no-store")
	res.SetBody("application/json", body)
	return nil
}
