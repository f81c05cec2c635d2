package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/webserver/internal/cache"
	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/health"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/metrics"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/middleware/accesslog"
	"github.com/wudi/webserver/internal/middleware/compression"
	"github.com/wudi/webserver/internal/middleware/cors"
	"github.com/wudi/webserver/internal/middleware/ipfilter"
	"github.com/wudi/webserver/internal/middleware/locale"
	"github.com/wudi/webserver/internal/middleware/ratelimit"
	"github.com/wudi/webserver/internal/middleware/realip"
	"github.com/wudi/webserver/internal/middleware/redirect"
	"github.com/wudi/webserver/internal/middleware/requestid"
	"github.com/wudi/webserver/internal/middleware/securityheaders"
	"github.com/wudi/webserver/internal/middleware/staticfiles"
	"github.com/wudi/webserver/internal/middleware/timeout"
	"github.com/wudi/webserver/internal/proxy"
	"github.com/wudi/webserver/internal/router"
	"github.com/wudi/webserver/internal/server"
	"github.com/wudi/webserver/internal/wire"
)

// Filter orders. Equal orders run in registration order.
const (
	OrderRealIP          = 0
	OrderRequestID       = 0
	OrderSecurityHeaders = 0
	OrderAccessLog       = 1
	OrderIPFilter        = 2
	OrderRedirect        = 3
	OrderLocale          = 3
	OrderCompression     = 3
	OrderRateLimit       = 4
	OrderCORS            = 5
	OrderTimeout         = 10
)

// App is the assembled server: filters, handlers, acceptor and the shared
// cache and metrics they report into.
type App struct {
	cfg      *config.Config
	metrics  *metrics.Collector
	cache    *cache.FileCache
	router   *router.Router
	pipeline *middleware.Pipeline
	server   *server.Server
	prober   *health.Prober
	static   *staticfiles.StaticFileHandler
	proxies  []*proxy.Proxy
}

// New builds every component from cfg. Nothing listens until Run.
func New(cfg *config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		cfg:     cfg,
		metrics: metrics.NewCollector(),
		cache:   cache.New(cache.Config{MaxEntries: cfg.Cache.MaxEntries, MaxBytes: cfg.Cache.MaxBytes}),
		router:  router.New(),
	}
	if err := a.metrics.RegisterFileCache(a.cache); err != nil {
		return nil, fmt.Errorf("registering file cache metrics: %w", err)
	}

	b := middleware.NewBuilder(a.router)
	if err := a.registerFilters(b); err != nil {
		a.closeFilters(b)
		return nil, err
	}
	if err := a.registerHandlers(b); err != nil {
		a.closeFilters(b)
		return nil, err
	}
	a.pipeline = b.Build()

	a.server = server.New(server.Config{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Limits: wire.Limits{
			MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		},
		MaxAcceptRate: cfg.Server.MaxAcceptRate,
		Observer:      a.metrics,
	}, a.pipeline)

	logging.Info("Server assembled",
		zap.Int("filters", len(a.pipeline.Registry().Snapshot())),
		zap.Strings("routes", a.router.Routes()),
	)
	return a, nil
}

func (a *App) closeFilters(b *middleware.Builder) {
	if err := b.Build().Close(); err != nil {
		logging.Warn("Closing filters failed", zap.Error(err))
	}
}

func (a *App) registerFilters(b *middleware.Builder) error {
	cfg := a.cfg

	rip, err := realip.New(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("realip: %w", err)
	}
	b.Global(rip, OrderRealIP)
	b.Global(requestid.New(requestid.DefaultConfig), OrderRequestID)
	b.GlobalIf(cfg.SecurityHeaders.Enabled, func() middleware.Filter {
		return securityheaders.New(cfg.SecurityHeaders)
	}, OrderSecurityHeaders)

	if cfg.AccessLog.Enabled {
		al, err := accesslog.New(cfg.AccessLog)
		if err != nil {
			return fmt.Errorf("access log: %w", err)
		}
		al.Observe(a.metrics.RecordRequest)
		b.Global(al, OrderAccessLog)
	}

	if cfg.IPFilter.Enabled {
		ipf, err := ipfilter.New(cfg.IPFilter)
		if err != nil {
			return fmt.Errorf("ip filter: %w", err)
		}
		b.Global(ipf, OrderIPFilter)
	}

	if len(cfg.Redirects) > 0 {
		rf, err := redirect.New(cfg.Redirects)
		if err != nil {
			return fmt.Errorf("redirects: %w", err)
		}
		b.Global(rf, OrderRedirect)
	}
	b.GlobalIf(cfg.Locale.Enabled, func() middleware.Filter {
		return locale.New(cfg.Locale)
	}, OrderLocale)
	b.GlobalIf(cfg.Compression.Enabled, func() middleware.Filter {
		return compression.New(cfg.Compression)
	}, OrderCompression)

	if cfg.RateLimit.Enabled {
		rl := ratelimit.NewFilter(ratelimit.NewTokenBucket(ratelimit.Config{
			Rate:      cfg.RateLimit.RequestsPerPeriod,
			Period:    cfg.RateLimit.Period,
			Burst:     cfg.RateLimit.Burst,
			HighWater: cfg.RateLimit.HighWater,
			IdleAfter: cfg.RateLimit.IdleAfter,
		}))
		rl.OnDeny(a.metrics.RecordRateLimitDenied)
		b.Global(rl, OrderRateLimit)
	}

	if cfg.CORS.Enabled {
		paths := cfg.CORS.Paths
		if len(paths) == 0 {
			paths = []string{"/*"}
		}
		b.Route(cors.New(cfg.CORS), OrderCORS, paths...)
	}

	if cfg.Timeout.Enabled {
		g := timeout.New(timeout.Config{
			Request:    cfg.Timeout.Request,
			Workers:    cfg.Timeout.Workers,
			QueueDepth: cfg.Timeout.QueueDepth,
		})
		g.Observe(a.metrics.RecordTimeoutOutcome)
		b.Global(g, OrderTimeout)
	}
	return nil
}

func (a *App) registerHandlers(b *middleware.Builder) error {
	cfg := a.cfg

	static, err := staticfiles.New(staticfiles.Config{
		Root:         cfg.Server.RootDir,
		Index:        cfg.Server.Index,
		CacheControl: cfg.Static.CacheControl,
	}, nil, a.cache)
	if err != nil {
		return fmt.Errorf("static files: %w", err)
	}
	a.static = static
	b.Handle("/*", static)
	b.NotFound(router.NotFoundHandler())

	var upstreams []string
	for _, route := range cfg.Proxy.Routes {
		p, err := proxy.New(route, proxy.Options{OnStateChange: a.metrics.SetCircuitBreakerState})
		if err != nil {
			return err
		}
		a.proxies = append(a.proxies, p)
		b.Handle(p.Prefix()+"/*", p)
		if addr := upstreamAddr(route.Upstream); addr != "" {
			upstreams = append(upstreams, addr)
		}
	}
	if len(upstreams) > 0 {
		a.prober = health.NewProber(health.DefaultConfig, upstreams...)
	}

	if cfg.Health.Path != "" {
		b.Handle(cfg.Health.Path, health.NewHandler(a.prober))
	}
	if cfg.Metrics.Enabled {
		b.Handle(cfg.Metrics.Path, middleware.FromHTTP(a.metrics.Handler()))
	}
	return nil
}

// upstreamAddr returns host:port for an upstream URL.
func upstreamAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Run binds the configured address and serves until ctx ends.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully within the
// configured shutdown timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if a.prober != nil {
		a.prober.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// connections outlive ctx until Shutdown has drained them
		err := a.server.Serve(context.WithoutCancel(gctx), ln)
		if stderrors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logging.Info("Shutting down", zap.Duration("timeout", timeout))
		return a.server.Shutdown(sctx)
	})
	return g.Wait()
}

// Close releases filter resources and stops upstream probing.
func (a *App) Close() error {
	if a.prober != nil {
		a.prober.Stop()
	}
	return a.pipeline.Close()
}

// Addr returns the server's bound or configured address.
func (a *App) Addr() string {
	return a.server.Addr()
}

// Pipeline returns the request pipeline.
func (a *App) Pipeline() *middleware.Pipeline {
	return a.pipeline
}

// Cache returns the shared file cache.
func (a *App) Cache() *cache.FileCache {
	return a.cache
}

// Metrics returns the metrics collector.
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// Stats returns a snapshot of component statistics.
func (a *App) Stats() map[string]interface{} {
	proxies := make([]map[string]interface{}, 0, len(a.proxies))
	for _, p := range a.proxies {
		proxies = append(proxies, p.Stats())
	}
	return map[string]interface{}{
		"static":             a.static.Stats(),
		"proxies":            proxies,
		"active_connections": a.server.ActiveConnections(),
	}
}
