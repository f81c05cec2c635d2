package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/webserver/internal/cache"
)

const namespace = "webserver"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the server's Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDurations  *prometheus.HistogramVec
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	rateLimitDenied   prometheus.Counter
	timeoutOutcomes   *prometheus.CounterVec

	// Circuit breaker state: 0=closed, 1=half_open, 2=open
	circuitBreakerState *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests",
		}, []string{"method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   DefaultBuckets,
		}, []string{"method"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently being served",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		rateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		timeoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeout_outcomes_total",
			Help:      "Requests through the timeout guard by outcome",
		}, []string{"outcome"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Proxy circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"upstream"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.activeConnections,
		c.connectionsTotal,
		c.rateLimitDenied,
		c.timeoutOutcomes,
		c.circuitBreakerState,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(method).Observe(duration.Seconds())
}

// ConnectionOpened records an accepted connection.
func (c *Collector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.activeConnections.Inc()
}

// ConnectionClosed records a finished connection.
func (c *Collector) ConnectionClosed() {
	c.activeConnections.Dec()
}

// RecordRateLimitDenied records a 429.
func (c *Collector) RecordRateLimitDenied() {
	c.rateLimitDenied.Inc()
}

// RecordTimeoutOutcome records how a guarded request ended.
func (c *Collector) RecordTimeoutOutcome(outcome string) {
	c.timeoutOutcomes.WithLabelValues(outcome).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for an upstream
func (c *Collector) SetCircuitBreakerState(upstream string, state int) {
	c.circuitBreakerState.WithLabelValues(upstream).Set(float64(state))
}

// RegisterFileCache exports the cache's counters, read on every scrape.
func (c *Collector) RegisterFileCache(fc *cache.FileCache) error {
	stat := func(pick func(cache.Stats) float64) func() float64 {
		return func() float64 { return pick(fc.Stats()) }
	}
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "filecache", Name: "entries",
			Help: "Entries resident in the file cache",
		}, stat(func(s cache.Stats) float64 { return float64(s.Entries) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "filecache", Name: "bytes",
			Help: "Bytes resident in the file cache",
		}, stat(func(s cache.Stats) float64 { return float64(s.Bytes) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "filecache", Name: "hits_total",
			Help: "File cache hits",
		}, stat(func(s cache.Stats) float64 { return float64(s.Hits) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "filecache", Name: "misses_total",
			Help: "File cache misses",
		}, stat(func(s cache.Stats) float64 { return float64(s.Misses) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "filecache", Name: "evictions_total",
			Help: "File cache evictions",
		}, stat(func(s cache.Stats) float64 { return float64(s.Evictions) })),
	}
	for _, col := range cs {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the Prometheus exposition handler for the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
