package config

import "time"

// Config represents the complete server configuration
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Logging         LoggingConfig         `yaml:"logging"`
	AccessLog       AccessLogConfig       `yaml:"access_log"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Timeout         TimeoutConfig         `yaml:"timeout"`
	Cache           CacheConfig           `yaml:"cache"`
	Static          StaticConfig          `yaml:"static"`
	IPFilter        IPFilterConfig        `yaml:"ip_filter"`
	CORS            CORSConfig            `yaml:"cors"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Compression     CompressionConfig     `yaml:"compression"`
	Locale          LocaleConfig          `yaml:"locale"`
	Redirects       []RedirectRule        `yaml:"redirects"`
	Proxy           ProxyConfig           `yaml:"proxy"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Health          HealthConfig          `yaml:"health"`
}

// ServerConfig defines the TCP acceptor and request parsing limits.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	RootDir         string        `yaml:"root_dir"`
	Index           string        `yaml:"index"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxAcceptRate   float64       `yaml:"max_accept_rate"` // connections per second, 0 = unlimited
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Encoding string         `yaml:"encoding"` // json or console
	File     string         `yaml:"file"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig defines log file rotation. Sizes are megabytes, ages days.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
}

// AccessLogConfig defines per-request logging. StatusCodes entries are
// "200", "4xx" or "500-599".
type AccessLogConfig struct {
	Enabled          bool     `yaml:"enabled"`
	SkipPaths        []string `yaml:"skip_paths"`
	StatusCodes      []string `yaml:"status_codes"`
	Headers          []string `yaml:"headers"`
	SensitiveHeaders []string `yaml:"sensitive_headers"`
}

// RateLimitConfig defines the per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerPeriod int           `yaml:"requests_per_period"`
	Period            time.Duration `yaml:"period"`
	Burst             int           `yaml:"burst"`
	HighWater         int           `yaml:"high_water"`
	IdleAfter         time.Duration `yaml:"idle_after"`
}

// TimeoutConfig defines the request deadline and the worker pool behind it.
type TimeoutConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Request    time.Duration `yaml:"request"`
	Workers    int           `yaml:"workers"` // 0 = max(4, 2×CPU)
	QueueDepth int           `yaml:"queue_depth"`
}

// CacheConfig bounds the in-memory file cache.
type CacheConfig struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// StaticConfig defines static file response options.
type StaticConfig struct {
	CacheControl string `yaml:"cache_control"`
}

// IPFilterConfig defines IP allow/deny lists. Entries may be addresses or CIDRs.
type IPFilterConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Allow        []string `yaml:"allow"`
	Deny         []string `yaml:"deny"`
	DefaultAllow bool     `yaml:"default_allow"`
}

// CORSConfig defines CORS settings
type CORSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Paths          []string      `yaml:"paths"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AllowedMethods []string      `yaml:"allowed_methods"`
	AllowedHeaders []string      `yaml:"allowed_headers"`
	MaxAge         time.Duration `yaml:"max_age"`
}

// SecurityHeadersConfig defines the headers added to every response.
type SecurityHeadersConfig struct {
	Enabled             bool              `yaml:"enabled"`
	XContentTypeOptions string            `yaml:"x_content_type_options"`
	XFrameOptions       string            `yaml:"x_frame_options"`
	XXSSProtection      string            `yaml:"x_xss_protection"`
	ReferrerPolicy      string            `yaml:"referrer_policy"`
	CustomHeaders       map[string]string `yaml:"custom_headers"`
}

// CompressionConfig defines response compression.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Level        int      `yaml:"level"`
	MinSize      int      `yaml:"min_size"`
	Algorithms   []string `yaml:"algorithms"`
	ContentTypes []string `yaml:"content_types"`
}

// LocaleConfig defines locale negotiation.
type LocaleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Default string `yaml:"default"`
	Cookie  string `yaml:"cookie"`
}

// RedirectRule maps a path glob to a target location.
type RedirectRule struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Status int    `yaml:"status"`
}

// ProxyConfig lists reverse proxy routes.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute forwards everything under Prefix to Upstream.
type ProxyRoute struct {
	Prefix         string               `yaml:"prefix"`
	Upstream       string               `yaml:"upstream"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker in front of a proxy upstream.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig defines the health endpoint.
type HealthConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			RootDir:         "www",
			Index:           "index.html",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxHeaderBytes:  64 << 10,
			MaxBodyBytes:    10 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
			Rotation: RotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		AccessLog: AccessLogConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerPeriod: 60,
			Period:            time.Minute,
			Burst:             100,
			HighWater:         10000,
			IdleAfter:         10 * time.Minute,
		},
		Timeout: TimeoutConfig{
			Enabled:    true,
			Request:    5 * time.Second,
			QueueDepth: 50,
		},
		Cache: CacheConfig{
			MaxEntries: 100,
			MaxBytes:   50 << 20,
		},
		Static: StaticConfig{
			CacheControl: "public, max-age=5",
		},
		IPFilter: IPFilterConfig{
			DefaultAllow: true,
		},
		CORS: CORSConfig{
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			MaxAge:         time.Hour,
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled: true,
		},
		Compression: CompressionConfig{
			Enabled: true,
			MinSize: 1024,
		},
		Locale: LocaleConfig{
			Enabled: true,
			Default: "en-US",
			Cookie:  "user-lang",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Path: "/health",
		},
	}
}
