package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// Port bounds accepted from config and the command line.
const (
	MinPort = 1
	MaxPort = 65535
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if err := ValidatePort(cfg.Server.Port); err != nil {
		return fmt.Errorf("server.port: %w", err)
	}
	if cfg.Server.RootDir == "" {
		return fmt.Errorf("server.root_dir is required")
	}
	if cfg.Server.MaxHeaderBytes < 0 || cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server: size limits must not be negative")
	}
	if cfg.Server.MaxAcceptRate < 0 {
		return fmt.Errorf("server.max_accept_rate must not be negative")
	}
	for _, p := range cfg.Server.TrustedProxies {
		if err := validateAddrOrCIDR(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerPeriod <= 0 {
			return fmt.Errorf("rate_limit.requests_per_period must be > 0")
		}
		if cfg.RateLimit.Burst < 0 {
			return fmt.Errorf("rate_limit.burst must not be negative")
		}
		if cfg.RateLimit.Period < 0 || cfg.RateLimit.IdleAfter < 0 {
			return fmt.Errorf("rate_limit: durations must not be negative")
		}
	}

	if cfg.Timeout.Enabled {
		if cfg.Timeout.Request <= 0 {
			return fmt.Errorf("timeout.request must be > 0")
		}
		if cfg.Timeout.Workers < 0 || cfg.Timeout.QueueDepth < 0 {
			return fmt.Errorf("timeout: workers and queue_depth must not be negative")
		}
	}

	if cfg.Cache.MaxEntries < 0 || cfg.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache: limits must not be negative")
	}

	if cfg.IPFilter.Enabled {
		for _, e := range append(append([]string{}, cfg.IPFilter.Allow...), cfg.IPFilter.Deny...) {
			if err := validateAddrOrCIDR(e); err != nil {
				return fmt.Errorf("ip_filter: %w", err)
			}
		}
	}

	validAlgos := map[string]bool{"gzip": true, "br": true, "zstd": true}
	for _, a := range cfg.Compression.Algorithms {
		if !validAlgos[a] {
			return fmt.Errorf("compression: unknown algorithm %q", a)
		}
	}

	for i, r := range cfg.Redirects {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("redirects[%d]: from and to are required", i)
		}
		if !doublestar.ValidatePattern(r.From) {
			return fmt.Errorf("redirects[%d]: invalid pattern %q", i, r.From)
		}
		switch r.Status {
		case 0, 301, 302, 303, 307, 308:
		default:
			return fmt.Errorf("redirects[%d]: status %d is not a redirect", i, r.Status)
		}
	}

	prefixes := make(map[string]bool)
	for i, r := range cfg.Proxy.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("proxy.routes[%d]: prefix must start with /", i)
		}
		if prefixes[r.Prefix] {
			return fmt.Errorf("proxy.routes[%d]: duplicate prefix %s", i, r.Prefix)
		}
		prefixes[r.Prefix] = true
		u, err := url.Parse(r.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.routes[%d]: invalid upstream %q", i, r.Upstream)
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if cfg.Health.Path != "" && !strings.HasPrefix(cfg.Health.Path, "/") {
		return fmt.Errorf("health.path must start with /")
	}

	return nil
}

// ValidatePort checks that port is within 1–65535.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range %d-%d", port, MinPort, MaxPort)
	}
	return nil
}

// ParsePort parses and validates a port given on the command line.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: must be an integer", s)
	}
	if err := ValidatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}

func validateAddrOrCIDR(s string) error {
	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return fmt.Errorf("invalid CIDR %q", s)
		}
		return nil
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP %q", s)
	}
	return nil
}
