// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

func init() {
	// Report validation errors with the TOML key names users actually write.
	validation.ErrorTag = "toml"
}

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/retry-proxy/config.toml",
	"configs/config.toml",
}

// maxMemoryLimit keeps memory_limit_bytes+1 representable as an int64.
const maxMemoryLimit = math.MaxInt64 - 1

// reservedAdminRoutes are served by the admin listener and cannot host metrics.
var reservedAdminRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Target   string `kong:"short='t',help='Upstream base URL (overrides config).',env='TARGET_SERVER_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Retry    RetryConfig    `toml:"retry"`
	Buffer   BufferConfig   `toml:"buffer"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Admin    AdminConfig    `toml:"admin"`
	Tracing  TracingConfig  `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the single upstream target and its connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// RetryConfig holds the backoff timing. The attempt cap is not configurable.
type RetryConfig struct {
	InitialIntervalMS   int     `toml:"initial_interval_ms"`
	MaxIntervalMS       int     `toml:"max_interval_ms"`
	Multiplier          float64 `toml:"multiplier"`
	RandomizationFactor float64 `toml:"randomization_factor"`
}

// BufferConfig controls how inbound bodies are held for replay across retries.
type BufferConfig struct {
	MemoryLimitBytes int64  `toml:"memory_limit_bytes"`
	SpillDir         string `toml:"spill_dir"` // empty means os.TempDir()
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// AdminConfig holds the admin listener serving health, status and metrics.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	SamplingRate float64 `toml:"sampling_rate"`
	ServiceName  string  `toml:"service_name"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/retry-proxy/config.toml then configs/config.toml; if neither exists the
// proxy runs from CLI flags and environment alone.
func Load(cli *CLI) (*Config, error) {
	cfg := defaultConfig()

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Target != "" {
		c.Upstream.BaseURL = cli.Target
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	sections := []struct {
		name string
		err  error
	}{
		{"server", c.Server.validate()},
		{"upstream", c.Upstream.validate()},
		{"retry", c.Retry.validate()},
		{"buffer", c.Buffer.validate()},
		{"log", c.Log.validate()},
		{"metrics", c.Metrics.validate()},
		{"admin", c.Admin.validate(c.Server.Port)},
		{"tracing", c.Tracing.validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			return fmt.Errorf("%s: %w", s.name, s.err)
		}
	}
	return nil
}

func (s *ServerConfig) validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Host, is.Host),
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.RateLimit, validation.By(func(any) error {
			rl := s.RateLimit
			return validation.ValidateStruct(&rl,
				validation.Field(&rl.RequestsPerSecond,
					validation.When(rl.Enabled, validation.Required, validation.Min(0.0).Exclusive()),
				),
			)
		})),
	)
}

func (u *UpstreamConfig) validate() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.BaseURL, validation.Required, validation.By(validateBaseURL)),
		validation.Field(&u.TimeoutSeconds, validation.Min(0)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
	)
}

// validateBaseURL requires an absolute http(s) URL with a host. The path is
// kept as-is and later concatenated with the inbound path.
func validateBaseURL(value any) error {
	raw, _ := value.(string)
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host; got %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must not carry a query or fragment; got %q", raw)
	}
	return nil
}

func (r *RetryConfig) validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.InitialIntervalMS, validation.Min(0)),
		validation.Field(&r.MaxIntervalMS, validation.Min(r.InitialIntervalMS)),
		validation.Field(&r.Multiplier, validation.Min(1.0)),
		validation.Field(&r.RandomizationFactor,
			validation.Min(0.0),
			validation.By(func(any) error {
				// Keeps every sampled delay at or above the previous one.
				if limit := (r.Multiplier - 1) / (r.Multiplier + 1); r.RandomizationFactor > limit {
					return fmt.Errorf("must be at most %.3f for multiplier %v", limit, r.Multiplier)
				}
				return nil
			}),
		),
	)
}

// InitialInterval returns the first backoff delay.
func (r *RetryConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMS) * time.Millisecond
}

// MaxInterval returns the cap on the un-randomized backoff delay.
func (r *RetryConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMS) * time.Millisecond
}

func (b *BufferConfig) validate() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.MemoryLimitBytes, validation.Min(int64(0)), validation.Max(int64(maxMemoryLimit))),
	)
}

func (l *LogConfig) validate() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.Level, validation.By(lowerIn("debug", "info", "warn", "error"))),
		validation.Field(&l.Format, validation.By(lowerIn("json", "text"))),
	)
}

// lowerIn is validation.In over the lowercased value.
func lowerIn(allowed ...string) validation.RuleFunc {
	rule := validation.In(toAny(allowed)...).Error("must be one of: " + strings.Join(allowed, ", "))
	return func(value any) error {
		s, _ := value.(string)
		return rule.Validate(strings.ToLower(s))
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (m *MetricsConfig) validate() error {
	// Metrics path validation (only when metrics are enabled).
	return validation.ValidateStruct(m,
		validation.Field(&m.Path, validation.When(m.Enabled, validation.By(func(any) error {
			p := m.Path
			if p[0] != '/' {
				return fmt.Errorf("metrics.path must start with '/'; got %q", p)
			}
			for _, reserved := range reservedAdminRoutes {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
				}
			}
			return nil
		}))),
	)
}

func (a *AdminConfig) validate(serverPort int) error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Host, is.Host),
		validation.Field(&a.Port,
			validation.Min(0),
			validation.Max(65535),
			validation.When(a.Enabled, validation.NotIn(serverPort).Error("must differ from server.port")),
		),
	)
}

func (t *TracingConfig) validate() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.SamplingRate, validation.Min(0.0), validation.Max(1.0)),
	)
}

// defaultConfig returns the settings whose zero value is a valid choice.
// They are in place before the file is decoded, so an explicit 0 survives.
func defaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			Multiplier:          2,
			RandomizationFactor: 0.25,
		},
		Tracing: TracingConfig{
			SamplingRate: 1,
		},
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Retry.InitialIntervalMS == 0 {
		c.Retry.InitialIntervalMS = 1000
	}
	if c.Retry.MaxIntervalMS == 0 {
		c.Retry.MaxIntervalMS = 10 * 60 * 1000
	}
	if c.Buffer.MemoryLimitBytes == 0 {
		c.Buffer.MemoryLimitBytes = 1024 * 1024 // 1 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "retry-proxy"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin listen address as host:port.
func (a *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Timeout returns the per-attempt upstream timeout.
func (u *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
