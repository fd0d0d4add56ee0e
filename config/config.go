package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Kirky-X/xRelay/consts"
	"github.com/Kirky-X/xRelay/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds the PostgreSQL configuration for the durable relay
// store. Its presence in the config file selects the durable backend; when
// the section is absent, or the database is unreachable at startup, the
// server degrades to the in-memory store.
type DatabaseConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	User             string `toml:"user"`
	Password         string `toml:"password"`
	Name             string `toml:"name"`
	TLSMode          bool   `toml:"tls"`
	MaxConns         int    `toml:"max_conns"`
	MinConns         int    `toml:"min_conns"`
	MaxConnLifetime  string `toml:"max_conn_lifetime"`
	MaxConnIdleTime  string `toml:"max_conn_idle_time"`
	QueryTimeout     string `toml:"query_timeout"`
	MigrationTimeout string `toml:"migration_timeout"` // Timeout for auto-migrations at startup
	LogQueries       bool   `toml:"log_queries"`
}

// IsConfigured returns true if a database host has been set.
func (d *DatabaseConfig) IsConfigured() bool {
	return d != nil && d.Host != ""
}

func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// PoolConfig holds relay pool lifecycle configuration. The durable and
// volatile backends carry independent refill policies: the durable store
// refills purely on count, the volatile store additionally refreshes when
// the pool snapshot exceeds refresh_interval in age.
type PoolConfig struct {
	FailureThreshold    int    `toml:"failure_threshold"`     // Failures before a relay is deprecated (default: 10)
	MinAvailableDurable int    `toml:"min_available_durable"` // Refill trigger for the durable store (default: 5)
	MinAvailableMemory  int    `toml:"min_available_memory"`  // Refill trigger for the in-memory store (default: 3)
	RefreshInterval     string `toml:"refresh_interval"`      // In-memory store only (default: "10m")
	Retention           string `toml:"retention"`             // Deprecated record retention (default: "30d")
	SweepInterval       string `toml:"sweep_interval"`        // How often the retention sweep runs (default: "12h")
	RefillCheckInterval string `toml:"refill_check_interval"` // Background refill check cadence (default: "1m")
}

func (p *PoolConfig) GetFailureThreshold() int {
	if p.FailureThreshold <= 0 {
		return consts.DefaultFailureThreshold
	}
	return p.FailureThreshold
}

func (p *PoolConfig) GetMinAvailableDurable() int {
	if p.MinAvailableDurable <= 0 {
		return consts.DefaultMinAvailableDurable
	}
	return p.MinAvailableDurable
}

func (p *PoolConfig) GetMinAvailableMemory() int {
	if p.MinAvailableMemory <= 0 {
		return consts.DefaultMinAvailableMemory
	}
	return p.MinAvailableMemory
}

func (p *PoolConfig) GetRefreshInterval() (time.Duration, error) {
	if p.RefreshInterval == "" {
		return consts.DefaultRefreshInterval, nil
	}
	return helpers.ParseDuration(p.RefreshInterval)
}

func (p *PoolConfig) GetRetention() (time.Duration, error) {
	if p.Retention == "" {
		return consts.DefaultRetention, nil
	}
	return helpers.ParseDuration(p.Retention)
}

func (p *PoolConfig) GetSweepInterval() (time.Duration, error) {
	if p.SweepInterval == "" {
		return consts.DefaultSweepInterval, nil
	}
	return helpers.ParseDuration(p.SweepInterval)
}

func (p *PoolConfig) GetRefillCheckInterval() (time.Duration, error) {
	if p.RefillCheckInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(p.RefillCheckInterval)
}

// FeedConfig describes one upstream relay feed.
type FeedConfig struct {
	Name    string `toml:"name"`
	URL     string `toml:"url"`
	Format  string `toml:"format"`  // "plain" (host:port lines) or "json"
	Timeout string `toml:"timeout"` // Per-feed fetch timeout (default: "10s")
}

func (f *FeedConfig) GetTimeout() (time.Duration, error) {
	if f.Timeout == "" {
		return consts.DefaultFeedTimeout, nil
	}
	return helpers.ParseDuration(f.Timeout)
}

// SourcesConfig holds the relay feed list and snapshot caching policy.
type SourcesConfig struct {
	Feeds           []FeedConfig `toml:"feed"`
	RefreshInterval string       `toml:"refresh_interval"` // Snapshot cache validity (default: "10m")
}

func (s *SourcesConfig) GetRefreshInterval() (time.Duration, error) {
	if s.RefreshInterval == "" {
		return consts.DefaultRefreshInterval, nil
	}
	return helpers.ParseDuration(s.RefreshInterval)
}

// ValidatorConfig holds reachability probe configuration.
type ValidatorConfig struct {
	ProbeURL       string `toml:"probe_url"`       // Known-stable endpoint fetched through candidates
	ProbeTimeout   string `toml:"probe_timeout"`   // Per-candidate timeout (default: "3s")
	MaxConcurrency int    `toml:"max_concurrency"` // Concurrent probes per wave (default: 10)
	MinSuccesses   int    `toml:"min_successes"`   // Early-termination target (default: 5)
}

func (v *ValidatorConfig) GetProbeURL() string {
	if v.ProbeURL == "" {
		return consts.DefaultProbeURL
	}
	return v.ProbeURL
}

func (v *ValidatorConfig) GetProbeTimeout() (time.Duration, error) {
	if v.ProbeTimeout == "" {
		return consts.DefaultProbeTimeout, nil
	}
	return helpers.ParseDuration(v.ProbeTimeout)
}

func (v *ValidatorConfig) GetMaxConcurrency() int {
	if v.MaxConcurrency <= 0 {
		return consts.DefaultMaxConcurrency
	}
	return v.MaxConcurrency
}

func (v *ValidatorConfig) GetMinSuccesses() int {
	if v.MinSuccesses <= 0 {
		return consts.DefaultMinSuccesses
	}
	return v.MinSuccesses
}

// DispatchConfig holds request delivery configuration.
type DispatchConfig struct {
	MaxAttempts     int    `toml:"max_attempts"`     // Sequential attempt budget (default: 3)
	BatchSize       int    `toml:"batch_size"`       // Candidate batch for the durable policy (default: 5)
	AttemptTimeout  string `toml:"attempt_timeout"`  // Per-relay attempt timeout (default: "8s")
	FallbackTimeout string `toml:"fallback_timeout"` // Direct-connection timeout (default: "10s")
	UseFallback     *bool  `toml:"use_fallback"`     // Fall back to a direct request (default: true)
	PreCheck        bool   `toml:"pre_check"`        // Reachability-check candidates before relaying
}

func (d *DispatchConfig) GetMaxAttempts() int {
	if d.MaxAttempts <= 0 {
		return consts.DefaultMaxAttempts
	}
	return d.MaxAttempts
}

func (d *DispatchConfig) GetBatchSize() int {
	if d.BatchSize <= 0 {
		return consts.DefaultBatchSize
	}
	return d.BatchSize
}

func (d *DispatchConfig) GetAttemptTimeout() (time.Duration, error) {
	if d.AttemptTimeout == "" {
		return consts.DefaultAttemptTimeout, nil
	}
	return helpers.ParseDuration(d.AttemptTimeout)
}

func (d *DispatchConfig) GetFallbackTimeout() (time.Duration, error) {
	if d.FallbackTimeout == "" {
		return consts.DefaultFallbackTimeout, nil
	}
	return helpers.ParseDuration(d.FallbackTimeout)
}

func (d *DispatchConfig) GetUseFallback() bool {
	if d.UseFallback == nil {
		return true
	}
	return *d.UseFallback
}

// CacheConfig holds the response cache configuration.
type CacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`            // Directory for the cache index (default: "/tmp/xrelay-cache")
	TTL           string `toml:"ttl"`             // Entry time-to-live (default: "5m")
	Capacity      string `toml:"capacity"`        // Total size bound (default: "256mb")
	MaxObjectSize string `toml:"max_object_size"` // Largest cacheable body (default: "4mb")
	PurgeInterval string `toml:"purge_interval"`  // Expiry/size purge cadence (default: "1m")
}

func (c *CacheConfig) GetTTL() (time.Duration, error) {
	if c.TTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.TTL)
}

func (c *CacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

func (c *CacheConfig) GetPath() string {
	if c.Path == "" {
		return "/tmp/xrelay-cache"
	}
	return c.Path
}

func (c *CacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		return 256 * 1024 * 1024, nil
	}
	return helpers.ParseSize(c.Capacity)
}

func (c *CacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		return 4 * 1024 * 1024, nil
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// RateLimitConfig holds fixed-window rate limiting configuration for the
// HTTP entry point.
type RateLimitConfig struct {
	Enabled      bool   `toml:"enabled"`
	Window       string `toml:"window"`         // Window length (default: "1m")
	GlobalLimit  int    `toml:"global_limit"`   // Requests per window across all clients (default: 60)
	PerKeyLimit  int    `toml:"per_key_limit"`  // Requests per window per client IP (default: 10)
}

func (r *RateLimitConfig) GetWindow() (time.Duration, error) {
	if r.Window == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(r.Window)
}

func (r *RateLimitConfig) GetGlobalLimit() int {
	if r.GlobalLimit <= 0 {
		return 60
	}
	return r.GlobalLimit
}

func (r *RateLimitConfig) GetPerKeyLimit() int {
	if r.PerKeyLimit <= 0 {
		return 10
	}
	return r.PerKeyLimit
}

// HTTPAPIConfig holds the HTTP API server configuration.
type HTTPAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"` // Optional; empty disables authentication
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address for /metrics (default: ":9090")
	Path    string `toml:"path"`
}

func (m *MetricsConfig) GetAddr() string {
	if m.Addr == "" {
		return ":9090"
	}
	return m.Addr
}

func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Database  *DatabaseConfig `toml:"database"`
	Pool      PoolConfig      `toml:"pool"`
	Sources   SourcesConfig   `toml:"sources"`
	Validator ValidatorConfig `toml:"validator"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Cache     CacheConfig     `toml:"cache"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NewDefaultConfig returns a configuration with sensible defaults. Values
// not present in the TOML file keep these defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		HTTPAPI: HTTPAPIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
	}
}

// Load reads and parses the TOML configuration file into cfg.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for inconsistencies that would only
// surface at runtime otherwise.
func (c *Config) Validate() error {
	for i, feed := range c.Sources.Feeds {
		if feed.Name == "" {
			return fmt.Errorf("sources.feed[%d]: name is required", i)
		}
		if feed.URL == "" {
			return fmt.Errorf("sources.feed[%d] (%s): url is required", i, feed.Name)
		}
		switch feed.Format {
		case "", "plain", "json":
		default:
			return fmt.Errorf("sources.feed[%d] (%s): unknown format '%s'", i, feed.Name, feed.Format)
		}
		if _, err := feed.GetTimeout(); err != nil {
			return fmt.Errorf("sources.feed[%d] (%s): %w", i, feed.Name, err)
		}
	}

	if c.HTTPAPI.TLS {
		if c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "" {
			return fmt.Errorf("http_api: tls_cert_file and tls_key_file are required when TLS is enabled")
		}
	}

	durationFields := []struct {
		name string
		fn   func() (time.Duration, error)
	}{
		{"pool.refresh_interval", c.Pool.GetRefreshInterval},
		{"pool.retention", c.Pool.GetRetention},
		{"pool.sweep_interval", c.Pool.GetSweepInterval},
		{"pool.refill_check_interval", c.Pool.GetRefillCheckInterval},
		{"sources.refresh_interval", c.Sources.GetRefreshInterval},
		{"validator.probe_timeout", c.Validator.GetProbeTimeout},
		{"dispatch.attempt_timeout", c.Dispatch.GetAttemptTimeout},
		{"dispatch.fallback_timeout", c.Dispatch.GetFallbackTimeout},
		{"cache.ttl", c.Cache.GetTTL},
		{"cache.purge_interval", c.Cache.GetPurgeInterval},
		{"rate_limit.window", c.RateLimit.GetWindow},
	}
	for _, f := range durationFields {
		if _, err := f.fn(); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}

	if c.Database.IsConfigured() {
		if _, err := c.Database.GetQueryTimeout(); err != nil {
			return fmt.Errorf("database.query_timeout: %w", err)
		}
		if _, err := c.Database.GetMigrationTimeout(); err != nil {
			return fmt.Errorf("database.migration_timeout: %w", err)
		}
	}

	return nil
}
