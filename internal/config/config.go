// Package config provides YAML configuration loading with validation,
// environment variable substitution, and per-dependency defaults merging for
// the resilience layer.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Identity tiers recognized by the rate limiter. Every tier that appears in a
// rate_limit block must be one of these.
var ValidTiers = map[string]bool{
	"anonymous":     true,
	"authenticated": true,
	"elevated":      true,
}

// Breaker strategies selectable per dependency.
const (
	StrategyConsecutive = "consecutive"
	StrategyFailureRate = "failure_rate"
	StrategyAdaptive    = "adaptive"
)

var ValidStrategies = map[string]bool{
	"":                  true, // empty means inherit / default (consecutive)
	StrategyConsecutive: true,
	StrategyFailureRate: true,
	StrategyAdaptive:    true,
}

// Config is the top-level shield configuration.
type Config struct {
	Listen    string         `yaml:"listen" json:"listen"`
	OpsListen string         `yaml:"ops_listen" json:"ops_listen"`
	Server    ServerConfig   `yaml:"server" json:"server"`
	Log       LogConfig      `yaml:"log" json:"log"`
	TLS       TLSConfig      `yaml:"tls" json:"tls"`
	Identity  IdentityConfig `yaml:"identity" json:"identity"`
	Admin     AdminConfig    `yaml:"admin" json:"admin"`
	L2Cache   L2CacheConfig  `yaml:"l2_cache" json:"l2_cache"`

	// Defaults is merged field-wise into every entry of Dependencies.
	Defaults     DependencyConfig             `yaml:"defaults" json:"defaults"`
	Dependencies map[string]*DependencyConfig `yaml:"dependencies" json:"dependencies"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server tuning knobs.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`

	// IngressTimeout is the caller-level budget set on every request; the
	// per-attempt timeout guard composes with it by taking the earlier
	// deadline. Zero disables the budget.
	IngressTimeout time.Duration `yaml:"ingress_timeout" json:"ingress_timeout"`
}

// TLSConfig holds TLS termination settings for the main listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LogConfig holds structured log output settings.
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`   // "debug", "info", "warn", "error"; default: "info"
	Format     string `yaml:"format" json:"format"` // "json" or "text"; default: "json"
	Output     string `yaml:"output" json:"output"` // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// IdentityConfig holds JWT tier-extraction settings. When Secret is empty all
// callers are treated as anonymous.
type IdentityConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	TierClaim string `yaml:"tier_claim" json:"tier_claim"` // default: "tier"
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	Token       string   `yaml:"token" json:"token"`               // bearer token; empty disables the token check
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// L2CacheConfig holds the shared cache tier (NATS JetStream KV) settings.
type L2CacheConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	URL     string        `yaml:"url" json:"url"`
	Bucket  string        `yaml:"bucket" json:"bucket"`
	MaxAge  time.Duration `yaml:"max_age" json:"max_age"` // bucket-level GC backstop
}

// DependencyConfig describes one protected dependency, or (as
// Config.Defaults) the baseline every dependency inherits. Zero-valued fields
// in a dependency entry mean "inherit from defaults".
type DependencyConfig struct {
	Upstream       string        `yaml:"upstream" json:"upstream"`
	RoutePrefix    string        `yaml:"route_prefix" json:"route_prefix"`
	StripPrefix    bool          `yaml:"strip_prefix" json:"strip_prefix"`
	UpstreamCAFile string        `yaml:"upstream_ca_file" json:"upstream_ca_file"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	FailMode       string        `yaml:"fail_mode" json:"fail_mode"` // "closed" or "open"; default: "closed"

	Circuit   CircuitConfig        `yaml:"circuit" json:"circuit"`
	Retry     RetryConfig          `yaml:"retry" json:"retry"`
	Bulkhead  BulkheadConfig       `yaml:"bulkhead" json:"bulkhead"`
	RateLimit map[string]TierLimit `yaml:"rate_limit" json:"rate_limit"`
	Cache     CacheConfig          `yaml:"cache" json:"cache"`
}

// FailOpen reports whether this dependency prefers availability over
// protection: circuit-open and bulkhead-full are recorded but do not reject.
func (d *DependencyConfig) FailOpen() bool {
	return d.FailMode == "open"
}

// CircuitConfig holds breaker settings for one dependency.
type CircuitConfig struct {
	Strategy         string        `yaml:"strategy" json:"strategy"`
	FailThreshold    int           `yaml:"fail_threshold" json:"fail_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
	HalfOpenProbes   int           `yaml:"half_open_probes" json:"half_open_probes"`

	// failure_rate strategy only.
	WindowSize   int     `yaml:"window_size" json:"window_size"`
	FailureRatio float64 `yaml:"failure_ratio" json:"failure_ratio"`

	// adaptive strategy only.
	LatencyCeiling time.Duration `yaml:"latency_ceiling" json:"latency_ceiling"`
	MinRatio       float64       `yaml:"min_ratio" json:"min_ratio"`
}

// RetryConfig holds retry settings for one dependency. Jitter is the fraction
// by which each delay is randomized: delay * [1-jitter, 1+jitter].
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// Bulkhead overflow policies.
const (
	PolicyReject = "reject"
	PolicyWait   = "wait"
)

// BulkheadConfig holds concurrency admission settings for one dependency.
type BulkheadConfig struct {
	Limit   int           `yaml:"limit" json:"limit"`
	Policy  string        `yaml:"policy" json:"policy"` // "reject" or "wait"; default: "reject"
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
}

// TierLimit holds token bucket parameters for one identity tier.
type TierLimit struct {
	Capacity   int     `yaml:"capacity" json:"capacity"`
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"` // tokens per second
}

// CacheConfig holds response cache settings for one dependency. Enabled is a
// pointer so an explicit `enabled: false` overrides a true default.
type CacheConfig struct {
	Enabled      *bool         `yaml:"enabled" json:"enabled"`
	L1TTL        time.Duration `yaml:"l1_ttl" json:"l1_ttl"`
	L2TTL        time.Duration `yaml:"l2_ttl" json:"l2_ttl"`
	L1MaxEntries int64         `yaml:"l1_max_entries" json:"l1_max_entries"`
}

// IsEnabled returns whether caching is enabled (defaults to false).
func (c CacheConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return false
	}
	return *c.Enabled
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, merges defaults into every dependency, and validates
// the result. Warnings are stored on cfg.Warnings (goroutine-safe, no
// package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// Dependency returns the merged configuration for key, or nil when the key is
// not configured. Callers handling unknown keys consult Defaults and the
// fail-mode policy themselves.
func (c *Config) Dependency(key string) *DependencyConfig {
	if c.Dependencies == nil {
		return nil
	}
	return c.Dependencies[key]
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	if cfg.OpsListen == "" {
		cfg.OpsListen = ":9190"
	}

	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}

	if cfg.TLS.Enabled && cfg.TLS.MinVersion == "" {
		cfg.TLS.MinVersion = "1.2"
	}

	if cfg.Identity.TierClaim == "" {
		cfg.Identity.TierClaim = "tier"
	}

	if cfg.L2Cache.Enabled {
		if cfg.L2Cache.Bucket == "" {
			cfg.L2Cache.Bucket = "shield-cache"
		}
		if cfg.L2Cache.MaxAge == 0 {
			cfg.L2Cache.MaxAge = time.Hour
		}
	}

	applyDependencyDefaults(&cfg.Defaults)

	for _, dep := range cfg.Dependencies {
		if dep == nil {
			continue
		}
		mergeDependency(dep, &cfg.Defaults)
	}
}

// applyDependencyDefaults fills the baseline values on the defaults block so
// every dependency has a complete, usable configuration after merging.
func applyDependencyDefaults(d *DependencyConfig) {
	if d.Timeout == 0 {
		d.Timeout = 5 * time.Second
	}
	if d.FailMode == "" {
		d.FailMode = "closed"
	}

	if d.Circuit.Strategy == "" {
		d.Circuit.Strategy = StrategyConsecutive
	}
	if d.Circuit.FailThreshold == 0 {
		d.Circuit.FailThreshold = 5
	}
	if d.Circuit.SuccessThreshold == 0 {
		d.Circuit.SuccessThreshold = 2
	}
	if d.Circuit.Cooldown == 0 {
		d.Circuit.Cooldown = 30 * time.Second
	}
	if d.Circuit.HalfOpenProbes == 0 {
		d.Circuit.HalfOpenProbes = 1
	}
	if d.Circuit.WindowSize == 0 {
		d.Circuit.WindowSize = 20
	}
	if d.Circuit.FailureRatio == 0 {
		d.Circuit.FailureRatio = 0.5
	}
	if d.Circuit.LatencyCeiling == 0 {
		d.Circuit.LatencyCeiling = 2 * time.Second
	}
	if d.Circuit.MinRatio == 0 {
		d.Circuit.MinRatio = 0.2
	}

	if d.Retry.MaxAttempts == 0 {
		d.Retry.MaxAttempts = 3
	}
	if d.Retry.BaseDelay == 0 {
		d.Retry.BaseDelay = 100 * time.Millisecond
	}
	if d.Retry.MaxDelay == 0 {
		d.Retry.MaxDelay = 5 * time.Second
	}
	if d.Retry.Jitter == 0 {
		d.Retry.Jitter = 0.2
	}

	if d.Bulkhead.Limit == 0 {
		d.Bulkhead.Limit = 32
	}
	if d.Bulkhead.Policy == "" {
		d.Bulkhead.Policy = PolicyReject
	}

	if d.RateLimit == nil {
		d.RateLimit = map[string]TierLimit{
			"anonymous":     {Capacity: 10, RefillRate: 1},
			"authenticated": {Capacity: 60, RefillRate: 10},
			"elevated":      {Capacity: 600, RefillRate: 100},
		}
	}

	if d.Cache.L1TTL == 0 {
		d.Cache.L1TTL = 30 * time.Second
	}
	if d.Cache.L2TTL == 0 {
		d.Cache.L2TTL = 5 * time.Minute
	}
	if d.Cache.L1MaxEntries == 0 {
		d.Cache.L1MaxEntries = 4096
	}
}

// mergeDependency copies every unset field of dep from def. Upstream,
// RoutePrefix, StripPrefix, and UpstreamCAFile are identity fields and never
// inherited.
func mergeDependency(dep, def *DependencyConfig) {
	if dep.Timeout == 0 {
		dep.Timeout = def.Timeout
	}
	if dep.FailMode == "" {
		dep.FailMode = def.FailMode
	}

	if dep.Circuit.Strategy == "" {
		dep.Circuit.Strategy = def.Circuit.Strategy
	}
	if dep.Circuit.FailThreshold == 0 {
		dep.Circuit.FailThreshold = def.Circuit.FailThreshold
	}
	if dep.Circuit.SuccessThreshold == 0 {
		dep.Circuit.SuccessThreshold = def.Circuit.SuccessThreshold
	}
	if dep.Circuit.Cooldown == 0 {
		dep.Circuit.Cooldown = def.Circuit.Cooldown
	}
	if dep.Circuit.HalfOpenProbes == 0 {
		dep.Circuit.HalfOpenProbes = def.Circuit.HalfOpenProbes
	}
	if dep.Circuit.WindowSize == 0 {
		dep.Circuit.WindowSize = def.Circuit.WindowSize
	}
	if dep.Circuit.FailureRatio == 0 {
		dep.Circuit.FailureRatio = def.Circuit.FailureRatio
	}
	if dep.Circuit.LatencyCeiling == 0 {
		dep.Circuit.LatencyCeiling = def.Circuit.LatencyCeiling
	}
	if dep.Circuit.MinRatio == 0 {
		dep.Circuit.MinRatio = def.Circuit.MinRatio
	}

	if dep.Retry.MaxAttempts == 0 {
		dep.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if dep.Retry.BaseDelay == 0 {
		dep.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if dep.Retry.MaxDelay == 0 {
		dep.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if dep.Retry.Jitter == 0 {
		dep.Retry.Jitter = def.Retry.Jitter
	}

	if dep.Bulkhead.Limit == 0 {
		dep.Bulkhead.Limit = def.Bulkhead.Limit
	}
	if dep.Bulkhead.Policy == "" {
		dep.Bulkhead.Policy = def.Bulkhead.Policy
	}
	if dep.Bulkhead.MaxWait == 0 {
		dep.Bulkhead.MaxWait = def.Bulkhead.MaxWait
	}

	if dep.RateLimit == nil {
		dep.RateLimit = def.RateLimit
	} else {
		for tier, limit := range def.RateLimit {
			if _, ok := dep.RateLimit[tier]; !ok {
				dep.RateLimit[tier] = limit
			}
		}
	}

	if dep.Cache.Enabled == nil {
		dep.Cache.Enabled = def.Cache.Enabled
	}
	if dep.Cache.L1TTL == 0 {
		dep.Cache.L1TTL = def.Cache.L1TTL
	}
	if dep.Cache.L2TTL == 0 {
		dep.Cache.L2TTL = def.Cache.L2TTL
	}
	if dep.Cache.L1MaxEntries == 0 {
		dep.Cache.L1MaxEntries = def.Cache.L1MaxEntries
	}
}

func validate(cfg *Config) error {
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be non-negative")
	}
	if cfg.Server.IngressTimeout < 0 {
		return fmt.Errorf("server.ingress_timeout must be non-negative")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log.format must be \"json\" or \"text\", got %q", cfg.Log.Format)
	}
	if cfg.Log.Output != "stdout" && cfg.Log.Output != "stderr" {
		if cfg.Log.MaxSizeMB < 1 {
			return fmt.Errorf("log.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if cfg.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
		if cfg.TLS.MinVersion != "1.2" && cfg.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.TLS.MinVersion)
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if cfg.L2Cache.Enabled {
		if cfg.L2Cache.URL == "" {
			return fmt.Errorf("l2_cache.url is required when the shared cache tier is enabled")
		}
		if cfg.L2Cache.MaxAge < 0 {
			return fmt.Errorf("l2_cache.max_age must be non-negative")
		}
	}

	if err := validateDependency("defaults", &cfg.Defaults, false); err != nil {
		return err
	}

	seenPrefix := make(map[string]string)
	for key, dep := range cfg.Dependencies {
		if dep == nil {
			return fmt.Errorf("dependencies.%s: empty entry", key)
		}
		if err := validateDependency("dependencies."+key, dep, true); err != nil {
			return err
		}
		if dep.RoutePrefix != "" {
			if prev, dup := seenPrefix[dep.RoutePrefix]; dup {
				return fmt.Errorf("dependencies.%s: route_prefix %q already used by %s", key, dep.RoutePrefix, prev)
			}
			seenPrefix[dep.RoutePrefix] = key
		}
	}

	return nil
}

// validateDependency checks one merged dependency block. Identity fields
// (upstream, route_prefix) are only required on real dependencies, not on the
// defaults block.
func validateDependency(name string, d *DependencyConfig, requireUpstream bool) error {
	if requireUpstream {
		if d.Upstream == "" {
			return fmt.Errorf("%s.upstream is required", name)
		}
		u, err := url.Parse(d.Upstream)
		if err != nil {
			return fmt.Errorf("%s.upstream: invalid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s.upstream: scheme must be http or https, got %q", name, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%s.upstream: host is required", name)
		}
		if d.RoutePrefix == "" {
			return fmt.Errorf("%s.route_prefix is required", name)
		}
		if !strings.HasPrefix(d.RoutePrefix, "/") {
			return fmt.Errorf("%s.route_prefix must start with /", name)
		}
	}

	if d.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be positive", name)
	}
	if d.FailMode != "closed" && d.FailMode != "open" {
		return fmt.Errorf("%s.fail_mode must be \"closed\" or \"open\", got %q", name, d.FailMode)
	}

	c := d.Circuit
	if !ValidStrategies[c.Strategy] {
		return fmt.Errorf("%s.circuit.strategy must be one of consecutive, failure_rate, adaptive; got %q", name, c.Strategy)
	}
	if c.FailThreshold < 1 {
		return fmt.Errorf("%s.circuit.fail_threshold must be positive", name)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("%s.circuit.success_threshold must be positive", name)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("%s.circuit.cooldown must be positive", name)
	}
	if c.HalfOpenProbes < 1 {
		return fmt.Errorf("%s.circuit.half_open_probes must be positive", name)
	}
	// The adaptive strategy drives a sliding window internally, so both
	// strategies need valid window parameters.
	if c.Strategy == StrategyFailureRate || c.Strategy == StrategyAdaptive {
		if c.WindowSize < 1 {
			return fmt.Errorf("%s.circuit.window_size must be positive", name)
		}
		if c.FailureRatio <= 0 || c.FailureRatio > 1 {
			return fmt.Errorf("%s.circuit.failure_ratio must be between 0 (exclusive) and 1 (inclusive)", name)
		}
	}
	if c.Strategy == StrategyAdaptive {
		if c.LatencyCeiling <= 0 {
			return fmt.Errorf("%s.circuit.latency_ceiling must be positive", name)
		}
		if c.MinRatio <= 0 || c.MinRatio >= c.FailureRatio {
			return fmt.Errorf("%s.circuit.min_ratio must be between 0 and failure_ratio (exclusive)", name)
		}
	}

	r := d.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.retry.max_attempts must be positive", name)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("%s.retry.base_delay must be positive", name)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("%s.retry.max_delay must be >= base_delay", name)
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("%s.retry.jitter must be in [0, 1)", name)
	}

	b := d.Bulkhead
	if b.Limit < 1 {
		return fmt.Errorf("%s.bulkhead.limit must be positive", name)
	}
	if b.Policy != PolicyReject && b.Policy != PolicyWait {
		return fmt.Errorf("%s.bulkhead.policy must be \"reject\" or \"wait\", got %q", name, b.Policy)
	}
	if b.MaxWait < 0 {
		return fmt.Errorf("%s.bulkhead.max_wait must be non-negative", name)
	}

	for tier, limit := range d.RateLimit {
		if !ValidTiers[tier] {
			return fmt.Errorf("%s.rate_limit: unknown tier %q", name, tier)
		}
		if limit.Capacity < 1 {
			return fmt.Errorf("%s.rate_limit.%s.capacity must be positive", name, tier)
		}
		if limit.RefillRate <= 0 {
			return fmt.Errorf("%s.rate_limit.%s.refill_rate must be positive", name, tier)
		}
	}

	if d.Cache.IsEnabled() {
		if d.Cache.L1TTL <= 0 {
			return fmt.Errorf("%s.cache.l1_ttl must be positive", name)
		}
		if d.Cache.L2TTL <= 0 {
			return fmt.Errorf("%s.cache.l2_ttl must be positive", name)
		}
		if d.Cache.L1MaxEntries < 1 {
			return fmt.Errorf("%s.cache.l1_max_entries must be positive", name)
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Identity.JWTSecret, "${") {
		warnings = append(warnings, "identity.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && strings.Contains(cfg.Admin.Token, "${") {
		warnings = append(warnings, "admin.token contains unresolved environment variable")
	}
	for key, dep := range cfg.Dependencies {
		if dep == nil {
			continue
		}
		if dep.Timeout > 5*time.Minute {
			warnings = append(warnings, fmt.Sprintf("dependencies.%s.timeout exceeds 5m; slow callers will hold bulkhead slots for a long time", key))
		}
		if cfg.L2Cache.Enabled && dep.Cache.IsEnabled() && dep.Cache.L2TTL > cfg.L2Cache.MaxAge {
			warnings = append(warnings, fmt.Sprintf("dependencies.%s.cache.l2_ttl exceeds l2_cache.max_age; the bucket will evict entries early", key))
		}
	}
	return warnings
}
