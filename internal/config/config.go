// Package config provides YAML configuration loading with validation
// and environment variable substitution for the resilience toolkit's
// daemons.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/resilience-core/backoff"
	"github.com/dskow/resilience-core/backpressure"
	"github.com/dskow/resilience-core/breaker"
	"github.com/dskow/resilience-core/budget"
	"github.com/dskow/resilience-core/retry"
)

// Config is the top-level configuration for the load generator and any
// daemon embedding the toolkit.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Budget         BudgetConfig         `yaml:"budget" json:"budget"`
	Backpressure   BackpressureConfig   `yaml:"backpressure" json:"backpressure"`
	Load           LoadConfig           `yaml:"load" json:"load"`
	Targets        []TargetConfig       `yaml:"targets" json:"targets"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds the HTTP server settings for metrics and admin
// endpoints.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Format     string `yaml:"format" json:"format"`           // "json" or "text"; default: "json"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AdminConfig holds the admin API settings. Admin endpoints are
// protected by JWT Bearer tokens.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string `yaml:"issuer" json:"issuer"`
	Audience  string `yaml:"audience" json:"audience"`
}

// RetryConfig holds the retry orchestrator settings.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries" json:"max_retries"`
	InitialDelayMs    int     `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	Jitter            string  `yaml:"jitter" json:"jitter"` // none, full, equal, decorrelated
	TimeoutMs         int     `yaml:"timeout_ms" json:"timeout_ms"`
}

// Policy converts the retry settings into a backoff policy.
func (r RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Initial:    time.Duration(r.InitialDelayMs) * time.Millisecond,
		Max:        time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier: r.BackoffMultiplier,
		Jitter:     backoff.ParseJitter(r.Jitter),
	}
}

// Options converts the retry settings into orchestrator options.
func (r RetryConfig) Options() retry.Options {
	return retry.Options{
		MaxRetries: r.MaxRetries,
		Backoff:    r.Policy(),
		Timeout:    time.Duration(r.TimeoutMs) * time.Millisecond,
	}
}

// CircuitBreakerConfig holds the circuit breaker settings.
type CircuitBreakerConfig struct {
	WindowSize       int           `yaml:"window_size" json:"window_size"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// BreakerConfig converts the settings into a breaker configuration.
func (c CircuitBreakerConfig) BreakerConfig() breaker.Config {
	return breaker.Config{
		WindowSize:       c.WindowSize,
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
	}
}

// BudgetConfig holds the adaptive retry budget settings.
type BudgetConfig struct {
	InitialBudget        float64       `yaml:"initial_budget" json:"initial_budget"`
	IncreaseRate         float64       `yaml:"increase_rate" json:"increase_rate"`
	DecreaseRate         float64       `yaml:"decrease_rate" json:"decrease_rate"`
	HighFailureThreshold float64       `yaml:"high_failure_threshold" json:"high_failure_threshold"`
	LowFailureThreshold  float64       `yaml:"low_failure_threshold" json:"low_failure_threshold"`
	AdjustmentInterval   time.Duration `yaml:"adjustment_interval" json:"adjustment_interval"`
}

// ControllerConfig converts the settings into a budget configuration.
func (c BudgetConfig) ControllerConfig() budget.Config {
	return budget.Config{
		InitialBudget:        c.InitialBudget,
		IncreaseRate:         c.IncreaseRate,
		DecreaseRate:         c.DecreaseRate,
		HighFailureThreshold: c.HighFailureThreshold,
		LowFailureThreshold:  c.LowFailureThreshold,
		AdjustmentInterval:   c.AdjustmentInterval,
	}
}

// BackpressureConfig holds the backpressure tracker settings.
type BackpressureConfig struct {
	TTL               time.Duration `yaml:"ttl" json:"ttl"`
	OverloadThreshold float64       `yaml:"overload_threshold" json:"overload_threshold"`
}

// TrackerConfig converts the settings into a tracker configuration.
func (c BackpressureConfig) TrackerConfig() backpressure.Config {
	return backpressure.Config{
		TTL:               c.TTL,
		OverloadThreshold: c.OverloadThreshold,
	}
}

// LoadConfig holds the load generator pacing settings.
type LoadConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
	Workers           int     `yaml:"workers" json:"workers"`
}

// TargetConfig defines one downstream service to exercise.
type TargetConfig struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

var envVarRe = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the
// corresponding environment variable value.
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
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no
// package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for
// testing.
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

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Retry defaults
	r := &cfg.Retry
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.InitialDelayMs == 0 {
		r.InitialDelayMs = 100
	}
	if r.MaxDelayMs == 0 {
		r.MaxDelayMs = 30000
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2
	}
	if r.Jitter == "" {
		r.Jitter = "full"
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.WindowSize == 0 {
		cb.WindowSize = 10
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 0.5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}

	// Budget defaults
	b := &cfg.Budget
	if b.InitialBudget == 0 {
		b.InitialBudget = 0.2
	}
	if b.IncreaseRate == 0 {
		b.IncreaseRate = 0.1
	}
	if b.DecreaseRate == 0 {
		b.DecreaseRate = 0.5
	}
	if b.HighFailureThreshold == 0 {
		b.HighFailureThreshold = 0.3
	}
	if b.LowFailureThreshold == 0 {
		b.LowFailureThreshold = 0.05
	}
	if b.AdjustmentInterval == 0 {
		b.AdjustmentInterval = time.Second
	}

	// Backpressure defaults
	bp := &cfg.Backpressure
	if bp.TTL == 0 {
		bp.TTL = 30 * time.Second
	}
	if bp.OverloadThreshold == 0 {
		bp.OverloadThreshold = 0.8
	}

	// Load generator defaults
	if cfg.Load.RequestsPerSecond == 0 {
		cfg.Load.RequestsPerSecond = 10
	}
	if cfg.Load.BurstSize == 0 {
		cfg.Load.BurstSize = 5
	}
	if cfg.Load.Workers == 0 {
		cfg.Load.Workers = 4
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	r := cfg.Retry
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative")
	}
	if r.InitialDelayMs < 1 {
		return fmt.Errorf("retry.initial_delay_ms must be positive")
	}
	if r.MaxDelayMs < r.InitialDelayMs {
		return fmt.Errorf("retry.max_delay_ms must be >= retry.initial_delay_ms")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("retry.timeout_ms must be non-negative")
	}
	switch r.Jitter {
	case "none", "full", "equal", "decorrelated":
	default:
		return fmt.Errorf("retry.jitter must be one of none, full, equal, decorrelated; got %q", r.Jitter)
	}

	cb := cfg.CircuitBreaker
	if cb.WindowSize < 1 {
		return fmt.Errorf("circuit_breaker.window_size must be positive")
	}
	if cb.FailureThreshold <= 0 || cb.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be between 0 (exclusive) and 1 (inclusive)")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}

	b := cfg.Budget
	if b.InitialBudget <= 0 || b.InitialBudget > 1 {
		return fmt.Errorf("budget.initial_budget must be between 0 (exclusive) and 1 (inclusive)")
	}
	if b.IncreaseRate <= 0 {
		return fmt.Errorf("budget.increase_rate must be positive")
	}
	if b.DecreaseRate <= 0 || b.DecreaseRate >= 1 {
		return fmt.Errorf("budget.decrease_rate must be between 0 and 1 (exclusive)")
	}
	if b.LowFailureThreshold >= b.HighFailureThreshold {
		return fmt.Errorf("budget.low_failure_threshold must be below budget.high_failure_threshold")
	}
	if b.AdjustmentInterval <= 0 {
		return fmt.Errorf("budget.adjustment_interval must be positive")
	}

	bp := cfg.Backpressure
	if bp.TTL <= 0 {
		return fmt.Errorf("backpressure.ttl must be positive")
	}
	if bp.OverloadThreshold <= 0 || bp.OverloadThreshold > 1 {
		return fmt.Errorf("backpressure.overload_threshold must be between 0 (exclusive) and 1 (inclusive)")
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is required when admin is enabled")
		}
		if cfg.Admin.Issuer == "" {
			return fmt.Errorf("admin.issuer is required when admin is enabled")
		}
		if cfg.Admin.Audience == "" {
			return fmt.Errorf("admin.audience is required when admin is enabled")
		}
	}

	if cfg.Load.RequestsPerSecond <= 0 {
		return fmt.Errorf("load.requests_per_second must be positive")
	}
	if cfg.Load.BurstSize < 1 {
		return fmt.Errorf("load.burst_size must be positive")
	}
	if cfg.Load.Workers < 1 {
		return fmt.Errorf("load.workers must be positive")
	}

	seen := make(map[string]bool)
	for i, t := range cfg.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if t.URL == "" {
			return fmt.Errorf("targets[%d].url is required", i)
		}
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("targets[%d].url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("targets[%d].url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("targets[%d].url: host is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name: %s", t.Name)
		}
		seen[t.Name] = true
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string

	if cfg.Retry.Jitter == "none" {
		warnings = append(warnings,
			"retry.jitter is \"none\": concurrent retriers stay synchronized and can stampede a recovering service; intended for tests only")
	}
	if cfg.Retry.BackoffMultiplier <= 1 {
		warnings = append(warnings,
			fmt.Sprintf("retry.backoff_multiplier is %.2f: values <= 1 produce no real backoff growth", cfg.Retry.BackoffMultiplier))
	}
	if cfg.Admin.Enabled && len(cfg.Admin.JWTSecret) < 32 {
		warnings = append(warnings,
			"admin.jwt_secret is shorter than 32 bytes; consider a longer secret")
	}
	if len(cfg.Targets) == 0 {
		warnings = append(warnings,
			"no targets configured; the load generator will idle")
	}

	return warnings
}
