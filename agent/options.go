package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/dshills/agentflow-go/agent/model"
	"github.com/dshills/agentflow-go/agent/state"
	"github.com/dshills/agentflow-go/agent/tool"
	"github.com/dshills/agentflow-go/log"
)

// Default configuration values.
const (
	DefaultMaxConcurrentExecutions = 100
	DefaultCacheTTL                = time.Hour
	DefaultBatchInterval           = 100 * time.Millisecond
	DefaultMaxHistory              = 1000
	DefaultExecutionStateTTL       = time.Hour
	DefaultCleanupInterval         = 5 * time.Minute
	DefaultMaxSteps                = 1000
	DefaultRateLimitRetries        = 3
)

// Config holds runtime configuration. Zero values take the documented
// defaults; use the With* options or LoadConfig to override.
type Config struct {
	// StorageDir is the root for persisted state and run logs.
	StorageDir string

	// MaxConcurrentExecutions bounds simultaneous executors per stream.
	MaxConcurrentExecutions int

	// CacheTTL is the storage read-cache lifetime.
	CacheTTL time.Duration

	// BatchInterval is the storage write-coalescing window.
	BatchInterval time.Duration

	// MaxHistory is the event-bus ring depth.
	MaxHistory int

	// ExecutionStateTTL is how long execution partitions survive after
	// last access.
	ExecutionStateTTL time.Duration

	// CleanupInterval is the period of the background purge task.
	CleanupInterval time.Duration

	// Retry is the default per-node backoff policy.
	Retry RetryPolicy

	// RateLimitRetries is the retry budget of the rate-limited call
	// helper.
	RateLimitRetries int

	Logger   log.Logger
	Registry prometheus.Registerer

	// Backend overrides the default file backend for state persistence.
	Backend state.Backend

	Provider   model.Provider
	Dispatcher tool.Dispatcher
	Creds      tool.CredentialChecker

	RouteDecider    RouteDecider
	IsEmptyResponse EmptyResponsePredicate

	// EnableMetrics registers Prometheus collectors on Registry.
	EnableMetrics bool
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.StorageDir == "" {
		c.StorageDir = "agentflow_data"
	}
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.ExecutionStateTTL <= 0 {
		c.ExecutionStateTTL = DefaultExecutionStateTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	// Negative disables retries; zero means unset.
	switch {
	case c.RateLimitRetries == 0:
		c.RateLimitRetries = DefaultRateLimitRetries
	case c.RateLimitRetries < 0:
		c.RateLimitRetries = 0
	}
	c.Retry = c.Retry.normalized()
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Creds == nil {
		c.Creds = tool.AllCredentials
	}
	if c.Dispatcher == nil {
		c.Dispatcher = tool.NewRegistry(c.Creds)
	}
	return c
}

// Option mutates a Config during runtime construction.
type Option func(*Config)

// WithStorageDir sets the persistence root.
func WithStorageDir(dir string) Option {
	return func(c *Config) { c.StorageDir = dir }
}

// WithMaxConcurrentExecutions bounds parallel executions per stream.
func WithMaxConcurrentExecutions(n int) Option {
	return func(c *Config) { c.MaxConcurrentExecutions = n }
}

// WithCacheTTL sets the storage read-cache lifetime.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Config) { c.CacheTTL = d }
}

// WithBatchInterval sets the storage write-coalescing window.
func WithBatchInterval(d time.Duration) Option {
	return func(c *Config) { c.BatchInterval = d }
}

// WithMaxHistory sets the event-bus ring depth.
func WithMaxHistory(n int) Option {
	return func(c *Config) { c.MaxHistory = n }
}

// WithExecutionStateTTL sets the purge eligibility window.
func WithExecutionStateTTL(d time.Duration) Option {
	return func(c *Config) { c.ExecutionStateTTL = d }
}

// WithCleanupInterval sets the background purge period.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) { c.CleanupInterval = d }
}

// WithRetryPolicy sets the default node backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Config) { c.Retry = p }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics enables Prometheus collectors on the given registry (nil
// uses the global default).
func WithMetrics(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.EnableMetrics = true
		c.Registry = registry
	}
}

// WithBackend overrides the state persistence backend.
func WithBackend(b state.Backend) Option {
	return func(c *Config) { c.Backend = b }
}

// WithProvider sets the LLM provider handle.
func WithProvider(p model.Provider) Option {
	return func(c *Config) { c.Provider = p }
}

// WithDispatcher sets the tool dispatcher.
func WithDispatcher(d tool.Dispatcher) Option {
	return func(c *Config) { c.Dispatcher = d }
}

// WithCredentialChecker sets the tool credential checker used during run
// preflight.
func WithCredentialChecker(cc tool.CredentialChecker) Option {
	return func(c *Config) { c.Creds = cc }
}

// WithRouteDecider sets the llm_decide resolution function.
func WithRouteDecider(d RouteDecider) Option {
	return func(c *Config) { c.RouteDecider = d }
}

// WithEmptyResponsePredicate sets the empty-response classifier for node
// retries.
func WithEmptyResponsePredicate(p EmptyResponsePredicate) Option {
	return func(c *Config) { c.IsEmptyResponse = p }
}

// fileConfig is the YAML representation of Config. Durations are seconds,
// matching the documented option table.
type fileConfig struct {
	StorageDir              string  `yaml:"storage_dir"`
	MaxConcurrentExecutions int     `yaml:"max_concurrent_executions"`
	CacheTTL                float64 `yaml:"cache_ttl"`
	BatchInterval           float64 `yaml:"batch_interval"`
	MaxHistory              int     `yaml:"max_history"`
	ExecutionStateTTL       float64 `yaml:"execution_state_ttl"`
	CleanupInterval         float64 `yaml:"cleanup_interval"`

	DefaultRetry struct {
		BaseDelay    float64 `yaml:"base_delay"`
		MaxDelay     float64 `yaml:"max_delay"`
		JitterFactor float64 `yaml:"jitter_factor"`
	} `yaml:"default_retry"`
}

// LoadConfig reads runtime options from a YAML file. Unset values keep
// their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	seconds := func(s float64) time.Duration {
		return time.Duration(s * float64(time.Second))
	}
	cfg := Config{
		StorageDir:              fc.StorageDir,
		MaxConcurrentExecutions: fc.MaxConcurrentExecutions,
		CacheTTL:                seconds(fc.CacheTTL),
		BatchInterval:           seconds(fc.BatchInterval),
		MaxHistory:              fc.MaxHistory,
		ExecutionStateTTL:       seconds(fc.ExecutionStateTTL),
		CleanupInterval:         seconds(fc.CleanupInterval),
		Retry: RetryPolicy{
			BaseDelay:    seconds(fc.DefaultRetry.BaseDelay),
			MaxDelay:     seconds(fc.DefaultRetry.MaxDelay),
			JitterFactor: fc.DefaultRetry.JitterFactor,
		},
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from .env files (API keys, DSNs).
// Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}
