// Package config loads and validates all runtime configuration for the adapter.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only the upstream credentials (ACCOUNT_ID + API_TOKEN) are strictly required
// for the adapter to start. Redis is optional — set CACHE_MODE=memory to run
// with the built-in in-process cache and no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream holds credentials and model selection for the inference API.
	Upstream UpstreamConfig

	// Redis holds the connection URL for the durable cache tier.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the two-tier response cache.
	Cache CacheConfig

	// Retry controls the retry/backoff policy.
	Retry RetryConfig

	// CircuitBreaker controls failure-threshold fail-fast behaviour.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-client request-rate limiting.
	RateLimit RateLimitConfig

	// Limits bounds inbound request bodies (DoS guards).
	Limits LimitsConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// UpstreamConfig holds credentials and model selection for the inference API.
type UpstreamConfig struct {
	// AccountID is the upstream platform account identifier. Required.
	AccountID string

	// APIToken is the bearer token for the inference API. Required.
	APIToken string

	// BaseURL overrides the default API endpoint. Useful for local mocks.
	BaseURL string

	// Model is the primary model identifier, e.g. "@cf/meta/llama-3.1-8b-instruct".
	Model string

	// FallbackModel is tried permanently once the primary returns 404 or 429.
	// Empty disables fallback.
	FallbackModel string

	// Timeout bounds every upstream API call. Default: 30s.
	Timeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the two-tier response cache.
type CacheConfig struct {
	// Mode selects the durable tier:
	//   "redis"  — Redis-backed durable tier in front of the local tier.
	//   "memory" — local tier only. No external deps; not shared across replicas.
	//   "none"   — caching disabled entirely.
	// Default: "memory".
	Mode string

	// LocalTTL is the time-to-live for local-tier entries. Default: 1m.
	LocalTTL time.Duration

	// DurableTTL is the time-to-live for durable-tier entries. Typically longer
	// than LocalTTL since the durable tier models cross-instance persistence.
	// Default: 1h.
	DurableTTL time.Duration

	// MaxEntries bounds the local tier. The oldest-inserted entry is evicted
	// when the bound is exceeded. Default: 1000.
	MaxEntries int

	// BypassOps are additional GraphQL operation names that skip the cache,
	// on top of the built-in bookkeeping operations.
	BypassOps []string

	// BypassPatterns are regex patterns for operation names that skip the
	// cache. Invalid patterns fail startup.
	BypassPatterns []string
}

// RetryConfig controls the retry/backoff policy around upstream calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of upstream attempts per logical call
	// (including the first). Default: 3.
	MaxAttempts int

	// MaxBackoff caps the exponential backoff delay. Default: 10s.
	MaxBackoff time.Duration
}

// CircuitBreakerConfig controls the upstream circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

// RateLimitConfig controls per-client request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per client.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// LimitsConfig bounds inbound request bodies.
type LimitsConfig struct {
	// MaxRequestBytes is the serialized-size ceiling for a request body.
	// Default: 1 MiB.
	MaxRequestBytes int

	// MaxMessages is the maximum number of chat messages per request.
	// Default: 100.
	MaxMessages int

	// MaxMessageBytes is the serialized-size ceiling per message. Default: 32 KiB.
	MaxMessageBytes int

	// MaxDepth is the maximum nesting depth of a request body. Default: 10.
	MaxDepth int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("MODEL", "@cf/meta/llama-3.1-8b-instruct")
	v.SetDefault("API_TIMEOUT", "30s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_LOCAL_TTL", "1m")
	v.SetDefault("CACHE_DURABLE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 1000)

	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("MAX_BACKOFF", "10s")

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("MAX_REQUEST_BYTES", 1<<20)
	v.SetDefault("MAX_MESSAGES", 100)
	v.SetDefault("MAX_MESSAGE_BYTES", 32<<10)
	v.SetDefault("MAX_DEPTH", 10)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			AccountID:     v.GetString("ACCOUNT_ID"),
			APIToken:      v.GetString("API_TOKEN"),
			BaseURL:       v.GetString("API_BASE_URL"),
			Model:         v.GetString("MODEL"),
			FallbackModel: v.GetString("FALLBACK_MODEL"),
			Timeout:       v.GetDuration("API_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:           strings.ToLower(v.GetString("CACHE_MODE")),
			LocalTTL:       v.GetDuration("CACHE_LOCAL_TTL"),
			DurableTTL:     v.GetDuration("CACHE_DURABLE_TTL"),
			MaxEntries:     v.GetInt("CACHE_MAX_ENTRIES"),
			BypassOps:      v.GetStringSlice("CACHE_BYPASS_OPS"),
			BypassPatterns: v.GetStringSlice("CACHE_BYPASS_PATTERNS"),
		},

		Retry: RetryConfig{
			MaxAttempts: v.GetInt("MAX_ATTEMPTS"),
			MaxBackoff:  v.GetDuration("MAX_BACKOFF"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			Cooldown:         v.GetDuration("CB_COOLDOWN"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Limits: LimitsConfig{
			MaxRequestBytes: v.GetInt("MAX_REQUEST_BYTES"),
			MaxMessages:     v.GetInt("MAX_MESSAGES"),
			MaxMessageBytes: v.GetInt("MAX_MESSAGE_BYTES"),
			MaxDepth:        v.GetInt("MAX_DEPTH"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Upstream.AccountID == "" || c.Upstream.APIToken == "" {
		return fmt.Errorf("config: ACCOUNT_ID and API_TOKEN are required")
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 1, got %d", c.Cache.MaxEntries)
	}
	if c.Limits.MaxDepth < 1 {
		return fmt.Errorf("config: MAX_DEPTH must be ≥ 1, got %d", c.Limits.MaxDepth)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
