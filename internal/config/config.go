// Package config provides configuration loading for the generation gateway.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Providers ProviderConfig  `mapstructure:"providers"`
	Prefetch  PrefetchConfig  `mapstructure:"prefetch"`
	Review    ReviewConfig    `mapstructure:"review"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
	Counter   CounterConfig   `mapstructure:"counter"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	Host         string        `mapstructure:"host" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment" validate:"oneof=dev staging prod"`
}

// RedisConfig holds Redis configuration. When Enabled is false the
// gateway falls back to the file-backed queue, counter, and in-memory
// rate limiter.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds API-key authentication configuration.
// An empty key set disables auth (local dev and tests).
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// Keys returns the configured keys as a set, with blanks dropped.
func (c AuthConfig) Keys() map[string]bool {
	keys := make(map[string]bool)
	for _, k := range c.APIKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			keys[k] = true
		}
	}
	return keys
}

// RateLimitConfig holds fixed-window rate limiting parameters.
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds" validate:"gte=1"`
	MaxRequests   int `mapstructure:"max_requests" validate:"gte=1"`
}

// ProviderConfig holds upstream LLM provider configuration.
type ProviderConfig struct {
	OpenRouterKey      string        `mapstructure:"openrouter_key"`
	OpenRouterModel    string        `mapstructure:"openrouter_model"`
	OpenRouterFallback string        `mapstructure:"openrouter_fallback_model"`
	GroqKey            string        `mapstructure:"groq_key"`
	GroqModel          string        `mapstructure:"groq_model"`
	GeminiKey          string        `mapstructure:"gemini_key"`
	GeminiModel        string        `mapstructure:"gemini_model"`
	ForcePrimary       bool          `mapstructure:"force_primary"`
	BurstDisabled      bool          `mapstructure:"burst_disabled"`
	OfflineAllow       bool          `mapstructure:"offline_allow"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	Temperature        float64       `mapstructure:"temperature"`
}

// Credentialed reports whether any generation provider has credentials.
func (c ProviderConfig) Credentialed() bool {
	return c.OpenRouterKey != "" || c.GroqKey != "" || c.GeminiKey != ""
}

// PrefetchConfig holds prefetch queue and top-up tuning knobs.
type PrefetchConfig struct {
	Dir          string        `mapstructure:"dir" validate:"required"`
	BatchMin     int           `mapstructure:"batch_min" validate:"gte=1"`
	BatchMax     int           `mapstructure:"batch_max" validate:"gtefield=BatchMin"`
	LowWater     int           `mapstructure:"low_water" validate:"gte=0"`
	FillTo       int           `mapstructure:"fill_to" validate:"gte=1"`
	PrewarmCount int           `mapstructure:"prewarm_count" validate:"gte=0"`
	ServeDelay   time.Duration `mapstructure:"serve_delay"`
	MaxWorkers   int           `mapstructure:"max_workers" validate:"gte=1"`
	TokenSecret  string        `mapstructure:"token_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// ReviewConfig holds compliance review configuration.
type ReviewConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BatchSize int           `mapstructure:"batch_size" validate:"gte=1"`
	Backoff   time.Duration `mapstructure:"backoff"`
}

// DedupeConfig holds signature store configuration.
type DedupeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
	Max     int    `mapstructure:"max"`
}

// EffectiveMax widens the cap so a full refill cannot churn the store.
func (c DedupeConfig) EffectiveMax(fillTo int) int {
	if fillTo > c.Max {
		return fillTo
	}
	return c.Max
}

// CounterConfig holds the served-pages counter configuration.
type CounterConfig struct {
	File     string `mapstructure:"file"`
	RedisKey string `mapstructure:"redis_key"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ndw-gateway")

	v.SetEnvPrefix("NDW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested struct env binding needs explicit keys with viper.
	v.BindEnv("providers.openrouter_key", "NDW_PROVIDERS_OPENROUTER_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("providers.groq_key", "NDW_PROVIDERS_GROQ_KEY", "GROQ_API_KEY")
	v.BindEnv("providers.gemini_key", "NDW_PROVIDERS_GEMINI_KEY", "GEMINI_API_KEY")
	v.BindEnv("auth.api_keys", "NDW_AUTH_API_KEYS", "API_KEYS")
	v.BindEnv("prefetch.token_secret", "NDW_PREFETCH_TOKEN_SECRET")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// API_KEYS may arrive comma-separated from the environment.
	if len(cfg.Auth.APIKeys) == 1 && strings.Contains(cfg.Auth.APIKeys[0], ",") {
		cfg.Auth.APIKeys = strings.Split(cfg.Auth.APIKeys[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks structural invariants after load.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.environment", "dev")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Rate limiting
	v.SetDefault("ratelimit.window_seconds", 10800)
	v.SetDefault("ratelimit.max_requests", 30)

	// Providers
	v.SetDefault("providers.openrouter_model", "openrouter/auto")
	v.SetDefault("providers.openrouter_fallback_model", "meta-llama/llama-3.3-70b-instruct")
	v.SetDefault("providers.groq_model", "llama-3.3-70b-versatile")
	v.SetDefault("providers.gemini_model", "gemini-1.5-pro")
	v.SetDefault("providers.force_primary", false)
	v.SetDefault("providers.burst_disabled", false)
	v.SetDefault("providers.offline_allow", false)
	v.SetDefault("providers.request_timeout", "75s")
	v.SetDefault("providers.backoff_initial", "20s")
	v.SetDefault("providers.backoff_max", "300s")
	v.SetDefault("providers.temperature", 1.2)

	// Prefetch
	v.SetDefault("prefetch.dir", "cache/prefetch")
	v.SetDefault("prefetch.batch_min", 5)
	v.SetDefault("prefetch.batch_max", 20)
	v.SetDefault("prefetch.low_water", 3)
	v.SetDefault("prefetch.fill_to", 8)
	v.SetDefault("prefetch.prewarm_count", 0)
	v.SetDefault("prefetch.serve_delay", "0s")
	v.SetDefault("prefetch.max_workers", 2)
	v.SetDefault("prefetch.token_ttl", "10m")

	// Review
	v.SetDefault("review.enabled", true)
	v.SetDefault("review.batch_size", 5)
	v.SetDefault("review.backoff", "60s")

	// Dedupe
	v.SetDefault("dedupe.enabled", true)
	v.SetDefault("dedupe.file", "cache/seen_pages.json")
	v.SetDefault("dedupe.max", 200)

	// Counter
	v.SetDefault("counter.file", "cache/counter.json")
	v.SetDefault("counter.redis_key", "ndw:metrics:total")
}
