// Package config loads gateway configuration from environment variables.
//
// A local .env file is honored when present (development convenience); real
// deployments set the variables directly. Every knob has a default so the
// gateway starts with nothing but a reachable Redis.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all gateway settings.
type Config struct {
	Environment string

	// Redis
	RedisURL string

	// HTTP bind
	ServerHost string
	ServerPort int

	// GPU admission
	GPUIndex         int
	MaxVRAMUsagePct  float64
	VRAMReserveMB    int
	GPUStatsInterval time.Duration

	// Store expiry
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration

	// Webhook delivery
	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	// Provider HTTP policy
	HTTPTimeout    time.Duration
	HTTPMaxRetries int

	// Queue / logs
	QueueMaxSize  int
	LogsMaxRecent int

	// Dispatcher
	DispatcherPollInterval time.Duration

	// Provider defaults
	DefaultProvider  string
	OpenAIBaseURL    string
	AnthropicBaseURL string
	LocalBaseURL     string
	PresetDir        string
}

// Load reads configuration from the environment, applying defaults.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:            getEnv("ENVIRONMENT", EnvDevelopment),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ServerHost:             getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort:             getEnvInt("SERVER_PORT", 8000),
		GPUIndex:               getEnvInt("GPU_INDEX", 0),
		MaxVRAMUsagePct:        getEnvFloat("MAX_VRAM_USAGE_PERCENT", 95),
		VRAMReserveMB:          getEnvInt("VRAM_RESERVE_MB", 1024),
		GPUStatsInterval:       getEnvSeconds("GPU_STATS_INTERVAL_SECONDS", 2),
		SessionTTL:             getEnvHours("SESSION_TTL_HOURS", 24),
		IdempotencyTTL:         getEnvHours("IDEMPOTENCY_TTL_HOURS", 24),
		WebhookTimeout:         getEnvSeconds("WEBHOOK_TIMEOUT_SECONDS", 30),
		WebhookMaxRetries:      getEnvInt("WEBHOOK_MAX_RETRIES", 3),
		HTTPTimeout:            getEnvSeconds("HTTP_TIMEOUT_SECONDS", 120),
		HTTPMaxRetries:         getEnvInt("HTTP_MAX_RETRIES", 2),
		QueueMaxSize:           getEnvInt("QUEUE_MAX_SIZE", 1000),
		LogsMaxRecent:          getEnvInt("LOGS_MAX_RECENT", 1000),
		DispatcherPollInterval: getEnvMillis("DISPATCHER_POLL_INTERVAL_MS", 500),
		DefaultProvider:        getEnv("DEFAULT_PROVIDER", "openai"),
		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicBaseURL:       getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		LocalBaseURL:           getEnv("LOCAL_BASE_URL", "http://localhost:11434"),
		PresetDir:              getEnv("PRESET_DIR", "presets.d"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid SERVER_PORT: %d", c.ServerPort)
	}
	if c.MaxVRAMUsagePct <= 0 || c.MaxVRAMUsagePct > 100 {
		return fmt.Errorf("MAX_VRAM_USAGE_PERCENT must be in (0, 100], got %v", c.MaxVRAMUsagePct)
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be >= 0, got %d", c.WebhookMaxRetries)
	}
	if c.QueueMaxSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be positive, got %d", c.QueueMaxSize)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvHours(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Hour
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}
