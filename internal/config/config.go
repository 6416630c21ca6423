// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, preferred over Postgres when set)

	// Session settings
	SessionTTL     time.Duration
	CookieName     string
	CookieSecure   bool // Secure flag on the session cookie; disable only in development
	CookieDomain   string

	// Risk scoring
	RevokeThreshold int
	StepUpThreshold int
	MaxStepUpAttempts int

	// Security
	TokenSecret  string // HMAC secret for step-up tokens
	RateLimitRPS int

	// Alerting
	AlertWebhookURL    string // Outbound revocation alert endpoint (optional)
	AlertWebhookSecret string // HMAC secret for signing alert payloads

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, disables tracing if empty)
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultSessionTTL        = 24 * time.Hour
	DefaultCookieName        = "session_id"
	DefaultRevokeThreshold   = 70
	DefaultStepUpThreshold   = 30
	DefaultMaxStepUpAttempts = 3
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:          os.Getenv("REDIS_URL"),
		SessionTTL:        getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		CookieName:        getEnv("COOKIE_NAME", DefaultCookieName),
		CookieSecure:      getEnvBool("COOKIE_SECURE", true),
		CookieDomain:      os.Getenv("COOKIE_DOMAIN"),
		RevokeThreshold:   int(getEnvInt64("REVOKE_THRESHOLD", DefaultRevokeThreshold)),
		StepUpThreshold:   int(getEnvInt64("STEPUP_THRESHOLD", DefaultStepUpThreshold)),
		MaxStepUpAttempts: int(getEnvInt64("MAX_STEPUP_ATTEMPTS", DefaultMaxStepUpAttempts)),
		TokenSecret:       os.Getenv("TOKEN_SECRET"), // Required outside development
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AlertWebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.IsDevelopment() {
		if cfg.TokenSecret == "" {
			cfg.TokenSecret = "dev-only-insecure-secret"
		}
		// Local dev rarely runs behind TLS.
		if os.Getenv("COOKIE_SECURE") == "" {
			cfg.CookieSecure = false
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if c.StepUpThreshold <= 0 || c.RevokeThreshold <= c.StepUpThreshold {
		return fmt.Errorf("thresholds must satisfy 0 < STEPUP_THRESHOLD < REVOKE_THRESHOLD")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
