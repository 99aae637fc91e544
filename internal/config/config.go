// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // webhook event log (optional, uses in-memory if not set)

	// Payment processor
	StripeSecretKey     string // empty runs the in-memory processor (not allowed in production)
	StripeWebhookSecret string
	AppBaseURL          string // checkout success/cancel pages live under this URL
	PriceCatalogPath    string // YAML catalogue; empty uses the built-in one

	// Security
	JWTSecret      string
	AllowedOrigins []string // CORS; empty allows none
	RateLimitRPM   int      // per caller, 0 disables

	// Background jobs
	SyncSchedule     string
	RolloverSchedule string
	ExpirySchedule   string
	SyncConcurrency  int
	SyncRPS          float64
	DowngradeLead    time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultAppBaseURL       = "http://localhost:3000"
	DefaultSyncSchedule     = "@every 30m"
	DefaultRolloverSchedule = "@every 10m"
	DefaultExpirySchedule   = "@every 5m"
	DefaultSyncConcurrency  = 4
	DefaultSyncRPS          = 20
	DefaultDowngradeLead    = time.Hour
	DefaultRateLimitRPM     = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AppBaseURL:          strings.TrimRight(getEnv("APP_BASE_URL", DefaultAppBaseURL), "/"),
		PriceCatalogPath:    os.Getenv("PRICE_CATALOG_PATH"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AllowedOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		SyncSchedule:        getEnv("SYNC_SCHEDULE", DefaultSyncSchedule),
		RolloverSchedule:    getEnv("ROLLOVER_SCHEDULE", DefaultRolloverSchedule),
		ExpirySchedule:      getEnv("OFFER_EXPIRY_SCHEDULE", DefaultExpirySchedule),
		SyncConcurrency:     int(getEnvInt64("SYNC_CONCURRENCY", DefaultSyncConcurrency)),
		SyncRPS:             getEnvFloat("SYNC_RPS", DefaultSyncRPS),
		DowngradeLead:       getEnvDuration("DOWNGRADE_LEAD", DefaultDowngradeLead),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if c.StripeSecretKey == "" && c.IsProduction() {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.SyncConcurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive")
	}
	if c.SyncRPS <= 0 {
		return fmt.Errorf("SYNC_RPS must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.DowngradeLead <= 0 || c.DowngradeLead > 7*24*time.Hour {
		return fmt.Errorf("DOWNGRADE_LEAD must be between 0 and 168h")
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

// SuccessURL is where the processor sends users after paying.
func (c *Config) SuccessURL() string {
	return c.AppBaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is where the processor sends users who abandon checkout.
func (c *Config) CancelURL() string {
	return c.AppBaseURL + "/billing/cancelled"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
