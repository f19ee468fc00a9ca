// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	AutoReleaseWindow time.Duration // Time after funding before auto-release
	SweepInterval     time.Duration // How often the sweeper runs
	FlatFee           decimal.Decimal
	FeeThreshold      decimal.Decimal
	PercentageFee     decimal.Decimal

	// NOWPayments (crypto rail)
	NOWPaymentsAPIKey    string
	NOWPaymentsIPNSecret string
	NOWPaymentsBaseURL   string

	// Stripe (card rail)
	StripeSecretKey     string
	StripeWebhookSecret string
	PublicBaseURL       string // Base URL for checkout redirect pages

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultAutoReleaseHours  = 72
	DefaultSweepInterval     = time.Hour
	DefaultFlatFee           = "5"
	DefaultFeeThreshold      = "100"
	DefaultPercentageFee     = "0.05"
	DefaultNOWPaymentsAPIURL = "https://api.nowpayments.io/v1"
	DefaultPublicBaseURL     = "http://localhost:8080"
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AutoReleaseWindow:    time.Duration(getEnvInt64("AUTO_RELEASE_HOURS", DefaultAutoReleaseHours)) * time.Hour,
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		FlatFee:              getEnvDecimal("FLAT_FEE", DefaultFlatFee),
		FeeThreshold:         getEnvDecimal("FEE_THRESHOLD", DefaultFeeThreshold),
		PercentageFee:        getEnvDecimal("PERCENTAGE_FEE", DefaultPercentageFee),
		NOWPaymentsAPIKey:    os.Getenv("NOWPAYMENTS_API_KEY"),
		NOWPaymentsIPNSecret: os.Getenv("NOWPAYMENTS_IPN_SECRET"),
		NOWPaymentsBaseURL:   getEnv("NOWPAYMENTS_BASE_URL", DefaultNOWPaymentsAPIURL),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PublicBaseURL:        getEnv("PUBLIC_BASE_URL", DefaultPublicBaseURL),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AutoReleaseWindow <= 0 {
		return fmt.Errorf("AUTO_RELEASE_HOURS must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.FlatFee.IsNegative() || c.PercentageFee.IsNegative() {
		return fmt.Errorf("fees must not be negative")
	}
	if !c.FeeThreshold.IsPositive() {
		return fmt.Errorf("FEE_THRESHOLD must be positive")
	}
	if c.IsProduction() {
		if c.NOWPaymentsAPIKey == "" {
			return fmt.Errorf("NOWPAYMENTS_API_KEY is required in production")
		}
		if c.NOWPaymentsIPNSecret == "" {
			return fmt.Errorf("NOWPAYMENTS_IPN_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}
