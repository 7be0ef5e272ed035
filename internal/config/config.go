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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Metering
	TickInterval    time.Duration // How often active sessions are debited
	MaxTickWorkers  int           // Concurrent tick workers per sweep
	ReconcileEvery  time.Duration // Interval for the integrity sweep
	SweepStaleAfter time.Duration // A session whose last tick is older than this gets flagged

	// External settlement (x402 pay-to-unlock)
	FacilitatorURL     string        // Optional; external rail is unavailable when unset
	FacilitatorTimeout time.Duration // Per-call timeout for verify/settle
	RequirementTTL     time.Duration // How long a payment requirement stays valid
	PayToAddress       string        // EVM address payments are directed to
	PaymentScheme      string        // Settlement scheme advertised in requirements
	PaymentCurrency    string        // ISO currency code for amounts

	// Start probe (optional pay-to-start challenge)
	ProbeEnabled     bool
	ProbeAmountCents int64

	// Stripe top-ups
	StripeWebhookSecret string // Signing secret for incoming Stripe events

	// Security
	WebhookSecret   string // HMAC secret for outbound merchant webhooks
	ReceiptSecret   string // HMAC secret for settlement receipts (optional, receipts unsigned when empty)
	RateLimitPerMin int
	AllowedOrigins  string // Comma-separated CORS origins, "*" for any

	// Tracing
	OTLPEndpoint string // OpenTelemetry collector endpoint (optional)
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultTickInterval    = time.Second
	DefaultMaxTickWorkers  = 32
	DefaultReconcileEvery  = 5 * time.Minute
	DefaultSweepStale      = 2 * time.Minute
	DefaultFacilitatorTO   = 10 * time.Second
	DefaultRequirementTTL  = 60 * time.Second
	DefaultPaymentScheme   = "exact"
	DefaultPaymentCurrency = "USD"
	DefaultRateLimit       = 120
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
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TickInterval:        getEnvDuration("TICK_INTERVAL", DefaultTickInterval),
		MaxTickWorkers:      int(getEnvInt64("MAX_TICK_WORKERS", DefaultMaxTickWorkers)),
		ReconcileEvery:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		SweepStaleAfter:     getEnvDuration("SWEEP_STALE_AFTER", DefaultSweepStale),
		FacilitatorURL:      os.Getenv("FACILITATOR_URL"),
		FacilitatorTimeout:  getEnvDuration("FACILITATOR_TIMEOUT", DefaultFacilitatorTO),
		RequirementTTL:      getEnvDuration("REQUIREMENT_TTL", DefaultRequirementTTL),
		PayToAddress:        os.Getenv("PAY_TO_ADDRESS"),
		PaymentScheme:       getEnv("PAYMENT_SCHEME", DefaultPaymentScheme),
		PaymentCurrency:     getEnv("PAYMENT_CURRENCY", DefaultPaymentCurrency),
		ProbeEnabled:        getEnvBool("START_PROBE_ENABLED", false),
		ProbeAmountCents:    getEnvInt64("START_PROBE_AMOUNT_CENTS", 1),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		ReceiptSecret:       os.Getenv("RECEIPT_SECRET"),
		RateLimitPerMin:     int(getEnvInt64("RATE_LIMIT_PER_MIN", DefaultRateLimit)),
		AllowedOrigins:      getEnv("ALLOWED_ORIGINS", "*"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent
func (c *Config) Validate() error {
	if c.TickInterval < time.Second {
		return fmt.Errorf("TICK_INTERVAL must be at least 1s, got %s", c.TickInterval)
	}
	if c.MaxTickWorkers < 1 {
		return fmt.Errorf("MAX_TICK_WORKERS must be positive, got %d", c.MaxTickWorkers)
	}
	if c.RequirementTTL < time.Second {
		return fmt.Errorf("REQUIREMENT_TTL must be at least 1s, got %s", c.RequirementTTL)
	}
	if c.FacilitatorURL != "" && c.PayToAddress == "" {
		return fmt.Errorf("PAY_TO_ADDRESS is required when FACILITATOR_URL is set")
	}
	if c.ProbeEnabled && c.ProbeAmountCents <= 0 {
		return fmt.Errorf("START_PROBE_AMOUNT_CENTS must be positive when the probe is enabled")
	}
	return nil
}

// ExternalRailEnabled reports whether x402 settlement can be offered.
func (c *Config) ExternalRailEnabled() bool {
	return c.FacilitatorURL != ""
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
