package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	// Blank out anything the host environment might carry.
	for _, key := range []string{"PORT", "TICK_INTERVAL", "REQUIREMENT_TTL", "FACILITATOR_URL", "PAY_TO_ADDRESS"} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	// The default billing quantum is one second.
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, DefaultRequirementTTL, cfg.RequirementTTL)
	assert.Equal(t, DefaultPaymentScheme, cfg.PaymentScheme)
	assert.Equal(t, DefaultPaymentCurrency, cfg.PaymentCurrency)
	assert.False(t, cfg.ExternalRailEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "TICK_INTERVAL", "10s")
	setEnv(t, "FACILITATOR_URL", "https://facilitator.example.com")
	setEnv(t, "PAY_TO_ADDRESS", "0x1234567890123456789012345678901234567890")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.TickInterval)
	assert.True(t, cfg.ExternalRailEnabled())
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		TickInterval:   DefaultTickInterval,
		MaxTickWorkers: DefaultMaxTickWorkers,
		RequirementTTL: DefaultRequirementTTL,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "tick interval too short",
			mutate:  func(c *Config) { c.TickInterval = 100 * time.Millisecond },
			wantErr: "TICK_INTERVAL",
		},
		{
			name:    "no tick workers",
			mutate:  func(c *Config) { c.MaxTickWorkers = 0 },
			wantErr: "MAX_TICK_WORKERS",
		},
		{
			name:    "requirement TTL too short",
			mutate:  func(c *Config) { c.RequirementTTL = 0 },
			wantErr: "REQUIREMENT_TTL",
		},
		{
			name:    "facilitator without pay-to address",
			mutate:  func(c *Config) { c.FacilitatorURL = "https://facilitator.example.com" },
			wantErr: "PAY_TO_ADDRESS",
		},
		{
			name: "probe enabled with zero amount",
			mutate: func(c *Config) {
				c.ProbeEnabled = true
				c.ProbeAmountCents = 0
			},
			wantErr: "START_PROBE_AMOUNT_CENTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}
