package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 72*time.Hour, cfg.AutoReleaseWindow)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.True(t, cfg.FlatFee.Equal(decimal.RequireFromString("5")))
	assert.True(t, cfg.FeeThreshold.Equal(decimal.RequireFromString("100")))
	assert.True(t, cfg.PercentageFee.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, DefaultNOWPaymentsAPIURL, cfg.NOWPaymentsBaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "AUTO_RELEASE_HOURS", "24")
	setEnv(t, "SWEEP_INTERVAL", "15m")
	setEnv(t, "FLAT_FEE", "2.50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.AutoReleaseWindow)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.FlatFee.Equal(decimal.RequireFromString("2.50")))
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "NOWPAYMENTS_API_KEY", "")
	setEnv(t, "NOWPAYMENTS_IPN_SECRET", "")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "NOWPAYMENTS_API_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:               "development",
		AutoReleaseWindow: 72 * time.Hour,
		SweepInterval:     time.Hour,
		FlatFee:           decimal.RequireFromString("5"),
		FeeThreshold:      decimal.RequireFromString("100"),
		PercentageFee:     decimal.RequireFromString("0.05"),
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
			name:    "zero release window",
			mutate:  func(c *Config) { c.AutoReleaseWindow = 0 },
			wantErr: "AUTO_RELEASE_HOURS must be positive",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.SweepInterval = 0 },
			wantErr: "SWEEP_INTERVAL must be positive",
		},
		{
			name:    "negative flat fee",
			mutate:  func(c *Config) { c.FlatFee = decimal.RequireFromString("-1") },
			wantErr: "fees must not be negative",
		},
		{
			name:    "zero fee threshold",
			mutate:  func(c *Config) { c.FeeThreshold = decimal.Zero },
			wantErr: "FEE_THRESHOLD must be positive",
		},
		{
			name: "production without admin secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.NOWPaymentsAPIKey = "key"
				c.NOWPaymentsIPNSecret = "secret"
			},
			wantErr: "ADMIN_SECRET is required",
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
	setEnv(t, "TEST_DUR", "30m")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 30*time.Minute, getEnvDuration("TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_DUR_BAD", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("NONEXISTENT_VAR", time.Hour))
}

func TestGetEnvDecimal(t *testing.T) {
	setEnv(t, "TEST_DEC", "1.25")
	setEnv(t, "TEST_DEC_BAD", "lots")

	assert.True(t, getEnvDecimal("TEST_DEC", "9").Equal(decimal.RequireFromString("1.25")))
	assert.True(t, getEnvDecimal("TEST_DEC_BAD", "9").Equal(decimal.RequireFromString("9")))
	assert.True(t, getEnvDecimal("NONEXISTENT_VAR", "9").Equal(decimal.RequireFromString("9")))
}
