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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "TOKEN_SECRET", "test-secret")
	setEnv(t, "PORT", "9090")
	setEnv(t, "SESSION_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, DefaultRevokeThreshold, cfg.RevokeThreshold)
	assert.Equal(t, DefaultStepUpThreshold, cfg.StepUpThreshold)
	assert.Equal(t, DefaultCookieName, cfg.CookieName)
}

func TestLoad_DevelopmentDefaultsTokenSecret(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "TOKEN_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.TokenSecret)
	assert.False(t, cfg.CookieSecure)
}

func TestLoad_ProductionRequiresTokenSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "TOKEN_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		TokenSecret:     "s",
		StepUpThreshold: 30,
		RevokeThreshold: 70,
		SessionTTL:      time.Hour,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing token secret",
			mutate:  func(c *Config) { c.TokenSecret = "" },
			wantErr: "TOKEN_SECRET is required",
		},
		{
			name:    "inverted thresholds",
			mutate:  func(c *Config) { c.RevokeThreshold = 20 },
			wantErr: "thresholds",
		},
		{
			name:    "zero step-up threshold",
			mutate:  func(c *Config) { c.StepUpThreshold = 0 },
			wantErr: "thresholds",
		},
		{
			name:    "zero ttl",
			mutate:  func(c *Config) { c.SessionTTL = 0 },
			wantErr: "SESSION_TTL",
		},
		{
			name:    "alert url without secret",
			mutate:  func(c *Config) { c.AlertWebhookURL = "https://alerts.example.com/hook" },
			wantErr: "ALERT_WEBHOOK_SECRET",
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
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")

	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
}
