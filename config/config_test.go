package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, 8000, cfg.ServerPort)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 30*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 3, cfg.WebhookMaxRetries)
	assert.Equal(t, 95.0, cfg.MaxVRAMUsagePct)
	assert.Equal(t, 1024, cfg.VRAMReserveMB)
	assert.Equal(t, 2*time.Second, cfg.GPUStatsInterval)
	assert.Equal(t, 1000, cfg.LogsMaxRecent)
	assert.Equal(t, 500*time.Millisecond, cfg.DispatcherPollInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SESSION_TTL_HOURS", "1")
	t.Setenv("WEBHOOK_MAX_RETRIES", "5")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5, cfg.WebhookMaxRetries)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "-1")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidVRAMPercent(t *testing.T) {
	t.Setenv("MAX_VRAM_USAGE_PERCENT", "120")

	_, err := Load()
	assert.Error(t, err)
}
