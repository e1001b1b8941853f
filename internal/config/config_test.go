package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "BoothDownloads", cfg.OutputDir)
	assert.Equal(t, 3, cfg.ConcurrencyLimit)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, 262144, cfg.ChunkSize)
	assert.Equal(t, 10*time.Minute, cfg.ClaimStaleAfter)
	assert.Equal(t, "https://booth.pm", cfg.BoothBaseURL)
	assert.Equal(t, "_plaza_session", cfg.SessionCookie)
	assert.Equal(t, 5*time.Minute, cfg.SessionValidationTTL)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
	assert.False(t, cfg.APIAuthEnabled())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "/data/booth")
	t.Setenv("CONCURRENCY_LIMIT", "2")
	t.Setenv("REQUEST_TIMEOUT", "15s")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("API_USERNAME", "admin")
	t.Setenv("API_PASSWORD", "secret")
	t.Setenv("TELEMETRY_ENABLED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/booth", cfg.OutputDir)
	assert.Equal(t, 2, cfg.ConcurrencyLimit)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.True(t, cfg.APIAuthEnabled())
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("CONCURRENCY_LIMIT", "0")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "CONCURRENCY_LIMIT")
}

func TestLoadConfig_RejectsNonPositiveIntervals(t *testing.T) {
	tests := map[string]string{
		"UPDATE_INTERVAL":   "0s",
		"CLEANUP_INTERVAL":  "-1m",
		"CLAIM_STALE_AFTER": "0s",
	}

	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)

			_, err := LoadConfig()
			assert.ErrorContains(t, err, name)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
