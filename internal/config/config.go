package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	OutputDir        string        `envconfig:"OUTPUT_DIR" default:"BoothDownloads"`
	ConcurrencyLimit int           `envconfig:"CONCURRENCY_LIMIT" default:"3"`
	MaxRetryAttempts int           `envconfig:"MAX_RETRY_ATTEMPTS" default:"5"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1m"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	ChunkSize        int           `envconfig:"CHUNK_SIZE" default:"262144"`
	ClaimStaleAfter  time.Duration `envconfig:"CLAIM_STALE_AFTER" default:"10m"`

	BoothBaseURL         string        `envconfig:"BOOTH_BASE_URL" default:"https://booth.pm"`
	SessionFile          string        `envconfig:"SESSION_FILE" default:"session.json"`
	SessionCookie        string        `envconfig:"SESSION_COOKIE" default:"_plaza_session"`
	SessionValidationTTL time.Duration `envconfig:"SESSION_VALIDATION_TTL" default:"5m"`

	DBPath            string        `envconfig:"DB_PATH" default:"booth.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	UpdateInterval    time.Duration `envconfig:"UPDATE_INTERVAL" default:"30m"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
		ServiceName  string `envconfig:"TELEMETRY_SERVICE_NAME" default:"booth_downloader"`
		OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	}

	API struct {
		Username string `envconfig:"API_USERNAME"`
		Password string `envconfig:"API_PASSWORD"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ConcurrencyLimit < 1:
		return fmt.Errorf("CONCURRENCY_LIMIT must be at least 1, got %d", c.ConcurrencyLimit)
	case c.MaxRetryAttempts < 1:
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be at least 1, got %d", c.MaxRetryAttempts)
	case c.ChunkSize < 1:
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	case c.RetryMaxDelay < c.RetryBaseDelay:
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	case c.UpdateInterval <= 0:
		return fmt.Errorf("UPDATE_INTERVAL must be positive, got %s", c.UpdateInterval)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	case c.ClaimStaleAfter <= 0:
		return fmt.Errorf("CLAIM_STALE_AFTER must be positive, got %s", c.ClaimStaleAfter)
	case c.OutputDir == "":
		return fmt.Errorf("OUTPUT_DIR must not be empty")
	}

	return nil
}

// APIAuthEnabled reports whether the control API requires basic auth.
func (c *Config) APIAuthEnabled() bool {
	return c.API.Username != "" && c.API.Password != ""
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
