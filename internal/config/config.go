package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	PortalBaseURL  string        `envconfig:"PORTAL_BASE_URL"`
	PortalToken    string        `envconfig:"PORTAL_TOKEN"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	TargetDir      string `envconfig:"TARGET_DIR" default:"downloads"`
	OrganizeByKind bool   `envconfig:"ORGANIZE_BY_KIND" default:"true"`
	BulkWorkers    int    `envconfig:"BULK_WORKERS" default:"1"`

	LedgerBackend string `envconfig:"LEDGER_BACKEND" default:"json"`
	LedgerPath    string `envconfig:"LEDGER_PATH" default:"downloads.json"`

	ProgressInterval    time.Duration `envconfig:"PROGRESS_INTERVAL" default:"100ms"`
	NotificationTimeout time.Duration `envconfig:"NOTIFICATION_TIMEOUT" default:"5s"`
	StatFileMinBytes    int           `envconfig:"STAT_FILE_MIN_BYTES" default:"100"`

	PartialMaxAge     time.Duration `envconfig:"PARTIAL_MAX_AGE" default:"24h"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"false"`
		ServiceName  string `split_words:"true" default:"match_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
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
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LedgerBackend) {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}

	if c.BulkWorkers < 1 {
		return errors.New("BULK_WORKERS must be at least 1")
	}

	if c.StatFileMinBytes < 1 {
		return errors.New("STAT_FILE_MIN_BYTES must be at least 1")
	}

	if c.TargetDir == "" {
		return errors.New("TARGET_DIR must not be empty")
	}

	return nil
}

// RequirePortal reports whether the portal settings needed by network commands are present.
func (c *Config) RequirePortal() error {
	if c.PortalBaseURL == "" {
		return errors.New("PORTAL_BASE_URL is required")
	}

	if c.PortalToken == "" {
		return errors.New("PORTAL_TOKEN is required")
	}

	return nil
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
