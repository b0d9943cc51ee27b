// Package config loads service configuration from defaults, an optional YAML
// file and TOURWATCH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix scopes the environment variables that override settings.
	EnvPrefix = "TOURWATCH_"
	// ConfigPathEnvVar names an explicit config file.
	ConfigPathEnvVar = "CONFIG_PATH"
	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "tourwatch.yaml"
)

// Config is the complete service configuration.
type Config struct {
	Sync     SyncConfig     `koanf:"sync"`
	Database DatabaseConfig `koanf:"database"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Email    EmailConfig    `koanf:"email"`
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
}

// SyncConfig controls sync passes and outbound fetching.
type SyncConfig struct {
	DefaultCurrency   string        `koanf:"default_currency"`
	UserAgent         string        `koanf:"user_agent"`
	Interval          time.Duration `koanf:"interval"`
	RateLimitInterval time.Duration `koanf:"rate_limit_interval"` // Minimum spacing between outbound requests
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	RetryBaseDelay    time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay"`
	RetryJitter       time.Duration `koanf:"retry_jitter"`
	IngestTimeout     time.Duration `koanf:"ingest_timeout"`
	FetchMaxRetries   int           `koanf:"fetch_max_retries"`
	WorkerPoolSize    int           `koanf:"worker_pool_size"`
	RunOnStart        bool          `koanf:"run_on_start"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // postgres, mysql or sqlite
	DSN    string `koanf:"dsn"`
}

// ArchiveConfig says where sync reports are kept. Empty disables archiving.
type ArchiveConfig struct {
	LocalPath string `koanf:"local_path"`
	Bucket    string `koanf:"bucket"`
}

// EmailConfig selects the alert e-mail provider. An empty provider disables e-mail.
type EmailConfig struct {
	Provider             string `koanf:"provider"` // brevo, gmail or mock
	BrevoAPIKey          string `koanf:"brevo_api_key"`
	FromAddr             string `koanf:"from_addr"`
	FromName             string `koanf:"from_name"`
	GmailCredentialsJSON string `koanf:"gmail_credentials_json"`
	BaseURL              string `koanf:"base_url"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	AdminToken string `koanf:"admin_token"`
	Port       int    `koanf:"port"`
}

// LogConfig controls logging and optional file rotation.
type LogConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:          6 * time.Hour,
			RateLimitInterval: 30 * time.Second,
			FetchMaxRetries:   3,
			WorkerPoolSize:    4,
			RequestTimeout:    30 * time.Second,
			RetryBaseDelay:    2 * time.Second,
			RetryMaxDelay:     30 * time.Second,
			RetryJitter:       time.Second,
			IngestTimeout:     30 * time.Second,
			DefaultCurrency:   "EUR",
			UserAgent:         "Mozilla/5.0 (compatible; tourwatch/1.0)",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "tourwatch.db",
		},
		Email: EmailConfig{
			FromName: "Tourwatch",
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load layers defaults, the config file and the environment. path overrides the
// CONFIG_PATH and tourwatch.yaml lookup when non-empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// envKey maps TOURWATCH_SYNC_RATE_LIMIT_INTERVAL to sync.rate_limit_interval.
// Only the first underscore after the prefix separates section from key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	s := c.Sync
	switch {
	case s.Interval <= 0:
		return errors.New("sync.interval must be positive")
	case s.RateLimitInterval < 0:
		return errors.New("sync.rate_limit_interval must not be negative")
	case s.WorkerPoolSize < 1 || s.WorkerPoolSize > 64:
		return fmt.Errorf("sync.worker_pool_size must be between 1 and 64, got %d", s.WorkerPoolSize)
	case s.FetchMaxRetries < 0 || s.FetchMaxRetries > 10:
		return fmt.Errorf("sync.fetch_max_retries must be between 0 and 10, got %d", s.FetchMaxRetries)
	case s.RequestTimeout <= 0:
		return errors.New("sync.request_timeout must be positive")
	case s.IngestTimeout <= 0:
		return errors.New("sync.ingest_timeout must be positive")
	case s.RetryBaseDelay <= 0 || s.RetryMaxDelay < s.RetryBaseDelay:
		return errors.New("sync.retry_base_delay must be positive and not above sync.retry_max_delay")
	case s.RetryJitter < 0:
		return errors.New("sync.retry_jitter must not be negative")
	}

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not one of postgres, mysql, sqlite", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	switch c.Email.Provider {
	case "", "mock", "gmail":
	case "brevo":
		if c.Email.BrevoAPIKey == "" || c.Email.FromAddr == "" {
			return errors.New("email.brevo_api_key and email.from_addr are required for brevo")
		}
	default:
		return fmt.Errorf("email.provider %q is not one of brevo, gmail, mock", c.Email.Provider)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}
