package config

import (
	"time"

	"github.com/drivesentry/drivesentry/internal/errors"
)

// MinCheckInterval is the smallest monitor check interval the provider
// quota API tolerates without burning the daily request budget.
const MinCheckInterval = 5 * time.Minute

// Config represents the complete application configuration.
type Config struct {
	Version  string         `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Database DatabaseConfig `yaml:"database"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig contains API authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// OAuthConfig contains the provider application credentials.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// MonitorConfig contains background monitor configuration.
type MonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	RefreshSkew      time.Duration `yaml:"refresh_skew"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig contains provider call retry configuration.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
}

// DatabaseConfig contains SQLite configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TelegramConfig contains alert delivery configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Validate checks the configuration for coherence.
func (c *Config) Validate() error {
	if c.Monitor.CheckInterval < MinCheckInterval {
		return &errors.ConfigError{
			Kind:  errors.ConfigInvalidInterval,
			Field: "monitor.check_interval",
		}
	}
	if c.Monitor.RecoveryInterval <= 0 {
		return &errors.ConfigError{
			Kind:  errors.ConfigInvalidInterval,
			Field: "monitor.recovery_interval",
		}
	}
	if c.OAuth.ClientID == "" {
		return &errors.ConfigError{
			Kind:  errors.ConfigMissingCredentials,
			Field: "oauth.client_id",
		}
	}
	if c.OAuth.ClientSecret == "" {
		return &errors.ConfigError{
			Kind:  errors.ConfigMissingCredentials,
			Field: "oauth.client_secret",
		}
	}
	if c.OAuth.RedirectURL == "" {
		return &errors.ConfigError{
			Kind:  errors.ConfigMissingCredentials,
			Field: "oauth.redirect_url",
		}
	}
	return nil
}
