// Package config provides configuration management for streamhawk using Viper.
// It supports configuration from files, environment variables, and defaults.
//
// This covers infrastructure configuration only (server, database, helper
// subprocess, limiter). User-facing runtime settings are persisted in the
// database and managed through the settings repository.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8674
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultRequestTimeout    = 60 * time.Second
	defaultDownloadTimeout   = time.Hour
	defaultHeartbeatInterval = 15 * time.Second
	defaultReconnectDelay    = 2 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultLimiterSlots      = 2
	defaultLimiterInterval   = 500 * time.Millisecond
	defaultFetchTimeout      = 20 * time.Second
	defaultFetchRetries      = 2
	defaultMaxManifestBytes  = 2 * 1024 * 1024 // 2MB
	defaultActiveRetention   = 30 * time.Second
	defaultSweepCron         = "0 0 3 * * *" // daily at 3 AM (6-field cron)
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Helper    HelperConfig    `mapstructure:"helper"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
}

// ServerConfig holds HTTP server configuration.
// The server binds to loopback by default: it is a companion daemon for a
// browser extension, not a public service.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HelperConfig holds configuration for the external helper subprocess.
type HelperConfig struct {
	// BinaryPath is the explicit path to the helper binary.
	// If empty, "streamhawk-helper" is searched in PATH.
	BinaryPath string `mapstructure:"binary_path"`

	// Args are extra arguments passed to the helper on spawn.
	Args []string `mapstructure:"args"`

	// RequestTimeout is the per-request timeout for most commands.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// DownloadTimeout is the per-request timeout for download commands.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`

	// HeartbeatInterval is how often a heartbeat command is sent.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	// ReconnectMaxDelay caps the reconnect backoff.
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// LimiterConfig holds rate limiter configuration for helper calls.
type LimiterConfig struct {
	// MaxConcurrent is the maximum number of in-flight enrichment calls.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// MinInterval is the minimum time between dispatches.
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// FetchConfig holds manifest fetch configuration.
type FetchConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	MaxManifestBytes ByteSize      `mapstructure:"max_manifest_bytes"`
}

// DownloadsConfig holds download orchestration configuration.
type DownloadsConfig struct {
	// ActiveRetention is how long a terminal download stays in the active set
	// so late-attaching observers still see its final state.
	ActiveRetention time.Duration `mapstructure:"active_retention"`

	// SweepCron is the 6-field cron expression for the history sweep.
	SweepCron string `mapstructure:"sweep_cron"`
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "streamhawk.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Helper defaults
	v.SetDefault("helper.binary_path", "")
	v.SetDefault("helper.args", []string{})
	v.SetDefault("helper.request_timeout", defaultRequestTimeout)
	v.SetDefault("helper.download_timeout", defaultDownloadTimeout)
	v.SetDefault("helper.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("helper.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("helper.reconnect_max_delay", defaultReconnectMaxDelay)

	// Limiter defaults
	v.SetDefault("limiter.max_concurrent", defaultLimiterSlots)
	v.SetDefault("limiter.min_interval", defaultLimiterInterval)

	// Fetch defaults
	v.SetDefault("fetch.timeout", defaultFetchTimeout)
	v.SetDefault("fetch.retry_attempts", defaultFetchRetries)
	v.SetDefault("fetch.max_manifest_bytes", defaultMaxManifestBytes)

	// Downloads defaults
	v.SetDefault("downloads.active_retention", defaultActiveRetention)
	v.SetDefault("downloads.sweep_cron", defaultSweepCron)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Helper.RequestTimeout <= 0 {
		return fmt.Errorf("helper.request_timeout must be positive")
	}
	if c.Helper.DownloadTimeout <= 0 {
		return fmt.Errorf("helper.download_timeout must be positive")
	}
	if c.Helper.HeartbeatInterval <= 0 {
		return fmt.Errorf("helper.heartbeat_interval must be positive")
	}

	if c.Limiter.MaxConcurrent < 1 {
		return fmt.Errorf("limiter.max_concurrent must be at least 1")
	}
	if c.Limiter.MinInterval < 0 {
		return fmt.Errorf("limiter.min_interval cannot be negative")
	}

	if c.Fetch.MaxManifestBytes < 1024 {
		return fmt.Errorf("fetch.max_manifest_bytes must be at least 1KB")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
