// Package config provides configuration management for tvboxd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8090
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultFetchTimeout     = 10 * time.Second
	defaultRetryAttempts    = 3
	defaultRetryDelay       = 1 * time.Second
	defaultRetryMaxDelay    = 30 * time.Second
	defaultHeartbeat        = 30 * time.Second
	defaultReconnectDelay   = 5 * time.Second
	defaultReconnectMax     = 60 * time.Second
	defaultTelemetryBuffer  = 64
	defaultCacheMaxEntries  = 50
	defaultMetadataTTL      = 30 * time.Minute
	defaultResyncInterval   = 5 * time.Minute
	defaultImageFallbackSec = 10
	defaultErrorSkipDelay   = 3 * time.Second
	defaultLoadTimeout      = 10 * time.Second
)

// Config holds all configuration for the player daemon.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Playback    PlaybackConfig    `mapstructure:"playback"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the on-device diagnostics HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CoordinatorConfig holds the signage server connection configuration.
type CoordinatorConfig struct {
	// BaseURL is the root URL of the signage backend (e.g. "http://signage.local:3001").
	BaseURL string `mapstructure:"base_url"`

	// TenantID identifies the tenant this device registers under.
	TenantID string `mapstructure:"tenant_id"`

	// DeviceName is the display name sent at registration.
	DeviceName string `mapstructure:"device_name"`

	// FetchTimeout bounds manifest fetches and media metadata probes.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// DatabaseConfig holds the device-local state database configuration.
// The device always runs SQLite; only the file path and log level vary.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds media cache storage configuration.
type StorageConfig struct {
	// BaseDir is the root of the device-local storage sandbox.
	BaseDir string `mapstructure:"base_dir"`

	// MaxEntries bounds the number of cached media blobs. Oldest entries
	// are evicted first when the cache is over capacity.
	MaxEntries int `mapstructure:"max_entries"`

	// MetadataTTL is the soft expiry for opportunistic metadata entries.
	// Confirmed-integrity media blobs are retained until explicit eviction.
	MetadataTTL time.Duration `mapstructure:"metadata_ttl"`
}

// PlaybackConfig holds playback scheduler configuration.
type PlaybackConfig struct {
	// ImageFallbackSeconds is used when an image item has a missing or
	// non-positive display duration.
	ImageFallbackSeconds int `mapstructure:"image_fallback_seconds"`

	// ErrorSkipDelay is the pause before skipping an unplayable item,
	// keeping a fully broken playlist from hot-looping.
	ErrorSkipDelay time.Duration `mapstructure:"error_skip_delay"`

	// LoadTimeout bounds media resolution for the current item.
	LoadTimeout time.Duration `mapstructure:"load_timeout"`

	// Preload enables double-buffered preloading of the next item.
	Preload bool `mapstructure:"preload"`

	// ResyncInterval is how often the manifest is refreshed absent pushes.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`

	// PlayerCommand is the external media player invocation; "{file}" is
	// replaced with the media path. Empty selects the logging surface,
	// which is only useful for headless development.
	PlayerCommand string `mapstructure:"player_command"`
}

// ChannelConfig holds live update channel configuration.
type ChannelConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`

	// TelemetryBuffer is the number of playback/error events queued while
	// the device is offline before the oldest are dropped.
	TelemetryBuffer int `mapstructure:"telemetry_buffer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TVBOXD_ and use underscores for
// nesting. Example: TVBOXD_COORDINATOR_BASE_URL=http://signage.local:3001.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tvboxd")
		v.AddConfigPath("$HOME/.tvboxd")
	}

	v.SetEnvPrefix("TVBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Coordinator defaults
	v.SetDefault("coordinator.base_url", "http://localhost:3001")
	v.SetDefault("coordinator.tenant_id", "")
	v.SetDefault("coordinator.device_name", "")
	v.SetDefault("coordinator.fetch_timeout", defaultFetchTimeout)
	v.SetDefault("coordinator.retry_attempts", defaultRetryAttempts)
	v.SetDefault("coordinator.retry_delay", defaultRetryDelay)
	v.SetDefault("coordinator.retry_max_delay", defaultRetryMaxDelay)

	// Database defaults
	v.SetDefault("database.dsn", "tvboxd.db")
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.max_entries", defaultCacheMaxEntries)
	v.SetDefault("storage.metadata_ttl", defaultMetadataTTL)

	// Playback defaults
	v.SetDefault("playback.image_fallback_seconds", defaultImageFallbackSec)
	v.SetDefault("playback.error_skip_delay", defaultErrorSkipDelay)
	v.SetDefault("playback.load_timeout", defaultLoadTimeout)
	v.SetDefault("playback.preload", true)
	v.SetDefault("playback.resync_interval", defaultResyncInterval)
	v.SetDefault("playback.player_command", "")

	// Channel defaults
	v.SetDefault("channel.heartbeat_interval", defaultHeartbeat)
	v.SetDefault("channel.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("channel.reconnect_max_delay", defaultReconnectMax)
	v.SetDefault("channel.telemetry_buffer", defaultTelemetryBuffer)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Coordinator.BaseURL == "" {
		return fmt.Errorf("coordinator.base_url is required")
	}
	if !strings.HasPrefix(c.Coordinator.BaseURL, "http://") && !strings.HasPrefix(c.Coordinator.BaseURL, "https://") {
		return fmt.Errorf("coordinator.base_url must be an http(s) URL")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.MaxEntries < 1 {
		return fmt.Errorf("storage.max_entries must be at least 1")
	}

	if c.Playback.ImageFallbackSeconds < 1 {
		return fmt.Errorf("playback.image_fallback_seconds must be at least 1")
	}
	if c.Channel.HeartbeatInterval <= 0 {
		return fmt.Errorf("channel.heartbeat_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
