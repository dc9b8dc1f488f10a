// Package config loads, validates, and materializes the server
// configuration: logging, the dispatch server's tunables, and the item and
// chunk store selections with their type-specific options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Orchard server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (ORCHARD_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// The Store and Chunks sections carry a Type field plus one options map per
// supported backend; only the map matching the selected type is decoded, by
// the corresponding factory in factories.go.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the dispatch server settings, fault-injection knobs
	// included.
	Server ServerConfig `mapstructure:"server"`

	// Store selects the item store backend and its options.
	Store StoreConfig `mapstructure:"store"`

	// Chunks selects the chunk store backend and its options.
	Chunks ChunkStoreConfig `mapstructure:"chunks"`

	// Metrics toggles the Prometheus registry and the /metrics route.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// GC controls background garbage collection of orphaned chunks.
	GC GCConfig `mapstructure:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// ServerConfig contains the dispatch server settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr" validate:"required"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// ResponseDelay adds artificial latency to every dispatched request.
	// Zero disables it. For integration harnesses.
	ResponseDelay time.Duration `mapstructure:"response_delay" validate:"gte=0"`

	// ErrorRate is the percentage (0-100) of requests that fail with a
	// random simulated error. Zero disables it.
	ErrorRate float64 `mapstructure:"error_rate" validate:"gte=0,lte=100"`

	// ErrorKind selects the flavor of random simulated failures.
	// Valid values: server, client, both
	ErrorKind string `mapstructure:"error_kind" validate:"omitempty,oneof=server client both"`

	// BandwidthBytesPerSec throttles binary downloads. Zero means
	// unlimited.
	BandwidthBytesPerSec int64 `mapstructure:"bandwidth_bytes_per_sec" validate:"gte=0"`
}

// StoreConfig specifies the item store configuration.
//
// The Type field determines which backend is used; only the corresponding
// options map is consulted.
type StoreConfig struct {
	// Type selects the backend.
	// Valid values: badger, memory
	Type string `mapstructure:"type" validate:"required,oneof=badger memory"`

	// QuotaBytes is the per-account storage quota; 0 disables quota
	// enforcement.
	QuotaBytes int64 `mapstructure:"quota_bytes" validate:"gte=0"`

	// Badger holds badger-specific options (path).
	Badger map[string]any `mapstructure:"badger"`
}

// ChunkStoreConfig specifies the chunk store configuration.
type ChunkStoreConfig struct {
	// Type selects the backend.
	// Valid values: memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory s3"`

	// S3 holds S3-specific options (region, bucket, endpoint, credentials).
	S3 map[string]any `mapstructure:"s3"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// GCConfig controls background garbage collection of orphaned chunks.
type GCConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run a collection; zero uses the collector's
	// default.
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`

	// DryRun logs what a collection would delete without deleting it.
	DryRun bool `mapstructure:"dry_run"`
}

// Load loads configuration from the given file path, environment variables,
// and defaults, then validates the result.
//
// An empty configPath uses the default location
// ($XDG_CONFIG_HOME/orchard/config.yaml); a missing config file is not an
// error, the defaults stand in.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the ORCHARD_ prefix with underscores.
	// Example: ORCHARD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("ORCHARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable: run on defaults.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orchard")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "orchard")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
