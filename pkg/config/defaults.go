package config

import (
	"strings"
	"time"
)

// Default values applied to unset configuration fields.
const (
	DefaultLogLevel        = "INFO"
	DefaultLogFormat       = "text"
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStoreType       = "badger"
	DefaultStorePath       = "./orchard-data"
	DefaultChunkStoreType  = "memory"
)

// ApplyDefaults fills in default values for any unset configuration fields.
//
// Called after unmarshaling and before validation, so a config file only has
// to say what differs from the defaults.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyChunkStoreDefaults(&cfg.Chunks)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = DefaultLogLevel
	}
	// Normalize to uppercase so downstream comparisons are exact.
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = DefaultLogFormat
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultListenAddr
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = DefaultStoreType
	}
	if cfg.Type == "badger" {
		if cfg.Badger == nil {
			cfg.Badger = map[string]any{}
		}
		if _, ok := cfg.Badger["path"]; !ok {
			cfg.Badger["path"] = DefaultStorePath
		}
	}
}

func applyChunkStoreDefaults(cfg *ChunkStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = DefaultChunkStoreType
	}
}

// GetDefaultConfig returns a fully defaulted configuration, as written by
// the init command and used when no config file exists.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
