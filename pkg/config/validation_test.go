package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return GetDefaultConfig()
}

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateLogging(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "TRACE"
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, Validate(cfg))
}

func TestValidateServer(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Addr = ""
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Server.ErrorRate = -1
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Server.ErrorKind = "random"
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Server.ErrorRate = 50
	cfg.Server.ErrorKind = "client"
	assert.NoError(t, Validate(cfg))
}

func TestValidateBadgerPath(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Badger = map[string]any{}
	assert.ErrorContains(t, Validate(cfg), "path")
}

func TestApplyDefaultsNormalizesLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}
