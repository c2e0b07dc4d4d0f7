package monitorauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/auth", cfg.BaseURL)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultRefreshInterval, cfg.RefreshInterval)
	assert.Equal(t, DefaultRefreshThreshold, cfg.RefreshThreshold)
	assert.Equal(t, StoreBackendFile, cfg.Store.Backend)
	assert.Equal(t, DefaultKeyringService, cfg.Store.KeyringService)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitorauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://monitor.example.com/auth/
request_timeout: 3s
refresh_interval: 1m
refresh_threshold: 30s
store:
  backend: SQLite
  path: /tmp/session.db
log:
  level: debug
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://monitor.example.com/auth", cfg.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 30*time.Second, cfg.RefreshThreshold)
	assert.Equal(t, StoreBackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/session.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MONITORAUTH_BASE_URL", "https://env.example.com/auth")
	t.Setenv("MONITORAUTH_STORE_BACKEND", "memory")
	t.Setenv("MONITORAUTH_REFRESH_THRESHOLD", "45s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com/auth", cfg.BaseURL)
	assert.Equal(t, StoreBackendMemory, cfg.Store.Backend)
	assert.Equal(t, 45*time.Second, cfg.RefreshThreshold)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			BaseURL:          "https://monitor.example.com/auth",
			RequestTimeout:   time.Second,
			RefreshInterval:  time.Minute,
			RefreshThreshold: time.Second,
			Store:            StoreConfig{Backend: StoreBackendKeyring},
			LogLevel:         "warn",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative url", func(c *Config) { c.BaseURL = "/auth" }},
		{"bad scheme", func(c *Config) { c.BaseURL = "ftp://monitor.example.com" }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"negative interval", func(c *Config) { c.RefreshInterval = -time.Second }},
		{"zero threshold", func(c *Config) { c.RefreshThreshold = 0 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "floppy" }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.BaseURL = "nope"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidURL)
}

func TestConfig_ApplyLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	(&Config{LogLevel: "warn"}).ApplyLogLevel()
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	(&Config{LogLevel: ""}).ApplyLogLevel()
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
