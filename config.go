package monitorauth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Store backends understood by Config.Store.Backend
const (
	StoreBackendFile    = "file"
	StoreBackendKeyring = "keyring"
	StoreBackendSQLite  = "sqlite"
	StoreBackendMemory  = "memory"
)

// Defaults for the refresh policy and transport
const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultRefreshInterval  = 5 * time.Minute
	DefaultRefreshThreshold = 2 * time.Minute
	DefaultKeyringService   = "monitorauth"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. MONITORAUTH_BASE_URL or MONITORAUTH_STORE_BACKEND
const EnvPrefix = "MONITORAUTH"

// Config is the client configuration
type Config struct {
	BaseURL          string
	RequestTimeout   time.Duration
	RefreshInterval  time.Duration
	RefreshThreshold time.Duration
	Store            StoreConfig
	LogLevel         string
}

// StoreConfig selects and configures the credential store backend
type StoreConfig struct {
	Backend        string
	Path           string // file store directory or sqlite database file
	Passphrase     string // optional, seals secrets with a derived key
	KeyringService string
}

// LoadConfig reads configuration from path (any format viper understands),
// environment variables and defaults. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://localhost:8080/auth")
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("refresh_interval", DefaultRefreshInterval)
	v.SetDefault("refresh_threshold", DefaultRefreshThreshold)
	v.SetDefault("store.backend", StoreBackendFile)
	v.SetDefault("store.path", "")
	v.SetDefault("store.passphrase", "")
	v.SetDefault("store.keyring_service", DefaultKeyringService)
	v.SetDefault("log.level", "info")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		BaseURL:          strings.TrimRight(v.GetString("base_url"), "/"),
		RequestTimeout:   v.GetDuration("request_timeout"),
		RefreshInterval:  v.GetDuration("refresh_interval"),
		RefreshThreshold: v.GetDuration("refresh_threshold"),
		Store: StoreConfig{
			Backend:        strings.ToLower(v.GetString("store.backend")),
			Path:           v.GetString("store.path"),
			Passphrase:     v.GetString("store.passphrase"),
			KeyringService: v.GetString("store.keyring_service"),
		},
		LogLevel: v.GetString("log.level"),
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewError(KindInvalidURL, fmt.Sprintf("base_url %q must be an absolute http(s) URL", c.BaseURL))
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive, got %v", c.RefreshInterval)
	}
	if c.RefreshThreshold <= 0 {
		return fmt.Errorf("refresh_threshold must be positive, got %v", c.RefreshThreshold)
	}
	switch c.Store.Backend {
	case StoreBackendFile, StoreBackendKeyring, StoreBackendSQLite, StoreBackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level from the config
func (c *Config) ApplyLogLevel() {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
