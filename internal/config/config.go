// Package config loads posmirror settings from defaults, an optional config
// file, POSMIRROR_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so remote.base_url
// becomes POSMIRROR_REMOTE_BASE_URL.
const EnvPrefix = "POSMIRROR"

// DirName is the per-user directory holding the config file and the mirror.
const DirName = ".posmirror"

// Config is the decoded configuration.
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
	UI        UIConfig        `mapstructure:"ui"`
}

// RemoteConfig points at the authoritative catalog server.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig locates the local mirror.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes reconciliation passes.
type SyncConfig struct {
	Coalesce bool `mapstructure:"coalesce"`
	Atomic   bool `mapstructure:"atomic"`
	// LogKeep caps the sync log at this many entries. Zero keeps them all.
	LogKeep int `mapstructure:"log_keep"`
}

// DaemonConfig tunes the background refresh.
type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// DashboardConfig configures the local HTTP surface.
type DashboardConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	SyncRateLimit int    `mapstructure:"sync_rate_limit"`
}

// LogConfig configures log output. An empty File means stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// UIConfig configures terminal output.
type UIConfig struct {
	NoColor bool `mapstructure:"no_color"`
}

// Dir returns $HOME/.posmirror.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath returns the config file written by "config init".
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func defaultStorePath() string {
	dir, err := Dir()
	if err != nil {
		return "mirror.db"
	}
	return filepath.Join(dir, "mirror.db")
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 10*time.Second)

	v.SetDefault("store.path", defaultStorePath())

	v.SetDefault("sync.coalesce", true)
	v.SetDefault("sync.atomic", false)
	v.SetDefault("sync.log_keep", 500)

	v.SetDefault("daemon.interval", 30*time.Second)
	v.SetDefault("daemon.debounce", 250*time.Millisecond)

	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("dashboard.sync_rate_limit", 6)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("ui.no_color", false)
}

// New returns a viper instance with defaults and environment overrides set
// up. It does not read any file.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads the config file into v. With an explicit path the file must
// exist; otherwise config.{toml,yaml,yml} is looked up in $HOME/.posmirror
// and its absence is not an error. It returns the file used, if any.
func ReadFile(v *viper.Viper, path string) (string, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return v.ConfigFileUsed(), nil
	}

	dir, err := Dir()
	if err != nil {
		return "", nil
	}
	v.SetConfigName("config")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is New, ReadFile and Decode in one call.
func Load(path string) (*Config, *viper.Viper, error) {
	v := New()
	if _, err := ReadFile(v, path); err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate checks value ranges. An empty remote base URL is allowed and
// means the mirror is used read-only without a server.
func (c *Config) Validate() error {
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid remote.base_url %q", c.Remote.BaseURL)
		}
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must be >= 0, got %v", c.Remote.Timeout)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Sync.LogKeep < 0 {
		return fmt.Errorf("sync.log_keep must be >= 0, got %d", c.Sync.LogKeep)
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon.interval must be positive, got %v", c.Daemon.Interval)
	}
	if c.Daemon.Debounce <= 0 {
		return fmt.Errorf("daemon.debounce must be positive, got %v", c.Daemon.Debounce)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if c.Dashboard.SyncRateLimit < 0 {
		return fmt.Errorf("dashboard.sync_rate_limit must be >= 0, got %d", c.Dashboard.SyncRateLimit)
	}
	return nil
}

// HasRemote reports whether a catalog server is configured.
func (c *Config) HasRemote() bool {
	return c.Remote.BaseURL != ""
}
