package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// ErrConfigExists is returned by WriteDefault when the file is already there
// and force is not set.
var ErrConfigExists = errors.New("config file already exists")

// fileLayout is the on-disk shape written by WriteDefault. Durations are
// strings so the file reads "30s" rather than nanoseconds.
type fileLayout struct {
	Remote struct {
		BaseURL string `toml:"base_url"`
		Token   string `toml:"token"`
		Timeout string `toml:"timeout"`
	} `toml:"remote"`
	Store struct {
		Path string `toml:"path"`
	} `toml:"store"`
	Sync struct {
		Coalesce bool `toml:"coalesce"`
		Atomic   bool `toml:"atomic"`
		LogKeep  int  `toml:"log_keep"`
	} `toml:"sync"`
	Daemon struct {
		Interval string `toml:"interval"`
		Debounce string `toml:"debounce"`
	} `toml:"daemon"`
	Dashboard struct {
		Host          string `toml:"host"`
		Port          int    `toml:"port"`
		SyncRateLimit int    `toml:"sync_rate_limit"`
	} `toml:"dashboard"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Compress   bool   `toml:"compress"`
	} `toml:"log"`
	UI struct {
		NoColor bool `toml:"no_color"`
	} `toml:"ui"`
}

func layoutOf(c *Config) fileLayout {
	var f fileLayout
	f.Remote.BaseURL = c.Remote.BaseURL
	f.Remote.Token = c.Remote.Token
	f.Remote.Timeout = c.Remote.Timeout.String()
	f.Store.Path = c.Store.Path
	f.Sync.Coalesce = c.Sync.Coalesce
	f.Sync.Atomic = c.Sync.Atomic
	f.Sync.LogKeep = c.Sync.LogKeep
	f.Daemon.Interval = c.Daemon.Interval.String()
	f.Daemon.Debounce = c.Daemon.Debounce.String()
	f.Dashboard.Host = c.Dashboard.Host
	f.Dashboard.Port = c.Dashboard.Port
	f.Dashboard.SyncRateLimit = c.Dashboard.SyncRateLimit
	f.Log.File = c.Log.File
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.Log.Compress = c.Log.Compress
	f.UI.NoColor = c.UI.NoColor
	return f
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Encode writes c as TOML.
func Encode(w io.Writer, c *Config) error {
	if err := toml.NewEncoder(w).Encode(layoutOf(c)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	if err := Encode(f, Defaults()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Redacted returns a copy of c with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Remote.Token != "" {
		out.Remote.Token = "********"
	}
	return &out
}
