package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at an empty directory so no real config is read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestDefaults(t *testing.T) {
	home := isolate(t)

	cfg, _, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.Remote.BaseURL)
	assert.False(t, cfg.HasRemote())
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, filepath.Join(home, DirName, "mirror.db"), cfg.Store.Path)
	assert.True(t, cfg.Sync.Coalesce)
	assert.False(t, cfg.Sync.Atomic)
	assert.Equal(t, 500, cfg.Sync.LogKeep)
	assert.Equal(t, 30*time.Second, cfg.Daemon.Interval)
	assert.Equal(t, 250*time.Millisecond, cfg.Daemon.Debounce)
	assert.Equal(t, "127.0.0.1", cfg.Dashboard.Host)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, 6, cfg.Dashboard.SyncRateLimit)
	assert.Empty(t, cfg.Log.File)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.True(t, cfg.Log.Compress)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("POSMIRROR_REMOTE_BASE_URL", "https://pos.example.com")
	t.Setenv("POSMIRROR_DAEMON_INTERVAL", "2m")
	t.Setenv("POSMIRROR_SYNC_ATOMIC", "true")
	t.Setenv("POSMIRROR_SYNC_LOG_KEEP", "20")

	cfg, _, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://pos.example.com", cfg.Remote.BaseURL)
	assert.True(t, cfg.HasRemote())
	assert.Equal(t, 2*time.Minute, cfg.Daemon.Interval)
	assert.True(t, cfg.Sync.Atomic)
	assert.Equal(t, 20, cfg.Sync.LogKeep)
}

func TestReadFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `[remote]
base_url = "http://localhost:3000"
timeout = "3s"

[daemon]
interval = "45s"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `remote:
  base_url: http://localhost:3000
  timeout: 3s
daemon:
  interval: 45s
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, v, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, path, v.ConfigFileUsed())
			assert.Equal(t, "http://localhost:3000", cfg.Remote.BaseURL)
			assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
			assert.Equal(t, 45*time.Second, cfg.Daemon.Interval)
			// Untouched keys keep their defaults.
			assert.Equal(t, 8080, cfg.Dashboard.Port)
		})
	}
}

func TestReadFile_HomeDirectory(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, DirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"),
		[]byte("[dashboard]\nport = 9191\n"), 0o600))

	v := New()
	used, err := ReadFile(v, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.toml"), used)

	cfg, err := Decode(v)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Dashboard.Port)
}

func TestReadFile_ExplicitMissing(t *testing.T) {
	isolate(t)
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvBeatsFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[dashboard]\nport = 9000\n"), 0o600))
	t.Setenv("POSMIRROR_DASHBOARD_PORT", "9500")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Dashboard.Port)
}

func TestFlagsBeatEnv(t *testing.T) {
	isolate(t)
	t.Setenv("POSMIRROR_REMOTE_BASE_URL", "http://env:1")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("server", "", "")
	require.NoError(t, flags.Parse([]string{"--server", "http://flag:2"}))

	v := New()
	require.NoError(t, v.BindPFlag("remote.base_url", flags.Lookup("server")))

	cfg, err := Decode(v)
	require.NoError(t, err)
	assert.Equal(t, "http://flag:2", cfg.Remote.BaseURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad url", func(c *Config) { c.Remote.BaseURL = "not a url" }},
		{"relative url", func(c *Config) { c.Remote.BaseURL = "/api" }},
		{"negative timeout", func(c *Config) { c.Remote.Timeout = -time.Second }},
		{"empty store", func(c *Config) { c.Store.Path = "" }},
		{"negative log keep", func(c *Config) { c.Sync.LogKeep = -1 }},
		{"zero interval", func(c *Config) { c.Daemon.Interval = 0 }},
		{"negative debounce", func(c *Config) { c.Daemon.Debounce = -1 }},
		{"port range", func(c *Config) { c.Dashboard.Port = 70000 }},
		{"negative rate", func(c *Config) { c.Dashboard.SyncRateLimit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg := Defaults()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteDefault(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, WriteDefault(path, false))

	err := WriteDefault(path, false)
	assert.ErrorIs(t, err, ErrConfigExists)
	assert.NoError(t, WriteDefault(path, true))

	var raw map[string]map[string]any
	_, err = toml.DecodeFile(path, &raw)
	require.NoError(t, err)
	assert.Equal(t, "30s", raw["daemon"]["interval"])

	// The written file loads back to the defaults.
	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEncodeRedacted(t *testing.T) {
	isolate(t)
	cfg := Defaults()
	cfg.Remote.Token = "secret-token"

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, cfg.Redacted()))

	assert.NotContains(t, buf.String(), "secret-token")
	assert.Contains(t, buf.String(), "********")
	assert.Equal(t, "secret-token", cfg.Remote.Token)
}

func TestWatch(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[daemon]\ninterval = \"30s\"\n"), 0o600))

	_, v, err := Load(path)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	Watch(v, nil, func(c *Config) { changed <- c })

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[daemon]\ninterval = \"5s\"\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Daemon.Interval == 5*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

func TestWatch_NoFile(t *testing.T) {
	isolate(t)
	v := New()
	// Nothing to watch; must not panic or call back.
	Watch(v, nil, func(*Config) { t.Error("unexpected callback") })
}
