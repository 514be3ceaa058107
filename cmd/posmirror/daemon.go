package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shopfront/posmirror/internal/config"
	"github.com/shopfront/posmirror/internal/mirror/daemon"
	"github.com/shopfront/posmirror/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the local mirror fresh (foreground)",
	Long: `Run reconciliation passes in the foreground on a fixed interval.

The daemon will:
  1. Pull the catalog once at startup
  2. Pull again every daemon.interval (default 30s)
  3. Keep going when the server is unreachable, serving the last mirror
  4. Pick up interval changes from the config file without a restart

Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := newDaemon(a)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting mirror daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Server: %s\n", serverLabel())
		fmt.Printf("   Mirror: %s\n", cfg.Store.Path)
		fmt.Printf("   Interval: %v\n", d.Interval())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start blocks until the command context is cancelled.
		if err := d.Start(cmd.Context()); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}

		stats := d.Stats()
		fmt.Printf("\n%s Daemon stopped after %d passes (%d failed)\n", ui.RenderPass("✓"), stats.Passes, stats.Failures)
		return nil
	},
}

// newDaemon builds a daemon over a's reconciler and retunes it when the
// config file changes.
func newDaemon(a *app) (*daemon.Daemon, error) {
	d, err := daemon.NewWithConfig(a.reconciler, &daemon.Config{
		RefreshInterval:  cfg.Daemon.Interval,
		DebounceInterval: cfg.Daemon.Debounce,
		Logger:           logs.Logger("daemon"),
	})
	if err != nil {
		return nil, err
	}

	config.Watch(settings, logs.Logger("config"), func(c *config.Config) {
		d.SetInterval(c.Daemon.Interval)
		d.Trigger()
	})
	return d, nil
}

func serverLabel() string {
	if cfg.HasRemote() {
		return cfg.Remote.BaseURL
	}
	return "not configured (read-only)"
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
