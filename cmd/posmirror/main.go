package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shopfront/posmirror/internal/config"
	"github.com/shopfront/posmirror/internal/logging"
	"github.com/shopfront/posmirror/internal/ui"
)

var (
	configFile string

	// Populated by loadSettings before any command runs.
	cfg      *config.Config
	settings *viper.Viper
	logs     *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "posmirror",
	Short: "Local product mirror for a point-of-sale register",
	Long: `posmirror keeps an on-device copy of the store's product catalog.

Reads come from the local mirror after pulling the full catalog from the
server; when the server is unreachable the last mirrored data is shown.
Writes (add, edit, delete) go straight to the server and are followed by
a fresh pull.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadSettings,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "catalog", Title: "Catalog Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default $HOME/.posmirror/config.toml)")
	flags.String("server", "", "Catalog server base URL")
	flags.String("token", "", "Bearer token for the catalog server")
	flags.String("db", "", "Path to the local mirror database")
	flags.Bool("no-color", false, "Disable colored output")
	flags.String("log-file", "", "Write logs to a rotating file instead of stderr")
}

// skipConfigFile marks commands that must run before a config file exists.
const skipConfigFile = "skip-config-file"

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"server":   "remote.base_url",
	"token":    "remote.token",
	"db":       "store.path",
	"no-color": "ui.no_color",
	"log-file": "log.file",
}

func loadSettings(cmd *cobra.Command, args []string) error {
	settings = config.New()
	for flag, key := range flagKeys {
		if err := settings.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}

	// "config init" creates the file --config points at.
	if cmd.Annotations[skipConfigFile] == "" {
		if _, err := config.ReadFile(settings, configFile); err != nil {
			return err
		}
	}

	loaded, err := config.Decode(settings)
	if err != nil {
		return err
	}
	cfg = loaded

	ui.Init(os.Stdout, cfg.UI.NoColor)
	logs = logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
