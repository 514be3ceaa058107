package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shopfront/posmirror/internal/config"
	"github.com/shopfront/posmirror/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the posmirror config file",
	Long: `Settings are read from, in increasing precedence: built-in defaults,
the config file, POSMIRROR_* environment variables (remote.base_url is
POSMIRROR_REMOTE_BASE_URL) and command-line flags.`,
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipConfigFile: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		path := configFile
		if path == "" {
			var err error
			if path, err = config.DefaultPath(); err != nil {
				return err
			}
		}

		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set remote.base_url to your catalog server to enable sync\n")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if used := settings.ConfigFileUsed(); used != "" {
			fmt.Printf("# loaded from %s\n", used)
		} else {
			fmt.Printf("# no config file; defaults, environment and flags only\n")
		}
		return config.Encode(os.Stdout, cfg.Redacted())
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
