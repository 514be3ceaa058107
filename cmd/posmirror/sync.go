package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/shopfront/posmirror/internal/remote"
	"github.com/shopfront/posmirror/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull the full catalog into the local mirror",
	Long: `Run one reconciliation pass: fetch every product, normalize its
timestamps and upsert it into the local mirror.

A failed fetch leaves the mirror untouched. Products the server no longer
lists are kept; use 'posmirror clear' to start from scratch.

With --from-file the catalog is read from a JSON array or JSONL file
instead of the server, for seeding a register without network access.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFile, _ := cmd.Flags().GetString("from-file")

		opts := appOptions{}
		source := "server"
		if fromFile != "" {
			opts.fetcher = remote.NewFileSource(fromFile)
			source = fromFile
		} else if !cfg.HasRemote() {
			return errors.New("no server configured (set remote.base_url, --server or use --from-file)")
		}

		a, err := openApp(opts)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.client != nil && fromFile == "" {
			source = a.client.BaseURL()
		}
		fmt.Printf("%s Syncing from %s...\n", ui.RenderAccent("🔄"), source)

		res, err := a.reconciler.Pass(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		count, _ := a.db.CountContext(cmd.Context())
		if res.Incomplete() != nil {
			fmt.Printf("%s Sync incomplete in %v, skipped records keep their previous mirror copy\n",
				ui.RenderWarn("⚠"), res.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
		}
		fmt.Printf("   Fetched: %d\n", res.Fetched)
		fmt.Printf("   Upserted: %d\n", res.Upserted)
		if res.Skipped > 0 {
			fmt.Printf("   Skipped: %s\n", ui.RenderWarn(fmt.Sprintf("%d (invalid records)", res.Skipped)))
		}
		fmt.Printf("   Mirror: %d products\n", count)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local mirror status",
	Long: `Display the local mirror location, size, product count and the
outcome of the most recent sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(cfg.Store.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Local mirror not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'posmirror sync' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check mirror: %w", err)
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		count, err := a.db.CountContext(ctx)
		if err != nil {
			return err
		}

		server := ui.RenderMuted("not configured (read-only)")
		if cfg.HasRemote() {
			server = cfg.Remote.BaseURL
		}

		fmt.Printf("\n%s Local Mirror Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", cfg.Store.Path)
		fmt.Printf("Size: %s\n", formatSize(info.Size()))
		fmt.Printf("Products: %d\n", count)
		fmt.Printf("Server: %s\n", server)

		last, err := a.db.LastSync(ctx)
		switch {
		case err != nil:
			return err
		case last == nil:
			fmt.Printf("Last sync: %s\n", ui.RenderMuted("never"))
		case last.Succeeded():
			fmt.Printf("Last sync: %s %s (%d upserted, %d skipped)\n",
				ui.RenderPass("✓"), last.FinishedAt.Local().Format("2006-01-02 15:04:05"), last.Upserted, last.Skipped)
		default:
			fmt.Printf("Last sync: %s %s: %s\n",
				ui.RenderFail("✗"), last.FinishedAt.Local().Format("2006-01-02 15:04:05"), last.Error)
			if ok, err := a.db.LastSuccessfulSync(ctx); err == nil && ok != nil {
				fmt.Printf("Last good sync: %s\n", ok.FinishedAt.Local().Format("2006-01-02 15:04:05"))
			}
		}
		fmt.Println()
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "sync",
	Short:   "Empty the local mirror",
	Long: `Remove every mirrored product. The next list or sync repopulates the
mirror from the server. Nothing on the server is changed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && ui.IsTerminal(os.Stdin) {
			confirmed := false
			err := huh.NewConfirm().
				Title("Clear the local product mirror?").
				Affirmative("Clear").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		a, err := openApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.service.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%s Local mirror cleared\n", ui.RenderPass("✓"))
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	syncCmd.Flags().String("from-file", "", "Read the catalog from a JSON or JSONL file")
	clearCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCmd)
}
