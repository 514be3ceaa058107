package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopfront/posmirror/internal/mirror/loadtest"
	"github.com/shopfront/posmirror/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure read path latency under concurrent registers",
	Long: `Start an in-memory catalog server seeded with --products records,
then have --registers goroutines each run --loads full reads (pull, upsert,
read back) against one scratch mirror.

Reports latency percentiles and checks that the mirror ends with exactly
the seeded products. Nothing touches your configured server or mirror.

Examples:
  posmirror loadtest
  posmirror loadtest --products 5000 --registers 20 --loads 3 --coalesce`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		products, _ := cmd.Flags().GetInt("products")
		registers, _ := cmd.Flags().GetInt("registers")
		loads, _ := cmd.Flags().GetInt("loads")
		coalesce, _ := cmd.Flags().GetBool("coalesce")

		if products <= 0 {
			return errors.New("--products must be positive")
		}
		if registers <= 0 {
			return errors.New("--registers must be positive")
		}
		if loads <= 0 {
			return errors.New("--loads must be positive")
		}

		dir, err := os.MkdirTemp("", "posmirror-loadtest-")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		h, err := loadtest.CreateHarness(filepath.Join(dir, "mirror.db"), loadtest.Options{
			Products: products,
			Coalesce: coalesce,
		})
		if err != nil {
			return err
		}
		defer h.Close()

		fmt.Printf("%s Load testing %d registers x %d loads over %d products (coalesce=%v)\n",
			ui.RenderAccent("⚡"), registers, loads, products, coalesce)

		start := time.Now()
		stats, err := h.RunConcurrentLoads(cmd.Context(), registers, loads)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		fmt.Println()
		stats.PrintStats(os.Stdout)
		fmt.Printf("  Wall time:     %v\n", elapsed.Round(time.Millisecond))
		fmt.Printf("  Server pulls:  %d\n", h.Server.Fetches())
		fmt.Println()

		if err := h.VerifyMirror(cmd.Context()); err != nil {
			return fmt.Errorf("mirror verification failed: %w", err)
		}
		if stats.Errors > 0 {
			return fmt.Errorf("%d of %d loads failed", stats.Errors, registers*loads)
		}
		fmt.Printf("%s Mirror holds exactly %d products\n", ui.RenderPass("✓"), h.Products)
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("products", 1000, "Products seeded on the in-memory server")
	loadtestCmd.Flags().Int("registers", 20, "Concurrent registers")
	loadtestCmd.Flags().Int("loads", 5, "Reads per register")
	loadtestCmd.Flags().Bool("coalesce", false, "Share in-flight passes between registers")
	rootCmd.AddCommand(loadtestCmd)
}
