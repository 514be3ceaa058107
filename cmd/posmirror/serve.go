package main

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/shopfront/posmirror/internal/catalog"
	"github.com/shopfront/posmirror/internal/mirror/dashboard"
	"github.com/shopfront/posmirror/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Serve the mirror over HTTP with live WebSocket events",
	Long: `Start the local dashboard: a JSON API over the catalog, a WebSocket
event stream and Prometheus metrics. The mirror daemon runs alongside it.

Endpoints:
  GET    /health              status and mirror size
  GET    /api/products        list (q, sort, dir, page, per_page, active)
  POST   /api/products        create on the server
  PUT    /api/products/{id}   update on the server
  DELETE /api/products/{id}   deactivate on the server
  POST   /api/sync            run a pass now (rate limited)
  GET    /ws                  sync_complete, sync_failed, product_mutation, stats
  GET    /metrics             Prometheus exposition

Examples:
  posmirror serve
  posmirror serve --port 9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		noDaemon, _ := cmd.Flags().GetBool("no-daemon")

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		server := dashboard.NewServer(&dashboard.Config{
			Port:          port,
			Host:          cfg.Dashboard.Host,
			SyncRateLimit: cfg.Dashboard.SyncRateLimit,
			Gatherer:      registry,
			Logger:        logs.Logger("dashboard"),
		})
		handler := dashboard.NewHandler(server, logs.Logger("dashboard"))

		a, err := openApp(appOptions{
			observer: handler,
			hooks:    []catalog.MutationHook{handler},
			registry: registry,
		})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := server.Start(a.service); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		base := "http://" + server.GetAddr()
		if host, p, err := net.SplitHostPort(server.GetAddr()); err == nil && (host == "" || host == "0.0.0.0") {
			base = "http://localhost:" + p
		}
		fmt.Printf("%s Dashboard started on %s\n", ui.RenderAccent("🚀"), base)
		fmt.Printf("   API: %s/api/products\n", base)
		fmt.Printf("   WebSocket: ws%s/ws\n", base[len("http"):])
		fmt.Printf("   Metrics: %s/metrics\n", base)
		fmt.Printf("   Server: %s\n", serverLabel())
		fmt.Println("\nPress Ctrl+C to stop...")

		if noDaemon {
			<-cmd.Context().Done()
		} else {
			d, err := newDaemon(a)
			if err != nil {
				_ = server.Stop()
				return err
			}
			// Start blocks until the command context is cancelled.
			_ = d.Start(cmd.Context())
		}

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Dashboard server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on (default from dashboard.port)")
	serveCmd.Flags().Bool("no-daemon", false, "Do not refresh the mirror in the background")
	rootCmd.AddCommand(serveCmd)
}
