package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/dashboard"
	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/metrics"
	"github.com/compintel/profilesync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Serve live company profiles over HTTP and WebSocket",
	Long: `Start the dashboard server.

Every signed-in user shares one live cache per identity. The cache
subscribes to the company collection, normalizes each push and publishes
the result to every connected client.

Endpoints:
  GET  /ws                  Snapshot stream (WebSocket)
  GET  /api/companies       List, search and paginate companies
  GET  /api/companies/:id   One company
  POST /api/refresh         Re-run normalization
  GET  /health              Server health
  GET  /metrics             Prometheus metrics

Example usage:
  intel serve                    # Start on the configured port
  intel serve --port 9000        # Start on a custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		verifier, err := newVerifier(ctx, cfg)
		if err != nil {
			return err
		}

		reg := metrics.NewRegistry()
		caches := cache.NewRegistry(func() *cache.SyncCache {
			return cache.New(store, cacheOptions(cfg, reg))
		}, cfg.Dashboard.Linger)
		defer caches.Close()

		var middleware []gin.HandlerFunc
		if sentryEnabled {
			middleware = append(middleware, sentrygin.New(sentrygin.Options{Repanic: true}))
		}

		if !cfg.Dashboard.Debug {
			gin.SetMode(gin.ReleaseMode)
		}

		server, err := dashboard.NewServer(&dashboard.Config{
			Port:            cfg.Dashboard.Port,
			Registry:        caches,
			Verifier:        verifier,
			DevIdentity:     cfg.Identity.DevIdentity,
			Metrics:         reg,
			RefreshInterval: cfg.Dashboard.RefreshInterval,
			OriginPatterns:  cfg.Dashboard.OriginPatterns,
			Middleware:      middleware,
			Logger:          logger("dashboard"),
		})
		if err != nil {
			return err
		}

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		addr := server.GetAddr()
		fmt.Printf("%s Dashboard server started on http://%s\n", ui.RenderPass("✓"), addr)
		fmt.Printf("   WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("   Store: %s (%s)\n", cfg.Store.Backend, cfg.Store.Collection)
		if verifier == nil {
			fmt.Printf("   %s Serving everyone as %s\n", ui.RenderWarn("⚠"), identity.Static(cfg.Identity.DevIdentity))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Dashboard server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	bindFlag(serveCmd, "port", "dashboard.port")

	rootCmd.AddCommand(serveCmd)
}
