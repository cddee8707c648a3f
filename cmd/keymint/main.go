package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mvetter/keymint/internal/api"
	"github.com/mvetter/keymint/internal/catalog"
	"github.com/mvetter/keymint/internal/config"
	"github.com/mvetter/keymint/internal/inventory"
	"github.com/mvetter/keymint/internal/logging"
	"github.com/mvetter/keymint/internal/purchase"
	"github.com/mvetter/keymint/internal/store"
	"github.com/mvetter/keymint/internal/sweeper"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "keymint",
	Short:   "Keymint - license inventory, ledger, and purchase engine",
	Long:    `Keymint manages per-product license key pools, user balances, and the license lifecycle for a reseller storefront.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Keymint %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(stockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized below once the
	// configuration is known.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "keymint",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "keymint",
	})

	if cfg.AdminToken == "" {
		log.Warn().Msg("KEYMINT_ADMIN_TOKEN is not set, admin endpoints are disabled")
	}

	log.Info().Str("dataDir", cfg.DataDir).Msg("Starting keymint server")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	inv, err := inventory.New(cfg.KeysDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open key inventory")
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load product catalog")
	}
	log.Info().Int("products", cat.Len()).Msg("Product catalog loaded")

	journal, err := purchase.OpenJournal(filepath.Join(cfg.DataDir, "journal", "purchases.jsonl"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open purchase journal")
	}
	defer journal.Close()

	coord := purchase.NewCoordinator(inv, cat, st.Ledger(), st.Licenses(), st.Audit(), nil, journal)
	sw := sweeper.New(st.Licenses(), cfg.SweepInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewServer(st, inv, cat, coord, sw, cfg.AdminToken).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		sw.Run(ctx)
		return nil
	})

	if cfg.WatchCatalog {
		g.Go(func() error {
			if err := cat.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Catalog watcher stopped")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Shutdown complete")
}
