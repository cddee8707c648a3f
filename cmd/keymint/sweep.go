package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mvetter/keymint/internal/config"
	"github.com/mvetter/keymint/internal/logging"
	"github.com/mvetter/keymint/internal/store"
	"github.com/mvetter/keymint/internal/sweeper"
)

// sweepCmd retires expired licenses once and exits. Useful from cron
// on deployments that do not keep the server running.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark expired licenses inactive and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "keymint"})

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := sweeper.New(st.Licenses(), cfg.SweepInterval).Sweep(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Retired %d expired license(s)\n", n)
		return nil
	},
}
