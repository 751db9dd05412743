package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-trade-ledger/internal/app"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "ledger",
		Short:        "Binance futures trade ledger: sync, reconcile and analyse",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config", "./configs", "directory holding config.yml")

	cmd.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newSnapshotCmd(opts),
	)
	return cmd
}

// withApp builds the app, runs fn with a context cancelled on SIGINT or
// SIGTERM, and closes the app afterwards.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(opts.configDir)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()
	return fn(ctx, a)
}
