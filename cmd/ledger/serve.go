package main

import (
	"context"
	"fmt"
	"time"

	"binance-trade-ledger/internal/app"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run the background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, serve)
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	log := a.Logger
	sched, schedErr := a.StartScheduler(ctx)
	if schedErr != nil {
		log.Warn("Scheduler not started, serving read-only", zap.Error(schedErr))
	}

	srv := a.NewAPIServer(sched, schedErr)
	srv.Start(fmt.Sprintf(":%d", a.Config.Server.Port))

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	if sched != nil {
		sched.Wait()
	}
	log.Info("Ledger has been shut down.")
	return nil
}
