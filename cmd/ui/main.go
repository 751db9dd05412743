package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-trade-ledger/internal/app"
	"binance-trade-ledger/internal/scheduler"

	"go.uber.org/zap"
)

// ui serves the read API over the existing ledger. It never runs jobs, so
// any number of copies can sit behind a load balancer.
func main() {
	a, err := app.New("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	log := a.Logger

	srv := a.NewAPIServer(nil, fmt.Errorf("%w: read-only process", scheduler.ErrDisabled))
	srv.Start(fmt.Sprintf(":%d", a.Config.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	a.Close(shutdownCtx)
}
