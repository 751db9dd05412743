// Package app wires the ledger components for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-trade-ledger/internal/analytics"
	"binance-trade-ledger/internal/api"
	"binance-trade-ledger/internal/binance"
	"binance-trade-ledger/internal/cache"
	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/jobs"
	"binance-trade-ledger/internal/logger"
	"binance-trade-ledger/internal/matcher"
	"binance-trade-ledger/internal/notifier"
	"binance-trade-ledger/internal/scheduler"
	"binance-trade-ledger/internal/snapshots"
	"binance-trade-ledger/internal/syncer"
	"binance-trade-ledger/internal/tracing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds every long-lived component.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	DB        *gorm.DB
	Store     *database.Store
	Client    *binance.RestClient
	Sync      *syncer.Service
	Queue     *syncer.CompensationQueue
	Snapshots *snapshots.Service
	Engine    *analytics.Engine
	Cache     *cache.TTL
	Notifier  notifier.Notifier
	Runner    *jobs.Runner
}

// New loads the configuration from configDir and builds the components.
func New(configDir string) (*App, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	if err := tracing.Init(cfg.Tracing); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("Database connection successful and schema migrated.", zap.String("dsn", cfg.Database.DSN))
	store := database.NewStore(db)

	policy := analytics.DefaultHealthPolicy()
	if cfg.Analytics.HealthPolicyPath != "" {
		if policy, err = analytics.LoadHealthPolicy(cfg.Analytics.HealthPolicyPath); err != nil {
			return nil, err
		}
	}

	loc := cfg.Scheduler.Location()
	client := binance.NewRestClient(&cfg.Binance, log)
	a := &App{
		Config:   cfg,
		Logger:   log,
		DB:       db,
		Store:    store,
		Client:   client,
		Sync:     syncer.NewService(client, store, matcher.NewPolicy(cfg.Matching), syncer.OptionsFromConfig(cfg.Sync), log),
		Queue:    syncer.NewCompensationQueue(cfg.Sync.CompensationLookback),
		Engine:   analytics.NewEngine(cfg.Analytics.InitialCapital, loc, policy, time.Duration(cfg.Risk.StaleHours)*time.Hour),
		Cache:    cache.New(cfg.Analytics.CacheTTL),
		Notifier: notifier.New(cfg.Notifier, log),
	}
	// every committed sync pass invalidates the cached analytics
	a.Sync.OnCommit(a.Cache.Purge)
	a.Snapshots = snapshots.NewService(client, store, cfg.Snapshots, cfg.Binance.MinRequestInterval, loc, log)
	a.Runner = jobs.NewRunner(jobs.Deps{
		Config:    cfg,
		Store:     store,
		Sync:      a.Sync,
		Queue:     a.Queue,
		Snapshots: a.Snapshots,
		Gateway:   client,
		Notifier:  a.Notifier,
		Logger:    log,
	})
	return a, nil
}

// StartScheduler registers and starts the jobs when this process may own
// them. The returned error wraps scheduler.ErrDisabled with the reason.
func (a *App) StartScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	if err := scheduler.Guard(a.Config); err != nil {
		return nil, err
	}
	s := scheduler.New(a.Logger, a.Config.Scheduler.Location(), a.Config.Scheduler.APILockWait, a.Client.CooldownActive)
	if err := jobs.Register(s, a.Runner); err != nil {
		return nil, err
	}
	s.Start(ctx)

	if a.Config.Binance.UserStreamEnabled {
		stream := binance.NewUserStream(a.Client, a.Config.Binance.Testnet, a.Logger, func(u binance.OrderUpdate) {
			a.Logger.Info("Exit execution received, requesting compensation",
				zap.String("symbol", u.Symbol),
				zap.Int64("order_id", u.OrderID),
			)
			a.Runner.RequestCompensation(u.Symbol, time.UnixMilli(u.TradeTime).Add(-time.Minute))
		})
		go stream.Run(ctx)
	}
	return s, nil
}

// NewAPIServer builds the HTTP server over the shared read cache. sched may
// be nil, schedErr then says why.
func (a *App) NewAPIServer(sched *scheduler.Scheduler, schedErr error) *api.Server {
	opts := api.Options{
		Store:        a.Store,
		Engine:       a.Engine,
		Snapshots:    a.Snapshots,
		SchedulerErr: schedErr,
		SyncJob:      jobs.SyncTrades,
		Cache:        a.Cache,
		Logger:       a.Logger,
	}
	if sched != nil {
		opts.Jobs = sched
	}
	return api.NewServer(opts)
}

// RequireCredentials fails when the exchange keys are missing.
func (a *App) RequireCredentials() error {
	if !a.Config.Binance.HasCredentials() {
		return errors.New("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}
	return nil
}

// Close flushes traces and logs and closes the database.
func (a *App) Close(ctx context.Context) {
	if err := tracing.Shutdown(ctx); err != nil {
		a.Logger.Warn("Failed to flush traces", zap.Error(err))
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.Logger.Sync()
}
