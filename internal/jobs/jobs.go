// Package jobs holds the bodies of the background jobs and registers them on
// the scheduler.
package jobs

import (
	"context"
	"fmt"
	"time"

	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/logger"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/notifier"
	"binance-trade-ledger/internal/snapshots"
	"binance-trade-ledger/internal/syncer"

	"go.uber.org/zap"
)

// Job names.
const (
	SyncTrades     = "sync_trades"
	SyncFallback   = "sync_trades_fallback"
	OpenPositions  = "open_positions_check"
	Compensation   = "trades_compensation"
	SyncBalance    = "sync_balance"
	RiskCheck      = "risk_check"
	SleepRiskCheck = "sleep_risk_check"
	Leaderboard    = "leaderboard_snapshot"
	NoonLoss       = "noon_loss_review"
)

// ReboundJob is the name of the rebound job of a window length.
func ReboundJob(days int) string {
	return fmt.Sprintf("rebound_snapshot_%dd", days)
}

// Gateway is the part of the exchange client the jobs call directly.
type Gateway interface {
	GetBalance(ctx context.Context) (models.Balance, error)
	GetMarkPrices(ctx context.Context) (map[string]float64, error)
}

// Syncer runs sync passes.
type Syncer interface {
	Run(ctx context.Context, req syncer.Request) (syncer.Report, error)
	CheckOpenPositions(ctx context.Context, queue *syncer.CompensationQueue) ([]string, error)
	Compensate(ctx context.Context, queue *syncer.CompensationQueue) (syncer.Report, error)
}

// Snapshotter builds the market snapshots.
type Snapshotter interface {
	BuildLeaderboard(ctx context.Context) (*models.LeaderboardSnapshot, error)
	BuildRebound(ctx context.Context, windowDays int) (*models.ReboundSnapshot, error)
	BuildNoonLoss(ctx context.Context) (*models.NoonLossSnapshot, error)
}

// Deps are the collaborators of the job bodies.
type Deps struct {
	Config    config.Config
	Store     *database.Store
	Sync      Syncer
	Queue     *syncer.CompensationQueue
	Snapshots Snapshotter
	Gateway   Gateway
	Notifier  notifier.Notifier
	Logger    *zap.Logger
}

// Runner implements every job body.
type Runner struct {
	cfg       config.Config
	store     *database.Store
	sync      Syncer
	queue     *syncer.CompensationQueue
	snapshots Snapshotter
	gateway   Gateway
	notifier  notifier.Notifier
	logger    *zap.Logger
	loc       *time.Location
	now       func() time.Time
	kick      func(name string) error
}

// NewRunner creates a Runner.
func NewRunner(d Deps) *Runner {
	n := d.Notifier
	if n == nil {
		n = notifier.Nop{}
	}
	return &Runner{
		cfg:       d.Config,
		store:     d.Store,
		sync:      d.Sync,
		queue:     d.Queue,
		snapshots: d.Snapshots,
		gateway:   d.Gateway,
		notifier:  n,
		logger:    d.Logger.Named("jobs"),
		loc:       d.Config.Scheduler.Location(),
		now:       time.Now,
	}
}

// RequestCompensation queues symbol from since and wakes the compensation
// job. It is the hook for the user data stream.
func (r *Runner) RequestCompensation(symbol string, since time.Time) {
	r.queue.Request(symbol, since)
	r.wake(Compensation)
}

func (r *Runner) wake(name string) {
	if r.kick == nil {
		return
	}
	if err := r.kick(name); err != nil {
		r.logger.Warn("Could not wake job", zap.String("job", name), zap.Error(err))
	}
}

func (r *Runner) runSync(ctx context.Context, job string, mode syncer.Mode) error {
	report, err := r.sync.Run(ctx, syncer.Request{Mode: mode})
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		logger.ForJob(r.logger, job, report.RunID).Warn("Some symbols failed to sync",
			zap.Int("failed", report.Failed),
			zap.Any("errors", report.Errors),
		)
	}
	return nil
}

// SyncTrades is the routine incremental sync.
func (r *Runner) SyncTrades(ctx context.Context) error {
	return r.runSync(ctx, SyncTrades, syncer.ModeRoutine)
}

// SyncFallback refetches the full lookback window of every symbol.
func (r *Runner) SyncFallback(ctx context.Context) error {
	return r.runSync(ctx, SyncFallback, syncer.ModeFallback)
}

// CheckOpenPositions queues compensation for symbols whose stored exposure
// exceeds the exchange's and wakes the compensation job when any was queued.
func (r *Runner) CheckOpenPositions(ctx context.Context) error {
	queued, err := r.sync.CheckOpenPositions(ctx, r.queue)
	if err != nil {
		return err
	}
	if len(queued) > 0 {
		logger.ForJob(r.logger, OpenPositions, "").Info("Queued compensation", zap.Strings("symbols", queued))
		r.wake(Compensation)
	}
	return nil
}

// Compensate drains the compensation queue.
func (r *Runner) Compensate(ctx context.Context) error {
	if r.queue.Len() == 0 {
		return nil
	}
	report, err := r.sync.Compensate(ctx, r.queue)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		logger.ForJob(r.logger, Compensation, report.RunID).Warn("Compensation incomplete, symbols requeued",
			zap.Int("failed", report.Failed),
		)
	}
	return nil
}

// SyncBalance appends the current margin and wallet balance to the history.
func (r *Runner) SyncBalance(ctx context.Context) error {
	b, err := r.gateway.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}
	if err := r.store.AppendBalance(ctx, b, r.now()); err != nil {
		return err
	}
	logger.ForJob(r.logger, SyncBalance, "").Info("Balance updated",
		zap.Float64("balance", b.Balance),
		zap.Float64("wallet_balance", b.WalletBalance),
	)
	return nil
}

// BuildLeaderboard stores the morning leaderboard and pushes its digest.
func (r *Runner) BuildLeaderboard(ctx context.Context) error {
	snap, err := r.snapshots.BuildLeaderboard(ctx)
	if err != nil {
		return err
	}
	if snap.Effective == 0 {
		logger.ForJob(r.logger, Leaderboard, "").Warn("Leaderboard has no priced symbols, not notifying",
			zap.Int("candidates", snap.Candidates),
		)
		return nil
	}
	title, content := snapshots.LeaderboardDigest(snap)
	notifier.Send(ctx, r.notifier, r.logger, title, content)
	return nil
}

// BuildRebound returns the body of the rebound job of a window length.
func (r *Runner) BuildRebound(days int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.snapshots.BuildRebound(ctx, days)
		return err
	}
}

// ReviewNoonLoss stores the midday floating-loss review and pushes it when
// any lot is under water.
func (r *Runner) ReviewNoonLoss(ctx context.Context) error {
	snap, err := r.snapshots.BuildNoonLoss(ctx)
	if err != nil {
		return err
	}
	if snap.LossCount == 0 {
		return nil
	}
	title, content := snapshots.NoonLossDigest(snap)
	notifier.Send(ctx, r.notifier, r.logger, title, content)
	return nil
}
