// Package snapshots builds the date-keyed market tables: the morning
// gainers/losers leaderboard, the N-day rebound tables and the midday
// floating-loss review.
package snapshots

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-trade-ledger/internal/binance"
	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/matcher"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/scheduler"
	"binance-trade-ledger/internal/tracing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	dateLayout     = time.DateOnly
	dateTimeLayout = time.DateTime
)

// MarketGateway is the part of the exchange client the snapshots need.
type MarketGateway interface {
	GetPerpetualSymbols(ctx context.Context) ([]string, error)
	Get24hTickers(ctx context.Context) ([]models.Ticker24h, error)
	GetTickerPrices(ctx context.Context) (map[string]float64, error)
	GetMarkPrices(ctx context.Context) (map[string]float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int, startTime int64) ([]models.Kline, error)
	CooldownActive() bool
}

// Service builds, stores and serves snapshots.
type Service struct {
	gateway     MarketGateway
	store       *database.Store
	cfg         config.Snapshots
	minInterval time.Duration
	loc         *time.Location
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a snapshot service. minInterval is the gateway's
// minimum spacing between requests and sizes the kline fan-out.
func NewService(gateway MarketGateway, store *database.Store, cfg config.Snapshots, minInterval time.Duration, loc *time.Location, logger *zap.Logger) *Service {
	return &Service{
		gateway:     gateway,
		store:       store,
		cfg:         cfg,
		minInterval: minInterval,
		loc:         loc,
		logger:      logger.Named("snapshots"),
		now:         time.Now,
	}
}

// fanOut calls fn for every symbol on a bounded worker pool, charging each
// call against a per-minute weight budget. Symbols whose call fails are
// logged and left out; the fan-out stops early during an exchange cooldown.
func fanOut[T any](ctx context.Context, s *Service, label string, symbols []string, maxWorkers, budgetPerMinute, weight int, fn func(ctx context.Context, symbol string) (T, bool, error)) ([]T, error) {
	workers, peak := scheduler.PlanWorkers(len(symbols), maxWorkers, budgetPerMinute, s.minInterval)
	s.logger.Info("Planned kline fan-out",
		zap.String("snapshot", label),
		zap.Int("candidates", len(symbols)),
		zap.Int("workers", workers),
		zap.Int("budget_per_minute", budgetPerMinute),
		zap.Int("estimated_peak_weight", peak),
	)
	if workers == 0 {
		return nil, nil
	}

	budget := binance.NewWeightBudget(budgetPerMinute)
	var (
		mu  sync.Mutex
		out []T
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if s.gateway.CooldownActive() {
				return nil
			}
			if err := budget.Wait(gctx, weight); err != nil {
				return err
			}
			v, ok, err := fn(gctx, symbol)
			if err != nil {
				s.logger.Warn("Skipping symbol", zap.String("snapshot", label), zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			if ok {
				mu.Lock()
				out = append(out, v)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BuildLeaderboard ranks liquid USDT perpetuals by their move since the UTC
// day open and stores today's snapshot.
func (s *Service) BuildLeaderboard(ctx context.Context) (*models.LeaderboardSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "snapshots.leaderboard")
	defer span.End()

	cfg := s.cfg.Leaderboard
	now := s.now()
	midnight := now.UTC().Truncate(24 * time.Hour)

	perpetuals, err := s.perpetualSet(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := s.gateway.Get24hTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get 24h tickers: %w", err)
	}

	var candidates []models.Ticker24h
	for _, t := range tickers {
		if !perpetuals[t.Symbol] || t.LastPrice <= 0 || t.QuoteVolume < cfg.MinQuoteVolume {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].QuoteVolume > candidates[j].QuoteVolume })
	if cfg.MaxSymbols > 0 && len(candidates) > cfg.MaxSymbols {
		candidates = candidates[:cfg.MaxSymbols]
	}

	byTicker := make(map[string]models.Ticker24h, len(candidates))
	symbols := make([]string, 0, len(candidates))
	for _, c := range candidates {
		byTicker[c.Symbol] = c
		symbols = append(symbols, c.Symbol)
	}

	rows, err := fanOut(ctx, s, "leaderboard", symbols, cfg.KlineWorkers, cfg.WeightBudgetPerMinute, binance.KlineWeight(1),
		func(ctx context.Context, symbol string) (models.LeaderboardRow, bool, error) {
			klines, err := s.gateway.GetKlines(ctx, symbol, "1h", 1, midnight.UnixMilli())
			if err != nil {
				return models.LeaderboardRow{}, false, err
			}
			if len(klines) == 0 || klines[0].Open <= 0 {
				return models.LeaderboardRow{}, false, nil
			}
			t := byTicker[symbol]
			return models.LeaderboardRow{
				Symbol:      symbol,
				ChangePct:   (t.LastPrice/klines[0].Open - 1) * 100,
				QuoteVolume: t.QuoteVolume,
				LastPrice:   t.LastPrice,
			}, true, nil
		})
	if err != nil {
		return nil, err
	}

	snap := &models.LeaderboardSnapshot{
		SnapshotDate:   now.In(s.loc).Format(dateLayout),
		SnapshotTime:   now.In(s.loc).Format(dateTimeLayout),
		WindowStartUTC: midnight.Format(dateTimeLayout),
		Candidates:     len(candidates),
		Effective:      len(rows),
	}
	snap.Gainers, snap.Losers = rankMoves(rows, cfg.TopN)

	if err := s.store.SaveLeaderboard(ctx, snap); err != nil {
		return nil, err
	}
	s.logger.Info("Leaderboard snapshot saved",
		zap.String("date", snap.SnapshotDate),
		zap.Int("candidates", snap.Candidates),
		zap.Int("effective", snap.Effective),
	)
	return snap, nil
}

// rankMoves returns the topN biggest gainers and the topN biggest losers.
func rankMoves(rows []models.LeaderboardRow, topN int) ([]models.LeaderboardRow, []models.LeaderboardRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ChangePct != rows[j].ChangePct {
			return rows[i].ChangePct > rows[j].ChangePct
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	gainers := make([]models.LeaderboardRow, 0, topN)
	losers := make([]models.LeaderboardRow, 0, topN)
	for i := 0; i < len(rows) && i < topN; i++ {
		gainers = append(gainers, rows[i])
	}
	for i := len(rows) - 1; i >= 0 && len(losers) < topN; i-- {
		losers = append(losers, rows[i])
	}
	return gainers, losers
}

// BuildRebound ranks USDT perpetuals by how far the current price sits above
// the lowest daily low of the last windowDays days, and stores the snapshot.
func (s *Service) BuildRebound(ctx context.Context, windowDays int) (*models.ReboundSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "snapshots.rebound")
	defer span.End()

	if windowDays <= 0 {
		return nil, fmt.Errorf("invalid rebound window %d", windowDays)
	}
	cfg := s.cfg.Rebound
	now := s.now()

	perpetuals, err := s.perpetualSet(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := s.gateway.GetTickerPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker prices: %w", err)
	}

	var symbols []string
	for symbol, price := range prices {
		if perpetuals[symbol] && price > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	limit := max(14, windowDays)
	windowStart := now.UTC().AddDate(0, 0, -windowDays)
	rows, err := fanOut(ctx, s, fmt.Sprintf("rebound_%dd", windowDays), symbols, cfg.KlineWorkers, cfg.WeightBudgetPerMinute, binance.KlineWeight(limit),
		func(ctx context.Context, symbol string) (models.ReboundRow, bool, error) {
			klines, err := s.gateway.GetKlines(ctx, symbol, "1d", limit, 0)
			if err != nil {
				return models.ReboundRow{}, false, err
			}
			var low *models.Kline
			for i := range klines {
				k := &klines[i]
				if k.Low <= 0 {
					continue
				}
				if low == nil || k.Low < low.Low {
					low = k
				}
			}
			if low == nil {
				return models.ReboundRow{}, false, nil
			}
			price := prices[symbol]
			return models.ReboundRow{
				Symbol:       symbol,
				CurrentPrice: price,
				Low:          low.Low,
				LowAtUTC:     time.UnixMilli(low.OpenTime).UTC().Format(dateTimeLayout),
				ReboundPct:   (price/low.Low - 1) * 100,
			}, true, nil
		})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ReboundPct != rows[j].ReboundPct {
			return rows[i].ReboundPct > rows[j].ReboundPct
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	effective := len(rows)
	if cfg.TopN > 0 && len(rows) > cfg.TopN {
		rows = rows[:cfg.TopN]
	}

	snap := &models.ReboundSnapshot{
		WindowDays:     windowDays,
		SnapshotDate:   now.In(s.loc).Format(dateLayout),
		SnapshotTime:   now.In(s.loc).Format(dateTimeLayout),
		WindowStartUTC: windowStart.Format(dateTimeLayout),
		Candidates:     len(symbols),
		Effective:      effective,
		Rows:           rows,
	}
	if err := s.store.SaveRebound(ctx, snap); err != nil {
		return nil, err
	}
	s.logger.Info("Rebound snapshot saved",
		zap.Int("window_days", windowDays),
		zap.String("date", snap.SnapshotDate),
		zap.Int("effective", effective),
	)
	return snap, nil
}

// BuildNoonLoss lists the non long-term lots that are under water at mark
// price and stores today's review.
func (s *Service) BuildNoonLoss(ctx context.Context) (*models.NoonLossSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "snapshots.noon_loss")
	defer span.End()

	now := s.now()
	lots, err := s.store.AllOpenLots(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []models.OpenPosition
	for _, lot := range lots {
		if !lot.IsLongTerm {
			candidates = append(candidates, lot)
		}
	}

	var marks map[string]float64
	if len(candidates) > 0 {
		marks, err = s.gateway.GetMarkPrices(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get mark prices: %w", err)
		}
	}

	rows := make([]models.NoonLossRow, 0)
	var total float64
	for _, lot := range candidates {
		price, ok := marks[lot.Symbol]
		if !ok || price <= 0 {
			continue
		}
		pnl := (price - lot.EntryPrice) * lot.Qty * lot.Direction()
		if pnl >= 0 {
			continue
		}
		total += -pnl
		rows = append(rows, models.NoonLossRow{
			Symbol:       lot.Symbol,
			OrderID:      lot.OrderID,
			Side:         lot.Side,
			Qty:          lot.Qty,
			EntryTime:    lot.EntryTime,
			EntryPrice:   lot.EntryPrice,
			CurrentPrice: price,
			CurrentPnl:   pnl,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CurrentPnl < rows[j].CurrentPnl })

	snap := &models.NoonLossSnapshot{
		SnapshotDate:  now.In(s.loc).Format(dateLayout),
		SnapshotTime:  now.In(s.loc).Format(dateTimeLayout),
		LossCount:     len(rows),
		TotalStopLoss: total,
		Rows:          rows,
	}
	if latest, err := s.store.LatestBalance(ctx); err == nil {
		snap.Balance = latest.Balance
		if latest.Balance > 0 {
			snap.PctOfBalance = total / latest.Balance * 100
		}
	}

	if err := s.store.SaveNoonLoss(ctx, snap); err != nil {
		return nil, err
	}
	s.logger.Info("Noon loss snapshot saved",
		zap.String("date", snap.SnapshotDate),
		zap.Int("loss_count", snap.LossCount),
		zap.Float64("total_stop_loss", total),
	)
	return snap, nil
}

func (s *Service) perpetualSet(ctx context.Context) (map[string]bool, error) {
	symbols, err := s.gateway.GetPerpetualSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get perpetual symbols: %w", err)
	}
	set := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		set[symbol] = true
	}
	return set, nil
}

// heldSymbols is the set of symbols with at least one open lot.
func (s *Service) heldSymbols(ctx context.Context) (map[string]bool, error) {
	lots, err := s.store.AllOpenLots(ctx)
	if err != nil {
		return nil, err
	}
	held := map[string]bool{}
	for _, p := range matcher.Positions(lots) {
		held[p.Symbol] = true
	}
	return held, nil
}
