package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/ids"
	"binance-trade-ledger/internal/matcher"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Gateway is the part of the exchange client the sync needs.
type Gateway interface {
	GetFills(ctx context.Context, symbol string, start, end time.Time) ([]models.Fill, error)
	GetIncome(ctx context.Context, incomeType string, start, end time.Time) ([]models.Income, error)
	GetForceOrderIDs(ctx context.Context, symbol string, start, end time.Time) (map[int64]bool, error)
	GetOpenPositions(ctx context.Context) ([]models.ExchangePosition, error)
}

// Options tune windows and fan-out.
type Options struct {
	DaysToFetch int
	Overlap     time.Duration
	Workers     int
}

func (o Options) lookback() time.Duration {
	days := o.DaysToFetch
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// OptionsFromConfig maps the sync config section.
func OptionsFromConfig(cfg config.Sync) Options {
	return Options{DaysToFetch: cfg.DaysToFetch, Overlap: cfg.Overlap, Workers: cfg.SymbolWorkers}
}

// Request describes one run.
type Request struct {
	Mode Mode
	// Symbols restricts the run; when empty symbols are discovered.
	Symbols []string
	// Since overrides the planned start per symbol.
	Since map[string]time.Time
	// Start overrides the planned start of every symbol (backfill).
	Start time.Time
}

// Report summarizes a run.
type Report struct {
	RunID          string            `json:"run_id"`
	Mode           Mode              `json:"mode"`
	Symbols        int               `json:"symbols"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	TradesUpserted int               `json:"trades_upserted"`
	Errors         map[string]string `json:"errors,omitempty"`
	succeeded      []string
}

// Service runs sync passes: discover symbols, plan windows, fetch, match and
// commit each symbol independently.
type Service struct {
	gateway Gateway
	store   *database.Store
	policy  matcher.Policy
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	hooksMu  sync.Mutex
	onCommit []func()
}

// NewService wires the sync pipeline.
func NewService(gateway Gateway, store *database.Store, policy matcher.Policy, opts Options, logger *zap.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Service{
		gateway: gateway,
		store:   store,
		policy:  policy,
		opts:    opts,
		logger:  logger.Named("sync"),
		now:     time.Now,
	}
}

// OnCommit registers fn to run after a run committed at least one symbol.
// It is safe to call while runs are in flight.
func (s *Service) OnCommit(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onCommit = append(s.onCommit, fn)
}

func (s *Service) committed() {
	s.hooksMu.Lock()
	hooks := append([]func(){}, s.onCommit...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Run executes one sync run. Per-symbol failures are recorded on the symbol
// and in the report; the returned error is reserved for failures that stop
// the whole run.
func (s *Service) Run(ctx context.Context, req Request) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.run")
	defer span.End()

	now := s.now()
	report := Report{RunID: ids.NewRunIDAt(now), Mode: req.Mode, Errors: map[string]string{}}
	span.SetAttributes(attribute.String("sync.mode", string(req.Mode)), attribute.String("sync.run_id", report.RunID))
	log := s.logger.With(zap.String("run_id", report.RunID), zap.String("mode", string(req.Mode)))

	run := &models.SyncRun{RunID: report.RunID, Mode: string(req.Mode), StartedAt: now}
	if err := s.store.StartRun(ctx, run); err != nil {
		log.Warn("Could not record sync run", zap.Error(err))
	}

	err := s.run(ctx, req, now, &report, log)

	finished := s.now()
	run.FinishedAt = &finished
	run.Symbols, run.Succeeded, run.Failed, run.TradesUpserted = report.Symbols, report.Succeeded, report.Failed, report.TradesUpserted
	if err != nil {
		run.Error = err.Error()
	} else if report.Failed > 0 {
		run.Error = summarize(report.Errors)
	}
	if ferr := s.store.FinishRun(ctx, run); ferr != nil {
		log.Warn("Could not finish sync run", zap.Error(ferr))
	}
	if _, gerr := s.store.SaveGlobalStatus(ctx, finished, run.Error); gerr != nil {
		log.Warn("Could not update global sync status", zap.Error(gerr))
	}

	if report.Succeeded > 0 {
		s.committed()
	}
	log.Info("Sync run finished",
		zap.Int("symbols", report.Symbols),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("trades", report.TradesUpserted),
		zap.Duration("took", finished.Sub(now)),
	)
	if err != nil {
		span.RecordError(err)
	}
	return report, err
}

func (s *Service) run(ctx context.Context, req Request, now time.Time, report *Report, log *zap.Logger) error {
	symbols := req.Symbols
	if len(symbols) == 0 {
		discovered, err := s.discover(ctx, req, now)
		if err != nil {
			return fmt.Errorf("symbol discovery: %w", err)
		}
		symbols = discovered
	}
	report.Symbols = len(symbols)
	if len(symbols) == 0 {
		return nil
	}

	windows := make(map[string]Window, len(symbols))
	for _, symbol := range symbols {
		var status *models.SyncStatus
		if st, err := s.store.GetSyncStatus(ctx, symbol); err == nil {
			status = &st
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}
		since := req.Start
		if t, ok := req.Since[symbol]; ok {
			since = t
		}
		windows[symbol] = Plan(symbol, status, req.Mode, now, s.opts, since)
	}

	incomes, err := s.fetchIncomes(ctx, windows)
	if err != nil {
		// without incomes the trades would miss funding, so nothing is committed
		for _, symbol := range symbols {
			_ = s.store.MarkSyncError(ctx, symbol, err, now)
		}
		report.Failed = len(symbols)
		return fmt.Errorf("income fetch: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, symbol := range symbols {
		w := windows[symbol]
		g.Go(func() error {
			n, err := s.syncSymbol(ctx, w, incomes[w.Symbol], log)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors[w.Symbol] = err.Error()
				return nil
			}
			report.Succeeded++
			report.TradesUpserted += n
			report.succeeded = append(report.succeeded, w.Symbol)
			return nil
		})
	}
	return g.Wait()
}

// discover lists symbols with trading activity in the lookback plus
// symbols that still hold open lots.
func (s *Service) discover(ctx context.Context, req Request, now time.Time) ([]string, error) {
	start := now.Add(-s.opts.lookback())
	if req.Mode != ModeFallback && req.Start.IsZero() {
		if global, err := s.store.GetSyncStatus(ctx, models.GlobalSyncKey); err == nil && global.LastEntryTime > 0 {
			if resume := time.UnixMilli(global.LastEntryTime).Add(-s.opts.Overlap); resume.After(start) {
				start = resume
			}
		}
	}
	if !req.Start.IsZero() {
		start = req.Start
	}

	set := map[string]bool{}
	for _, t := range []string{models.IncomeCommission, models.IncomeRealizedPnl} {
		records, err := s.gateway.GetIncome(ctx, t, start, now)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Symbol != "" {
				set[r.Symbol] = true
			}
		}
	}

	lots, err := s.store.AllOpenLots(ctx)
	if err != nil {
		return nil, err
	}
	for _, lot := range lots {
		set[lot.Symbol] = true
	}

	symbols := make([]string, 0, len(set))
	for symbol := range set {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// fetchIncomes loads the allocatable incomes once per run, from the
// earliest window start or open lot, grouped by symbol.
func (s *Service) fetchIncomes(ctx context.Context, windows map[string]Window) (map[string][]models.Income, error) {
	var start, end time.Time
	for _, w := range windows {
		if start.IsZero() || w.Start.Before(start) {
			start = w.Start
		}
		if w.End.After(end) {
			end = w.End
		}
	}
	lots, err := s.store.AllOpenLots(ctx)
	if err != nil {
		return nil, err
	}
	for _, lot := range lots {
		if _, ok := windows[lot.Symbol]; !ok {
			continue
		}
		if t := time.UnixMilli(lot.EntryTime); t.Before(start) {
			start = t
		}
	}
	if floor := end.Add(-s.opts.lookback()); start.Before(floor) {
		start = floor
	}

	var all []models.Income
	for _, t := range s.policy.IncomeTypes() {
		records, err := s.gateway.GetIncome(ctx, t, start, end)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	fresh, err := s.store.FilterNewIncomes(ctx, all)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]models.Income)
	for _, inc := range fresh {
		out[inc.Symbol] = append(out[inc.Symbol], inc)
	}
	return out, nil
}

func (s *Service) syncSymbol(ctx context.Context, w Window, incomes []models.Income, log *zap.Logger) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.symbol")
	defer span.End()
	span.SetAttributes(attribute.String("symbol", w.Symbol), attribute.String("sync.state", w.State))
	log = log.With(zap.String("symbol", w.Symbol))

	fail := func(err error) (int, error) {
		span.RecordError(err)
		log.Error("Symbol sync failed", zap.Error(err))
		if merr := s.store.MarkSyncError(ctx, w.Symbol, err, s.now()); merr != nil {
			log.Error("Could not record sync error", zap.Error(merr))
		}
		return 0, err
	}

	state := ""
	if w.State == models.SyncStateCompensating {
		state = w.State
	}
	if err := s.store.MarkSyncState(ctx, w.Symbol, state, models.SyncRunning); err != nil {
		return fail(err)
	}

	fills, err := s.gateway.GetFills(ctx, w.Symbol, w.Start, w.End)
	if err != nil {
		return fail(err)
	}
	fresh, err := s.store.FilterNewFills(ctx, w.Symbol, fills)
	if err != nil {
		return fail(err)
	}

	var liquidations map[int64]bool
	if len(fresh) > 0 {
		if liquidations, err = s.gateway.GetForceOrderIDs(ctx, w.Symbol, w.Start, w.End); err != nil {
			return fail(err)
		}
	}

	// the fills are filtered again and the lots loaded inside the commit, so
	// a pass running alongside this one cannot apply the same fills twice
	var res matcher.Result
	status, err := s.store.ApplySymbolPass(ctx, database.SymbolPass{
		Symbol:  w.Symbol,
		Fills:   fills,
		Incomes: incomes,
		Reconcile: func(fresh []models.Fill, lots []models.OpenPosition, incomes []models.Income) database.SymbolCommit {
			res = matcher.Reconcile(matcher.Input{
				Symbol:            w.Symbol,
				Fills:             fresh,
				Open:              lots,
				Incomes:           incomes,
				LiquidationOrders: liquidations,
			}, s.policy)
			return database.SymbolCommit{
				Trades:      res.Trades,
				Lots:        res.Open,
				FillIDs:     res.FillIDs,
				Incomes:     res.AllocatedIncomes,
				MaxFillTime: res.MaxFillTime,
				Merge:       matcher.MergeTrades,
			}
		},
		SyncedAt: s.now(),
	})
	if err != nil {
		return fail(err)
	}
	for _, gap := range res.Gaps {
		log.Warn("Exit exceeds tracked open quantity",
			zap.String("side", gap.Side),
			zap.Int64("order_id", gap.OrderID),
			zap.Float64("excess_qty", gap.Qty),
			zap.Bool("flipped", gap.Flipped),
		)
	}

	log.Debug("Symbol synced",
		zap.Time("from", w.Start),
		zap.Int("fills", len(fills)),
		zap.Int("new_fills", len(res.FillIDs)),
		zap.Int("trades", len(res.Trades)),
		zap.Int("open_lots", len(res.Open)),
		zap.Int64("watermark", status.LastEntryTime),
	)
	return len(res.Trades), nil
}

func summarize(errs map[string]string) string {
	symbols := make([]string, 0, len(errs))
	for symbol := range errs {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	parts := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		parts = append(parts, symbol+": "+errs[symbol])
	}
	return strings.Join(parts, "; ")
}
