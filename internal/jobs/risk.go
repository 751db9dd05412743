package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"binance-trade-ledger/internal/logger"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/notifier"

	"go.uber.org/zap"
)

type staleLot struct {
	lot   models.OpenPosition
	held  time.Duration
	price float64
	pnl   float64
	// priced is false when no mark price was available.
	priced bool
}

// dueForAlert reports whether a stale lot was never alerted or was last
// alerted more than realert ago.
func dueForAlert(lot models.OpenPosition, now time.Time, realert time.Duration) bool {
	if !lot.Alerted || lot.LastAlertAt == nil {
		return true
	}
	return now.Sub(*lot.LastAlertAt) > realert
}

// CheckStalePositions notifies about non long-term lots held longer than
// the stale threshold, then repeats the alert every realert period.
func (r *Runner) CheckStalePositions(ctx context.Context) error {
	log := logger.ForJob(r.logger, RiskCheck, "")
	staleAfter := time.Duration(r.cfg.Risk.StaleHours) * time.Hour
	realert := time.Duration(r.cfg.Risk.RealertHours) * time.Hour
	now := r.now()

	lots, err := r.store.AllOpenLots(ctx)
	if err != nil {
		return err
	}
	var stale []staleLot
	for _, lot := range lots {
		if lot.IsLongTerm {
			continue
		}
		held := lot.HeldFor(now)
		if held <= staleAfter || !dueForAlert(lot, now, realert) {
			continue
		}
		stale = append(stale, staleLot{lot: lot, held: held})
	}
	if len(stale) == 0 {
		log.Debug("No stale positions")
		return nil
	}

	marks, err := r.gateway.GetMarkPrices(ctx)
	if err != nil {
		log.Warn("Mark prices unavailable, alerting without pnl", zap.Error(err))
	}
	ids := make([]uint, 0, len(stale))
	for i := range stale {
		s := &stale[i]
		if price, ok := marks[s.lot.Symbol]; ok && price > 0 {
			s.price = price
			s.pnl = (price - s.lot.EntryPrice) * s.lot.Qty * s.lot.Direction()
			s.priced = true
		}
		ids = append(ids, s.lot.ID)
	}

	title, content := staleDigest(stale, r.cfg.Risk.StaleHours, r.cfg.Risk.RealertHours)
	notifier.Send(ctx, r.notifier, r.logger, title, content)
	if err := r.store.MarkAlerted(ctx, ids, now); err != nil {
		return err
	}
	log.Info("Stale position alert sent", zap.Int("lots", len(stale)))
	return nil
}

func staleDigest(stale []staleLot, staleHours, realertHours int) (string, string) {
	title := fmt.Sprintf("Stale positions: %d lots", len(stale))

	var b strings.Builder
	fmt.Fprintf(&b, "**%d** lots have been open for more than %d hours (repeats every %dh).\n\n", len(stale), staleHours, realertHours)
	for _, s := range stale {
		pnl, price := "N/A", "--"
		if s.priced {
			pnl = fmt.Sprintf("%+.2f U", s.pnl)
			price = fmt.Sprintf("%.6g", s.price)
		}
		fmt.Fprintf(&b, "**%s** (%s)\n- pnl: %s\n- held: %d hours\n- entry: %.6g\n- mark: %s\n\n",
			s.lot.Symbol, s.lot.Side, pnl, int(s.held.Hours()), s.lot.EntryPrice, price)
	}
	return title, b.String()
}

// CheckSleepRisk warns before the night when too many distinct symbols are
// held.
func (r *Runner) CheckSleepRisk(ctx context.Context) error {
	log := logger.ForJob(r.logger, SleepRiskCheck, "")
	lots, err := r.store.AllOpenLots(ctx)
	if err != nil {
		return err
	}
	set := map[string]bool{}
	for _, lot := range lots {
		set[lot.Symbol] = true
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	limit := r.cfg.Risk.SleepMaxSymbols
	if len(symbols) <= limit {
		log.Info("Sleep risk check passed", zap.Int("symbols", len(symbols)))
		return nil
	}
	title := fmt.Sprintf("Sleep risk: %d symbols held", len(symbols))
	content := fmt.Sprintf("Holding **%d** symbols, more than the suggested %d.\n\n%s\n\nReview stops before sleeping.",
		len(symbols), limit, strings.Join(symbols, ", "))
	notifier.Send(ctx, r.notifier, r.logger, title, content)
	log.Info("Sleep risk alert sent", zap.Int("symbols", len(symbols)))
	return nil
}
