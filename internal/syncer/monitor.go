package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"binance-trade-ledger/internal/matcher"
	"binance-trade-ledger/internal/models"

	"go.uber.org/zap"
)

type sideKey struct {
	symbol string
	side   string
}

func exchangeQty(positions []models.ExchangePosition) map[sideKey]float64 {
	out := make(map[sideKey]float64, len(positions))
	for _, p := range positions {
		out[sideKey{p.Symbol, p.Side}] += p.Qty
	}
	return out
}

// CheckOpenPositions diffs the stored lots against the exchange and queues a
// compensation for every symbol whose stored exposure is larger than the
// exchange's. It returns the queued symbols.
func (s *Service) CheckOpenPositions(ctx context.Context, queue *CompensationQueue) ([]string, error) {
	positions, err := s.gateway.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open positions: %w", err)
	}
	lots, err := s.store.AllOpenLots(ctx)
	if err != nil {
		return nil, err
	}

	live := exchangeQty(positions)
	queued := map[string]bool{}
	for _, p := range matcher.Positions(lots) {
		have := live[sideKey{p.Symbol, p.Side}]
		if p.Qty <= have+s.policy.Epsilon {
			continue
		}
		s.logger.Info("Stored position larger than exchange position, compensating",
			zap.String("symbol", p.Symbol),
			zap.String("side", p.Side),
			zap.Float64("stored_qty", p.Qty),
			zap.Float64("exchange_qty", have),
		)
		queue.Request(p.Symbol, time.UnixMilli(p.EntryTime))
		queued[p.Symbol] = true
	}

	out := make([]string, 0, len(queued))
	for symbol := range queued {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out, nil
}

// Compensate drains queue and syncs the drained symbols from their
// requested start. Symbols that synced are then aligned with the exchange;
// failed ones are queued again.
func (s *Service) Compensate(ctx context.Context, queue *CompensationQueue) (Report, error) {
	pending := queue.Drain()
	if len(pending) == 0 {
		return Report{Mode: ModeCompensation}, nil
	}

	symbols := make([]string, 0, len(pending))
	for symbol := range pending {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	report, err := s.Run(ctx, Request{Mode: ModeCompensation, Symbols: symbols, Since: pending})
	for symbol := range report.Errors {
		queue.Request(symbol, pending[symbol])
	}
	if err != nil {
		return report, err
	}
	if len(report.succeeded) == 0 {
		return report, nil
	}

	positions, err := s.gateway.GetOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to fetch open positions for alignment: %w", err)
	}
	if err := s.AlignLots(ctx, report.succeeded, positions); err != nil {
		return report, err
	}
	return report, nil
}

// AlignLots trims the stored lots of symbols down to the exchange exposure,
// oldest lots first. What is trimmed closed without any fill history we
// could see, so it is logged as a gap.
func (s *Service) AlignLots(ctx context.Context, symbols []string, positions []models.ExchangePosition) error {
	live := exchangeQty(positions)
	for _, symbol := range symbols {
		err := s.store.UpdateSymbolLots(ctx, symbol, func(lots []models.OpenPosition) ([]models.OpenPosition, bool) {
			bySide := map[string][]models.OpenPosition{}
			for _, lot := range lots {
				bySide[lot.Side] = append(bySide[lot.Side], lot)
			}

			changed := false
			var kept []models.OpenPosition
			for _, side := range []string{models.SideLong, models.SideShort} {
				survivors, dropped := matcher.TrimLots(bySide[side], live[sideKey{symbol, side}], s.policy.Epsilon)
				if dropped > s.policy.Epsilon {
					changed = true
					s.logger.Warn("Position vanished without enough fill history, dropping lots",
						zap.String("symbol", symbol),
						zap.String("side", side),
						zap.Float64("dropped_qty", dropped),
						zap.String("gap", matcher.GapVanished),
					)
				}
				kept = append(kept, survivors...)
			}
			return kept, changed
		})
		if err != nil {
			return err
		}
	}
	return nil
}
