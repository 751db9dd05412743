package analytics

import "binance-trade-ledger/internal/models"

// EquityPoint is the account equity right after one trade closed.
type EquityPoint struct {
	Time   int64   `json:"time"`
	Pnl    float64 `json:"pnl"`
	Equity float64 `json:"equity"`
}

// Drawdown describes peak-to-trough declines of a value series.
type Drawdown struct {
	MaxAbs     float64 `json:"max_abs"`
	MaxPct     float64 `json:"max_pct"`
	CurrentAbs float64 `json:"current_abs"`
	CurrentPct float64 `json:"current_pct"`
}

// EquityCurve accumulates pnl_net by exit time on top of initial. Transfers
// never enter the curve since only trades do.
func EquityCurve(trades []models.Trade, initial float64) []EquityPoint {
	ordered := byExit(trades)
	curve := make([]EquityPoint, 0, len(ordered))
	equity := initial
	for _, t := range ordered {
		equity += t.PnlNet
		curve = append(curve, EquityPoint{Time: t.ExitTime, Pnl: t.PnlNet, Equity: equity})
	}
	return curve
}

// Values extracts the equity values of a curve, seeded with initial.
func Values(curve []EquityPoint, initial float64) []float64 {
	out := make([]float64, 0, len(curve)+1)
	out = append(out, initial)
	for _, p := range curve {
		out = append(out, p.Equity)
	}
	return out
}

// MaxDrawdown tracks the running peak of values. Percentages are relative to
// that peak and stay zero while it is not positive.
func MaxDrawdown(values []float64) Drawdown {
	var d Drawdown
	if len(values) == 0 {
		return d
	}
	peak := values[0]
	for _, v := range values {
		if v > peak {
			peak = v
		}
		dd := peak - v
		if dd > d.MaxAbs {
			d.MaxAbs = dd
		}
		if peak > 0 && dd/peak > d.MaxPct {
			d.MaxPct = dd / peak
		}
	}
	d.CurrentAbs = peak - values[len(values)-1]
	if peak > 0 {
		d.CurrentPct = d.CurrentAbs / peak
	}
	return d
}

// BalanceDrawdown is the drawdown of the sampled wallet balance.
func BalanceDrawdown(history []models.BalanceHistory) Drawdown {
	values := make([]float64, 0, len(history))
	for _, h := range history {
		values = append(values, h.Balance)
	}
	return MaxDrawdown(values)
}

// Streaks holds consecutive win/loss runs.
type Streaks struct {
	// Current is positive for a win run and negative for a loss run.
	Current   int `json:"current"`
	BestWin   int `json:"best_win"`
	WorstLoss int `json:"worst_loss"`
}

// CurrentLosses is the length of the loss run ending at the latest trade.
func (s Streaks) CurrentLosses() int {
	if s.Current < 0 {
		return -s.Current
	}
	return 0
}

// ComputeStreaks walks trades in exit order. A flat trade ends any run.
func ComputeStreaks(trades []models.Trade) Streaks {
	var s Streaks
	run := 0
	for _, t := range byExit(trades) {
		switch {
		case t.PnlNet > 0:
			if run > 0 {
				run++
			} else {
				run = 1
			}
		case t.PnlNet < 0:
			if run < 0 {
				run--
			} else {
				run = -1
			}
		default:
			run = 0
		}
		if run > s.BestWin {
			s.BestWin = run
		}
		if -run > s.WorstLoss {
			s.WorstLoss = -run
		}
	}
	s.Current = run
	return s
}
