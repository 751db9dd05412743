package analytics

import (
	"math"
	"sort"

	"binance-trade-ledger/internal/models"
)

// ProfitFactorCap stands in for an infinite profit factor, which JSON
// cannot carry.
const ProfitFactorCap = 999.0

// Summary holds the ratio statistics of a trade set.
type Summary struct {
	TotalTrades          int     `json:"total_trades"`
	WinCount             int     `json:"win_count"`
	LossCount            int     `json:"loss_count"`
	WinRate              float64 `json:"win_rate"`
	TotalPnl             float64 `json:"total_pnl"`
	TotalFees            float64 `json:"total_fees"`
	GrossProfit          float64 `json:"gross_profit"`
	GrossLoss            float64 `json:"gross_loss"`
	AvgWin               float64 `json:"avg_win"`
	AvgLoss              float64 `json:"avg_loss"`
	ProfitFactor         float64 `json:"profit_factor"`
	ProfitFactorInfinite bool    `json:"profit_factor_infinite"`
	RiskReward           float64 `json:"risk_reward"`
	ExpectedValue        float64 `json:"expected_value"`
	Kelly                float64 `json:"kelly"`
	SQN                  float64 `json:"sqn"`
	BestTrade            float64 `json:"best_trade"`
	WorstTrade           float64 `json:"worst_trade"`
	AvgHoldingMinutes    float64 `json:"avg_holding_minutes"`
}

// Summarize computes the summary of trades. An empty set yields zeros.
func Summarize(trades []models.Trade) Summary {
	var s Summary
	s.TotalTrades = len(trades)
	if s.TotalTrades == 0 {
		return s
	}

	pnls := make([]float64, 0, len(trades))
	var holding float64
	s.BestTrade = math.Inf(-1)
	s.WorstTrade = math.Inf(1)
	for _, t := range trades {
		pnls = append(pnls, t.PnlNet)
		s.TotalPnl += t.PnlNet
		s.TotalFees += t.Fees
		holding += t.HoldingDuration().Minutes()
		s.BestTrade = math.Max(s.BestTrade, t.PnlNet)
		s.WorstTrade = math.Min(s.WorstTrade, t.PnlNet)
		switch {
		case t.PnlNet > 0:
			s.WinCount++
			s.GrossProfit += t.PnlNet
		case t.PnlNet < 0:
			s.LossCount++
			s.GrossLoss += -t.PnlNet
		}
	}

	n := float64(s.TotalTrades)
	s.WinRate = float64(s.WinCount) / n
	s.AvgHoldingMinutes = holding / n
	if s.WinCount > 0 {
		s.AvgWin = s.GrossProfit / float64(s.WinCount)
	}
	if s.LossCount > 0 {
		s.AvgLoss = s.GrossLoss / float64(s.LossCount)
	}

	s.ProfitFactor, s.ProfitFactorInfinite = profitFactor(s.GrossProfit, s.GrossLoss)
	if s.AvgLoss > 0 {
		s.RiskReward = s.AvgWin / s.AvgLoss
	}
	s.ExpectedValue = s.WinRate*s.AvgWin - (1-s.WinRate)*s.AvgLoss
	s.Kelly = Kelly(s.WinRate, s.AvgWin, s.AvgLoss)
	s.SQN = SQN(pnls)
	return s
}

func profitFactor(grossProfit, grossLoss float64) (float64, bool) {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return ProfitFactorCap, true
		}
		return 0, false
	}
	return grossProfit / grossLoss, false
}

// Kelly returns the Kelly fraction clamped to [0, 1]. It is zero when either
// average is not positive.
func Kelly(winRate, avgWin, avgLoss float64) float64 {
	if avgWin <= 0 || avgLoss <= 0 || math.IsNaN(winRate) {
		return 0
	}
	k := winRate - (1-winRate)/(avgWin/avgLoss)
	return clamp(k, 0, 1)
}

// SQN is sqrt(N) * mean / stddev of pnls, zero below two samples or without
// variance.
func SQN(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	mean, sd := meanStd(pnls)
	if sd == 0 {
		return 0
	}
	return math.Sqrt(float64(len(pnls))) * mean / sd
}

// meanStd returns the mean and sample standard deviation of xs.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// byExit returns a copy of trades ordered by exit time.
func byExit(trades []models.Trade) []models.Trade {
	out := make([]models.Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExitTime != out[j].ExitTime {
			return out[i].ExitTime < out[j].ExitTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}
