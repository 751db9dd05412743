package analytics

import (
	"math"
	"sort"
	"time"

	"binance-trade-ledger/internal/models"
)

const tradingDaysPerYear = 365

// DailyPnl is the realized pnl of one account-timezone day.
type DailyPnl struct {
	Date   string  `json:"date"`
	Pnl    float64 `json:"pnl"`
	Trades int     `json:"trades"`
	// Return is Pnl relative to the equity at the start of the day.
	Return float64 `json:"return"`
}

// Ratios are the risk-adjusted return ratios over daily returns.
type Ratios struct {
	Sharpe  float64 `json:"sharpe"`
	Sortino float64 `json:"sortino"`
	Calmar  float64 `json:"calmar"`
	Days    int     `json:"days"`
}

// DailySeries groups trades by the exit date in loc. Only days with at least
// one closed trade appear.
func DailySeries(trades []models.Trade, initial float64, loc *time.Location) []DailyPnl {
	byDate := map[string]*DailyPnl{}
	for _, t := range trades {
		date := time.UnixMilli(t.ExitTime).In(loc).Format(time.DateOnly)
		d, ok := byDate[date]
		if !ok {
			d = &DailyPnl{Date: date}
			byDate[date] = d
		}
		d.Pnl += t.PnlNet
		d.Trades++
	}

	out := make([]DailyPnl, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })

	equity := initial
	for i := range out {
		if equity > 0 {
			out[i].Return = out[i].Pnl / equity
		}
		equity += out[i].Pnl
	}
	return out
}

// ComputeRatios annualizes daily returns over a 365 day year. Calmar divides
// the annualized return by the max drawdown percentage of the equity curve.
func ComputeRatios(daily []DailyPnl, maxDrawdownPct float64) Ratios {
	r := Ratios{Days: len(daily)}
	if len(daily) == 0 {
		return r
	}
	returns := make([]float64, 0, len(daily))
	for _, d := range daily {
		returns = append(returns, d.Return)
	}

	mean, sd := meanStd(returns)
	annual := math.Sqrt(tradingDaysPerYear)
	if sd > 0 {
		r.Sharpe = mean / sd * annual
	}

	var downside float64
	for _, x := range returns {
		if x < 0 {
			downside += x * x
		}
	}
	if downside > 0 {
		r.Sortino = mean / math.Sqrt(downside/float64(len(returns))) * annual
	}

	if maxDrawdownPct > 0 {
		r.Calmar = mean * tradingDaysPerYear / maxDrawdownPct
	}
	return r
}
