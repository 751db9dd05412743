package analytics

import (
	"math"
	"sort"
	"time"

	"binance-trade-ledger/internal/models"
)

const (
	maxDurationPoints = 1200
	symbolRankSize    = 5
)

// DurationBucket sums the trades whose holding time falls in one range.
type DurationBucket struct {
	Label      string  `json:"label"`
	TradeCount int     `json:"trade_count"`
	WinPnl     float64 `json:"win_pnl"`
	LossPnl    float64 `json:"loss_pnl"`
}

// DurationPoint is one trade on the holding time / pnl scatter.
type DurationPoint struct {
	Minutes float64 `json:"x"`
	Pnl     float64 `json:"y"`
	Symbol  string  `json:"symbol"`
}

// SymbolRank is the pnl contribution of one symbol.
type SymbolRank struct {
	Symbol     string  `json:"symbol"`
	Pnl        float64 `json:"pnl"`
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	// Share is the symbol's part of the summed absolute pnl, in percent.
	Share float64 `json:"share"`
}

// Aggregates are the grouped views behind the scatter and heatmap charts.
type Aggregates struct {
	Window          string           `json:"window"`
	DurationBuckets []DurationBucket `json:"duration_buckets"`
	DurationPoints  []DurationPoint  `json:"duration_points"`
	HourlyPnl       [24]float64      `json:"hourly_pnl"`
	Winners         []SymbolRank     `json:"winners"`
	Losers          []SymbolRank     `json:"losers"`
}

var durationBounds = []struct {
	label string
	upTo  time.Duration
}{
	{"0-5m", 5 * time.Minute},
	{"5-15m", 15 * time.Minute},
	{"15-30m", 30 * time.Minute},
	{"30-60m", time.Hour},
	{"1-2h", 2 * time.Hour},
	{"2h+", time.Duration(math.MaxInt64)},
}

// WindowStart maps "7d" and "30d" to their start; anything else means all
// history and returns the zero time.
func WindowStart(window string, now time.Time) (string, time.Time) {
	switch window {
	case "7d":
		return window, now.AddDate(0, 0, -7)
	case "30d":
		return window, now.AddDate(0, 0, -30)
	}
	return "all", time.Time{}
}

// Aggregate groups trades entered inside window. Hours are taken from the
// entry time in loc.
func Aggregate(trades []models.Trade, window string, now time.Time, loc *time.Location) Aggregates {
	window, since := WindowStart(window, now)
	agg := Aggregates{Window: window}

	buckets := make([]DurationBucket, len(durationBounds))
	for i, b := range durationBounds {
		buckets[i].Label = b.label
	}

	type rank struct {
		pnl  float64
		n    int
		wins int
	}
	symbols := map[string]*rank{}

	var selected []models.Trade
	for _, t := range trades {
		if !since.IsZero() && t.EntryTime < since.UnixMilli() {
			continue
		}
		selected = append(selected, t)

		held := t.HoldingDuration()
		if held < 0 {
			held = 0
		}
		for i, b := range durationBounds {
			if held < b.upTo {
				buckets[i].TradeCount++
				if t.PnlNet >= 0 {
					buckets[i].WinPnl += t.PnlNet
				} else {
					buckets[i].LossPnl += t.PnlNet
				}
				break
			}
		}

		agg.HourlyPnl[time.UnixMilli(t.EntryTime).In(loc).Hour()] += t.PnlNet

		r, ok := symbols[t.Symbol]
		if !ok {
			r = &rank{}
			symbols[t.Symbol] = r
		}
		r.pnl += t.PnlNet
		r.n++
		if t.PnlNet > 0 {
			r.wins++
		}
	}
	agg.DurationBuckets = buckets

	sort.Slice(selected, func(i, j int) bool { return selected[i].EntryTime > selected[j].EntryTime })
	if len(selected) > maxDurationPoints {
		selected = selected[:maxDurationPoints]
	}
	agg.DurationPoints = make([]DurationPoint, 0, len(selected))
	for _, t := range selected {
		agg.DurationPoints = append(agg.DurationPoints, DurationPoint{
			Minutes: math.Max(0, t.HoldingDuration().Minutes()),
			Pnl:     t.PnlNet,
			Symbol:  t.Symbol,
		})
	}

	var totalAbs float64
	ranks := make([]SymbolRank, 0, len(symbols))
	for symbol, r := range symbols {
		totalAbs += math.Abs(r.pnl)
		ranks = append(ranks, SymbolRank{
			Symbol:     symbol,
			Pnl:        r.pnl,
			TradeCount: r.n,
			WinRate:    float64(r.wins) / float64(r.n) * 100,
		})
	}
	if totalAbs == 0 {
		totalAbs = 1
	}
	for i := range ranks {
		ranks[i].Share = math.Abs(ranks[i].Pnl) / totalAbs * 100
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Pnl != ranks[j].Pnl {
			return ranks[i].Pnl > ranks[j].Pnl
		}
		return ranks[i].Symbol < ranks[j].Symbol
	})

	agg.Winners = []SymbolRank{}
	agg.Losers = []SymbolRank{}
	for _, r := range ranks {
		if r.Pnl > 0 && len(agg.Winners) < symbolRankSize {
			agg.Winners = append(agg.Winners, r)
		}
	}
	for i := len(ranks) - 1; i >= 0; i-- {
		if ranks[i].Pnl < 0 && len(agg.Losers) < symbolRankSize {
			agg.Losers = append(agg.Losers, ranks[i])
		}
	}
	return agg
}
