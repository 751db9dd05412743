// Package analytics turns the trade ledger into performance statistics.
// Every function here is pure and returns neutral values for empty input.
package analytics

import (
	"time"

	"binance-trade-ledger/internal/models"
)

// Engine carries the account settings the statistics depend on.
type Engine struct {
	InitialCapital float64
	Location       *time.Location
	Policy         HealthPolicy
	StaleAfter     time.Duration
}

// NewEngine creates an Engine. A nil location means UTC.
func NewEngine(initialCapital float64, loc *time.Location, policy HealthPolicy, staleAfter time.Duration) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{InitialCapital: initialCapital, Location: loc, Policy: policy, StaleAfter: staleAfter}
}

// Overview is everything the dashboard header shows.
type Overview struct {
	Summary
	InitialCapital float64  `json:"initial_capital"`
	Equity         float64  `json:"equity"`
	Drawdown       Drawdown `json:"drawdown"`
	Streaks        Streaks  `json:"streaks"`
	Ratios         Ratios   `json:"ratios"`
	Health         Health   `json:"health"`
	OpenPositions  int      `json:"open_positions"`
}

// Curve returns the equity curve and its drawdown.
func (e *Engine) Curve(trades []models.Trade) ([]EquityPoint, Drawdown) {
	curve := EquityCurve(trades, e.InitialCapital)
	return curve, MaxDrawdown(Values(curve, e.InitialCapital))
}

// Daily returns the per-day pnl series in the account timezone.
func (e *Engine) Daily(trades []models.Trade) []DailyPnl {
	return DailySeries(trades, e.InitialCapital, e.Location)
}

// StaleCount counts positions held longer than StaleAfter. Long-term
// positions are never stale.
func (e *Engine) StaleCount(positions []models.Position, now time.Time) int {
	n := 0
	for _, p := range positions {
		if p.IsLongTerm {
			continue
		}
		if now.Sub(time.UnixMilli(p.EntryTime)) > e.StaleAfter {
			n++
		}
	}
	return n
}

// Health scores the account from the trades and current positions.
func (e *Engine) Health(trades []models.Trade, positions []models.Position, now time.Time) Health {
	_, dd := e.Curve(trades)
	return e.Policy.Score(HealthInput{
		CurrentDrawdownPct: dd.CurrentPct,
		LossStreak:         ComputeStreaks(trades).CurrentLosses(),
		StalePositions:     e.StaleCount(positions, now),
	})
}

// Overview computes the summary, drawdown, streaks, ratios and health.
func (e *Engine) Overview(trades []models.Trade, positions []models.Position, now time.Time) Overview {
	curve, dd := e.Curve(trades)
	streaks := ComputeStreaks(trades)

	o := Overview{
		Summary:        Summarize(trades),
		InitialCapital: e.InitialCapital,
		Equity:         e.InitialCapital,
		Drawdown:       dd,
		Streaks:        streaks,
		Ratios:         ComputeRatios(e.Daily(trades), dd.MaxPct),
		OpenPositions:  len(positions),
	}
	if len(curve) > 0 {
		o.Equity = curve[len(curve)-1].Equity
	}
	o.Health = e.Policy.Score(HealthInput{
		CurrentDrawdownPct: dd.CurrentPct,
		LossStreak:         streaks.CurrentLosses(),
		StalePositions:     e.StaleCount(positions, now),
	})
	return o
}

// Aggregates groups trades for the charts.
func (e *Engine) Aggregates(trades []models.Trade, window string, now time.Time) Aggregates {
	return Aggregate(trades, window, now, e.Location)
}
