package matcher

import (
	"sort"

	"binance-trade-ledger/internal/models"
)

// Positions folds lots into one aggregate per (symbol, side), ordered by
// symbol then side.
func Positions(lots []models.OpenPosition) []models.Position {
	type key struct{ symbol, side string }
	agg := make(map[key]*models.Position)
	var keys []key

	sorted := append([]models.OpenPosition(nil), lots...)
	sortFIFO(sorted)
	for _, lot := range sorted {
		k := key{lot.Symbol, lot.Side}
		p, ok := agg[k]
		if !ok {
			p = &models.Position{Symbol: lot.Symbol, Side: lot.Side, EntryTime: lot.EntryTime, OrderID: lot.OrderID}
			agg[k] = p
			keys = append(keys, k)
		}
		p.Qty += lot.Qty
		p.EntryAmount += lot.EntryPrice * lot.Qty
		p.Lots++
		p.IsLongTerm = p.IsLongTerm || lot.IsLongTerm
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return keys[i].side < keys[j].side
	})
	out := make([]models.Position, 0, len(keys))
	for _, k := range keys {
		p := agg[k]
		if p.Qty > 0 {
			p.EntryPrice = p.EntryAmount / p.Qty
		}
		out = append(out, *p)
	}
	return out
}

// TrimLots reduces lots of one symbol and side to target quantity, oldest
// first, and returns the surviving lots and the quantity removed.
func TrimLots(lots []models.OpenPosition, target, eps float64) ([]models.OpenPosition, float64) {
	kept := append([]models.OpenPosition(nil), lots...)
	sortFIFO(kept)

	var total float64
	for _, lot := range kept {
		total += lot.Qty
	}
	excess := total - target
	if excess <= eps {
		return kept, 0
	}

	dropped := 0.0
	for len(kept) > 0 && excess > eps {
		lot := &kept[0]
		if lot.Qty <= excess+eps {
			excess -= lot.Qty
			dropped += lot.Qty
			kept = kept[1:]
			continue
		}
		share := excess / lot.Qty
		lot.EntryFee -= lot.EntryFee * share
		lot.ExtraLoss -= lot.ExtraLoss * share
		lot.Qty -= excess
		lot.EntryAmount = lot.EntryPrice * lot.Qty
		dropped += excess
		excess = 0
	}
	return kept, dropped
}

// MergeTrades folds a later chunk of the same (entry order, exit order) into
// an existing trade. It is used when an exit order's fills arrive across two
// sync passes.
func MergeTrades(existing, chunk models.Trade) models.Trade {
	merged := existing
	qty := existing.Qty + chunk.Qty
	if qty > 0 {
		merged.EntryPrice = (existing.EntryPrice*existing.Qty + chunk.EntryPrice*chunk.Qty) / qty
		merged.ExitPrice = (existing.ExitPrice*existing.Qty + chunk.ExitPrice*chunk.Qty) / qty
	}
	merged.Qty = qty
	merged.EntryAmount = existing.EntryAmount + chunk.EntryAmount
	merged.Fees = existing.Fees + chunk.Fees
	merged.ExtraLoss = existing.ExtraLoss + chunk.ExtraLoss
	merged.PnlBeforeFees = existing.PnlBeforeFees + chunk.PnlBeforeFees
	if chunk.EntryTime < merged.EntryTime {
		merged.EntryTime = chunk.EntryTime
	}
	if chunk.ExitTime > merged.ExitTime {
		merged.ExitTime = chunk.ExitTime
	}
	merged.IsLiquidation = existing.IsLiquidation || chunk.IsLiquidation
	finalize(&merged)
	return merged
}
