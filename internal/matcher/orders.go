package matcher

import (
	"sort"

	"binance-trade-ledger/internal/models"
)

// Order is the aggregate of a run of consecutive fills of one exchange
// order. An order whose fills interleave with another order's fills yields
// one Order per run.
type Order struct {
	Symbol       string
	OrderID      int64
	Side         string
	PositionSide string
	FirstTime    int64
	LastTime     int64
	Price        float64
	Qty          float64
	Fee          float64
	FillIDs      []int64
}

// AggregateByOrder sorts fills by time and trade id and merges runs of
// fills that belong to the same order: quantities and fees are summed and
// price is volume weighted. The result keeps the fill order, so an entry
// filled partly before and partly after an exit is applied in two steps.
func AggregateByOrder(fills []models.Fill) []Order {
	sorted := append([]models.Fill(nil), fills...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		return sorted[i].TradeID < sorted[j].TradeID
	})

	var out []Order
	for _, f := range sorted {
		if n := len(out); n == 0 || out[n-1].OrderID != f.OrderID {
			out = append(out, Order{
				Symbol:       f.Symbol,
				OrderID:      f.OrderID,
				Side:         f.Side,
				PositionSide: f.PositionSide,
				FirstTime:    f.Time,
			})
		}
		o := &out[len(out)-1]
		notional := o.Price*o.Qty + f.Price*f.Qty
		o.Qty += f.Qty
		if o.Qty > 0 {
			o.Price = notional / o.Qty
		}
		o.Fee += f.Fee
		o.LastTime = f.Time
		o.FillIDs = append(o.FillIDs, f.TradeID)
	}
	return out
}
