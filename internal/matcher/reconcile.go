package matcher

import (
	"math"
	"sort"

	"binance-trade-ledger/internal/models"
)

// Gap kinds reported by Reconcile and TrimLots.
const (
	GapExcessExit = "excess_exit"
	GapVanished   = "vanished_lot"
)

// Gap is a data quality problem found while matching. Gaps never abort a
// pass; callers log them.
type Gap struct {
	Symbol  string
	Kind    string
	Side    string
	OrderID int64
	Qty     float64
	Price   float64
	Flipped bool
}

// Input is everything one symbol pass knows about.
type Input struct {
	Symbol string
	// Fills not yet applied to Open, in any order.
	Fills []models.Fill
	// Open lots carried over from previous passes.
	Open []models.OpenPosition
	// Incomes to charge to the trades closed in this pass.
	Incomes []models.Income
	// LiquidationOrders are the ids of forced exit orders.
	LiquidationOrders map[int64]bool
}

// Result of one symbol pass.
type Result struct {
	Trades           []models.Trade
	Open             []models.OpenPosition
	Gaps             []Gap
	AllocatedIncomes []models.Income
	FillIDs          []int64
	// MaxFillTime is the latest fill time seen, 0 without fills.
	MaxFillTime int64
}

// book holds the open lots of one symbol per side in FIFO order.
type book struct {
	symbol string
	eps    float64
	lots   map[string][]models.OpenPosition
}

func newBook(symbol string, eps float64, open []models.OpenPosition) *book {
	b := &book{symbol: symbol, eps: eps, lots: map[string][]models.OpenPosition{}}
	for _, lot := range open {
		if lot.Qty > eps {
			b.lots[lot.Side] = append(b.lots[lot.Side], lot)
		}
	}
	for side := range b.lots {
		sortFIFO(b.lots[side])
	}
	return b
}

func sortFIFO(lots []models.OpenPosition) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].EntryTime != lots[j].EntryTime {
			return lots[i].EntryTime < lots[j].EntryTime
		}
		return lots[i].OrderID < lots[j].OrderID
	})
}

func (b *book) qty(side string) float64 {
	var total float64
	for _, lot := range b.lots[side] {
		total += lot.Qty
	}
	return total
}

// classify returns the lot side an order acts on and whether it opens
// exposure on that side.
func (b *book) classify(o Order) (side string, entry bool) {
	switch o.PositionSide {
	case models.SideLong:
		return models.SideLong, o.Side == models.OrderSideBuy
	case models.SideShort:
		return models.SideShort, o.Side == models.OrderSideSell
	}
	// one-way mode: an order reduces the opposite exposure if there is any
	if o.Side == models.OrderSideBuy {
		if b.qty(models.SideShort) > b.eps {
			return models.SideShort, false
		}
		return models.SideLong, true
	}
	if b.qty(models.SideLong) > b.eps {
		return models.SideLong, false
	}
	return models.SideShort, true
}

// open adds qty at price to side. A second chunk of the same order is
// merged into its lot.
func (b *book) open(side string, orderID, at int64, price, qty, fee float64) {
	lots := b.lots[side]
	for i := range lots {
		if lots[i].OrderID != orderID {
			continue
		}
		l := &lots[i]
		l.EntryAmount += price * qty
		l.Qty += qty
		l.EntryPrice = l.EntryAmount / l.Qty
		l.EntryFee += fee
		if at < l.EntryTime {
			l.EntryTime = at
		}
		return
	}
	b.lots[side] = append(lots, models.OpenPosition{
		Symbol:      b.symbol,
		Side:        side,
		OrderID:     orderID,
		EntryTime:   at,
		EntryPrice:  price,
		Qty:         qty,
		EntryAmount: price * qty,
		EntryFee:    fee,
	})
	sortFIFO(b.lots[side])
}

func opposite(side string) string {
	if side == models.SideLong {
		return models.SideShort
	}
	return models.SideLong
}

func direction(side string) float64 {
	if side == models.SideShort {
		return -1
	}
	return 1
}

// close matches exit order o against side FIFO and returns the trades plus
// the unmatched remainder.
func (b *book) close(side string, o Order, liquidation bool) ([]models.Trade, float64) {
	remaining := o.Qty
	lots := b.lots[side]
	var trades []models.Trade

	for len(lots) > 0 && remaining > b.eps {
		lot := &lots[0]
		matched := math.Min(lot.Qty, remaining)

		entryFee := lot.EntryFee * matched / lot.Qty
		carried := lot.ExtraLoss * matched / lot.Qty
		exitFee := 0.0
		if o.Qty > 0 {
			exitFee = o.Fee * matched / o.Qty
		}

		trades = append(trades, models.Trade{
			Symbol:        b.symbol,
			Side:          side,
			EntryTime:     lot.EntryTime,
			ExitTime:      o.LastTime,
			EntryPrice:    lot.EntryPrice,
			ExitPrice:     o.Price,
			Qty:           matched,
			EntryAmount:   lot.EntryPrice * matched,
			Fees:          entryFee + exitFee,
			ExtraLoss:     carried,
			PnlBeforeFees: (o.Price - lot.EntryPrice) * matched * direction(side),
			EntryOrderID:  lot.OrderID,
			ExitOrderID:   o.OrderID,
			IsLiquidation: liquidation,
		})

		lot.Qty -= matched
		lot.EntryFee -= entryFee
		lot.ExtraLoss -= carried
		lot.EntryAmount = lot.EntryPrice * lot.Qty
		remaining -= matched
		if lot.Qty <= b.eps {
			lots = lots[1:]
		}
	}
	b.lots[side] = lots
	return trades, remaining
}

func (b *book) snapshot() []models.OpenPosition {
	var out []models.OpenPosition
	for _, side := range []string{models.SideLong, models.SideShort} {
		out = append(out, b.lots[side]...)
	}
	return out
}

// Reconcile applies the fills of one symbol to its open lots. Every matched
// chunk of (entry lot, exit order) becomes one Trade, so re-running over the
// same fills yields the same trade keys.
func Reconcile(in Input, policy Policy) Result {
	if policy.Epsilon <= 0 {
		policy.Epsilon = defaultEpsilon
	}
	b := newBook(in.Symbol, policy.Epsilon, in.Open)
	var res Result

	for _, o := range AggregateByOrder(in.Fills) {
		res.FillIDs = append(res.FillIDs, o.FillIDs...)
		res.MaxFillTime = max(res.MaxFillTime, o.LastTime)
		if o.Qty <= policy.Epsilon {
			continue
		}

		side, entry := b.classify(o)
		if entry {
			b.open(side, o.OrderID, o.FirstTime, o.Price, o.Qty, o.Fee)
			continue
		}

		trades, excess := b.close(side, o, in.LiquidationOrders[o.OrderID])
		res.Trades = append(res.Trades, trades...)
		if excess <= policy.Epsilon {
			continue
		}

		gap := Gap{Symbol: in.Symbol, Kind: GapExcessExit, Side: side, OrderID: o.OrderID, Qty: excess, Price: o.Price}
		if policy.Excess == ExcessFlip {
			fee := o.Fee * excess / o.Qty
			b.open(opposite(side), o.OrderID, o.LastTime, o.Price, excess, fee)
			gap.Flipped = true
		}
		res.Gaps = append(res.Gaps, gap)
	}

	res.Trades = foldTrades(res.Trades)
	res.Open = b.snapshot()
	res.AllocatedIncomes = allocateIncomes(res.Trades, res.Open, in.Incomes, policy)
	for i := range res.Trades {
		finalize(&res.Trades[i])
	}
	return res
}

// foldTrades merges chunks that share an (entry order, exit order) key into
// the first of them. That happens when the fills of an exit order are split
// around another order's fills.
func foldTrades(chunks []models.Trade) []models.Trade {
	type key struct{ entry, exit int64 }
	index := make(map[key]int, len(chunks))
	out := chunks[:0:0]
	for _, c := range chunks {
		k := key{c.EntryOrderID, c.ExitOrderID}
		if i, ok := index[k]; ok {
			out[i] = MergeTrades(out[i], c)
			continue
		}
		index[k] = len(out)
		out = append(out, c)
	}
	return out
}

// allocateIncomes charges each income to the quantity that was open at its
// time, weighted by quantity: trades closed in this pass whose holding
// window contains the income, and lots still open that were entered before
// it. A lot's share is carried on the lot and reaches the trade that later
// closes it. Incomes that hit nothing are left for a later pass and not
// returned.
func allocateIncomes(trades []models.Trade, open []models.OpenPosition, incomes []models.Income, policy Policy) []models.Income {
	var allocated []models.Income
	for _, inc := range incomes {
		ok, isFee := policy.allocatable(inc.IncomeType)
		if !ok {
			continue
		}

		var weight float64
		var hits, held []int
		for i, t := range trades {
			if (inc.Symbol == "" || inc.Symbol == t.Symbol) && inc.Time >= t.EntryTime && inc.Time <= t.ExitTime {
				hits = append(hits, i)
				weight += t.Qty
			}
		}
		for i, lot := range open {
			if (inc.Symbol == "" || inc.Symbol == lot.Symbol) && inc.Time >= lot.EntryTime {
				held = append(held, i)
				weight += lot.Qty
			}
		}
		if weight <= policy.Epsilon {
			continue
		}

		cost := -inc.Amount
		for _, i := range hits {
			share := cost * trades[i].Qty / weight
			if isFee {
				trades[i].Fees += share
			} else {
				trades[i].ExtraLoss += share
			}
		}
		for _, i := range held {
			share := cost * open[i].Qty / weight
			if isFee {
				open[i].EntryFee += share
			} else {
				open[i].ExtraLoss += share
			}
		}
		allocated = append(allocated, inc)
	}
	return allocated
}

func finalize(t *models.Trade) {
	t.PnlNet = t.PnlBeforeFees - t.Fees - t.ExtraLoss
	switch {
	case t.IsLiquidation:
		t.CloseType = models.CloseLiquidation
	case t.PnlNet > 0:
		t.CloseType = models.CloseTakeProfit
	default:
		t.CloseType = models.CloseStopLoss
	}
}
