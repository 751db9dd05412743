package models

import "time"

// Close types of a realized trade.
const (
	CloseTakeProfit  = "take_profit"
	CloseStopLoss    = "stop_loss"
	CloseLiquidation = "liquidation"
)

// Trade is a closed round trip: one entry lot matched against one exit order.
// (Symbol, EntryOrderID, ExitOrderID) is the natural key; re-ingesting the
// same pair overwrites the row instead of adding one.
type Trade struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Symbol        string    `gorm:"uniqueIndex:idx_trade_key;index;not null" json:"symbol"`
	Side          string    `gorm:"not null" json:"side"`
	EntryTime     int64     `gorm:"index" json:"entry_time"`
	ExitTime      int64     `gorm:"index" json:"exit_time"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	Qty           float64   `json:"qty"`
	EntryAmount   float64   `json:"entry_amount"`
	Fees          float64   `json:"fees"`
	ExtraLoss     float64   `json:"extra_loss"`
	PnlBeforeFees float64   `json:"pnl_before_fees"`
	PnlNet        float64   `json:"pnl_net"`
	EntryOrderID  int64     `gorm:"uniqueIndex:idx_trade_key" json:"entry_order_id"`
	ExitOrderID   int64     `gorm:"uniqueIndex:idx_trade_key" json:"exit_order_id"`
	IsLiquidation bool      `json:"is_liquidation"`
	CloseType     string    `json:"close_type"`
	CreatedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HoldingDuration is the time between entry and exit.
func (t Trade) HoldingDuration() time.Duration {
	return time.Duration(t.ExitTime-t.EntryTime) * time.Millisecond
}

// ReturnRate is pnl_net relative to the entry notional.
func (t Trade) ReturnRate() float64 {
	if t.EntryAmount == 0 {
		return 0
	}
	return t.PnlNet / t.EntryAmount
}
