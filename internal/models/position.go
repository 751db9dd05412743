package models

import "time"

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// OpenPosition is one surviving entry lot. The aggregate position of a
// symbol and side is the sum of its lots.
type OpenPosition struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	Symbol      string  `gorm:"uniqueIndex:idx_open_lot;not null" json:"symbol"`
	Side        string  `gorm:"uniqueIndex:idx_open_lot;not null" json:"side"`
	OrderID     int64   `gorm:"uniqueIndex:idx_open_lot" json:"order_id"`
	EntryTime   int64   `gorm:"index" json:"entry_time"`
	EntryPrice  float64 `json:"entry_price"`
	Qty         float64 `json:"qty"`
	EntryAmount float64 `json:"entry_amount"`
	EntryFee    float64 `json:"entry_fee"`
	// ExtraLoss is the share of loss incomes charged while the lot was open.
	ExtraLoss   float64    `json:"extra_loss"`
	IsLongTerm  bool       `gorm:"default:false" json:"is_long_term"`
	Alerted     bool       `gorm:"default:false" json:"alerted"`
	LastAlertAt *time.Time `json:"last_alert_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Direction is +1 for long lots and -1 for short lots.
func (p OpenPosition) Direction() float64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// HeldFor is how long the lot has been open at now.
func (p OpenPosition) HeldFor(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(p.EntryTime))
}

// Position is the aggregate view of the lots of one symbol and side.
type Position struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Qty         float64 `json:"qty"`
	EntryPrice  float64 `json:"entry_price"`
	EntryAmount float64 `json:"entry_amount"`
	EntryTime   int64   `json:"entry_time"`
	OrderID     int64   `json:"order_id"`
	Lots        int     `json:"lots"`
	IsLongTerm  bool    `json:"is_long_term"`
}
