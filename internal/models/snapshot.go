package models

// LeaderboardRow is one symbol's move since the UTC day open.
type LeaderboardRow struct {
	Symbol      string  `json:"symbol"`
	ChangePct   float64 `json:"change_pct"`
	QuoteVolume float64 `json:"quote_volume"`
	LastPrice   float64 `json:"last_price"`
	IsHeld      bool    `json:"is_held,omitempty"`
}

// LeaderboardSnapshot is the morning gainers/losers table of one date.
type LeaderboardSnapshot struct {
	ID             uint             `gorm:"primaryKey" json:"-"`
	SnapshotDate   string           `gorm:"uniqueIndex;size:10" json:"snapshot_date"`
	SnapshotTime   string           `json:"snapshot_time"`
	WindowStartUTC string           `json:"window_start_utc"`
	Candidates     int              `json:"candidates"`
	Effective      int              `json:"effective"`
	Gainers        []LeaderboardRow `gorm:"serializer:json" json:"gainers"`
	Losers         []LeaderboardRow `gorm:"serializer:json" json:"losers"`
}

// ReboundRow is a symbol's rebound from its lowest daily low in the window.
type ReboundRow struct {
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"current_price"`
	Low          float64 `json:"low"`
	LowAtUTC     string  `json:"low_at_utc"`
	ReboundPct   float64 `json:"rebound_pct"`
}

// ReboundSnapshot is the rebound table for one window length and date.
type ReboundSnapshot struct {
	ID             uint         `gorm:"primaryKey" json:"-"`
	WindowDays     int          `gorm:"uniqueIndex:idx_rebound_key" json:"window_days"`
	SnapshotDate   string       `gorm:"uniqueIndex:idx_rebound_key;size:10" json:"snapshot_date"`
	SnapshotTime   string       `json:"snapshot_time"`
	WindowStartUTC string       `json:"window_start_utc"`
	Candidates     int          `json:"candidates"`
	Effective      int          `json:"effective"`
	Rows           []ReboundRow `gorm:"serializer:json" json:"rows"`
}

// NoonLossRow is an open lot under water at review time.
type NoonLossRow struct {
	Symbol       string  `json:"symbol"`
	OrderID      int64   `json:"order_id"`
	Side         string  `json:"side"`
	Qty          float64 `json:"qty"`
	EntryTime    int64   `json:"entry_time"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	CurrentPnl   float64 `json:"current_pnl"`
}

// NoonLossSnapshot is the midday floating-loss review of one date.
type NoonLossSnapshot struct {
	ID            uint          `gorm:"primaryKey" json:"-"`
	SnapshotDate  string        `gorm:"uniqueIndex;size:10" json:"snapshot_date"`
	SnapshotTime  string        `json:"snapshot_time"`
	LossCount     int           `json:"loss_count"`
	TotalStopLoss float64       `json:"total_stop_loss"`
	PctOfBalance  float64       `json:"pct_of_balance"`
	Balance       float64       `json:"balance"`
	Rows          []NoonLossRow `gorm:"serializer:json" json:"rows"`
}
