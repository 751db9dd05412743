package models

// Order sides and position sides as reported by the exchange.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	PositionSideBoth = "BOTH"
)

// Income types that always count as trading costs.
const (
	IncomeCommission  = "COMMISSION"
	IncomeFundingFee  = "FUNDING_FEE"
	IncomeRealizedPnl = "REALIZED_PNL"
	IncomeTransfer    = "TRANSFER"
)

// Fill is one execution report. It is read-only input to the matcher.
type Fill struct {
	Symbol        string  `json:"symbol"`
	TradeID       int64   `json:"trade_id"`
	OrderID       int64   `json:"order_id"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"position_side"`
	Time          int64   `json:"time"`
	Price         float64 `json:"price"`
	Qty           float64 `json:"qty"`
	Fee           float64 `json:"fee"`
	RealizedPnl   float64 `json:"realized_pnl"`
	IsLiquidation bool    `json:"is_liquidation"`
}

// Income is one account income record (funding, commission, transfers...).
// Amount is signed from the account's point of view.
type Income struct {
	Symbol     string  `json:"symbol"`
	IncomeType string  `json:"income_type"`
	Amount     float64 `json:"amount"`
	Asset      string  `json:"asset"`
	Time       int64   `json:"time"`
	TranID     int64   `json:"tran_id"`
}

// ExchangePosition is a non-zero position reported by the exchange.
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	UpdateTime    int64   `json:"update_time"`
}

// Balance is the account balance at one instant.
type Balance struct {
	Balance       float64 `json:"balance"`
	WalletBalance float64 `json:"wallet_balance"`
}

// Kline is one OHLC candle.
type Kline struct {
	OpenTime    int64   `json:"open_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	CloseTime   int64   `json:"close_time"`
}

// Ticker24h is the rolling 24h statistic of one symbol.
type Ticker24h struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"last_price"`
	QuoteVolume float64 `json:"quote_volume"`
}
