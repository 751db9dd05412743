package models

// BalanceHistory is one sampled account balance point.
type BalanceHistory struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	Timestamp     int64   `gorm:"index;not null" json:"timestamp"`
	Balance       float64 `json:"balance"`
	WalletBalance float64 `json:"wallet_balance"`
}
