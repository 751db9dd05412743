package models

import "time"

// GlobalSyncKey is the SyncStatus row that summarizes the whole account.
const GlobalSyncKey = "*"

// Sync status values.
const (
	SyncIdle    = "idle"
	SyncRunning = "running"
	SyncError   = "error"
)

// Sync states of a symbol.
const (
	SyncStateCold         = "COLD"
	SyncStateWarm         = "WARM"
	SyncStateCompensating = "COMPENSATING"
)

// SyncStatus is the per-symbol watermark record.
type SyncStatus struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	Symbol        string    `gorm:"uniqueIndex;not null" json:"symbol"`
	State         string    `json:"state"`
	LastSyncTime  int64     `json:"last_sync_time"`
	LastEntryTime int64     `json:"last_entry_time"`
	TotalTrades   int64     `json:"total_trades"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SyncRun is one row of the sync run log.
type SyncRun struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	RunID          string     `gorm:"uniqueIndex;size:26" json:"run_id"`
	Mode           string     `json:"mode"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Symbols        int        `json:"symbols"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
	TradesUpserted int        `json:"trades_upserted"`
	Error          string     `json:"error,omitempty"`
}

// IngestedFill marks an exchange fill as already applied to the ledger.
type IngestedFill struct {
	Symbol  string `gorm:"primaryKey"`
	TradeID int64  `gorm:"primaryKey;autoIncrement:false"`
}

// IngestedIncome marks an income record as already allocated to a trade.
type IngestedIncome struct {
	TranID     int64  `gorm:"primaryKey;autoIncrement:false"`
	IncomeType string `gorm:"primaryKey"`
}
