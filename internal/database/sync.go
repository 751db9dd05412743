package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-trade-ledger/internal/models"

	"gorm.io/gorm"
)

// FilterNewFills drops fills that an earlier pass already applied.
func (s *Store) FilterNewFills(ctx context.Context, symbol string, fills []models.Fill) ([]models.Fill, error) {
	return filterNewFills(s.conn(ctx), symbol, fills)
}

func filterNewFills(tx *gorm.DB, symbol string, fills []models.Fill) ([]models.Fill, error) {
	if len(fills) == 0 {
		return nil, nil
	}
	seen := make(map[int64]bool, len(fills))
	for start := 0; start < len(fills); start += batchSize {
		end := min(start+batchSize, len(fills))
		ids := make([]int64, 0, end-start)
		for _, f := range fills[start:end] {
			ids = append(ids, f.TradeID)
		}
		var found []int64
		err := tx.Model(&models.IngestedFill{}).
			Where("symbol = ? AND trade_id IN ?", symbol, ids).
			Pluck("trade_id", &found).Error
		if err != nil {
			return nil, fmt.Errorf("failed to check ingested fills: %w", err)
		}
		for _, id := range found {
			seen[id] = true
		}
	}

	out := make([]models.Fill, 0, len(fills))
	for _, f := range fills {
		if !seen[f.TradeID] {
			out = append(out, f)
		}
	}
	return out, nil
}

// FilterNewIncomes drops incomes that were already allocated to a trade.
func (s *Store) FilterNewIncomes(ctx context.Context, incomes []models.Income) ([]models.Income, error) {
	return filterNewIncomes(s.conn(ctx), incomes)
}

func filterNewIncomes(tx *gorm.DB, incomes []models.Income) ([]models.Income, error) {
	if len(incomes) == 0 {
		return nil, nil
	}
	var done []models.IngestedIncome
	ids := make([]int64, 0, len(incomes))
	for _, inc := range incomes {
		ids = append(ids, inc.TranID)
	}
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		var page []models.IngestedIncome
		if err := tx.Where("tran_id IN ?", ids[start:end]).Find(&page).Error; err != nil {
			return nil, fmt.Errorf("failed to check ingested incomes: %w", err)
		}
		done = append(done, page...)
	}

	seen := make(map[models.IngestedIncome]bool, len(done))
	for _, d := range done {
		seen[d] = true
	}
	out := make([]models.Income, 0, len(incomes))
	for _, inc := range incomes {
		if !seen[models.IngestedIncome{TranID: inc.TranID, IncomeType: inc.IncomeType}] {
			out = append(out, inc)
		}
	}
	return out, nil
}

// SymbolCommit is the outcome of one symbol pass.
type SymbolCommit struct {
	Symbol      string
	Trades      []models.Trade
	Lots        []models.OpenPosition
	FillIDs     []int64
	Incomes     []models.Income
	MaxFillTime int64
	SyncedAt    time.Time
	// Merge folds a new chunk into a stored trade with the same key. When
	// nil the new row overwrites the stored one.
	Merge func(existing, chunk models.Trade) models.Trade
}

// SymbolPass is one symbol pass that still has to be matched.
type SymbolPass struct {
	Symbol  string
	Fills   []models.Fill
	Incomes []models.Income
	// Reconcile matches the fills and incomes no earlier pass applied
	// against the stored lots. It runs inside the commit transaction and
	// must not use the Store.
	Reconcile func(fills []models.Fill, lots []models.OpenPosition, incomes []models.Income) SymbolCommit
	SyncedAt  time.Time
}

// ApplySymbolPass filters the pass input against the ingestion ledger,
// loads the open lots, reconciles and commits, all in one transaction, so
// two passes over the same symbol never apply a fill twice.
func (s *Store) ApplySymbolPass(ctx context.Context, p SymbolPass) (models.SyncStatus, error) {
	var status models.SyncStatus
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		fills, err := filterNewFills(tx, p.Symbol, p.Fills)
		if err != nil {
			return err
		}
		incomes, err := filterNewIncomes(tx, p.Incomes)
		if err != nil {
			return err
		}
		lots, err := openLots(tx, p.Symbol)
		if err != nil {
			return err
		}

		c := p.Reconcile(fills, lots, incomes)
		c.Symbol = p.Symbol
		c.SyncedAt = p.SyncedAt
		for _, f := range p.Fills {
			c.MaxFillTime = max(c.MaxFillTime, f.Time)
		}
		status, err = commitPass(tx, c)
		return err
	})
	if err != nil {
		return status, fmt.Errorf("failed to commit %s: %w", p.Symbol, err)
	}
	return status, nil
}

// CommitSymbolPass writes trades, lots, ingestion marks and the symbol's
// watermark in one transaction. Readers see either the whole pass or none
// of it. The watermark never moves backwards.
func (s *Store) CommitSymbolPass(ctx context.Context, c SymbolCommit) (models.SyncStatus, error) {
	var status models.SyncStatus
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		status, err = commitPass(tx, c)
		return err
	})
	if err != nil {
		return status, fmt.Errorf("failed to commit %s: %w", c.Symbol, err)
	}
	return status, nil
}

func commitPass(tx *gorm.DB, c SymbolCommit) (models.SyncStatus, error) {
	if err := markIngested(tx, c); err != nil {
		return models.SyncStatus{}, err
	}
	trades, err := mergeTrades(tx, c)
	if err != nil {
		return models.SyncStatus{}, err
	}
	if err := upsertTrades(tx, trades); err != nil {
		return models.SyncStatus{}, fmt.Errorf("upsert trades: %w", err)
	}
	if err := saveSymbolLots(tx, c.Symbol, c.Lots); err != nil {
		return models.SyncStatus{}, fmt.Errorf("save lots: %w", err)
	}

	status, err := loadStatus(tx, c.Symbol)
	if err != nil {
		return status, err
	}
	status.LastEntryTime = max(status.LastEntryTime, c.MaxFillTime)
	status.LastSyncTime = c.SyncedAt.UnixMilli()
	status.State = models.SyncStateWarm
	status.Status = models.SyncIdle
	status.ErrorMessage = ""
	if status.TotalTrades, err = countTrades(tx, c.Symbol); err != nil {
		return status, err
	}
	return status, tx.Save(&status).Error
}

func mergeTrades(tx *gorm.DB, c SymbolCommit) ([]models.Trade, error) {
	out := make([]models.Trade, 0, len(c.Trades))
	pending := make(map[TradeKey]int)
	for _, t := range c.Trades {
		t.ID = 0
		t.Symbol = c.Symbol
		key := TradeKey{t.EntryOrderID, t.ExitOrderID}
		if i, ok := pending[key]; ok && c.Merge != nil {
			out[i] = c.Merge(out[i], t)
			continue
		}
		if c.Merge != nil {
			var existing models.Trade
			err := tx.Where("symbol = ? AND entry_order_id = ? AND exit_order_id = ?", c.Symbol, t.EntryOrderID, t.ExitOrderID).
				Limit(1).Find(&existing).Error
			if err != nil {
				return nil, fmt.Errorf("load trade: %w", err)
			}
			if existing.ID != 0 {
				t = c.Merge(existing, t)
				t.ID = 0
			}
		}
		pending[key] = len(out)
		out = append(out, t)
	}
	return out, nil
}

// markIngested claims the applied fills and incomes. A row that already
// exists means another pass applied it since this one was filtered, so the
// whole commit is rolled back with ErrConcurrentPass.
func markIngested(tx *gorm.DB, c SymbolCommit) error {
	if len(c.FillIDs) > 0 {
		seen := make(map[int64]bool, len(c.FillIDs))
		rows := make([]models.IngestedFill, 0, len(c.FillIDs))
		for _, id := range c.FillIDs {
			if !seen[id] {
				seen[id] = true
				rows = append(rows, models.IngestedFill{Symbol: c.Symbol, TradeID: id})
			}
		}
		if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
			return claimError("mark fills ingested", err)
		}
	}
	if len(c.Incomes) > 0 {
		seen := make(map[models.IngestedIncome]bool, len(c.Incomes))
		rows := make([]models.IngestedIncome, 0, len(c.Incomes))
		for _, inc := range c.Incomes {
			row := models.IngestedIncome{TranID: inc.TranID, IncomeType: inc.IncomeType}
			if !seen[row] {
				seen[row] = true
				rows = append(rows, row)
			}
		}
		if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
			return claimError("mark incomes ingested", err)
		}
	}
	return nil
}

func claimError(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, ErrConcurrentPass)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func loadStatus(tx *gorm.DB, symbol string) (models.SyncStatus, error) {
	var status models.SyncStatus
	if err := tx.Where("symbol = ?", symbol).Limit(1).Find(&status).Error; err != nil {
		return status, fmt.Errorf("load sync status: %w", err)
	}
	if status.ID == 0 {
		status = models.SyncStatus{Symbol: symbol, State: models.SyncStateCold, Status: models.SyncIdle}
	}
	return status, nil
}

// GetSyncStatus returns the status row of symbol.
func (s *Store) GetSyncStatus(ctx context.Context, symbol string) (models.SyncStatus, error) {
	var status models.SyncStatus
	err := s.conn(ctx).Where("symbol = ?", symbol).First(&status).Error
	return status, notFound(err)
}

// ListSyncStatus returns every status row, the global row first.
func (s *Store) ListSyncStatus(ctx context.Context) ([]models.SyncStatus, error) {
	var rows []models.SyncStatus
	if err := s.conn(ctx).Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}
	return rows, nil
}

// MarkSyncState sets the status and state of symbol without touching its
// watermark.
func (s *Store) MarkSyncState(ctx context.Context, symbol, state, status string) error {
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadStatus(tx, symbol)
		if err != nil {
			return err
		}
		if state != "" {
			row.State = state
		}
		row.Status = status
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s %s: %w", symbol, status, err)
	}
	return nil
}

// MarkSyncError records a failed pass. The watermark is left unchanged so
// the next pass retries the same window.
func (s *Store) MarkSyncError(ctx context.Context, symbol string, cause error, at time.Time) error {
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadStatus(tx, symbol)
		if err != nil {
			return err
		}
		row.Status = models.SyncError
		row.ErrorMessage = cause.Error()
		row.LastSyncTime = at.UnixMilli()
		if row.State == models.SyncStateCompensating {
			row.State = models.SyncStateWarm
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record sync error for %s: %w", symbol, err)
	}
	return nil
}

// SaveGlobalStatus refreshes the "*" row from the per-symbol rows.
func (s *Store) SaveGlobalStatus(ctx context.Context, at time.Time, errMsg string) (models.SyncStatus, error) {
	var row models.SyncStatus
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if row, err = loadStatus(tx, models.GlobalSyncKey); err != nil {
			return err
		}
		var last int64
		if err := tx.Model(&models.SyncStatus{}).Where("symbol <> ?", models.GlobalSyncKey).
			Select("COALESCE(MAX(last_entry_time), 0)").Row().Scan(&last); err != nil {
			return err
		}
		row.LastEntryTime = max(row.LastEntryTime, last)
		if row.TotalTrades, err = countTrades(tx, ""); err != nil {
			return err
		}
		row.LastSyncTime = at.UnixMilli()
		row.State = models.SyncStateWarm
		row.Status = models.SyncIdle
		row.ErrorMessage = errMsg
		if errMsg != "" {
			row.Status = models.SyncError
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return row, fmt.Errorf("failed to save global sync status: %w", err)
	}
	return row, nil
}

// StartRun inserts a run log row.
func (s *Store) StartRun(ctx context.Context, run *models.SyncRun) error {
	if err := s.conn(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to start sync run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters of run.
func (s *Store) FinishRun(ctx context.Context, run *models.SyncRun) error {
	if err := s.conn(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	return nil
}

// RecentRuns returns the latest sync runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	if err := s.conn(ctx).Order("run_id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}
