package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-trade-ledger/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("record not found")
	// ErrConcurrentPass means another pass applied the same fills first.
	// Nothing was written and the next pass picks up from the watermark.
	ErrConcurrentPass = errors.New("fills already applied by a concurrent pass")
)

const batchSize = 500

// Store is the ledger. It owns every persisted row; writers go through the
// transactional methods below.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// TradeKey is the natural key of a trade within one symbol.
type TradeKey struct {
	EntryOrderID int64
	ExitOrderID  int64
}

var tradeUpdateColumns = []string{
	"side", "entry_time", "exit_time", "entry_price", "exit_price", "qty", "entry_amount",
	"fees", "extra_loss", "pnl_before_fees", "pnl_net", "is_liquidation", "close_type", "updated_at",
}

func upsertTrades(tx *gorm.DB, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "entry_order_id"}, {Name: "exit_order_id"}},
		DoUpdates: clause.AssignmentColumns(tradeUpdateColumns),
	}).CreateInBatches(trades, batchSize).Error
}

// UpsertTrades writes trades keyed by (symbol, entry_order_id,
// exit_order_id). A second write of the same key overwrites the row.
func (s *Store) UpsertTrades(ctx context.Context, trades []models.Trade) error {
	rows := make([]models.Trade, len(trades))
	copy(rows, trades)
	for i := range rows {
		rows[i].ID = 0
	}
	if err := upsertTrades(s.conn(ctx), rows); err != nil {
		return fmt.Errorf("failed to upsert trades: %w", err)
	}
	return nil
}

// TradeQuery filters ListTrades. Zero values mean no filter.
type TradeQuery struct {
	Symbol   string
	Side     string
	Since    int64 // exit_time >= Since
	Until    int64 // exit_time <= Until
	Page     int
	PageSize int
}

// ListTrades returns one page of trades, newest exit first, and the total
// number of matching rows.
func (s *Store) ListTrades(ctx context.Context, q TradeQuery) ([]models.Trade, int64, error) {
	filtered := func() *gorm.DB {
		tx := s.conn(ctx).Model(&models.Trade{})
		if q.Symbol != "" {
			tx = tx.Where("symbol = ?", q.Symbol)
		}
		if q.Side != "" {
			tx = tx.Where("side = ?", q.Side)
		}
		if q.Since > 0 {
			tx = tx.Where("exit_time >= ?", q.Since)
		}
		if q.Until > 0 {
			tx = tx.Where("exit_time <= ?", q.Until)
		}
		return tx
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	if q.PageSize <= 0 {
		q.PageSize = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	var trades []models.Trade
	err := filtered().Order("exit_time DESC").Order("id DESC").
		Limit(q.PageSize).Offset((q.Page - 1) * q.PageSize).
		Find(&trades).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, total, nil
}

// AllTrades returns every trade ordered by exit time.
func (s *Store) AllTrades(ctx context.Context) ([]models.Trade, error) {
	var trades []models.Trade
	if err := s.conn(ctx).Order("exit_time ASC").Order("id ASC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	return trades, nil
}

// CountTrades counts trades of symbol, or all trades when symbol is empty.
func (s *Store) CountTrades(ctx context.Context, symbol string) (int64, error) {
	return countTrades(s.conn(ctx), symbol)
}

func countTrades(tx *gorm.DB, symbol string) (int64, error) {
	q := tx.Model(&models.Trade{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// OpenLots returns the open lots of symbol in FIFO order.
func (s *Store) OpenLots(ctx context.Context, symbol string) ([]models.OpenPosition, error) {
	return openLots(s.conn(ctx), symbol)
}

func openLots(tx *gorm.DB, symbol string) ([]models.OpenPosition, error) {
	var lots []models.OpenPosition
	err := tx.Where("symbol = ?", symbol).Order("entry_time ASC").Order("order_id ASC").Find(&lots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open lots for %s: %w", symbol, err)
	}
	return lots, nil
}

// AllOpenLots returns every open lot ordered by symbol and entry time.
func (s *Store) AllOpenLots(ctx context.Context) ([]models.OpenPosition, error) {
	var lots []models.OpenPosition
	if err := s.conn(ctx).Order("symbol ASC").Order("entry_time ASC").Find(&lots).Error; err != nil {
		return nil, fmt.Errorf("failed to load open lots: %w", err)
	}
	return lots, nil
}

// lotUpdateColumns are the columns a sync owns. is_long_term, alerted and
// last_alert_at belong to the user and the alert job and are never
// overwritten by a pass.
var lotUpdateColumns = []string{
	"entry_time", "entry_price", "qty", "entry_amount", "entry_fee", "extra_loss", "updated_at",
}

// saveSymbolLots makes lots the open lots of symbol: lots are upserted on
// (symbol, side, order_id) and stored lots whose key is gone are deleted.
func saveSymbolLots(tx *gorm.DB, symbol string, lots []models.OpenPosition) error {
	type lotKey struct {
		side    string
		orderID int64
	}
	keep := make(map[lotKey]bool, len(lots))
	rows := make([]models.OpenPosition, len(lots))
	copy(rows, lots)
	for i := range rows {
		rows[i].ID = 0
		rows[i].Symbol = symbol
		keep[lotKey{rows[i].Side, rows[i].OrderID}] = true
	}

	var stored []models.OpenPosition
	if err := tx.Select("id", "side", "order_id").Where("symbol = ?", symbol).Find(&stored).Error; err != nil {
		return err
	}
	var gone []uint
	for _, lot := range stored {
		if !keep[lotKey{lot.Side, lot.OrderID}] {
			gone = append(gone, lot.ID)
		}
	}
	if len(gone) > 0 {
		if err := tx.Where("id IN ?", gone).Delete(&models.OpenPosition{}).Error; err != nil {
			return err
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "side"}, {Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns(lotUpdateColumns),
	}).CreateInBatches(rows, batchSize).Error
}

// ReplaceSymbolLots makes lots the open lots of symbol in one transaction.
// User flags of lots that survive are kept.
func (s *Store) ReplaceSymbolLots(ctx context.Context, symbol string, lots []models.OpenPosition) error {
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return saveSymbolLots(tx, symbol, lots)
	})
	if err != nil {
		return fmt.Errorf("failed to replace lots for %s: %w", symbol, err)
	}
	return nil
}

// UpdateSymbolLots loads the lots of symbol, passes them to fn and saves
// the result when fn reports a change, all in one transaction. fn must not
// use the Store.
func (s *Store) UpdateSymbolLots(ctx context.Context, symbol string, fn func([]models.OpenPosition) ([]models.OpenPosition, bool)) error {
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		lots, err := openLots(tx, symbol)
		if err != nil {
			return err
		}
		updated, changed := fn(lots)
		if !changed {
			return nil
		}
		return saveSymbolLots(tx, symbol, updated)
	})
	if err != nil {
		return fmt.Errorf("failed to update lots for %s: %w", symbol, err)
	}
	return nil
}

// SetLongTerm flags every lot of symbol and side as a long-term holding.
func (s *Store) SetLongTerm(ctx context.Context, symbol, side string, longTerm bool) (int64, error) {
	res := s.conn(ctx).Model(&models.OpenPosition{}).
		Where("symbol = ? AND side = ?", symbol, side).
		Update("is_long_term", longTerm)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to update long-term flag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return res.RowsAffected, nil
}

// MarkAlerted records that a stale alert was sent for the given lots.
func (s *Store) MarkAlerted(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.conn(ctx).Model(&models.OpenPosition{}).Where("id IN ?", ids).
		Updates(map[string]any{"alerted": true, "last_alert_at": at}).Error
	if err != nil {
		return fmt.Errorf("failed to mark lots alerted: %w", err)
	}
	return nil
}
