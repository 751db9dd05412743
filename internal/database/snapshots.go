package database

import (
	"context"
	"fmt"
	"time"

	"binance-trade-ledger/internal/models"

	"gorm.io/gorm/clause"
)

// AppendBalance adds one balance sample.
func (s *Store) AppendBalance(ctx context.Context, b models.Balance, at time.Time) error {
	row := models.BalanceHistory{Timestamp: at.UnixMilli(), Balance: b.Balance, WalletBalance: b.WalletBalance}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append balance: %w", err)
	}
	return nil
}

// BalanceHistory returns samples taken at or after since, oldest first.
func (s *Store) BalanceHistory(ctx context.Context, since int64) ([]models.BalanceHistory, error) {
	var rows []models.BalanceHistory
	if err := s.conn(ctx).Where("timestamp >= ?", since).Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load balance history: %w", err)
	}
	return rows, nil
}

// LatestBalance returns the newest balance sample.
func (s *Store) LatestBalance(ctx context.Context) (models.BalanceHistory, error) {
	var row models.BalanceHistory
	err := s.conn(ctx).Order("timestamp DESC").First(&row).Error
	return row, notFound(err)
}

// SaveLeaderboard stores snap, replacing any snapshot of the same date.
func (s *Store) SaveLeaderboard(ctx context.Context, snap *models.LeaderboardSnapshot) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "snapshot_date"}},
		UpdateAll: true,
	}).Create(snap).Error
	if err != nil {
		return fmt.Errorf("failed to save leaderboard snapshot: %w", err)
	}
	return nil
}

// Leaderboard returns the snapshot of date, or the latest one when date is
// empty.
func (s *Store) Leaderboard(ctx context.Context, date string) (models.LeaderboardSnapshot, error) {
	var snap models.LeaderboardSnapshot
	q := s.conn(ctx)
	if date != "" {
		q = q.Where("snapshot_date = ?", date)
	}
	err := q.Order("snapshot_date DESC").First(&snap).Error
	return snap, notFound(err)
}

// SaveRebound stores snap, replacing the snapshot of the same window and
// date.
func (s *Store) SaveRebound(ctx context.Context, snap *models.ReboundSnapshot) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "window_days"}, {Name: "snapshot_date"}},
		UpdateAll: true,
	}).Create(snap).Error
	if err != nil {
		return fmt.Errorf("failed to save %dd rebound snapshot: %w", snap.WindowDays, err)
	}
	return nil
}

// Rebound returns the windowDays snapshot of date, or the latest one.
func (s *Store) Rebound(ctx context.Context, windowDays int, date string) (models.ReboundSnapshot, error) {
	var snap models.ReboundSnapshot
	q := s.conn(ctx).Where("window_days = ?", windowDays)
	if date != "" {
		q = q.Where("snapshot_date = ?", date)
	}
	err := q.Order("snapshot_date DESC").First(&snap).Error
	return snap, notFound(err)
}

// SaveNoonLoss stores snap, replacing any snapshot of the same date.
func (s *Store) SaveNoonLoss(ctx context.Context, snap *models.NoonLossSnapshot) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "snapshot_date"}},
		UpdateAll: true,
	}).Create(snap).Error
	if err != nil {
		return fmt.Errorf("failed to save noon loss snapshot: %w", err)
	}
	return nil
}

// NoonLoss returns the noon review of date, or the latest one.
func (s *Store) NoonLoss(ctx context.Context, date string) (models.NoonLossSnapshot, error) {
	var snap models.NoonLossSnapshot
	q := s.conn(ctx)
	if date != "" {
		q = q.Where("snapshot_date = ?", date)
	}
	err := q.Order("snapshot_date DESC").First(&snap).Error
	return snap, notFound(err)
}
