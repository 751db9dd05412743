package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/matcher"
	"binance-trade-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupStore creates a fresh in-memory ledger for each test.
func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := NewDatabase(&config.Database{DSN: "file::memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewStore(db)
}

func roundTripFills() []models.Fill {
	return []models.Fill{
		{Symbol: "BTCUSDT", TradeID: 1, OrderID: 10, Side: models.OrderSideBuy, PositionSide: models.PositionSideBoth, Time: 0, Price: 100, Qty: 2},
		{Symbol: "BTCUSDT", TradeID: 2, OrderID: 11, Side: models.OrderSideSell, PositionSide: models.PositionSideBoth, Time: 10, Price: 110, Qty: 1},
		{Symbol: "BTCUSDT", TradeID: 3, OrderID: 12, Side: models.OrderSideSell, PositionSide: models.PositionSideBoth, Time: 20, Price: 120, Qty: 1},
	}
}

func TestIdempotentIngestion(t *testing.T) {
	// Arrange
	store := setupStore(t)
	ctx := context.Background()
	in := matcher.Input{Symbol: "BTCUSDT", Fills: roundTripFills()}

	// Act
	first := matcher.Reconcile(in, matcher.DefaultPolicy())
	require.NoError(t, store.UpsertTrades(ctx, first.Trades))
	afterFirst, err := store.CountTrades(ctx, "BTCUSDT")
	require.NoError(t, err)

	second := matcher.Reconcile(in, matcher.DefaultPolicy())
	require.NoError(t, store.UpsertTrades(ctx, second.Trades))
	afterSecond, err := store.CountTrades(ctx, "BTCUSDT")
	require.NoError(t, err)

	// Assert
	assert.Equal(t, int64(2), afterFirst)
	assert.Equal(t, afterFirst, afterSecond)

	trades, err := store.AllTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 10.0, trades[0].PnlBeforeFees, 1e-9)
	assert.InDelta(t, 20.0, trades[1].PnlBeforeFees, 1e-9)
}

func TestUpsertOverwritesSameKey(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	trade := models.Trade{Symbol: "ETHUSDT", Side: models.SideLong, EntryOrderID: 1, ExitOrderID: 2, Qty: 1, PnlNet: 5}

	require.NoError(t, store.UpsertTrades(ctx, []models.Trade{trade}))
	trade.PnlNet = 7
	require.NoError(t, store.UpsertTrades(ctx, []models.Trade{trade}))

	trades, total, err := store.ListTrades(ctx, TradeQuery{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, 7.0, trades[0].PnlNet)
}

func TestListTradesPagination(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	var trades []models.Trade
	for i := int64(1); i <= 5; i++ {
		trades = append(trades, models.Trade{Symbol: "BTCUSDT", Side: models.SideLong, EntryOrderID: i, ExitOrderID: 100 + i, ExitTime: i * 1000})
	}
	require.NoError(t, store.UpsertTrades(ctx, trades))

	page, total, err := store.ListTrades(ctx, TradeQuery{Page: 2, PageSize: 2})

	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3000), page[0].ExitTime)
	assert.Equal(t, int64(2000), page[1].ExitTime)

	filtered, total, err := store.ListTrades(ctx, TradeQuery{Since: 4000})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, filtered, 2)
}

func TestCommitSymbolPass(t *testing.T) {
	t.Run("WatermarkNeverRegresses", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()

		var marks []int64
		for _, maxFill := range []int64{5000, 9000, 3000, 0} {
			status, err := store.CommitSymbolPass(ctx, SymbolCommit{Symbol: "BTCUSDT", MaxFillTime: maxFill, SyncedAt: time.Now()})
			require.NoError(t, err)
			marks = append(marks, status.LastEntryTime)
		}

		assert.Equal(t, []int64{5000, 9000, 9000, 9000}, marks)
	})

	t.Run("FailureLeavesWatermark", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		_, err := store.CommitSymbolPass(ctx, SymbolCommit{Symbol: "BTCUSDT", MaxFillTime: 5000, SyncedAt: time.Now()})
		require.NoError(t, err)

		require.NoError(t, store.MarkSyncError(ctx, "BTCUSDT", errors.New("boom"), time.Now()))

		status, err := store.GetSyncStatus(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), status.LastEntryTime)
		assert.Equal(t, models.SyncError, status.Status)
		assert.Equal(t, "boom", status.ErrorMessage)
	})

	t.Run("WritesLotsAndIngestionMarks", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		res := matcher.Reconcile(matcher.Input{Symbol: "BTCUSDT", Fills: roundTripFills()[:2]}, matcher.DefaultPolicy())

		status, err := store.CommitSymbolPass(ctx, SymbolCommit{
			Symbol:      "BTCUSDT",
			Trades:      res.Trades,
			Lots:        res.Open,
			FillIDs:     res.FillIDs,
			MaxFillTime: res.MaxFillTime,
			SyncedAt:    time.Now(),
		})
		require.NoError(t, err)

		assert.Equal(t, models.SyncStateWarm, status.State)
		assert.Equal(t, int64(1), status.TotalTrades)
		lots, err := store.OpenLots(ctx, "BTCUSDT")
		require.NoError(t, err)
		require.Len(t, lots, 1)
		assert.InDelta(t, 1.0, lots[0].Qty, 1e-9)

		fresh, err := store.FilterNewFills(ctx, "BTCUSDT", roundTripFills())
		require.NoError(t, err)
		require.Len(t, fresh, 1)
		assert.Equal(t, int64(3), fresh[0].TradeID)
	})

	t.Run("MergesSplitExitOrder", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		chunk := models.Trade{Side: models.SideLong, EntryOrderID: 1, ExitOrderID: 2, Qty: 1, EntryPrice: 100, ExitPrice: 110, EntryAmount: 100, PnlBeforeFees: 10}

		for i := 0; i < 2; i++ {
			_, err := store.CommitSymbolPass(ctx, SymbolCommit{Symbol: "BTCUSDT", Trades: []models.Trade{chunk}, SyncedAt: time.Now(), Merge: matcher.MergeTrades})
			require.NoError(t, err)
		}

		trades, err := store.AllTrades(ctx)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.InDelta(t, 2.0, trades[0].Qty, 1e-9)
		assert.InDelta(t, 20.0, trades[0].PnlNet, 1e-9)
	})
}

func TestApplySymbolPass(t *testing.T) {
	reconcile := func(fills []models.Fill, lots []models.OpenPosition, incomes []models.Income) SymbolCommit {
		res := matcher.Reconcile(matcher.Input{Symbol: "BTCUSDT", Fills: fills, Open: lots, Incomes: incomes}, matcher.DefaultPolicy())
		return SymbolCommit{
			Trades:      res.Trades,
			Lots:        res.Open,
			FillIDs:     res.FillIDs,
			Incomes:     res.AllocatedIncomes,
			MaxFillTime: res.MaxFillTime,
			Merge:       matcher.MergeTrades,
		}
	}

	t.Run("AppliedFillsAreSkipped", func(t *testing.T) {
		// Arrange
		store := setupStore(t)
		ctx := context.Background()
		var seen [][]models.Fill
		pass := SymbolPass{
			Symbol: "BTCUSDT",
			Fills:  roundTripFills(),
			Reconcile: func(fills []models.Fill, lots []models.OpenPosition, incomes []models.Income) SymbolCommit {
				seen = append(seen, fills)
				return reconcile(fills, lots, incomes)
			},
			SyncedAt: time.Now(),
		}

		// Act
		_, err := store.ApplySymbolPass(ctx, pass)
		require.NoError(t, err)
		status, err := store.ApplySymbolPass(ctx, pass)
		require.NoError(t, err)

		// Assert
		require.Len(t, seen, 2)
		assert.Len(t, seen[0], 3)
		assert.Empty(t, seen[1])
		assert.Equal(t, int64(20), status.LastEntryTime)

		trades, err := store.AllTrades(ctx)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.InDelta(t, 1.0, trades[0].Qty, 1e-9)
		assert.InDelta(t, 10.0, trades[0].PnlBeforeFees, 1e-9)
		assert.InDelta(t, 1.0, trades[1].Qty, 1e-9)
		assert.InDelta(t, 20.0, trades[1].PnlBeforeFees, 1e-9)
	})

	t.Run("ReclaimedFillRollsBack", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		_, err := store.CommitSymbolPass(ctx, SymbolCommit{Symbol: "BTCUSDT", FillIDs: []int64{1}, SyncedAt: time.Now()})
		require.NoError(t, err)

		_, err = store.CommitSymbolPass(ctx, SymbolCommit{
			Symbol:      "BTCUSDT",
			Trades:      []models.Trade{{Side: models.SideLong, EntryOrderID: 1, ExitOrderID: 2, Qty: 1}},
			FillIDs:     []int64{1, 2},
			MaxFillTime: 500,
			SyncedAt:    time.Now(),
		})

		assert.ErrorIs(t, err, ErrConcurrentPass)
		n, err := store.CountTrades(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Zero(t, n)
		status, err := store.GetSyncStatus(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Zero(t, status.LastEntryTime)
	})
}

func TestSavedLotsKeepUserFlags(t *testing.T) {
	// Arrange
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceSymbolLots(ctx, "BTCUSDT", []models.OpenPosition{
		{Symbol: "BTCUSDT", Side: models.SideLong, OrderID: 1, EntryTime: 10, EntryPrice: 100, Qty: 2},
		{Symbol: "BTCUSDT", Side: models.SideLong, OrderID: 2, EntryTime: 20, EntryPrice: 100, Qty: 1},
	}))
	// copies read before the flags were set
	stale, err := store.OpenLots(ctx, "BTCUSDT")
	require.NoError(t, err)
	_, err = store.SetLongTerm(ctx, "BTCUSDT", models.SideLong, true)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.MarkAlerted(ctx, []uint{stale[0].ID}, now))

	// Act
	stale[0].Qty = 1.5
	_, err = store.CommitSymbolPass(ctx, SymbolCommit{
		Symbol:   "BTCUSDT",
		Lots:     []models.OpenPosition{stale[0], {Symbol: "BTCUSDT", Side: models.SideShort, OrderID: 3, EntryTime: 30, Qty: 1}},
		SyncedAt: now,
	})
	require.NoError(t, err)

	// Assert
	lots, err := store.OpenLots(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, stale[0].ID, lots[0].ID)
	assert.InDelta(t, 1.5, lots[0].Qty, 1e-9)
	assert.True(t, lots[0].IsLongTerm)
	assert.True(t, lots[0].Alerted)
	require.NotNil(t, lots[0].LastAlertAt)
	assert.Equal(t, int64(3), lots[1].OrderID)
	assert.False(t, lots[1].IsLongTerm)
}

func TestUpdateSymbolLots(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceSymbolLots(ctx, "BTCUSDT", []models.OpenPosition{
		{Symbol: "BTCUSDT", Side: models.SideLong, OrderID: 1, EntryTime: 10, Qty: 2},
	}))

	err := store.UpdateSymbolLots(ctx, "BTCUSDT", func(lots []models.OpenPosition) ([]models.OpenPosition, bool) {
		lots[0].Qty = 0.5
		return lots, true
	})
	require.NoError(t, err)
	err = store.UpdateSymbolLots(ctx, "BTCUSDT", func(lots []models.OpenPosition) ([]models.OpenPosition, bool) {
		return nil, false
	})
	require.NoError(t, err)

	lots, err := store.OpenLots(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.InDelta(t, 0.5, lots[0].Qty, 1e-9)
}

func TestFilterNewIncomes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	incomes := []models.Income{
		{TranID: 1, IncomeType: models.IncomeFundingFee},
		{TranID: 1, IncomeType: "INSURANCE_CLEAR"},
	}
	_, err := store.CommitSymbolPass(ctx, SymbolCommit{Symbol: "BTCUSDT", Incomes: incomes[:1], SyncedAt: time.Now()})
	require.NoError(t, err)

	fresh, err := store.FilterNewIncomes(ctx, incomes)

	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "INSURANCE_CLEAR", fresh[0].IncomeType)
}

func TestGlobalStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	_, err := store.CommitSymbolPass(ctx, SymbolCommit{Symbol: "BTCUSDT", MaxFillTime: 100, SyncedAt: time.Now()})
	require.NoError(t, err)
	_, err = store.CommitSymbolPass(ctx, SymbolCommit{Symbol: "ETHUSDT", MaxFillTime: 300, SyncedAt: time.Now()})
	require.NoError(t, err)

	global, err := store.SaveGlobalStatus(ctx, time.Now(), "")
	require.NoError(t, err)

	assert.Equal(t, int64(300), global.LastEntryTime)
	assert.Equal(t, models.SyncIdle, global.Status)

	rows, err := store.ListSyncStatus(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.GlobalSyncKey, rows[0].Symbol)

	_, err = store.GetSyncStatus(ctx, "SOLUSDT")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLots(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	lots := []models.OpenPosition{
		{Symbol: "BTCUSDT", Side: models.SideLong, OrderID: 1, EntryTime: 10, Qty: 1},
		{Symbol: "BTCUSDT", Side: models.SideLong, OrderID: 2, EntryTime: 20, Qty: 1},
	}
	require.NoError(t, store.ReplaceSymbolLots(ctx, "BTCUSDT", lots))

	n, err := store.SetLongTerm(ctx, "BTCUSDT", models.SideLong, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.SetLongTerm(ctx, "ETHUSDT", models.SideLong, true)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := store.OpenLots(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].IsLongTerm)

	now := time.Now()
	require.NoError(t, store.MarkAlerted(ctx, []uint{stored[0].ID}, now))
	all, err := store.AllOpenLots(ctx)
	require.NoError(t, err)
	assert.True(t, all[0].Alerted)
	require.NotNil(t, all[0].LastAlertAt)
}

func TestSnapshotsAndBalance(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	t.Run("LeaderboardOverwriteAndLatest", func(t *testing.T) {
		require.NoError(t, store.SaveLeaderboard(ctx, &models.LeaderboardSnapshot{SnapshotDate: "2024-05-01", Effective: 1}))
		require.NoError(t, store.SaveLeaderboard(ctx, &models.LeaderboardSnapshot{SnapshotDate: "2024-05-02", Effective: 2,
			Gainers: []models.LeaderboardRow{{Symbol: "BTCUSDT", ChangePct: 3}}}))
		require.NoError(t, store.SaveLeaderboard(ctx, &models.LeaderboardSnapshot{SnapshotDate: "2024-05-01", Effective: 9}))

		latest, err := store.Leaderboard(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "2024-05-02", latest.SnapshotDate)
		require.Len(t, latest.Gainers, 1)
		assert.Equal(t, "BTCUSDT", latest.Gainers[0].Symbol)

		first, err := store.Leaderboard(ctx, "2024-05-01")
		require.NoError(t, err)
		assert.Equal(t, 9, first.Effective)

		_, err = store.Leaderboard(ctx, "2023-01-01")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ReboundPerWindow", func(t *testing.T) {
		require.NoError(t, store.SaveRebound(ctx, &models.ReboundSnapshot{WindowDays: 7, SnapshotDate: "2024-05-01"}))
		require.NoError(t, store.SaveRebound(ctx, &models.ReboundSnapshot{WindowDays: 30, SnapshotDate: "2024-05-01", Effective: 4}))

		snap, err := store.Rebound(ctx, 30, "")
		require.NoError(t, err)
		assert.Equal(t, 4, snap.Effective)
	})

	t.Run("NoonLoss", func(t *testing.T) {
		require.NoError(t, store.SaveNoonLoss(ctx, &models.NoonLossSnapshot{SnapshotDate: "2024-05-01", LossCount: 2}))

		snap, err := store.NoonLoss(ctx, "2024-05-01")
		require.NoError(t, err)
		assert.Equal(t, 2, snap.LossCount)
	})

	t.Run("Balance", func(t *testing.T) {
		_, err := store.LatestBalance(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		base := time.UnixMilli(1_000_000)
		require.NoError(t, store.AppendBalance(ctx, models.Balance{Balance: 100}, base))
		require.NoError(t, store.AppendBalance(ctx, models.Balance{Balance: 90}, base.Add(time.Minute)))

		latest, err := store.LatestBalance(ctx)
		require.NoError(t, err)
		assert.Equal(t, 90.0, latest.Balance)

		history, err := store.BalanceHistory(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}
