package snapshots

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockMarketGateway is a mock implementation of MarketGateway.
type MockMarketGateway struct {
	mock.Mock
}

func (m *MockMarketGateway) GetPerpetualSymbols(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	symbols, _ := args.Get(0).([]string)
	return symbols, args.Error(1)
}

func (m *MockMarketGateway) Get24hTickers(ctx context.Context) ([]models.Ticker24h, error) {
	args := m.Called(ctx)
	tickers, _ := args.Get(0).([]models.Ticker24h)
	return tickers, args.Error(1)
}

func (m *MockMarketGateway) GetTickerPrices(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	prices, _ := args.Get(0).(map[string]float64)
	return prices, args.Error(1)
}

func (m *MockMarketGateway) GetMarkPrices(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	prices, _ := args.Get(0).(map[string]float64)
	return prices, args.Error(1)
}

func (m *MockMarketGateway) GetKlines(ctx context.Context, symbol, interval string, limit int, startTime int64) ([]models.Kline, error) {
	args := m.Called(ctx, symbol, interval, limit, startTime)
	klines, _ := args.Get(0).([]models.Kline)
	return klines, args.Error(1)
}

func (m *MockMarketGateway) CooldownActive() bool {
	return m.Called().Bool(0)
}

// 08:00 on 2024-05-01 in UTC+8
var testNow = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func setupTest(t *testing.T) (*Service, *MockMarketGateway, *database.Store) {
	t.Helper()
	db, err := database.NewDatabase(&config.Database{DSN: "file::memory:"})
	require.NoError(t, err)
	store := database.NewStore(db)

	cfg := config.Snapshots{
		Leaderboard: config.Leaderboard{TopN: 1, MinQuoteVolume: 1e6, MaxSymbols: 10, KlineWorkers: 2, WeightBudgetPerMinute: 600},
		Rebound:     config.Rebound{TopN: 10, KlineWorkers: 2, WeightBudgetPerMinute: 600},
	}
	gw := new(MockMarketGateway)
	gw.On("CooldownActive").Return(false).Maybe()

	svc := NewService(gw, store, cfg, 300*time.Millisecond, config.FixedZone(8), zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, gw, store
}

func TestBuildLeaderboard(t *testing.T) {
	// Arrange
	svc, gw, store := setupTest(t)
	ctx := context.Background()
	midnight := testNow.UnixMilli()

	gw.On("GetPerpetualSymbols", mock.Anything).Return([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "DOGEUSDT"}, nil)
	gw.On("Get24hTickers", mock.Anything).Return([]models.Ticker24h{
		{Symbol: "BTCUSDT", LastPrice: 110, QuoteVolume: 1e9},
		{Symbol: "ETHUSDT", LastPrice: 90, QuoteVolume: 5e8},
		{Symbol: "SOLUSDT", LastPrice: 50, QuoteVolume: 1e8},
		{Symbol: "DOGEUSDT", LastPrice: 0.1, QuoteVolume: 1e3},
		{Symbol: "XRPUSDC", LastPrice: 1, QuoteVolume: 1e9},
	}, nil)
	gw.On("GetKlines", mock.Anything, "BTCUSDT", "1h", 1, midnight).Return([]models.Kline{{Open: 100}}, nil)
	gw.On("GetKlines", mock.Anything, "ETHUSDT", "1h", 1, midnight).Return([]models.Kline{{Open: 100}}, nil)
	gw.On("GetKlines", mock.Anything, "SOLUSDT", "1h", 1, midnight).Return(nil, errors.New("request failed after 3 attempts"))

	// Act
	snap, err := svc.BuildLeaderboard(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", snap.SnapshotDate)
	assert.Equal(t, "2024-05-01 00:00:00", snap.WindowStartUTC)
	assert.Equal(t, 3, snap.Candidates)
	assert.Equal(t, 2, snap.Effective)
	require.Len(t, snap.Gainers, 1)
	assert.Equal(t, "BTCUSDT", snap.Gainers[0].Symbol)
	assert.InDelta(t, 10, snap.Gainers[0].ChangePct, 1e-9)
	require.Len(t, snap.Losers, 1)
	assert.Equal(t, "ETHUSDT", snap.Losers[0].Symbol)
	assert.InDelta(t, -10, snap.Losers[0].ChangePct, 1e-9)

	stored, err := store.Leaderboard(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, snap.Gainers, stored.Gainers)
	gw.AssertExpectations(t)
}

func TestLeaderboardLookup(t *testing.T) {
	svc, _, store := setupTest(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLeaderboard(ctx, &models.LeaderboardSnapshot{
		SnapshotDate: "2024-04-30",
		Gainers:      []models.LeaderboardRow{{Symbol: "BTCUSDT", ChangePct: 5}},
		Losers:       []models.LeaderboardRow{{Symbol: "ETHUSDT", ChangePct: -5}},
	}))
	require.NoError(t, store.ReplaceSymbolLots(ctx, "BTCUSDT", []models.OpenPosition{
		{Symbol: "BTCUSDT", Side: models.SideLong, OrderID: 1, Qty: 1, EntryPrice: 100},
	}))

	t.Run("LatestIsEnrichedWithHeld", func(t *testing.T) {
		snap, err := svc.Leaderboard(ctx, "")

		require.NoError(t, err)
		assert.Equal(t, "2024-04-30", snap.SnapshotDate)
		assert.True(t, snap.Gainers[0].IsHeld)
		assert.False(t, snap.Losers[0].IsHeld)
	})

	t.Run("ByDate", func(t *testing.T) {
		snap, err := svc.Leaderboard(ctx, "2024-04-30")

		require.NoError(t, err)
		assert.Equal(t, "2024-04-30", snap.SnapshotDate)
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := svc.Leaderboard(ctx, "30/04/2024")
		assert.ErrorIs(t, err, ErrInvalidDate)

		_, err = svc.Leaderboard(ctx, "2024-05-02")
		assert.ErrorIs(t, err, ErrFutureDate)

		_, err = svc.Leaderboard(ctx, "2024-04-01")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})
}

func TestValidateDate(t *testing.T) {
	loc := config.FixedZone(8)
	// 2024-04-30 20:00 UTC is already May 1 in UTC+8
	now := time.Date(2024, 4, 30, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		date    string
		want    string
		wantErr error
	}{
		{"EmptyMeansLatest", "", "", nil},
		{"TodayInAccountZone", "2024-05-01", "2024-05-01", nil},
		{"Past", " 2024-01-15 ", "2024-01-15", nil},
		{"Tomorrow", "2024-05-02", "", ErrFutureDate},
		{"Garbage", "yesterday", "", ErrInvalidDate},
		{"BadDay", "2024-02-30", "", ErrInvalidDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateDate(tt.date, now, loc)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildRebound(t *testing.T) {
	svc, gw, store := setupTest(t)
	ctx := context.Background()
	day := func(d int) int64 { return testNow.AddDate(0, 0, -d).UnixMilli() }

	gw.On("GetPerpetualSymbols", mock.Anything).Return([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, nil)
	gw.On("GetTickerPrices", mock.Anything).Return(map[string]float64{
		"BTCUSDT": 120, "ETHUSDT": 0, "SOLUSDT": 30, "XRPUSDC": 1,
	}, nil)
	gw.On("GetKlines", mock.Anything, "BTCUSDT", "1d", 14, int64(0)).Return([]models.Kline{
		{OpenTime: day(3), Low: 100}, {OpenTime: day(2), Low: 80}, {OpenTime: day(1), Low: 90},
	}, nil)
	gw.On("GetKlines", mock.Anything, "SOLUSDT", "1d", 14, int64(0)).Return([]models.Kline{
		{OpenTime: day(1), Low: 25}, {OpenTime: day(0), Low: 0},
	}, nil)

	snap, err := svc.BuildRebound(ctx, 7)

	require.NoError(t, err)
	assert.Equal(t, 7, snap.WindowDays)
	assert.Equal(t, 2, snap.Candidates)
	require.Len(t, snap.Rows, 2)
	assert.Equal(t, "BTCUSDT", snap.Rows[0].Symbol)
	assert.InDelta(t, 50, snap.Rows[0].ReboundPct, 1e-9)
	assert.Equal(t, time.UnixMilli(day(2)).UTC().Format(time.DateTime), snap.Rows[0].LowAtUTC)
	assert.InDelta(t, 20, snap.Rows[1].ReboundPct, 1e-9)

	stored, err := svc.Rebound(ctx, 7, "")
	require.NoError(t, err)
	assert.Equal(t, snap.Rows, stored.Rows)
	_, err = store.Rebound(ctx, 30, "")
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = svc.BuildRebound(ctx, 0)
	assert.Error(t, err)
}

func TestBuildNoonLoss(t *testing.T) {
	svc, gw, store := setupTest(t)
	ctx := context.Background()
	require.NoError(t, store.ReplaceSymbolLots(ctx, "BTCUSDT", []models.OpenPosition{
		{Symbol: "BTCUSDT", Side: models.SideLong, OrderID: 1, Qty: 2, EntryPrice: 100},
	}))
	require.NoError(t, store.ReplaceSymbolLots(ctx, "ETHUSDT", []models.OpenPosition{
		{Symbol: "ETHUSDT", Side: models.SideShort, OrderID: 2, Qty: 1, EntryPrice: 50},
	}))
	require.NoError(t, store.ReplaceSymbolLots(ctx, "SOLUSDT", []models.OpenPosition{
		{Symbol: "SOLUSDT", Side: models.SideLong, OrderID: 3, Qty: 10, EntryPrice: 200, IsLongTerm: true},
	}))
	require.NoError(t, store.AppendBalance(ctx, models.Balance{Balance: 1000}, testNow))
	gw.On("GetMarkPrices", mock.Anything).Return(map[string]float64{
		"BTCUSDT": 90, "ETHUSDT": 40, "SOLUSDT": 100,
	}, nil)

	snap, err := svc.BuildNoonLoss(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, snap.LossCount)
	assert.InDelta(t, 20, snap.TotalStopLoss, 1e-9)
	assert.InDelta(t, 2, snap.PctOfBalance, 1e-9)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "BTCUSDT", snap.Rows[0].Symbol)
	assert.InDelta(t, -20, snap.Rows[0].CurrentPnl, 1e-9)

	title, content := NoonLossDigest(snap)
	assert.Contains(t, title, "1 lots")
	assert.Contains(t, content, "**BTCUSDT** (LONG)")

	stored, err := svc.NoonLoss(ctx, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.LossCount)
}

func TestBuildNoonLossWithoutLots(t *testing.T) {
	svc, gw, _ := setupTest(t)

	snap, err := svc.BuildNoonLoss(context.Background())

	require.NoError(t, err)
	assert.Zero(t, snap.LossCount)
	assert.Empty(t, snap.Rows)
	gw.AssertNotCalled(t, "GetMarkPrices", mock.Anything)
}

func TestLeaderboardDigest(t *testing.T) {
	snap := &models.LeaderboardSnapshot{
		SnapshotDate: "2024-05-01",
		Gainers:      []models.LeaderboardRow{{Symbol: "BTCUSDT", ChangePct: 5.25, QuoteVolume: 2e9}},
		Losers:       []models.LeaderboardRow{{Symbol: "ETHUSDT", ChangePct: -3.5, QuoteVolume: 1e9}},
	}

	title, content := LeaderboardDigest(snap)

	assert.Equal(t, "Morning leaderboard 2024-05-01", title)
	assert.Contains(t, content, "1. BTCUSDT +5.25% (vol 2000M)")
	assert.Contains(t, content, "1. ETHUSDT -3.50% (vol 1000M)")
}
