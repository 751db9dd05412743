package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"binance-trade-ledger/internal/analytics"
	"binance-trade-ledger/internal/cache"
	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/scheduler"
	"binance-trade-ledger/internal/snapshots"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockJobRunner struct {
	mock.Mock
}

func (m *MockJobRunner) Trigger(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockJobRunner) Status() []scheduler.JobStatus {
	return m.Called().Get(0).([]scheduler.JobStatus)
}

type MockSnapshotReader struct {
	mock.Mock
}

func (m *MockSnapshotReader) Leaderboard(ctx context.Context, date string) (models.LeaderboardSnapshot, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(models.LeaderboardSnapshot), args.Error(1)
}

func (m *MockSnapshotReader) Rebound(ctx context.Context, windowDays int, date string) (models.ReboundSnapshot, error) {
	args := m.Called(ctx, windowDays, date)
	return args.Get(0).(models.ReboundSnapshot), args.Error(1)
}

func (m *MockSnapshotReader) NoonLoss(ctx context.Context, date string) (models.NoonLossSnapshot, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(models.NoonLossSnapshot), args.Error(1)
}

var testNow = time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	store  *database.Store
	snaps  *MockSnapshotReader
}

func newTestServer(t *testing.T, jobs JobRunner) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDatabase(&config.Database{DSN: "file::memory:"})
	require.NoError(t, err)
	store := database.NewStore(db)
	snaps := new(MockSnapshotReader)

	opts := Options{
		Store:     store,
		Engine:    analytics.NewEngine(1000, config.FixedZone(8), analytics.DefaultHealthPolicy(), 48*time.Hour),
		Snapshots: snaps,
		SyncJob:   "sync_trades",
		Cache:     cache.New(time.Minute),
		Logger:    zap.NewNop(),
	}
	if jobs != nil {
		opts.Jobs = jobs
	} else {
		opts.SchedulerErr = fmt.Errorf("%w: missing_api_keys", scheduler.ErrDisabled)
	}
	s := NewServer(opts)
	s.now = func() time.Time { return testNow }
	return &testEnv{server: s, store: store, snaps: snaps}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func trade(entryOrder, exitOrder int64, pnl float64, exit time.Time) models.Trade {
	return models.Trade{
		Symbol:       "BTCUSDT",
		Side:         models.SideLong,
		EntryTime:    exit.Add(-30 * time.Minute).UnixMilli(),
		ExitTime:     exit.UnixMilli(),
		EntryPrice:   100,
		ExitPrice:    100 + pnl,
		Qty:          1,
		EntryAmount:  100,
		PnlNet:       pnl,
		EntryOrderID: entryOrder,
		ExitOrderID:  exitOrder,
	}
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestServer(t, nil)

	t.Run("Generated", func(t *testing.T) {
		w := env.do(http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, w.Header().Get("X-Request-ID"), 36)
	})

	t.Run("Echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		w := httptest.NewRecorder()
		env.server.Router.ServeHTTP(w, req)

		assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	})
}

func TestListTrades(t *testing.T) {
	// Arrange
	env := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertTrades(ctx, []models.Trade{
		trade(1, 2, 10, testNow.Add(-2*time.Hour)),
		trade(3, 4, -5, testNow.Add(-time.Hour)),
	}))

	// Act
	w := env.do(http.MethodGet, "/api/trades?page=1&page_size=1", nil)

	// Assert
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["total"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	row := items[0].(map[string]any)
	assert.EqualValues(t, 4, row["exit_order_id"])
	assert.InDelta(t, -0.05, row["return_rate"], 1e-9)
	assert.InDelta(t, 30, row["holding_minutes"], 1e-9)
	assert.Equal(t, "2024-05-01", row["date"])

	t.Run("BadPage", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/trades?page_size=abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSummaryIsCachedUntilInvalidated(t *testing.T) {
	env := newTestServer(t, nil)
	ctx := context.Background()

	w := env.do(http.MethodGet, "/api/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 0, body["total_trades"])
	assert.Equal(t, "healthy", body["health"].(map[string]any)["grade"])

	require.NoError(t, env.store.UpsertTrades(ctx, []models.Trade{trade(1, 2, 10, testNow.Add(-time.Hour))}))
	body = decode(t, env.do(http.MethodGet, "/api/summary", nil))
	assert.EqualValues(t, 0, body["total_trades"])

	env.server.Invalidate()
	body = decode(t, env.do(http.MethodGet, "/api/summary", nil))
	assert.EqualValues(t, 1, body["total_trades"])
	assert.InDelta(t, 1010, body["equity"], 1e-9)
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertTrades(ctx, []models.Trade{
		trade(1, 2, 10, testNow.Add(-48*time.Hour)),
		trade(3, 4, -5, testNow.Add(-time.Hour)),
	}))
	require.NoError(t, env.store.AppendBalance(ctx, models.Balance{Balance: 1000}, testNow.Add(-2*time.Hour)))
	require.NoError(t, env.store.AppendBalance(ctx, models.Balance{Balance: 900}, testNow.Add(-time.Hour)))

	t.Run("Equity", func(t *testing.T) {
		body := decode(t, env.do(http.MethodGet, "/api/equity", nil))

		assert.Len(t, body["curve"], 2)
		assert.Len(t, body["daily"], 2)
	})

	t.Run("Aggregates", func(t *testing.T) {
		body := decode(t, env.do(http.MethodGet, "/api/aggregates?window=7d", nil))

		assert.Equal(t, "7d", body["window"])
	})

	t.Run("Balance", func(t *testing.T) {
		body := decode(t, env.do(http.MethodGet, "/api/balance?days=1", nil))

		assert.Len(t, body["history"], 2)
		assert.InDelta(t, 100, body["drawdown"].(map[string]any)["max_abs"], 1e-9)
	})
}

func TestPositionsAndLongTerm(t *testing.T) {
	env := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, env.store.ReplaceSymbolLots(ctx, "BTCUSDT", []models.OpenPosition{
		{Side: models.SideLong, OrderID: 1, Qty: 1, EntryPrice: 100, EntryTime: testNow.Add(-time.Hour).UnixMilli()},
		{Side: models.SideLong, OrderID: 2, Qty: 1, EntryPrice: 110, EntryTime: testNow.UnixMilli()},
	}))

	body := decode(t, env.do(http.MethodGet, "/api/positions", nil))
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.InDelta(t, 105, positions[0].(map[string]any)["entry_price"], 1e-9)
	assert.Len(t, body["lots"], 2)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"Flags", "/api/positions/btcusdt/long/long-term", map[string]bool{"is_long_term": true}, http.StatusOK},
		{"UnknownSymbol", "/api/positions/ETHUSDT/LONG/long-term", map[string]bool{"is_long_term": true}, http.StatusNotFound},
		{"BadSide", "/api/positions/BTCUSDT/UP/long-term", map[string]bool{"is_long_term": true}, http.StatusBadRequest},
		{"MissingFlag", "/api/positions/BTCUSDT/LONG/long-term", map[string]string{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPatch, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	lots, err := env.store.OpenLots(ctx, "BTCUSDT")
	require.NoError(t, err)
	for _, lot := range lots {
		assert.True(t, lot.IsLongTerm)
	}
}

func TestTriggerSync(t *testing.T) {
	t.Run("SchedulerDisabled", func(t *testing.T) {
		env := newTestServer(t, nil)

		w := env.do(http.MethodPost, "/api/sync", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, decode(t, w)["error"], "missing_api_keys")
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Accepted", nil, http.StatusAccepted},
		{"Busy", scheduler.ErrBusy, http.StatusConflict},
		{"Cooldown", scheduler.ErrCooldown, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := new(MockJobRunner)
			jobs.On("Trigger", mock.Anything, "sync_trades").Return(tt.err)
			env := newTestServer(t, jobs)

			w := env.do(http.MethodPost, "/api/sync", nil)

			assert.Equal(t, tt.want, w.Code)
			jobs.AssertExpectations(t)
		})
	}
}

func TestJobsAndStatus(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		env := newTestServer(t, nil)

		body := decode(t, env.do(http.MethodGet, "/api/jobs", nil))
		assert.Equal(t, false, body["enabled"])

		status := decode(t, env.do(http.MethodGet, "/api/status", nil))
		assert.Equal(t, false, status["scheduler"].(map[string]any)["enabled"])
		assert.EqualValues(t, 0, status["total_trades"])
	})

	t.Run("Enabled", func(t *testing.T) {
		jobs := new(MockJobRunner)
		jobs.On("Status").Return([]scheduler.JobStatus{{Name: "sync_trades", Runs: 3}})
		env := newTestServer(t, jobs)

		body := decode(t, env.do(http.MethodGet, "/api/jobs", nil))

		list := body["jobs"].([]any)
		require.Len(t, list, 1)
		assert.EqualValues(t, 3, list[0].(map[string]any)["runs"])
	})
}

func TestSnapshotLookups(t *testing.T) {
	env := newTestServer(t, nil)
	env.snaps.On("Leaderboard", mock.Anything, "").Return(models.LeaderboardSnapshot{SnapshotDate: "2024-05-01"}, nil)
	env.snaps.On("Leaderboard", mock.Anything, "2099-01-01").Return(models.LeaderboardSnapshot{}, fmt.Errorf("%w: 2099-01-01", snapshots.ErrFutureDate))
	env.snaps.On("Leaderboard", mock.Anything, "bad").Return(models.LeaderboardSnapshot{}, snapshots.ErrInvalidDate)
	env.snaps.On("NoonLoss", mock.Anything, "2024-01-01").Return(models.NoonLossSnapshot{}, database.ErrNotFound)
	env.snaps.On("Rebound", mock.Anything, 7, "").Return(models.ReboundSnapshot{WindowDays: 7}, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"LatestLeaderboard", "/api/snapshots/leaderboard", http.StatusOK},
		{"FutureDate", "/api/snapshots/leaderboard?date=2099-01-01", http.StatusBadRequest},
		{"InvalidDate", "/api/snapshots/leaderboard?date=bad", http.StatusBadRequest},
		{"MissingNoonLoss", "/api/snapshots/noon-loss?date=2024-01-01", http.StatusNotFound},
		{"Rebound", "/api/snapshots/rebound/7", http.StatusOK},
		{"BadReboundWindow", "/api/snapshots/rebound/week", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
