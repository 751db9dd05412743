package syncer

import (
	"testing"
	"time"

	"binance-trade-ledger/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestPlan(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	opts := Options{DaysToFetch: 30, Overlap: 24 * time.Hour}
	full := now.Add(-30 * 24 * time.Hour)
	warm := &models.SyncStatus{Symbol: "BTCUSDT", LastEntryTime: now.Add(-48 * time.Hour).UnixMilli()}

	tests := []struct {
		name      string
		status    *models.SyncStatus
		mode      Mode
		since     time.Time
		wantStart time.Time
		wantState string
	}{
		{"Cold", nil, ModeRoutine, time.Time{}, full, models.SyncStateCold},
		{"ColdWithoutWatermark", &models.SyncStatus{Symbol: "BTCUSDT"}, ModeRoutine, time.Time{}, full, models.SyncStateCold},
		{"WarmResumesWithOverlap", warm, ModeRoutine, time.Time{}, now.Add(-72 * time.Hour), models.SyncStateWarm},
		{"WarmNeverBeforeLookback", &models.SyncStatus{LastEntryTime: now.Add(-90 * 24 * time.Hour).UnixMilli()}, ModeRoutine, time.Time{}, full, models.SyncStateWarm},
		{"FallbackRefetchesLookback", warm, ModeFallback, time.Time{}, full, models.SyncStateWarm},
		{"Compensation", warm, ModeCompensation, now.Add(-time.Hour), now.Add(-time.Hour), models.SyncStateCompensating},
		{"FutureWatermarkClamped", &models.SyncStatus{LastEntryTime: now.Add(48 * time.Hour).UnixMilli()}, ModeRoutine, time.Time{}, now, models.SyncStateWarm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Plan("BTCUSDT", tt.status, tt.mode, now, opts, tt.since)

			assert.Equal(t, tt.wantStart, w.Start)
			assert.Equal(t, now, w.End)
			assert.Equal(t, tt.wantState, w.State)
		})
	}
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeFallback, ParseMode("fallback"))
	assert.Equal(t, ModeManual, ParseMode(""))
	assert.Equal(t, ModeManual, ParseMode("bogus"))
}

func TestCompensationQueue(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	q := NewCompensationQueue(time.Hour)
	q.now = func() time.Time { return now }

	q.Request("BTCUSDT", now.Add(-10*time.Minute))
	q.Request("BTCUSDT", now.Add(-30*time.Minute))
	q.Request("BTCUSDT", now.Add(-5*time.Minute))
	q.Request("ETHUSDT", now.Add(-48*time.Hour))
	q.Request("SOLUSDT", time.Time{})

	assert.Equal(t, 3, q.Len())
	pending := q.Drain()
	assert.Equal(t, now.Add(-30*time.Minute), pending["BTCUSDT"])
	assert.Equal(t, now.Add(-time.Hour), pending["ETHUSDT"])
	assert.Equal(t, now.Add(-time.Hour), pending["SOLUSDT"])
	assert.Zero(t, q.Len())
}
