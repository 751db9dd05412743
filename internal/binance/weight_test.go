package binance

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpointWeight(t *testing.T) {
	withSymbol := url.Values{"symbol": {"BTCUSDT"}}
	tests := []struct {
		name   string
		path   string
		params url.Values
		want   int
	}{
		{"UserTrades", "/fapi/v1/userTrades", withSymbol, 5},
		{"Income", "/fapi/v1/income", nil, 30},
		{"SmallKlines", "/fapi/v1/klines", url.Values{"limit": {"14"}}, 1},
		{"MediumKlines", "/fapi/v1/klines", url.Values{"limit": {"200"}}, 2},
		{"LargeKlines", "/fapi/v1/klines", url.Values{"limit": {"1000"}}, 5},
		{"AllTickers", "/fapi/v1/ticker/24hr", nil, 40},
		{"OneTicker", "/fapi/v1/ticker/24hr", withSymbol, 1},
		{"ForceOrdersSymbol", "/fapi/v1/forceOrders", withSymbol, 20},
		{"Unknown", "/fapi/v1/other", nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endpointWeight(tt.path, tt.params))
		})
	}
}

func TestWeightBudget(t *testing.T) {
	t.Run("WaitWithinBurst", func(t *testing.T) {
		b := NewWeightBudget(60)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		assert.NoError(t, b.Wait(ctx, 60))
	})

	t.Run("NeverBurstsBeyondBudget", func(t *testing.T) {
		b := NewWeightBudget(60)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		assert.NoError(t, b.Wait(ctx, 60))
		// bucket is empty; refilling 10 tokens takes ~10s
		assert.Error(t, b.Wait(ctx, 10))
	})

	t.Run("Observe", func(t *testing.T) {
		b := NewWeightBudget(1000)
		used, hot := b.Observe("120")
		assert.Equal(t, 120, used)
		assert.False(t, hot)

		_, hot = b.Observe("950")
		assert.True(t, hot)

		used, hot = b.Observe("")
		assert.Zero(t, used)
		assert.False(t, hot)
	})
}
