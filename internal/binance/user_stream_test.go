package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderUpdate(t *testing.T) {
	t.Run("ReduceOnlyExecution", func(t *testing.T) {
		msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1568879465651,"T":1568879465650,"o":{
			"s":"BTCUSDT","c":"x","S":"SELL","o":"MARKET","X":"FILLED","x":"TRADE","i":8886774,
			"l":"0.001","z":"0.001","L":"9000","rp":"1.5","R":true,"ps":"LONG","T":1568879465651}}`)

		update, ok, err := parseOrderUpdate(msg)

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "BTCUSDT", update.Symbol)
		assert.Equal(t, int64(8886774), update.OrderID)
		assert.Equal(t, 1.5, update.RealizedPnl)
		assert.True(t, update.ClosesExposure())
	})

	t.Run("OpeningExecution", func(t *testing.T) {
		msg := []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"ETHUSDT","S":"BUY","x":"TRADE","X":"FILLED","i":1,"l":"1","rp":"0","R":false,"ps":"LONG"}}`)

		update, ok, err := parseOrderUpdate(msg)

		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, update.ClosesExposure())
	})

	t.Run("OtherEvent", func(t *testing.T) {
		_, ok, err := parseOrderUpdate([]byte(`{"e":"ACCOUNT_UPDATE"}`))
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, _, err := parseOrderUpdate([]byte(`not json`))
		assert.Error(t, err)
	})
}
