package tracing

import (
	"context"
	"testing"

	"binance-trade-ledger/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestStartSpanDisabled(t *testing.T) {
	assert.NoError(t, Init(config.Tracing{Enabled: false}))

	ctx := context.Background()
	got, span := StartSpan(ctx, "noop")
	defer span.End()

	assert.Equal(t, ctx, got)
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, Shutdown(ctx))
}
