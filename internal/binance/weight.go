package binance

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"
)

const defaultWeightBudget = 2400

// hotFraction of the budget reported as used by the exchange triggers a
// cooldown until the next minute.
const hotFraction = 0.9

// WeightBudget is a per-minute token bucket charged with request weights.
type WeightBudget struct {
	limiter  *rate.Limiter
	perMin   int
	lastUsed atomic.Int64
}

// NewWeightBudget returns a budget refilling perMinute tokens per minute.
func NewWeightBudget(perMinute int) *WeightBudget {
	if perMinute <= 0 {
		perMinute = defaultWeightBudget
	}
	return &WeightBudget{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		perMin:  perMinute,
	}
}

// PerMinute is the configured budget.
func (w *WeightBudget) PerMinute() int { return w.perMin }

// Wait blocks until weight tokens are available or ctx is done.
func (w *WeightBudget) Wait(ctx context.Context, weight int) error {
	if weight <= 0 {
		return nil
	}
	if weight > w.perMin {
		weight = w.perMin
	}
	return w.limiter.WaitN(ctx, weight)
}

// Observe records the exchange-reported used weight and reports whether it
// is close enough to the budget that callers should back off.
func (w *WeightBudget) Observe(header string) (used int, hot bool) {
	used, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil {
		return 0, false
	}
	w.lastUsed.Store(int64(used))
	return used, float64(used) >= hotFraction*float64(w.perMin)
}

// LastUsed is the most recent used weight reported by the exchange.
func (w *WeightBudget) LastUsed() int {
	return int(w.lastUsed.Load())
}

var fixedWeights = map[string]int{
	"/fapi/v1/time":         1,
	"/fapi/v1/exchangeInfo": 1,
	"/fapi/v1/userTrades":   5,
	"/fapi/v1/income":       30,
	"/fapi/v2/positionRisk": 5,
	"/fapi/v2/account":      5,
	"/fapi/v1/listenKey":    1,
}

// endpointWeight returns the request weight of path with params.
func endpointWeight(path string, params url.Values) int {
	if w, ok := fixedWeights[path]; ok {
		return w
	}
	hasSymbol := params.Get("symbol") != ""
	switch path {
	case "/fapi/v1/klines":
		limit, _ := strconv.Atoi(params.Get("limit"))
		return KlineWeight(limit)
	case "/fapi/v1/forceOrders":
		if hasSymbol {
			return 20
		}
		return 50
	case "/fapi/v1/ticker/24hr":
		if hasSymbol {
			return 1
		}
		return 40
	case "/fapi/v1/ticker/price":
		if hasSymbol {
			return 1
		}
		return 2
	case "/fapi/v1/premiumIndex":
		if hasSymbol {
			return 1
		}
		return 10
	}
	return 1
}

// KlineWeight is the weight of one klines request returning limit candles.
func KlineWeight(limit int) int {
	switch {
	case limit == 0:
		return 2 // default limit is 500
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}
