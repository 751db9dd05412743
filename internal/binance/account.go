package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"binance-trade-ledger/internal/models"

	"go.uber.org/zap"
)

const (
	// fillWindow is the widest startTime/endTime span userTrades accepts.
	fillWindow     = 7 * 24 * time.Hour
	fillPageLimit  = 1000
	incomePageSize = 1000
	forcePageLimit = 100
)

type userTrade struct {
	ID           int64   `json:"id"`
	OrderID      int64   `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	PositionSide string  `json:"positionSide"`
	Price        float64 `json:"price,string"`
	Qty          float64 `json:"qty,string"`
	Commission   float64 `json:"commission,string"`
	RealizedPnl  float64 `json:"realizedPnl,string"`
	Time         int64   `json:"time"`
}

func (t userTrade) toFill() models.Fill {
	fee := t.Commission
	if fee < 0 {
		fee = -fee
	}
	return models.Fill{
		Symbol:       t.Symbol,
		TradeID:      t.ID,
		OrderID:      t.OrderID,
		Side:         t.Side,
		PositionSide: t.PositionSide,
		Time:         t.Time,
		Price:        t.Price,
		Qty:          t.Qty,
		Fee:          fee,
		RealizedPnl:  t.RealizedPnl,
	}
}

// GetFills fetches the account's fills for symbol in [start, end], paging
// through 7-day windows. The result is sorted by time then trade id.
func (c *RestClient) GetFills(ctx context.Context, symbol string, start, end time.Time) ([]models.Fill, error) {
	seen := make(map[int64]struct{})
	var fills []models.Fill

	for ws := start; ws.Before(end); {
		we := ws.Add(fillWindow)
		if we.After(end) {
			we = end
		}

		from := ws.UnixMilli()
		for {
			var page []userTrade
			params := url.Values{}
			params.Set("symbol", symbol)
			params.Set("startTime", strconv.FormatInt(from, 10))
			params.Set("endTime", strconv.FormatInt(we.UnixMilli(), 10))
			params.Set("limit", strconv.Itoa(fillPageLimit))

			if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/userTrades", params: params, signed: true, result: &page}); err != nil {
				return nil, fmt.Errorf("failed to get fills for %s: %w", symbol, err)
			}

			for _, t := range page {
				if _, ok := seen[t.ID]; ok {
					continue
				}
				seen[t.ID] = struct{}{}
				fills = append(fills, t.toFill())
			}

			if len(page) < fillPageLimit {
				break
			}
			last := page[len(page)-1].Time
			if last <= from {
				c.logger.Warn("Fill page did not advance, stopping window early",
					zap.String("symbol", symbol), zap.Int64("from", from))
				break
			}
			from = last
		}
		ws = we
	}

	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].Time != fills[j].Time {
			return fills[i].Time < fills[j].Time
		}
		return fills[i].TradeID < fills[j].TradeID
	})
	return fills, nil
}

type incomeRecord struct {
	Symbol     string  `json:"symbol"`
	IncomeType string  `json:"incomeType"`
	Income     float64 `json:"income,string"`
	Asset      string  `json:"asset"`
	Time       int64   `json:"time"`
	TranID     int64   `json:"tranId"`
}

// GetIncome fetches income records of incomeType (all types when empty).
func (c *RestClient) GetIncome(ctx context.Context, incomeType string, start, end time.Time) ([]models.Income, error) {
	type key struct {
		tranID int64
		typ    string
	}
	seen := make(map[key]struct{})
	var out []models.Income

	from := start.UnixMilli()
	for {
		var page []incomeRecord
		params := url.Values{}
		if incomeType != "" {
			params.Set("incomeType", incomeType)
		}
		params.Set("startTime", strconv.FormatInt(from, 10))
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(incomePageSize))

		if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/income", params: params, signed: true, result: &page}); err != nil {
			return nil, fmt.Errorf("failed to get income: %w", err)
		}

		for _, r := range page {
			k := key{r.TranID, r.IncomeType}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, models.Income{
				Symbol:     r.Symbol,
				IncomeType: r.IncomeType,
				Amount:     r.Income,
				Asset:      r.Asset,
				Time:       r.Time,
				TranID:     r.TranID,
			})
		}

		if len(page) < incomePageSize {
			break
		}
		last := page[len(page)-1].Time
		if last <= from {
			break
		}
		from = last
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

// GetForceOrderIDs returns the ids of liquidation orders for symbol. Each
// 7-day window is paged by startTime while full pages come back.
func (c *RestClient) GetForceOrderIDs(ctx context.Context, symbol string, start, end time.Time) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	for ws := start; ws.Before(end); {
		we := ws.Add(fillWindow)
		if we.After(end) {
			we = end
		}

		from := ws.UnixMilli()
		for {
			var orders []struct {
				OrderID int64 `json:"orderId"`
				Time    int64 `json:"time"`
			}
			params := url.Values{}
			params.Set("symbol", symbol)
			params.Set("startTime", strconv.FormatInt(from, 10))
			params.Set("endTime", strconv.FormatInt(we.UnixMilli(), 10))
			params.Set("limit", strconv.Itoa(forcePageLimit))

			if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/forceOrders", params: params, signed: true, result: &orders}); err != nil {
				return nil, fmt.Errorf("failed to get force orders for %s: %w", symbol, err)
			}
			last := from
			for _, o := range orders {
				ids[o.OrderID] = true
				last = max(last, o.Time)
			}

			if len(orders) < forcePageLimit {
				break
			}
			if last <= from {
				c.logger.Warn("Force order page did not advance, stopping window early",
					zap.String("symbol", symbol), zap.Int64("from", from))
				break
			}
			from = last
		}
		ws = we
	}
	return ids, nil
}

type positionRisk struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnRealizedProfit float64 `json:"unRealizedProfit,string"`
	PositionSide     string  `json:"positionSide"`
	UpdateTime       int64   `json:"updateTime"`
}

// GetOpenPositions returns the non-zero positions of the account. One-way
// (BOTH) positions are reported as LONG or SHORT by the sign of the amount.
func (c *RestClient) GetOpenPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	var rows []positionRisk
	if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v2/positionRisk", signed: true, result: &rows}); err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}

	var out []models.ExchangePosition
	for _, r := range rows {
		if r.PositionAmt == 0 {
			continue
		}
		side := r.PositionSide
		if side != models.SideLong && side != models.SideShort {
			side = models.SideLong
			if r.PositionAmt < 0 {
				side = models.SideShort
			}
		}
		qty := r.PositionAmt
		if qty < 0 {
			qty = -qty
		}
		out = append(out, models.ExchangePosition{
			Symbol:        r.Symbol,
			Side:          side,
			Qty:           qty,
			EntryPrice:    r.EntryPrice,
			MarkPrice:     r.MarkPrice,
			UnrealizedPnl: r.UnRealizedProfit,
			UpdateTime:    r.UpdateTime,
		})
	}
	return out, nil
}

// GetBalance returns the margin and wallet balance of the account.
func (c *RestClient) GetBalance(ctx context.Context) (models.Balance, error) {
	var account struct {
		TotalMarginBalance float64 `json:"totalMarginBalance,string"`
		TotalWalletBalance float64 `json:"totalWalletBalance,string"`
	}
	if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v2/account", signed: true, result: &account}); err != nil {
		return models.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return models.Balance{Balance: account.TotalMarginBalance, WalletBalance: account.TotalWalletBalance}, nil
}

// CreateListenKey opens a user data stream.
func (c *RestClient) CreateListenKey(ctx context.Context) (string, error) {
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if _, err := c.doRequest(ctx, call{method: http.MethodPost, path: "/fapi/v1/listenKey", keyed: true, result: &result}); err != nil {
		return "", fmt.Errorf("failed to create listen key: %w", err)
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the user data stream validity.
func (c *RestClient) KeepAliveListenKey(ctx context.Context) error {
	if _, err := c.doRequest(ctx, call{method: http.MethodPut, path: "/fapi/v1/listenKey", keyed: true}); err != nil {
		return fmt.Errorf("failed to keep listen key alive: %w", err)
	}
	return nil
}
