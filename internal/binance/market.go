package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"binance-trade-ledger/internal/models"
)

// ExchangeInfoResponse represents the response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific contract.
type SymbolInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	QuoteAsset   string `json:"quoteAsset"`
}

// GetPerpetualSymbols returns USDT perpetual contracts currently trading.
func (c *RestClient) GetPerpetualSymbols(ctx context.Context) ([]string, error) {
	var info ExchangeInfoResponse
	if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/exchangeInfo", result: &info}); err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.ContractType == "PERPETUAL" && s.QuoteAsset == "USDT" && strings.EqualFold(s.Status, "TRADING") {
			symbols = append(symbols, s.Symbol)
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no trading USDT perpetual symbols")
	}
	return symbols, nil
}

// GetKlines fetches candles for symbol. startTime is ignored when zero.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int, startTime int64) ([]models.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}

	var rows [][]json.RawMessage
	if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/klines", params: params, result: &rows}); err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	klines := make([]models.Kline, 0, len(rows))
	for _, row := range rows {
		k, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kline for %s: %w", symbol, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...].
func parseKline(row []json.RawMessage) (models.Kline, error) {
	if len(row) < 8 {
		return models.Kline{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	var k models.Kline
	if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
		return k, err
	}
	if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
		return k, err
	}
	floats := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
	for i, dst := range floats {
		v, err := rawFloat(row[i+1])
		if err != nil {
			return k, err
		}
		*dst = v
	}
	v, err := rawFloat(row[7])
	if err != nil {
		return k, err
	}
	k.QuoteVolume = v
	return k, nil
}

func rawFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	err := json.Unmarshal(raw, &f)
	return f, err
}

// Get24hTickers returns the rolling 24h statistics of all symbols.
func (c *RestClient) Get24hTickers(ctx context.Context) ([]models.Ticker24h, error) {
	var rows []struct {
		Symbol      string  `json:"symbol"`
		LastPrice   float64 `json:"lastPrice,string"`
		QuoteVolume float64 `json:"quoteVolume,string"`
	}
	if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/ticker/24hr", result: &rows}); err != nil {
		return nil, fmt.Errorf("failed to get 24h tickers: %w", err)
	}
	out := make([]models.Ticker24h, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Ticker24h{Symbol: r.Symbol, LastPrice: r.LastPrice, QuoteVolume: r.QuoteVolume})
	}
	return out, nil
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
}

// GetTickerPrices fetches the latest price for all symbols.
func (c *RestClient) GetTickerPrices(ctx context.Context) (map[string]float64, error) {
	var prices []TickerPrice
	if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/ticker/price", result: &prices}); err != nil {
		return nil, fmt.Errorf("failed to get all ticker prices: %w", err)
	}
	priceMap := make(map[string]float64, len(prices))
	for _, p := range prices {
		priceMap[p.Symbol] = p.Price
	}
	return priceMap, nil
}

// GetMarkPrices fetches the mark price of every symbol.
func (c *RestClient) GetMarkPrices(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		Symbol    string  `json:"symbol"`
		MarkPrice float64 `json:"markPrice,string"`
	}
	if _, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/premiumIndex", result: &rows}); err != nil {
		return nil, fmt.Errorf("failed to get mark prices: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Symbol] = r.MarkPrice
	}
	return out, nil
}
