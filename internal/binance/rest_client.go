package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"binance-trade-ledger/internal/config"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/tracing"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	recvWindow     = 5000 // How long a signed request is valid in milliseconds

	usedWeightHeader = "X-MBX-USED-WEIGHT-1M"

	codeTimestampOutside = -1021
	codeTooManyRequests  = -1003
)

// ErrCooldown is returned without touching the network while the client
// is backing off after a rate-limit rejection.
var ErrCooldown = errors.New("binance api cooldown active")

// APIError is an error payload returned by the exchange.
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error (http %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// RestClientInterface defines the futures account and market capabilities
// consumed by the sync, snapshot and job packages.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetFills(ctx context.Context, symbol string, start, end time.Time) ([]models.Fill, error)
	GetIncome(ctx context.Context, incomeType string, start, end time.Time) ([]models.Income, error)
	GetForceOrderIDs(ctx context.Context, symbol string, start, end time.Time) (map[int64]bool, error)
	GetOpenPositions(ctx context.Context) ([]models.ExchangePosition, error)
	GetBalance(ctx context.Context) (models.Balance, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int, startTime int64) ([]models.Kline, error)
	GetPerpetualSymbols(ctx context.Context) ([]string, error)
	Get24hTickers(ctx context.Context) ([]models.Ticker24h, error)
	GetTickerPrices(ctx context.Context) (map[string]float64, error)
	GetMarkPrices(ctx context.Context) (map[string]float64, error)
	CooldownActive() bool
}

// RestClient is a client for the Binance USDⓈ-M futures REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client     *resty.Client
	apiKey     string
	secretKey  string
	recvWindow int
	logger     *zap.Logger
	limiter    *rate.Limiter
	weights    *WeightBudget
	maxRetries int
	backoff    time.Duration
	cooldown   time.Duration

	timeOffset atomic.Int64

	mu            sync.Mutex
	cooldownUntil time.Time
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new futures REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	url := cfg.BaseURL
	if url == "" {
		if cfg.Testnet {
			url = testnetBaseURL
			logger.Warn("Using Binance Futures Testnet")
		} else {
			url = baseURL
			logger.Info("Using Binance Futures Production API")
		}
	}

	client := resty.New().SetBaseURL(url)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	// One request per min interval, no bursts.
	interval := cfg.MinRequestInterval
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	window := cfg.RecvWindow
	if window <= 0 {
		window = recvWindow
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}

	return &RestClient{
		client:     client,
		apiKey:     cfg.ApiKey,
		secretKey:  cfg.SecretKey,
		recvWindow: window,
		logger:     logger.Named("binance"),
		limiter:    limiter,
		weights:    NewWeightBudget(cfg.WeightBudgetPerMinute),
		maxRetries: maxRetries,
		backoff:    time.Second,
		cooldown:   cooldown,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// CooldownActive reports whether requests are currently being refused.
func (c *RestClient) CooldownActive() bool {
	return c.CooldownRemaining() > 0
}

// CooldownRemaining is the time left before requests are allowed again.
func (c *RestClient) CooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Until(c.cooldownUntil)
}

func (c *RestClient) enterCooldown(d time.Duration, reason string) {
	until := time.Now().Add(d)
	c.mu.Lock()
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	c.mu.Unlock()
	c.logger.Warn("Entering API cooldown", zap.Duration("duration", d), zap.String("reason", reason))
}

// call describes one REST request.
type call struct {
	method string
	path   string
	params url.Values
	signed bool
	keyed  bool // X-MBX-APIKEY without signature
	result any
}

func (c *RestClient) newRequest(ctx context.Context, cl call) *resty.Request {
	req := c.client.R().SetContext(ctx)
	if cl.result != nil {
		req.SetResult(cl.result)
	}

	params := url.Values{}
	for k, v := range cl.params {
		params[k] = v
	}
	if cl.signed {
		ts := time.Now().UnixMilli() + c.timeOffset.Load()
		params.Set("timestamp", strconv.FormatInt(ts, 10))
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
		query := params.Encode()
		req.SetQueryString(query + "&signature=" + c.sign(query))
	} else if len(params) > 0 {
		req.SetQueryString(params.Encode())
	}
	if cl.signed || cl.keyed {
		req.SetHeader("X-MBX-APIKEY", c.apiKey)
	}
	return req
}

// doRequest handles the actual request execution with throttling, weight
// accounting, cooldown and retry logic.
func (c *RestClient) doRequest(ctx context.Context, cl call) (*resty.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "binance "+cl.path)
	defer span.End()

	weight := endpointWeight(cl.path, cl.params)
	span.SetAttributes(attribute.Int("binance.weight", weight))

	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		if remaining := c.CooldownRemaining(); remaining > 0 {
			return nil, fmt.Errorf("%w (%s left)", ErrCooldown, remaining.Round(time.Second))
		}

		// Wait for the min-interval limiter, then for the weight budget
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}
		if err := c.weights.Wait(ctx, weight); err != nil {
			return nil, fmt.Errorf("weight budget wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", cl.method), zap.String("path", cl.path), zap.Int("weight", weight))
		resp, err = c.newRequest(ctx, cl).Execute(cl.method, cl.path)

		if resp != nil {
			if used, hot := c.weights.Observe(resp.Header().Get(usedWeightHeader)); hot {
				c.enterCooldown(untilNextMinute(time.Now()), fmt.Sprintf("used weight %d near budget", used))
			}
		}

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			apiErr := decodeAPIError(resp)
			statusCode := resp.StatusCode()
			retryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))

			switch {
			case statusCode == http.StatusTeapot || apiErr.Code == codeTooManyRequests:
				d := retryAfter
				if d <= 0 {
					d = c.cooldown
				}
				c.enterCooldown(d, apiErr.Msg)
				return nil, fmt.Errorf("request failed with status %s: %w", resp.Status(), apiErr)
			case statusCode == http.StatusTooManyRequests:
				shouldRetry = true
			case apiErr.Code == codeTimestampOutside:
				if syncErr := c.syncTime(ctx); syncErr != nil {
					c.logger.Warn("Server time resync failed", zap.Error(syncErr))
				}
				shouldRetry = true
				retryAfter = time.Millisecond
			case statusCode >= 500:
				shouldRetry = true
			}
			err = apiErr

			if !shouldRetry {
				return nil, fmt.Errorf("request failed with status %s: %w", resp.Status(), apiErr)
			}
		} else { // Network errors, timeouts
			shouldRetry = true
		}

		if i == c.maxRetries-1 {
			break
		}

		// If we should retry, calculate wait time
		if retryAfter <= 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = c.backoff << i
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("path", cl.path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
		c.enterCooldown(c.cooldown, "rate limited after retries")
	}
	span.RecordError(err)
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, err)
}

func decodeAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = resp.String()
	}
	return apiErr
}

func parseRetryAfter(v string) time.Duration {
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

// syncTime stores the offset between the exchange clock and ours.
func (c *RestClient) syncTime(ctx context.Context) error {
	serverTime, err := c.fetchServerTime(ctx)
	if err != nil {
		return err
	}
	offset := serverTime - time.Now().UnixMilli()
	c.timeOffset.Store(offset)
	c.logger.Info("Synchronized server time offset", zap.Int64("offset_ms", offset))
	return nil
}

func (c *RestClient) fetchServerTime(ctx context.Context) (int64, error) {
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	// Bypasses doRequest so a resync cannot recurse into another resync.
	resp, err := c.client.R().SetContext(ctx).SetResult(&result).Get("/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, decodeAPIError(resp)
	}
	return result.ServerTime, nil
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	resp, err := c.doRequest(ctx, call{method: http.MethodGet, path: "/fapi/v1/time", result: &ServerTimeResponse{}})
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}
