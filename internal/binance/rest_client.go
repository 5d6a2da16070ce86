package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"binance-pnl-tracker-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	spotBaseURL           = "https://api.binance.com"
	spotTestnetBaseURL    = "https://testnet.binance.vision"
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"

	// recvWindow is how long a signed request stays valid in milliseconds.
	// Generous so that transport-level retries stay inside the window.
	recvWindow = "60000"

	// tradePageLimit is the maximum page size Binance allows on trade
	// history endpoints.
	tradePageLimit = 1000
)

// Credentials are one account's API keys, passed per call because the
// tracker syncs many accounts through one client.
type Credentials struct {
	APIKey    string
	APISecret string
}

// SpotTrade is one fill from GET /api/v3/myTrades.
type SpotTrade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
}

// FuturesTrade is one fill from GET /fapi/v1/userTrades.
type FuturesTrade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	RealizedPnl     string `json:"realizedPnl"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	Buyer           bool   `json:"buyer"`
	Maker           bool   `json:"maker"`
}

// Deposit is one record from GET /sapi/v1/capital/deposit/hisrec.
type Deposit struct {
	ID         string `json:"id"`
	Amount     string `json:"amount"`
	Coin       string `json:"coin"`
	Network    string `json:"network"`
	Status     int    `json:"status"`
	TxID       string `json:"txId"`
	InsertTime int64  `json:"insertTime"`
}

// Withdrawal is one record from GET /sapi/v1/capital/withdraw/history.
type Withdrawal struct {
	ID             string `json:"id"`
	Amount         string `json:"amount"`
	TransactionFee string `json:"transactionFee"`
	Coin           string `json:"coin"`
	Status         int    `json:"status"`
	TxID           string `json:"txId"`
	ApplyTime      string `json:"applyTime"` // "2006-01-02 15:04:05" in UTC
	Network        string `json:"network"`
}

// RestClientInterface defines the Binance history operations the ingest
// pipeline consumes.
type RestClientInterface interface {
	Ping(ctx context.Context) error
	SpotTrades(ctx context.Context, creds Credentials, symbol string, start, end time.Time) ([]SpotTrade, error)
	FuturesTrades(ctx context.Context, creds Credentials, symbol string, start, end time.Time) ([]FuturesTrade, error)
	Deposits(ctx context.Context, creds Credentials, start, end time.Time) ([]Deposit, error)
	Withdrawals(ctx context.Context, creds Credentials, start, end time.Time) ([]Withdrawal, error)
}

// RestClient is a client for the Binance REST API covering the spot and
// futures history endpoints. One rate limiter is shared across both hosts,
// so the configured rate caps a whole multi-account crawl.
type RestClient struct {
	spot    *resty.Client
	futures *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	spotURL := spotBaseURL
	futuresURL := futuresBaseURL
	if cfg.Testnet {
		spotURL = spotTestnetBaseURL
		futuresURL = futuresTestnetBaseURL
		logger.Warn("Using Binance Testnet")
	}
	if cfg.SpotBaseURL != "" {
		spotURL = cfg.SpotBaseURL
	}
	if cfg.FuturesBaseURL != "" {
		futuresURL = cfg.FuturesBaseURL
	}

	// rate.Limit is requests per second, shared across both hosts.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		spot:    resty.New().SetBaseURL(spotURL),
		futures: resty.New().SetBaseURL(futuresURL),
		logger:  logger,
		limiter: limiter,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func sign(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedRequest prepares a signed GET request on the given host client.
func (c *RestClient) signedRequest(rc *resty.Client, creds Credentials, params url.Values, result interface{}) *resty.Request {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	query += "&signature=" + sign(creds.APISecret, query)

	return rc.R().
		SetHeader("X-MBX-APIKEY", creds.APIKey).
		SetQueryString(query).
		SetResult(result)
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
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

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// Ping checks connectivity against the spot server-time endpoint.
func (c *RestClient) Ping(ctx context.Context) error {
	type serverTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.spot.R().SetResult(&serverTimeResponse{})
	if _, err := c.doRequest(ctx, "GET", "/api/v3/time", req); err != nil {
		return fmt.Errorf("failed to reach Binance: %w", err)
	}
	return nil
}

// SpotTrades fetches an account's spot fills for one symbol inside
// [start, end]. Pages beyond the first are followed with fromId until the
// window is exhausted.
func (c *RestClient) SpotTrades(ctx context.Context, creds Credentials, symbol string, start, end time.Time) ([]SpotTrade, error) {
	var all []SpotTrade
	fromID := int64(-1)

	for {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("limit", strconv.Itoa(tradePageLimit))
		if fromID >= 0 {
			// Binance ignores the time bounds once fromId is set, so the
			// window is re-applied client-side below.
			params.Set("fromId", strconv.FormatInt(fromID, 10))
		} else {
			params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
			params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		}

		var page []SpotTrade
		req := c.signedRequest(c.spot, creds, params, &page)
		if _, err := c.doRequest(ctx, "GET", "/api/v3/myTrades", req); err != nil {
			return nil, fmt.Errorf("failed to get spot trades for %s: %w", symbol, err)
		}

		for _, tr := range page {
			if tr.Time > end.UnixMilli() {
				return all, nil
			}
			if tr.Time >= start.UnixMilli() {
				all = append(all, tr)
			}
		}
		if len(page) < tradePageLimit {
			return all, nil
		}
		fromID = page[len(page)-1].ID + 1
	}
}

// FuturesTrades fetches an account's futures fills for one symbol inside
// [start, end], following fromId pagination like SpotTrades.
func (c *RestClient) FuturesTrades(ctx context.Context, creds Credentials, symbol string, start, end time.Time) ([]FuturesTrade, error) {
	var all []FuturesTrade
	fromID := int64(-1)

	for {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("limit", strconv.Itoa(tradePageLimit))
		if fromID >= 0 {
			params.Set("fromId", strconv.FormatInt(fromID, 10))
		} else {
			params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
			params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		}

		var page []FuturesTrade
		req := c.signedRequest(c.futures, creds, params, &page)
		if _, err := c.doRequest(ctx, "GET", "/fapi/v1/userTrades", req); err != nil {
			return nil, fmt.Errorf("failed to get futures trades for %s: %w", symbol, err)
		}

		for _, tr := range page {
			if tr.Time > end.UnixMilli() {
				return all, nil
			}
			if tr.Time >= start.UnixMilli() {
				all = append(all, tr)
			}
		}
		if len(page) < tradePageLimit {
			return all, nil
		}
		fromID = page[len(page)-1].ID + 1
	}
}

// Deposits fetches an account's deposit history inside [start, end].
func (c *RestClient) Deposits(ctx context.Context, creds Credentials, start, end time.Time) ([]Deposit, error) {
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(tradePageLimit))

	var deposits []Deposit
	req := c.signedRequest(c.spot, creds, params, &deposits)
	if _, err := c.doRequest(ctx, "GET", "/sapi/v1/capital/deposit/hisrec", req); err != nil {
		return nil, fmt.Errorf("failed to get deposit history: %w", err)
	}
	return deposits, nil
}

// Withdrawals fetches an account's withdrawal history inside [start, end].
func (c *RestClient) Withdrawals(ctx context.Context, creds Credentials, start, end time.Time) ([]Withdrawal, error) {
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(tradePageLimit))

	var withdrawals []Withdrawal
	req := c.signedRequest(c.spot, creds, params, &withdrawals)
	if _, err := c.doRequest(ctx, "GET", "/sapi/v1/capital/withdraw/history", req); err != nil {
		return nil, fmt.Errorf("failed to get withdrawal history: %w", err)
	}
	return withdrawals, nil
}
