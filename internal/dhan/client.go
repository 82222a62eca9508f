package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

const (
	httpTimeout   = 10 * time.Second
	maxAttempts   = 4 // one request plus three retries
	chainInterval = 3 * time.Second // broker throttles /optionchain to ~1 req / 3 s
	chainCacheTTL = 5 * time.Minute
)

var (
	// ErrDataUnavailable wraps transport failures and 5xx responses that
	// survived all retries.
	ErrDataUnavailable = errors.New("broker data unavailable")

	// ErrAuthFailed means the access token was rejected and could not be
	// refreshed. The caller should surface this to the operator.
	ErrAuthFailed = errors.New("broker authentication failed")
)

// Credentials holds the Dhan API identity. AccessToken rotates roughly
// daily; APIKey and APISecret mint replacements.
type Credentials struct {
	ClientID    string
	APIKey      string
	APISecret   string
	AccessToken string
	TokenExpiry time.Time
}

// Client is the Dhan REST v2 client: historical candles, option chains,
// expiry lists, and the access-token lifecycle.
type Client struct {
	baseURL string
	http    *http.Client

	credsMu sync.RWMutex
	creds   Credentials

	// onTokenRefresh lets the caller persist a newly minted token.
	onTokenRefresh func(token string, expiry time.Time)

	chainLimiter *rateLimiter

	cacheMu    sync.Mutex
	chainCache map[string]chainCacheEntry
}

type chainCacheEntry struct {
	chain     *types.OptionChain
	fetchedAt time.Time
}

// NewClient creates a Dhan REST client
func NewClient(baseURL string, creds Credentials) *Client {
	return &Client{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: httpTimeout},
		creds:        creds,
		chainLimiter: newRateLimiter(chainInterval),
		chainCache:   make(map[string]chainCacheEntry),
	}
}

// SetTokenRefreshHook registers a callback invoked after every successful
// token refresh, before any request uses the new token.
func (c *Client) SetTokenRefreshHook(fn func(token string, expiry time.Time)) {
	c.onTokenRefresh = fn
}

// AccessToken returns the current token for feed authentication
func (c *Client) AccessToken() string {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds.AccessToken
}

// ClientID returns the broker client identifier
func (c *Client) ClientID() string {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds.ClientID
}

// TokenExpiry returns the stored token expiry (zero when unknown)
func (c *Client) TokenExpiry() time.Time {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds.TokenExpiry
}

// EnsureFreshToken refreshes the access token when it is within one hour
// of its stored expiry. A zero expiry or missing API key disables the
// proactive path; the 401 handler still covers those setups.
func (c *Client) EnsureFreshToken(ctx context.Context) error {
	c.credsMu.RLock()
	expiry := c.creds.TokenExpiry
	canMint := c.creds.APIKey != "" && c.creds.APISecret != ""
	c.credsMu.RUnlock()

	if expiry.IsZero() || !canMint {
		return nil
	}
	if time.Now().Before(expiry.Add(-1 * time.Hour)) {
		return nil
	}
	return c.RefreshToken(ctx)
}

// tokenResponse is the /auth/token reply
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiryTime  string `json:"expiryTime"`
}

// RefreshToken mints a new access token from the API key pair and swaps
// it in. Concurrent callers serialize on the credentials lock.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()

	if c.creds.APIKey == "" || c.creds.APISecret == "" {
		return fmt.Errorf("%w: no API key configured, update DHAN_ACCESS_TOKEN manually", ErrAuthFailed)
	}

	payload := map[string]string{
		"clientId":  c.creds.ClientID,
		"apiKey":    c.creds.APIKey,
		"apiSecret": c.creds.APISecret,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("client-id", c.creds.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuthFailed, resp.StatusCode, snippet)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("%w: decode token response: %v", ErrAuthFailed, err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: token endpoint returned empty token", ErrAuthFailed)
	}

	c.creds.AccessToken = tok.AccessToken
	if ts, err := time.Parse(time.RFC3339, tok.ExpiryTime); err == nil {
		c.creds.TokenExpiry = ts
	} else {
		// Broker default validity when the reply omits a usable expiry.
		c.creds.TokenExpiry = time.Now().Add(24 * time.Hour)
	}

	log.Info().Time("expiry", c.creds.TokenExpiry).Msg("🔑 Access token refreshed")

	if c.onTokenRefresh != nil {
		c.onTokenRefresh(c.creds.AccessToken, c.creds.TokenExpiry)
	}
	return nil
}

// intradayRequest is the /charts/intraday payload
type intradayRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	Interval        int    `json:"interval"`
	OI              bool   `json:"oi"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

// intradayResponse is column-oriented: parallel arrays indexed by bar
type intradayResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
	Timestamp []float64 `json:"timestamp"`
}

// GetHistoricalCandles fetches intraday bars for the last `days` calendar
// days at the given interval (minutes). Bars come back oldest-first with
// IST timestamps.
func (c *Client) GetHistoricalCandles(ctx context.Context, inst types.Instrument, interval, days int) ([]types.Candle, error) {
	ist := market.IST()
	to := time.Now().In(ist)
	from := to.AddDate(0, 0, -days)

	payload := intradayRequest{
		SecurityID:      strconv.FormatUint(uint64(inst.SecurityID), 10),
		ExchangeSegment: inst.ExchangeSegment,
		Instrument:      instrumentKind(inst.ExchangeSegment),
		Interval:        interval,
		OI:              false,
		FromDate:        from.Format("2006-01-02 15:04:05"),
		ToDate:          to.Format("2006-01-02 15:04:05"),
	}

	var raw intradayResponse
	if err := c.postJSON(ctx, "/charts/intraday", payload, &raw); err != nil {
		return nil, err
	}

	n := len(raw.Timestamp)
	for _, col := range [][]float64{raw.Open, raw.High, raw.Low, raw.Close} {
		if len(col) < n {
			n = len(col)
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty candle response for %s", ErrDataUnavailable, inst.Symbol)
	}

	candles := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		var vol int64
		if i < len(raw.Volume) {
			vol = int64(raw.Volume[i])
		}
		candles = append(candles, types.Candle{
			Timestamp: time.Unix(int64(raw.Timestamp[i]), 0).In(ist),
			Open:      raw.Open[i],
			High:      raw.High[i],
			Low:       raw.Low[i],
			Close:     raw.Close[i],
			Volume:    vol,
		})
	}

	log.Debug().
		Str("symbol", inst.Symbol).
		Int("candles", len(candles)).
		Int("interval", interval).
		Msg("Fetched historical candles")

	return candles, nil
}

// chainRequest is the /optionchain and /optionchain/expirylist payload
type chainRequest struct {
	UnderlyingScrip int    `json:"UnderlyingScrip"`
	UnderlyingSeg   string `json:"UnderlyingSeg"`
	Expiry          string `json:"Expiry,omitempty"`
}

// chainLeg is one side (ce or pe) of a chain strike
type chainLeg struct {
	LastPrice  float64 `json:"last_price"`
	OI         float64 `json:"oi"`
	Volume     float64 `json:"volume"`
	ImpliedVol float64 `json:"implied_volatility"`
	TopBid     float64 `json:"top_bid_price"`
	TopAsk     float64 `json:"top_ask_price"`
	Greeks     struct {
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Vega  float64 `json:"vega"`
		Theta float64 `json:"theta"`
	} `json:"greeks"`
}

// chainResponse maps strikes (stringified floats) to their two legs
type chainResponse struct {
	Data struct {
		LastPrice float64 `json:"last_price"`
		OC        map[string]struct {
			CE *chainLeg `json:"ce"`
			PE *chainLeg `json:"pe"`
		} `json:"oc"`
	} `json:"data"`
}

// GetOptionChain fetches the chain for one underlying and expiry. Results
// are cached for five minutes and requests are spaced to respect the
// broker's per-endpoint throttle.
func (c *Client) GetOptionChain(ctx context.Context, inst types.Instrument, expiry string) (*types.OptionChain, error) {
	key := fmt.Sprintf("%d|%s", inst.SecurityID, expiry)

	c.cacheMu.Lock()
	if entry, ok := c.chainCache[key]; ok && time.Since(entry.fetchedAt) < chainCacheTTL {
		c.cacheMu.Unlock()
		return entry.chain, nil
	}
	c.cacheMu.Unlock()

	if err := c.chainLimiter.wait(ctx); err != nil {
		return nil, err
	}

	payload := chainRequest{
		UnderlyingScrip: int(inst.SecurityID),
		UnderlyingSeg:   inst.ExchangeSegment,
		Expiry:          expiry,
	}

	var raw chainResponse
	if err := c.postJSON(ctx, "/optionchain", payload, &raw); err != nil {
		return nil, err
	}
	if len(raw.Data.OC) == 0 {
		return nil, fmt.Errorf("%w: empty option chain for %s %s", ErrDataUnavailable, inst.Symbol, expiry)
	}

	chain := &types.OptionChain{
		Underlying: inst.Symbol,
		Expiry:     expiry,
		FetchedAt:  time.Now(),
		Spot:       raw.Data.LastPrice,
		Rows:       make([]types.OptionChainRow, 0, len(raw.Data.OC)),
	}
	for strikeStr, legs := range raw.Data.OC {
		strike, err := strconv.ParseFloat(strikeStr, 64)
		if err != nil {
			continue
		}
		row := types.OptionChainRow{Strike: strike}
		if legs.CE != nil {
			row.Call = legQuote(legs.CE)
		}
		if legs.PE != nil {
			row.Put = legQuote(legs.PE)
		}
		chain.Rows = append(chain.Rows, row)
	}
	sort.Slice(chain.Rows, func(i, j int) bool { return chain.Rows[i].Strike < chain.Rows[j].Strike })

	c.cacheMu.Lock()
	c.chainCache[key] = chainCacheEntry{chain: chain, fetchedAt: chain.FetchedAt}
	c.cacheMu.Unlock()

	log.Debug().
		Str("symbol", inst.Symbol).
		Str("expiry", expiry).
		Int("strikes", len(chain.Rows)).
		Float64("spot", chain.Spot).
		Msg("Fetched option chain")

	return chain, nil
}

// expiryResponse is the /optionchain/expirylist reply
type expiryResponse struct {
	Data []string `json:"data"`
}

// GetExpiryList fetches available option expiries, oldest first
func (c *Client) GetExpiryList(ctx context.Context, inst types.Instrument) ([]string, error) {
	payload := chainRequest{
		UnderlyingScrip: int(inst.SecurityID),
		UnderlyingSeg:   inst.ExchangeSegment,
	}

	var raw expiryResponse
	if err := c.postJSON(ctx, "/optionchain/expirylist", payload, &raw); err != nil {
		return nil, err
	}
	if len(raw.Data) == 0 {
		return nil, fmt.Errorf("%w: no expiries for %s", ErrDataUnavailable, inst.Symbol)
	}
	sort.Strings(raw.Data)
	return raw.Data, nil
}

// NearestExpiry returns the first expiry on or after today (IST)
func (c *Client) NearestExpiry(ctx context.Context, inst types.Instrument) (string, error) {
	expiries, err := c.GetExpiryList(ctx, inst)
	if err != nil {
		return "", err
	}
	today := time.Now().In(market.IST()).Format("2006-01-02")
	for _, e := range expiries {
		if e >= today {
			return e, nil
		}
	}
	return expiries[len(expiries)-1], nil
}

// postJSON posts a payload and decodes the reply. Transport errors and
// 5xx responses retry with 1/2/4 s backoff; a 401/403 triggers one token
// refresh before the request is retried.
func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	refreshed := false
	immediate := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && !immediate {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		immediate = false

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("access-token", c.AccessToken())
		req.Header.Set("client-id", c.ClientID())

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("Broker request failed, retrying")
			continue
		}

		done, err := c.consumeResponse(ctx, resp, path, out, &refreshed)
		if done {
			return err
		}
		if err != nil {
			lastErr = err
		} else {
			// Token was refreshed: retry right away without burning an attempt.
			immediate = true
			attempt--
		}
	}

	return fmt.Errorf("%w: %s: %v", ErrDataUnavailable, path, lastErr)
}

// consumeResponse drains one HTTP response. done=true means the outcome is
// final (success or a non-retryable error); done=false asks the caller to
// retry.
func (c *Client) consumeResponse(ctx context.Context, resp *http.Response, path string, out interface{}, refreshed *bool) (done bool, err error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return true, fmt.Errorf("decode %s response: %w", path, err)
		}
		return true, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if *refreshed {
			return true, fmt.Errorf("%w: %s rejected refreshed token", ErrAuthFailed, path)
		}
		log.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("⚠️ Access token rejected, refreshing")
		if err := c.RefreshToken(ctx); err != nil {
			return true, err
		}
		*refreshed = true
		return false, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		log.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("Broker returned transient error, retrying")
		return false, fmt.Errorf("broker returned %d: %s", resp.StatusCode, snippet)

	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return true, fmt.Errorf("broker returned %d for %s: %s", resp.StatusCode, path, snippet)
	}
}

// instrumentKind maps an exchange segment to the broker's instrument
// field for candle requests
func instrumentKind(segment string) string {
	if segment == "IDX_I" {
		return "INDEX"
	}
	return "OPTIDX"
}

// legQuote converts one raw chain leg into an OptionQuote
func legQuote(leg *chainLeg) types.OptionQuote {
	return types.OptionQuote{
		Bid:   leg.TopBid,
		Ask:   leg.TopAsk,
		LTP:   leg.LastPrice,
		OI:    leg.OI,
		IV:    normalizeIV(leg.ImpliedVol),
		Delta: leg.Greeks.Delta,
	}
}

// normalizeIV coerces the broker's inconsistently scaled IV field into
// percent form: 2051 (basis points) and 0.21 (decimal) both become ~21.
func normalizeIV(raw float64) float64 {
	if raw <= 0 {
		return 0
	}
	iv := raw
	switch {
	case iv > 1000:
		iv /= 100
	case iv <= 3:
		iv *= 100
	}
	if iv < 1 {
		iv = 1
	}
	if iv > 300 {
		iv = 300
	}
	return iv
}

// rateLimiter spaces calls at a fixed minimum interval. Waiters reserve
// their slot up front so concurrent callers queue in order.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (l *rateLimiter) wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	at := l.next
	if at.Before(now) {
		at = now
	}
	l.next = at.Add(l.interval)
	l.mu.Unlock()

	sleep := time.Until(at)
	if sleep <= 0 {
		return nil
	}
	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
