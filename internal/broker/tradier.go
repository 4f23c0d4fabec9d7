// Package broker provides trading API clients for executing options trades.
// It includes the Tradier API client implementation for vertical credit
// spread strategies.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// StrikeMatchEpsilon defines the precision tolerance for matching strike prices
const StrikeMatchEpsilon = 1e-3

// OrderDuration is the time-in-force of an order.
type OrderDuration string

// Order durations accepted by the API.
const (
	DurationDay OrderDuration = "day"
	DurationGTC OrderDuration = "gtc"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierAPI - Accurate implementation based on actual API docs
type TradierAPI struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
	timeout   time.Duration
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a new TradierAPI client with an optional
// custom baseURL, used by tests to point at a local server.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	const defaultTimeout = 10 * time.Second
	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		client:    &http.Client{Timeout: defaultTimeout},
		sandbox:   sandbox,
		timeout:   defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	BidSize        int     `json:"bid_size"`
	AskSize        int     `json:"ask_size"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// Greeks contains option Greeks data from the Tradier API.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	Rho       float64 `json:"rho"`
	Phi       float64 `json:"phi"`
	BidIV     float64 `json:"bid_iv"`
	MidIV     float64 `json:"mid_iv"`
	AskIV     float64 `json:"ask_iv"`
	SmvVol    float64 `json:"smv_vol"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}

	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol           string  `json:"symbol"`
	Description      string  `json:"description"`
	Type             string  `json:"type"`
	TradeDate        int64   `json:"trade_date"`
	Low              float64 `json:"low"`
	ChangePercentage float64 `json:"change_percentage"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Volume           int64   `json:"volume"`
	Close            float64 `json:"close"`
	PrevClose        float64 `json:"prevclose"`
	Bid              float64 `json:"bid"`
	BidSize          int     `json:"bidsize"`
	Change           float64 `json:"change"`
	Ask              float64 `json:"ask"`
	AskSize          int     `json:"asksize"`
	Last             float64 `json:"last"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		TotalEquity        float64 `json:"total_equity"`
		AccountNumber      string  `json:"account_number"`
		AccountType        string  `json:"account_type"`
		Equity             float64 `json:"equity"`
		MarketValue        float64 `json:"market_value"`
		OpenPL             float64 `json:"open_pl"`
		ClosePL            float64 `json:"close_pl"`
		OptionLongValue    float64 `json:"option_long_value"`
		OptionShortValue   float64 `json:"option_short_value"`
		OptionRequirement  float64 `json:"option_requirement"`
		PendingOrdersCount int     `json:"pending_orders_count"`
		TotalCash          float64 `json:"total_cash"`
		UnclearedFunds     float64 `json:"uncleared_funds"`
		PendingCash        float64 `json:"pending_cash"`
	} `json:"balances"`
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// NextCloseTime parses the clock's next_change field into an instant on the
// clock's date in the given location. Valid only while the market is open,
// when next_change is the closing bell.
func (m *MarketClockResponse) NextCloseTime(loc *time.Location) (time.Time, error) {
	if m.Clock.State != marketStateOpen {
		return time.Time{}, fmt.Errorf("market state %q has no close time", m.Clock.State)
	}
	day, err := time.ParseInLocation("2006-01-02", m.Clock.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing clock date %q: %w", m.Clock.Date, err)
	}
	clock, err := time.ParseInLocation("15:04", m.Clock.NextChange, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing next_change %q: %w", m.Clock.NextChange, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		TransactionDate   string  `json:"transaction_date"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		LastFillPrice     float64 `json:"last_fill_price"`
		LastFillQuantity  float64 `json:"last_fill_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`

		Legs []OrderLeg `json:"leg,omitempty"`
	} `json:"order"`
}

// OrderLeg carries per-leg fill details on multileg order status responses.
type OrderLeg struct {
	ID                int     `json:"id"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	OptionSymbol      string  `json:"option_symbol"`
	Side              string  `json:"side"`
	Status            string  `json:"status"`
	Quantity          float64 `json:"quantity"`
	ExecQuantity      float64 `json:"exec_quantity"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	RemainingQuantity float64 `json:"remaining_quantity"`
}

// ============ API Methods ============

// GetQuote retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuote(symbol string) (*QuoteItem, error) {
	quotes, err := t.GetQuotes([]string{symbol})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	first := quotes[0]
	return &first, nil
}

// GetQuotes retrieves quotes for multiple symbols in one request. Option
// symbols are accepted alongside equities.
func (t *TradierAPI) GetQuotes(symbols []string) ([]QuoteItem, error) {
	return t.GetQuotesCtx(context.Background(), symbols)
}

// GetQuotesCtx retrieves quotes for multiple symbols with context support.
func (t *TradierAPI) GetQuotesCtx(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []QuoteItem(response.Quotes.Quote), nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(symbol string) ([]string, error) {
	return t.GetExpirationsCtx(context.Background(), symbol)
}

// GetExpirationsCtx retrieves available expiration dates with context support.
func (t *TradierAPI) GetExpirationsCtx(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return response.Expirations.Date, nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
func (t *TradierAPI) GetOptionChain(symbol, expiration string, greeks bool) ([]Option, error) {
	return t.GetOptionChainCtx(context.Background(), symbol, expiration, greeks)
}

// GetOptionChainCtx retrieves the option chain with context support.
func (t *TradierAPI) GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", fmt.Sprintf("%t", greeks))
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []Option(response.Options.Option), nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions() ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []PositionItem(response.Positions.Position), nil
}

// GetBalance retrieves account balance information.
func (t *TradierAPI) GetBalance() (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierAPI) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/clock?delayed=%t", t.baseURL, delayed)

	var response MarketClockResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// IsTradingDay returns true on a trading session day (open, premarket, or postmarket).
func (t *TradierAPI) IsTradingDay(delayed bool) (bool, error) {
	clock, err := t.GetMarketClock(delayed)
	if err != nil {
		return false, err
	}

	state := clock.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	if duration == "" {
		return "", fmt.Errorf("duration cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(duration))

	switch normalized {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	case "pre", "pre-market", "premarket":
		return "pre", nil
	case "post", "post-market", "postmarket":
		return "post", nil
	default:
		return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
	}
}

// PlaceSpreadOrder opens a vertical credit spread as a single multileg order:
// sell-to-open the short leg, buy-to-open the long leg, at a net credit limit.
func (t *TradierAPI) PlaceSpreadOrder(
	underlying, shortSymbol, longSymbol string,
	quantity int,
	limitCredit float64,
	duration string,
	tag string,
) (*OrderResponse, error) {
	return t.PlaceSpreadOrderCtx(context.Background(), underlying, shortSymbol, longSymbol,
		quantity, limitCredit, duration, tag)
}

// PlaceSpreadOrderCtx is the context-aware version of PlaceSpreadOrder.
func (t *TradierAPI) PlaceSpreadOrderCtx(
	ctx context.Context,
	underlying, shortSymbol, longSymbol string,
	quantity int,
	limitCredit float64,
	duration string,
	tag string,
) (*OrderResponse, error) {
	return t.placeSpreadInternalCtx(ctx, underlying, shortSymbol, longSymbol,
		quantity, limitCredit, false, duration, tag)
}

// CloseSpreadOrder closes a vertical spread as a single multileg order:
// buy-to-close the short leg, sell-to-close the long leg, at a net debit limit.
func (t *TradierAPI) CloseSpreadOrder(
	underlying, shortSymbol, longSymbol string,
	quantity int,
	maxDebit float64,
	tag string,
) (*OrderResponse, error) {
	return t.CloseSpreadOrderCtx(context.Background(), underlying, shortSymbol, longSymbol,
		quantity, maxDebit, tag)
}

// CloseSpreadOrderCtx is the context-aware version of CloseSpreadOrder.
func (t *TradierAPI) CloseSpreadOrderCtx(
	ctx context.Context,
	underlying, shortSymbol, longSymbol string,
	quantity int,
	maxDebit float64,
	tag string,
) (*OrderResponse, error) {
	return t.placeSpreadInternalCtx(ctx, underlying, shortSymbol, longSymbol,
		quantity, maxDebit, true, "day", tag)
}

func (t *TradierAPI) placeSpreadInternalCtx(
	ctx context.Context,
	underlying, shortSymbol, longSymbol string,
	quantity int,
	limitPrice float64,
	closing bool,
	duration string,
	tag string,
) (*OrderResponse, error) {
	nd, err := normalizeDuration(duration)
	if err != nil {
		return nil, err
	}

	side := "credit"
	if closing {
		side = "debit"
	}
	if limitPrice <= 0 {
		return nil, fmt.Errorf("invalid %s price: %.2f (must be > 0)", side, limitPrice)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid %s quantity: %d (must be > 0)", side, quantity)
	}
	if shortSymbol == "" || longSymbol == "" || shortSymbol == longSymbol {
		return nil, fmt.Errorf("invalid spread legs: short=%q long=%q", shortSymbol, longSymbol)
	}

	var shortSide, longSide string
	if closing {
		shortSide = "buy_to_close"
		longSide = "sell_to_close"
	} else {
		shortSide = "sell_to_open"
		longSide = "buy_to_open"
	}

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", underlying)
	params.Add("duration", nd)
	params.Add("type", side)
	params.Add("price", fmt.Sprintf("%.2f", limitPrice))

	// Idempotency tag survives broker restarts; reconciliation matches on it.
	if tag != "" {
		params.Add("tag", tag)
	}

	params.Add("option_symbol[0]", shortSymbol)
	params.Add("side[0]", shortSide)
	params.Add("quantity[0]", fmt.Sprintf("%d", quantity))

	params.Add("option_symbol[1]", longSymbol)
	params.Add("side[1]", longSide)
	params.Add("quantity[1]", fmt.Sprintf("%d", quantity))

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// placeSingleLegOrder is the shared implementation for per-leg closing orders.
func (t *TradierAPI) placeSingleLegOrder(optionSymbol string, quantity int,
	side, orderType string, price float64, duration string, tag string) (*OrderResponse, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", quantity)
	}
	if orderType == "limit" && price <= 0 {
		return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", price)
	}
	nd, err := normalizeDuration(duration)
	if err != nil {
		return nil, err
	}
	symbol := extractUnderlyingFromOSI(optionSymbol)
	if symbol == "" {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol: %s", optionSymbol)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", symbol)
	params.Add("option_symbol", optionSymbol)
	params.Add("side", side)
	params.Add("quantity", fmt.Sprintf("%d", quantity))
	params.Add("type", orderType)
	params.Add("duration", nd)
	if orderType == "limit" {
		params.Add("price", fmt.Sprintf("%.2f", price))
	}
	if tag != "" {
		params.Add("tag", tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequest("POST", endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// PlaceBuyToCloseOrder places a limit buy-to-close order for the short leg.
func (t *TradierAPI) PlaceBuyToCloseOrder(optionSymbol string, quantity int, maxPrice float64, tag string) (*OrderResponse, error) {
	return t.placeSingleLegOrder(optionSymbol, quantity, "buy_to_close", "limit", maxPrice, "day", tag)
}

// PlaceSellToCloseOrder places a limit sell-to-close order for the long leg.
func (t *TradierAPI) PlaceSellToCloseOrder(optionSymbol string, quantity int, minPrice float64, tag string) (*OrderResponse, error) {
	return t.placeSingleLegOrder(optionSymbol, quantity, "sell_to_close", "limit", minPrice, "day", tag)
}

// PlaceBuyToCloseMarketOrder places a market buy-to-close order for the short leg.
func (t *TradierAPI) PlaceBuyToCloseMarketOrder(optionSymbol string, quantity int, tag string) (*OrderResponse, error) {
	return t.placeSingleLegOrder(optionSymbol, quantity, "buy_to_close", "market", 0, "day", tag)
}

// PlaceSellToCloseMarketOrder places a market sell-to-close order for the long leg.
func (t *TradierAPI) PlaceSellToCloseMarketOrder(optionSymbol string, quantity int, tag string) (*OrderResponse, error) {
	return t.placeSingleLegOrder(optionSymbol, quantity, "sell_to_close", "market", 0, "day", tag)
}

// GetOrderStatus retrieves the status of an existing order by ID
func (t *TradierAPI) GetOrderStatus(orderID int) (*OrderResponse, error) {
	return t.GetOrderStatusCtx(context.Background(), orderID)
}

// GetOrderStatusCtx retrieves the status of an existing order by ID with context
func (t *TradierAPI) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d?includeTags=true", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrder cancels a working order. Tradier returns the order in status
// "canceled" on success; cancellation of an already-filled order fails.
func (t *TradierAPI) CancelOrder(orderID int) (*OrderResponse, error) {
	return t.CancelOrderCtx(context.Background(), orderID)
}

// CancelOrderCtx cancels a working order with context support.
func (t *TradierAPI) CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "DELETE", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Helper method for making HTTP requests
func (t *TradierAPI) makeRequest(method, endpoint string, params url.Values, response interface{}) error {
	return t.makeRequestCtx(context.Background(), method, endpoint, params, response)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "schrute-spreads/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		log.Printf("Rate limit remaining: %s", remaining)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ============ Helper Functions ============

// BuildOSISymbol builds an OCC/OSI option symbol: SYMBOL + YYMMDD + P/C +
// 8-digit strike in thousandths. E.g. SPY, 2024-12-20, put, 450 ->
// SPY241220P00450000.
func BuildOSISymbol(underlying string, expiration time.Time, optionType string, strike float64) string {
	var typeChar string
	switch strings.ToLower(optionType) {
	case "put":
		typeChar = "P"
	case "call":
		typeChar = "C"
	default:
		return ""
	}
	// eps absorbs float noise so strikes like 394.9999999 encode as 395000.
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", underlying, expiration.Format("060102"), typeChar, strikeInt)
}

// extractUnderlyingFromOSI extracts the underlying symbol from an OSI-formatted
// option symbol, e.g. "SPY241220P00450000" -> "SPY".
func extractUnderlyingFromOSI(s string) string {
	trimmedS := strings.TrimSpace(s)
	if len(trimmedS) < 16 { // minimum length for a valid option symbol
		return ""
	}

	for i := 0; i <= len(trimmedS)-15; i++ {
		if !isDigits(trimmedS[i:i+6], 6) {
			continue
		}
		// The 6-digit expiration must not sit inside a longer numeric run.
		if i > 0 && trimmedS[i-1] >= '0' && trimmedS[i-1] <= '9' {
			continue
		}

		expirationEnd := i + 6
		typeChar := trimmedS[expirationEnd]
		if typeChar != 'P' && typeChar != 'C' && typeChar != 'p' && typeChar != 'c' {
			continue
		}

		strikeStart := expirationEnd + 1
		if strikeStart+8 > len(trimmedS) || !isDigits(trimmedS[strikeStart:strikeStart+8], 8) {
			continue
		}
		if strikeStart+8 != len(trimmedS) {
			continue
		}

		return strings.TrimSpace(trimmedS[:i])
	}

	return ""
}

// optionTypeFromSymbol returns "put" | "call" | "" from OSI-like symbols.
func optionTypeFromSymbol(s string) string {
	if len(s) < 9 {
		return ""
	}
	i := len(s) - 1
	digits := 0
	for i >= 0 && digits < 8 {
		if s[i] < '0' || s[i] > '9' {
			return ""
		}
		i--
		digits++
	}
	if i < 0 {
		return ""
	}
	switch s[i] {
	case 'P', 'p':
		return "put"
	case 'C', 'c':
		return "call"
	default:
		return ""
	}
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
