package broker

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Account operations
	GetAccountBalance() (float64, error)
	GetPositions() ([]PositionItem, error)

	// Market data
	GetQuote(symbol string) (*QuoteItem, error)
	GetQuotes(symbols []string) ([]QuoteItem, error)
	GetQuotesCtx(ctx context.Context, symbols []string) ([]QuoteItem, error)
	GetExpirations(symbol string) ([]string, error)
	GetOptionChainCtx(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	GetMarketClock(delayed bool) (*MarketClockResponse, error)
	IsTradingDay(delayed bool) (bool, error)

	// Order placement
	// PlaceSpreadOrderCtx: limitCredit is the net credit limit for the whole spread (per spread)
	// CloseSpreadOrderCtx: maxDebit is the net debit limit for the whole spread (per spread)
	PlaceSpreadOrderCtx(ctx context.Context, underlying, shortSymbol, longSymbol string,
		quantity int, limitCredit float64, duration string, tag string) (*OrderResponse, error)
	CloseSpreadOrderCtx(ctx context.Context, underlying, shortSymbol, longSymbol string,
		quantity int, maxDebit float64, tag string) (*OrderResponse, error)

	// Per-leg closing, used when the combo close cannot be placed
	PlaceBuyToCloseOrder(optionSymbol string, quantity int, maxPrice float64, tag string) (*OrderResponse, error)
	PlaceSellToCloseOrder(optionSymbol string, quantity int, minPrice float64, tag string) (*OrderResponse, error)
	PlaceBuyToCloseMarketOrder(optionSymbol string, quantity int, tag string) (*OrderResponse, error)
	PlaceSellToCloseMarketOrder(optionSymbol string, quantity int, tag string) (*OrderResponse, error)

	// Order status
	GetOrderStatus(orderID int) (*OrderResponse, error)
	GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error)
	CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error)
}

// TradierClient wraps TradierAPI to implement the Broker interface
type TradierClient struct {
	*TradierAPI
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier broker client
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	return &TradierClient{TradierAPI: NewTradierAPI(apiKey, accountID, sandbox)}
}

// NewTradierClientWithBaseURL creates a Tradier broker client against a
// custom endpoint, used for tests and nonstandard deployments.
func NewTradierClientWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierClient {
	return &TradierClient{TradierAPI: NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, baseURL)}
}

// GetAccountBalance returns the total account equity
func (t *TradierClient) GetAccountBalance() (float64, error) {
	balance, err := t.GetBalance()
	if err != nil {
		return 0, err
	}
	return balance.Balances.TotalEquity, nil
}

// IsPermanentAPIError reports whether an error is a 4xx API error that will
// not succeed on retry (429 excluded).
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// GetOptionByStrike finds an option with a specific strike price
func GetOptionByStrike(options []Option, strike float64, optionType string) *Option {
	for i := range options {
		if math.Abs(options[i].Strike-strike) <= StrikeMatchEpsilon && options[i].OptionType == optionType {
			return &options[i]
		}
	}
	return nil
}

// CheckSpreadLegs scans account positions for the two legs of a spread.
// The short leg shows as negative quantity, the long leg as positive.
func CheckSpreadLegs(positions []PositionItem, shortSymbol, longSymbol string) (shortHeld, longHeld bool) {
	for i := range positions {
		pos := &positions[i]
		switch pos.Symbol {
		case shortSymbol:
			if pos.Quantity <= -0.5 {
				shortHeld = true
			}
		case longSymbol:
			if pos.Quantity >= 0.5 {
				longHeld = true
			}
		}
	}
	return shortHeld, longHeld
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// GetAccountBalance wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountBalance() (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountBalance() })
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions() ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions() })
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(symbol) })
}

// GetQuotes wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuotes(symbols []string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]QuoteItem, error) { return b.GetQuotes(symbols) })
}

// GetQuotesCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuotesCtx(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]QuoteItem, error) {
		return b.GetQuotesCtx(ctx, symbols)
	})
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetExpirations(symbol) })
}

// GetOptionChainCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChainCtx(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChainCtx(ctx, symbol, expiration, withGreeks)
	})
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(delayed)
	})
}

// IsTradingDay wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) IsTradingDay(delayed bool) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsTradingDay(delayed)
	})
}

// PlaceSpreadOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceSpreadOrderCtx(ctx context.Context, underlying, shortSymbol, longSymbol string,
	quantity int, limitCredit float64, duration string, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceSpreadOrderCtx(ctx, underlying, shortSymbol, longSymbol, quantity, limitCredit, duration, tag)
	})
}

// CloseSpreadOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CloseSpreadOrderCtx(ctx context.Context, underlying, shortSymbol, longSymbol string,
	quantity int, maxDebit float64, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.CloseSpreadOrderCtx(ctx, underlying, shortSymbol, longSymbol, quantity, maxDebit, tag)
	})
}

// PlaceBuyToCloseOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceBuyToCloseOrder(optionSymbol string, quantity int,
	maxPrice float64, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceBuyToCloseOrder(optionSymbol, quantity, maxPrice, tag)
	})
}

// PlaceSellToCloseOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceSellToCloseOrder(optionSymbol string, quantity int,
	minPrice float64, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceSellToCloseOrder(optionSymbol, quantity, minPrice, tag)
	})
}

// PlaceBuyToCloseMarketOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceBuyToCloseMarketOrder(optionSymbol string, quantity int, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceBuyToCloseMarketOrder(optionSymbol, quantity, tag)
	})
}

// PlaceSellToCloseMarketOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceSellToCloseMarketOrder(optionSymbol string, quantity int, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceSellToCloseMarketOrder(optionSymbol, quantity, tag)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(orderID)
	})
}

// GetOrderStatusCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatusCtx(ctx, orderID)
	})
}

// CancelOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.CancelOrderCtx(ctx, orderID)
	})
}
