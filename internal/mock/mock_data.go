// Package mock generates synthetic market data for paper trading and tests:
// a drifting underlying quote and option chains with plausible deltas and
// penny-wide markets.
package mock

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
)

// MockDataProvider synthesizes quotes and chains around a random walk price.
type MockDataProvider struct {
	currentPrice float64
	midIV        float64 // volatility level used for pricing
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// NewMockDataProvider seeds a provider with SPY-like levels.
func NewMockDataProvider() *MockDataProvider {
	return &MockDataProvider{
		currentPrice: 590.0 + secureFloat64()*10, // SPY around 590-600
		midIV:        12.0 + secureFloat64()*18,  // 12-30% volatility
	}
}

// GetQuote returns a drifting underlying quote with a two cent market.
func (m *MockDataProvider) GetQuote(symbol string) (*broker.QuoteItem, error) {
	m.currentPrice += (secureFloat64() - 0.5) * 2

	spread := 0.02
	return &broker.QuoteItem{
		Symbol: symbol,
		Last:   m.currentPrice,
		Bid:    m.currentPrice - spread/2,
		Ask:    m.currentPrice + spread/2,
		Volume: secureInt63n(100000000),
	}, nil
}

// GetOptionChain builds a synthetic chain of puts and calls on five point
// strikes around the current price. Deltas decay exponentially with distance
// from the money, which gives the leg selector a realistic gradient to walk.
func (m *MockDataProvider) GetOptionChain(symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	expDate, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration format: %w", err)
	}
	dte := int(time.Until(expDate).Hours() / 24)
	if dte < 0 {
		dte = 0
	}

	var options []broker.Option

	strikeInterval := 5.0
	startStrike := math.Floor(m.currentPrice/strikeInterval)*strikeInterval - 50
	endStrike := startStrike + 100

	for strike := startStrike; strike <= endStrike; strike += strikeInterval {
		distance := math.Abs(strike - m.currentPrice)
		deltaDecay := math.Exp(-distance * 0.02)

		putDelta := -0.5 * deltaDecay
		if strike > m.currentPrice {
			putDelta = -0.5 * (1 - deltaDecay)
		}

		callDelta := 0.5 * deltaDecay
		if strike < m.currentPrice {
			callDelta = 0.5 * (1 - deltaDecay)
		}

		// Zero DTE still carries some premium intraday; floor the time
		// value at a fraction of a day.
		timeValue := math.Max(1.0/365.0/4.0, float64(dte)/365.0)
		vol := m.midIV / 100.0
		putPrice := math.Max(0.10, vol*math.Sqrt(timeValue)*m.currentPrice*0.5*math.Abs(putDelta))
		callPrice := math.Max(0.10, vol*math.Sqrt(timeValue)*m.currentPrice*0.5*math.Abs(callDelta))

		putSymbol := fmt.Sprintf("%s%sP%08d", symbol, expDate.Format("060102"), int(strike*1000))
		putOption := broker.Option{
			Symbol:         putSymbol,
			Description:    fmt.Sprintf("%s %s $%.2f Put", symbol, expDate.Format("Jan 02 2006"), strike),
			Strike:         strike,
			OptionType:     "put",
			ExpirationDate: expiration,
			Bid:            putPrice - 0.05,
			Ask:            putPrice + 0.05,
			Last:           putPrice,
			Volume:         secureInt63n(10000),
			OpenInterest:   secureInt63n(50000),
			Underlying:     symbol,
		}

		callSymbol := fmt.Sprintf("%s%sC%08d", symbol, expDate.Format("060102"), int(strike*1000))
		callOption := broker.Option{
			Symbol:         callSymbol,
			Description:    fmt.Sprintf("%s %s $%.2f Call", symbol, expDate.Format("Jan 02 2006"), strike),
			Strike:         strike,
			OptionType:     "call",
			ExpirationDate: expiration,
			Bid:            callPrice - 0.05,
			Ask:            callPrice + 0.05,
			Last:           callPrice,
			Volume:         secureInt63n(10000),
			OpenInterest:   secureInt63n(50000),
			Underlying:     symbol,
		}

		if withGreeks {
			putOption.Greeks = &broker.Greeks{
				Delta: putDelta,
				MidIV: vol,
				Theta: -0.05 * vol,
				Vega:  0.10 * vol,
			}
			callOption.Greeks = &broker.Greeks{
				Delta: callDelta,
				MidIV: vol,
				Theta: -0.05 * vol,
				Vega:  0.10 * vol,
			}
		}

		options = append(options, putOption, callOption)
	}

	return options, nil
}

// SpreadCredit computes the worst-case fill credit for a short/long strike
// pair of the given type.
func (m *MockDataProvider) SpreadCredit(options []broker.Option, shortStrike, longStrike float64, optionType string) (float64, error) {
	shortBid, longAsk := 0.0, 0.0
	for _, option := range options {
		if option.OptionType != optionType {
			continue
		}
		if option.Strike == shortStrike {
			shortBid = option.Bid
		}
		if option.Strike == longStrike {
			longAsk = option.Ask
		}
	}
	if shortBid == 0 || longAsk == 0 {
		return 0, fmt.Errorf("no matching strikes: short=%.2f long=%.2f", shortStrike, longStrike)
	}
	return shortBid - longAsk, nil
}
