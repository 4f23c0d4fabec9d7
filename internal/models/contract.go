package models

import (
	"math"
	"time"
)

// OptionRight identifies the contract type of an option leg.
type OptionRight string

const (
	// RightPut represents a put option contract
	RightPut OptionRight = "put"
	// RightCall represents a call option contract
	RightCall OptionRight = "call"
)

// Valid returns true if the OptionRight is one of the defined constants
func (r OptionRight) Valid() bool {
	return r == RightPut || r == RightCall
}

// OptionContract is an immutable snapshot of one listed contract at one
// instant. It is re-fetched every evaluation cycle and never mutated.
type OptionContract struct {
	Symbol     string      `json:"symbol"`
	Right      OptionRight `json:"right"`
	Strike     float64     `json:"strike"`
	Expiration time.Time   `json:"expiration"`
	Bid        float64     `json:"bid"`
	Ask        float64     `json:"ask"`
	Last       float64     `json:"last"`
	Delta      float64     `json:"delta"`
	// HasDelta is false when the feed delivered the contract without greeks.
	HasDelta bool `json:"has_delta"`
}

// AbsDelta returns |delta|; put deltas arrive negative from the feed.
func (c *OptionContract) AbsDelta() float64 {
	return math.Abs(c.Delta)
}

// Quotable returns false for contracts with no market on either side.
func (c *OptionContract) Quotable() bool {
	return c.Bid > 0 || c.Ask > 0
}

// ChainView is a read-only snapshot of the option universe for one underlying
// at one instant. It is owned and refreshed by the market-data side; this core
// only reads it.
type ChainView struct {
	Underlying string           `json:"underlying"`
	Spot       float64          `json:"spot"`
	AsOf       time.Time        `json:"as_of"`
	Contracts  []OptionContract `json:"contracts"`
}

// FilterRight returns the contracts of the given right expiring on the given
// trading day, sorted order preserved from the snapshot.
func (v *ChainView) FilterRight(right OptionRight, expiry time.Time) []OptionContract {
	day := expiry.UTC().Truncate(24 * time.Hour)
	out := make([]OptionContract, 0, len(v.Contracts))
	for _, c := range v.Contracts {
		if c.Right != right {
			continue
		}
		if !c.Expiration.UTC().Truncate(24 * time.Hour).Equal(day) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// BySymbol returns the contract with the given OCC symbol, or nil.
func (v *ChainView) BySymbol(symbol string) *OptionContract {
	for i := range v.Contracts {
		if v.Contracts[i].Symbol == symbol {
			return &v.Contracts[i]
		}
	}
	return nil
}

// SpreadCandidate is the transient output of the leg selector: a two-leg
// vertical spread priced at worst-case fill. It is consumed immediately by the
// lifecycle manager and never persisted.
type SpreadCandidate struct {
	Short     OptionContract
	Long      OptionContract
	Width     float64
	NetCredit float64
}

// CreditFraction returns net credit as a fraction of spread width.
func (s *SpreadCandidate) CreditFraction() float64 {
	if s.Width <= 0 {
		return 0
	}
	return s.NetCredit / s.Width
}

// LegQuote carries the live market for one open leg, as consumed by the exit
// evaluator each tick.
type LegQuote struct {
	Bid  float64
	Ask  float64
	Last float64
}

// AskOrLast returns the ask, falling back to the last trade when the ask is
// missing on an illiquid leg.
func (q LegQuote) AskOrLast() float64 {
	if q.Ask > 0 {
		return q.Ask
	}
	return q.Last
}

// BidOrLast returns the bid, falling back to the last trade when the bid is
// missing on an illiquid leg.
func (q LegQuote) BidOrLast() float64 {
	if q.Bid > 0 {
		return q.Bid
	}
	return q.Last
}
