// Package util provides common utility functions for price calculations.
package util

import "math"

// tickEpsilon absorbs float noise at exact tick boundaries so values like
// 1.2500000000001 floor to 1.25 instead of 1.20.
const tickEpsilon = 1e-9

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment. Used for limit
// credits, where rounding up would ask for more than the market showed.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick+tickEpsilon) * tick
}

// CeilToTick rounds x up to the nearest tick increment. Used for limit
// debits, where rounding down would bid less than the market asks.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick-tickEpsilon) * tick
}

// ClampPositive returns x, or floor when x is below floor. Limit prices sent
// to the broker must never be zero or negative.
func ClampPositive(x, floor float64) float64 {
	if x < floor {
		return floor
	}
	return x
}
