package models

import "time"

// ExitTrigger identifies which rule closed (or is closing) a spread. Priority
// when multiple fire on the same evaluation: time forced, then stop loss,
// then take profit.
type ExitTrigger string

const (
	// TriggerNone means no exit condition has fired
	TriggerNone ExitTrigger = ""
	// TriggerStopLoss means the cost to close breached the stop multiple
	TriggerStopLoss ExitTrigger = "stop_loss"
	// TriggerTakeProfit means the cost to close fell to the profit target
	TriggerTakeProfit ExitTrigger = "take_profit"
	// TriggerTimeForced means the forced-close window was reached
	TriggerTimeForced ExitTrigger = "time_forced"
)

// Condition maps a trigger to its state machine transition condition.
func (t ExitTrigger) Condition() string {
	switch t {
	case TriggerStopLoss:
		return ConditionStopLoss
	case TriggerTakeProfit:
		return ConditionTakeProfit
	case TriggerTimeForced:
		return ConditionTimeForced
	default:
		return ""
	}
}

// ExitDecision is the outcome of one exit evaluation pass.
type ExitDecision struct {
	Trigger ExitTrigger
	// Debit is the worst-case cost to close per spread at evaluation time.
	// For time-forced exits with unquotable legs it may be zero.
	Debit float64
	// Reason is a short human-readable explanation for logs.
	Reason string
}

// ShouldExit returns true when any exit rule fired.
func (d ExitDecision) ShouldExit() bool {
	return d.Trigger != TriggerNone
}

// TradeRecord is the immutable history entry appended exactly once when a
// spread's closure is confirmed.
type TradeRecord struct {
	PositionID    string      `json:"position_id"`
	Underlying    string      `json:"underlying"`
	Side          OptionRight `json:"side"`
	ShortSymbol   string      `json:"short_symbol"`
	LongSymbol    string      `json:"long_symbol"`
	ShortStrike   float64     `json:"short_strike"`
	LongStrike    float64     `json:"long_strike"`
	Quantity      int         `json:"quantity"`
	InitialCredit float64     `json:"initial_credit"`
	ExitTrigger   ExitTrigger `json:"exit_trigger"`
	ExitDebit     float64     `json:"exit_debit"`
	OpenedAt      time.Time   `json:"opened_at"`
	ClosedAt      time.Time   `json:"closed_at"`
	// CleanClose is false when the spread had to be unwound leg by leg.
	CleanClose bool `json:"clean_close"`
}

// PnL returns the realized profit in dollars for the whole trade.
func (r TradeRecord) PnL() float64 {
	return (r.InitialCredit - r.ExitDebit) * float64(r.Quantity) * sharesPerContract
}

// IsWin returns true when the trade realized a profit.
func (r TradeRecord) IsWin() bool {
	return r.PnL() > 0
}
