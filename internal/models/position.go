package models

import (
	"fmt"
	"time"
)

const sharesPerContract = 100.0

// SpreadPosition represents one vertical credit spread with state management.
// At most one exists per underlying at any time.
type SpreadPosition struct {
	StateMachine *StateMachine `json:"-"`     // Runtime only, excluded from JSON
	State        SpreadState   `json:"state"` // Canonical persisted state
	ID           string        `json:"id"`
	Underlying   string        `json:"underlying"`
	Side         OptionRight   `json:"side"` // put for bull put, call for bear call
	ShortSymbol  string        `json:"short_symbol"`
	LongSymbol   string        `json:"long_symbol"`
	ShortStrike  float64       `json:"short_strike"`
	LongStrike   float64       `json:"long_strike"`
	Expiration   time.Time     `json:"expiration"`
	Quantity     int           `json:"quantity"`

	// InitialCredit is computed from confirmed fill prices, never from the
	// quotes that produced the candidate. Zero until both legs fill.
	InitialCredit     float64 `json:"initial_credit"`
	StopLossDebit     float64 `json:"stop_loss_debit"`
	ProfitTargetDebit float64 `json:"profit_target_debit"`

	EntryOrderID int `json:"entry_order_id,omitempty"`
	CloseOrderID int `json:"close_order_id,omitempty"`

	// Per-leg close tracking for degraded unwinds where the legs close on
	// separate orders.
	PerLegClose       bool    `json:"per_leg_close,omitempty"`
	ShortClosed       bool    `json:"short_closed,omitempty"`
	LongClosed        bool    `json:"long_closed,omitempty"`
	ShortCloseOrderID int     `json:"short_close_order_id,omitempty"`
	LongCloseOrderID  int     `json:"long_close_order_id,omitempty"`
	ShortCloseFill    float64 `json:"short_close_fill,omitempty"`
	LongCloseFill     float64 `json:"long_close_fill,omitempty"`

	ExitTrigger ExitTrigger `json:"exit_trigger,omitempty"`
	ExitDebit   float64     `json:"exit_debit,omitempty"`
	OpenedAt    time.Time   `json:"opened_at,omitempty"`
	ClosedAt    time.Time   `json:"closed_at,omitempty"`
}

// NewSpreadPosition creates a position from a selected candidate. The position
// starts in the selecting state; the caller drives it through submission.
func NewSpreadPosition(id, underlying string, candidate SpreadCandidate, quantity int) *SpreadPosition {
	sm := NewStateMachine()
	// A position object only exists once selection has begun.
	_ = sm.Transition(StateSelecting, ConditionEntryTrigger)
	return &SpreadPosition{
		ID:           id,
		Underlying:   underlying,
		Side:         candidate.Short.Right,
		ShortSymbol:  candidate.Short.Symbol,
		LongSymbol:   candidate.Long.Symbol,
		ShortStrike:  candidate.Short.Strike,
		LongStrike:   candidate.Long.Strike,
		Expiration:   candidate.Short.Expiration,
		Quantity:     quantity,
		StateMachine: sm,
		State:        StateSelecting,
	}
}

// Width returns the strike width of the spread in points.
func (p *SpreadPosition) Width() float64 {
	w := p.ShortStrike - p.LongStrike
	if w < 0 {
		w = -w
	}
	return w
}

// MaxLossPerContract returns the defined-risk loss per contract in dollars.
func (p *SpreadPosition) MaxLossPerContract() float64 {
	return (p.Width() - p.InitialCredit) * sharesPerContract
}

// RecordFills sets the initial credit from the confirmed fill prices of both
// legs and derives the exit thresholds. It may be called exactly once.
func (p *SpreadPosition) RecordFills(shortFill, longFill, stopLossMultiplier, profitTargetFraction float64, at time.Time) error {
	if p.InitialCredit != 0 {
		return fmt.Errorf("position %s: initial credit already recorded (%.2f)", p.ID, p.InitialCredit)
	}
	credit := shortFill - longFill
	if credit <= 0 {
		return fmt.Errorf("position %s: fills produced non-positive credit %.2f (short %.2f, long %.2f)",
			p.ID, credit, shortFill, longFill)
	}
	p.InitialCredit = credit
	p.StopLossDebit = credit * stopLossMultiplier
	p.ProfitTargetDebit = credit * (1 - profitTargetFraction)
	p.OpenedAt = at.UTC()
	return nil
}

// TransitionState moves the position to a new state
func (p *SpreadPosition) TransitionState(to SpreadState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.ID, err)
	}
	p.State = to
	return nil
}

// GetCurrentState returns the canonical persisted state
func (p *SpreadPosition) GetCurrentState() SpreadState {
	return p.State
}

// ensureMachine ensures the StateMachine is initialized from persisted state
func (p *SpreadPosition) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// GetStateDescription returns a human-readable state description
func (p *SpreadPosition) GetStateDescription() string {
	return p.ensureMachine().GetStateDescription()
}

// IsCreditSide reports whether the short strike is the one nearer the money,
// which must hold for every vertical credit spread.
func (p *SpreadPosition) IsCreditSide() bool {
	switch p.Side {
	case RightPut:
		return p.ShortStrike > p.LongStrike
	case RightCall:
		return p.ShortStrike < p.LongStrike
	default:
		return false
	}
}

// ValidateState ensures the position data is consistent with its state
func (p *SpreadPosition) ValidateState() error {
	if err := p.ensureMachine().ValidateStateConsistency(); err != nil {
		return fmt.Errorf("position %s state validation failed: %w", p.ID, err)
	}

	currentState := p.State

	if p.InitialCredit < 0 {
		return fmt.Errorf("position %s in state %s: InitialCredit cannot be negative (current: %.2f)",
			p.ID, currentState, p.InitialCredit)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("position %s in state %s: invalid side %q", p.ID, currentState, p.Side)
	}
	if !p.IsCreditSide() {
		return fmt.Errorf("position %s in state %s: strikes %.2f/%.2f do not form a %s credit spread",
			p.ID, currentState, p.ShortStrike, p.LongStrike, p.Side)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s in state %s: Quantity must be > 0 (current: %d)",
			p.ID, currentState, p.Quantity)
	}

	switch currentState {
	case StateSelecting, StatePendingOpen:
		// Pre-fill states carry no credit and no open timestamp.
		if p.InitialCredit != 0 {
			return fmt.Errorf("position %s in state %s: InitialCredit must be zero before fill (current: %.2f)",
				p.ID, currentState, p.InitialCredit)
		}
		if !p.OpenedAt.IsZero() {
			return fmt.Errorf("position %s in state %s: OpenedAt must be zero before fill (current: %v)",
				p.ID, currentState, p.OpenedAt)
		}
		if p.ExitTrigger != TriggerNone {
			return fmt.Errorf("position %s in state %s: ExitTrigger must be unset before open (current: %s)",
				p.ID, currentState, p.ExitTrigger)
		}
	case StateOpen:
		if p.InitialCredit <= 0 {
			return fmt.Errorf("position %s in state %s: InitialCredit must be positive for open positions (current: %.2f)",
				p.ID, currentState, p.InitialCredit)
		}
		if p.OpenedAt.IsZero() {
			return fmt.Errorf("position %s in state %s: OpenedAt must be set for open positions",
				p.ID, currentState)
		}
		if p.StopLossDebit <= 0 || p.ProfitTargetDebit < 0 {
			return fmt.Errorf("position %s in state %s: exit thresholds not derived (stop %.2f, target %.2f)",
				p.ID, currentState, p.StopLossDebit, p.ProfitTargetDebit)
		}
		if p.ExitTrigger != TriggerNone {
			return fmt.Errorf("position %s in state %s: ExitTrigger must be unset while open (current: %s)",
				p.ID, currentState, p.ExitTrigger)
		}
		if !p.ClosedAt.IsZero() {
			return fmt.Errorf("position %s in state %s: ClosedAt must be zero for open positions (current: %v)",
				p.ID, currentState, p.ClosedAt)
		}
	case StatePendingClose:
		if p.InitialCredit <= 0 {
			return fmt.Errorf("position %s in state %s: InitialCredit must be positive (current: %.2f)",
				p.ID, currentState, p.InitialCredit)
		}
		if p.OpenedAt.IsZero() {
			return fmt.Errorf("position %s in state %s: OpenedAt must be set",
				p.ID, currentState)
		}
		if p.ExitTrigger == TriggerNone {
			return fmt.Errorf("position %s in state %s: ExitTrigger must be set while closing",
				p.ID, currentState)
		}
	case StateFlat:
		// A position object never persists in flat; retirement converts it to
		// a TradeRecord and removes it.
		return fmt.Errorf("position %s: flat positions must be retired, not stored", p.ID)
	}

	if !p.ClosedAt.IsZero() && !p.OpenedAt.Before(p.ClosedAt) {
		return fmt.Errorf("position %s in state %s: OpenedAt (%v) must be before ClosedAt (%v)",
			p.ID, currentState, p.OpenedAt, p.ClosedAt)
	}

	return nil
}

// LegSymbols returns the short and long OCC symbols.
func (p *SpreadPosition) LegSymbols() (short, long string) {
	return p.ShortSymbol, p.LongSymbol
}

// FullyClosed reports whether both legs have confirmed closing fills.
func (p *SpreadPosition) FullyClosed() bool {
	return p.ShortClosed && p.LongClosed
}

// Retire converts a closed position into its immutable trade record. The
// caller must have set ExitTrigger, ExitDebit and ClosedAt.
func (p *SpreadPosition) Retire() (TradeRecord, error) {
	if p.ExitTrigger == TriggerNone {
		return TradeRecord{}, fmt.Errorf("position %s: cannot retire without an exit trigger", p.ID)
	}
	if p.ClosedAt.IsZero() {
		return TradeRecord{}, fmt.Errorf("position %s: cannot retire without a close time", p.ID)
	}
	return TradeRecord{
		PositionID:    p.ID,
		Underlying:    p.Underlying,
		Side:          p.Side,
		ShortSymbol:   p.ShortSymbol,
		LongSymbol:    p.LongSymbol,
		ShortStrike:   p.ShortStrike,
		LongStrike:    p.LongStrike,
		Quantity:      p.Quantity,
		InitialCredit: p.InitialCredit,
		ExitTrigger:   p.ExitTrigger,
		ExitDebit:     p.ExitDebit,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
		CleanClose:    !p.PerLegClose,
	}, nil
}
