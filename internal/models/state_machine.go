// Package models provides data structures and state management for credit
// spread positions.
package models

import (
	"fmt"
	"time"
)

// SpreadState represents where a spread position sits in its lifecycle
type SpreadState string

const (
	// StateFlat means no position exists and no order is in flight
	StateFlat SpreadState = "flat"
	// StateSelecting means an entry trigger fired and leg selection is running
	StateSelecting SpreadState = "selecting"
	// StatePendingOpen means the entry order is submitted, waiting for fills
	StatePendingOpen SpreadState = "pending_open"
	// StateOpen means both legs are filled and exits are being evaluated
	StateOpen SpreadState = "open"
	// StatePendingClose means the closing order is submitted, waiting for fills
	StatePendingClose SpreadState = "pending_close"
)

// Transition conditions. Every Transition call names one of these so the
// audit trail records why a state changed, not just that it did.
const (
	ConditionEntryTrigger   = "entry_trigger"
	ConditionNoCandidate    = "no_candidate"
	ConditionOrderSubmitted = "order_submitted"
	ConditionSubmitFailed   = "submit_failed"
	ConditionOrderFilled    = "order_filled"
	ConditionOrderFailed    = "order_failed"
	ConditionOrderCanceled  = "order_canceled"
	ConditionStopLoss       = "stop_loss"
	ConditionTakeProfit     = "take_profit"
	ConditionTimeForced     = "time_forced"
	ConditionLegsClosed     = "legs_closed"
)

// StateTransition defines a single valid state transition
type StateTransition struct {
	From        SpreadState
	To          SpreadState
	Condition   string
	Description string
}

// ValidTransitions is the complete transition table. Anything not listed here
// is rejected, including self-transitions.
var ValidTransitions = []StateTransition{
	// Entry path
	{StateFlat, StateSelecting, ConditionEntryTrigger, "Entry window reached, selecting legs"},
	{StateSelecting, StatePendingOpen, ConditionOrderSubmitted, "Spread order submitted to broker"},
	{StateSelecting, StateFlat, ConditionNoCandidate, "No acceptable spread in the chain"},
	{StateSelecting, StateFlat, ConditionSubmitFailed, "Broker rejected the entry order"},
	{StateSelecting, StateFlat, ConditionTimeForced, "Forced-close window preempted entry"},
	{StatePendingOpen, StateOpen, ConditionOrderFilled, "Both legs confirmed filled"},
	{StatePendingOpen, StateFlat, ConditionOrderFailed, "Entry order failed, any fills unwound"},
	{StatePendingOpen, StateFlat, ConditionOrderCanceled, "Entry order canceled before fill"},

	// Exit path
	{StateOpen, StatePendingClose, ConditionStopLoss, "Stop loss threshold breached"},
	{StateOpen, StatePendingClose, ConditionTakeProfit, "Profit target reached"},
	{StateOpen, StatePendingClose, ConditionTimeForced, "Forced-close window reached"},
	{StatePendingClose, StateFlat, ConditionLegsClosed, "Both legs confirmed closed"},
}

// StateMachine manages spread lifecycle transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[SpreadState]int
	currentState    SpreadState
	previousState   SpreadState
}

// NewStateMachine creates a new state machine starting flat
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateFlat,
		previousState:   StateFlat,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[SpreadState]int),
	}
}

// NewStateMachineFromState rebuilds a state machine from a persisted state,
// used when loading positions from storage.
func NewStateMachineFromState(state SpreadState) *StateMachine {
	sm := NewStateMachine()
	if state != "" && state != StateFlat {
		sm.currentState = state
		sm.previousState = state
		sm.transitionCount[state] = 1
	}
	return sm
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() SpreadState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() SpreadState {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// IsValidTransition checks if a transition is valid from the current state
func (sm *StateMachine) IsValidTransition(to SpreadState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to SpreadState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++

	return nil
}

// GetTransitionCount returns how many times we've entered a state
func (sm *StateMachine) GetTransitionCount(state SpreadState) int {
	return sm.transitionCount[state]
}

// Reset returns the machine to flat for the next trade
func (sm *StateMachine) Reset() {
	sm.currentState = StateFlat
	sm.previousState = StateFlat
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[SpreadState]int)
}

// HasOpenOrder returns true while an order is in flight at the broker
func (sm *StateMachine) HasOpenOrder() bool {
	return sm.currentState == StatePendingOpen || sm.currentState == StatePendingClose
}

// IsFlat returns true when no position exists and no order is working
func (sm *StateMachine) IsFlat() bool {
	return sm.currentState == StateFlat
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateFlat:
		return "No position, waiting for entry window"
	case StateSelecting:
		return "Entry triggered, selecting spread legs"
	case StatePendingOpen:
		return "Entry order working, waiting for both legs to fill"
	case StateOpen:
		return "Spread open, monitoring exit conditions"
	case StatePendingClose:
		return "Closing order working, waiting for both legs to close"
	default:
		return "Unknown state"
	}
}

// ValidateStateConsistency ensures the state machine is internally coherent
func (sm *StateMachine) ValidateStateConsistency() error {
	totalTransitions := 0
	for _, count := range sm.transitionCount {
		totalTransitions += count
	}

	if totalTransitions == 0 && sm.currentState == StateFlat && sm.previousState == StateFlat {
		return nil
	}

	if sm.transitionTime.IsZero() && totalTransitions > 0 {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}

	if totalTransitions > 0 && sm.transitionCount[sm.currentState] == 0 && sm.currentState != StateFlat {
		return fmt.Errorf("current state %s has no recorded entry", sm.currentState)
	}

	return nil
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}

	newSM.transitionCount = make(map[SpreadState]int)
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}

	return newSM
}
