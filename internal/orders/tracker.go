// Package orders tracks working spread orders at the broker: polling status,
// classifying terminal outcomes, and pulling per-leg fill prices off multileg
// responses.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/sirupsen/logrus"
)

// Config contains polling configuration for the fill tracker.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig is the default polling configuration.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	Timeout:      2 * time.Minute,
	CallTimeout:  5 * time.Second,
}

// FillStatus classifies the terminal outcome of a tracked order.
type FillStatus string

const (
	// FillFilled means every leg executed in full.
	FillFilled FillStatus = "filled"
	// FillPartial means the order timed out or died with some but not all
	// contracts executed. The caller must unwind the filled legs.
	FillPartial FillStatus = "partial"
	// FillFailed means the broker rejected, canceled, or expired the order
	// with nothing executed.
	FillFailed FillStatus = "failed"
	// FillTimedOut means the order was still working with nothing executed
	// when the deadline passed. The caller should cancel it.
	FillTimedOut FillStatus = "timed_out"
)

// FillResult reports how a tracked spread order ended.
type FillResult struct {
	Status      FillStatus
	OrderStatus string
	ShortFill   float64
	LongFill    float64
	ShortFilled bool
	LongFilled  bool
}

// Complete reports whether both legs executed in full.
func (r *FillResult) Complete() bool {
	return r.Status == FillFilled
}

// Tracker polls order status against the broker.
type Tracker struct {
	broker broker.Broker
	logger *logrus.Logger
	config Config
}

// NewTracker creates a fill tracker. A zero field in cfg falls back to the
// matching DefaultConfig value.
func NewTracker(b broker.Broker, logger *logrus.Logger, cfg Config) *Tracker {
	if b == nil {
		panic("orders.NewTracker: broker must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	return &Tracker{broker: b, logger: logger, config: cfg}
}

// AwaitSpreadFill polls orderID until it reaches a terminal state or the
// tracker's timeout expires. The leg symbols identify which fill price belongs
// to which side of the spread. The returned result is always non-nil on a nil
// error; a FillPartial or FillTimedOut result means the caller still owns a
// working or half-executed order at the broker.
func (t *Tracker) AwaitSpreadFill(ctx context.Context, orderID int, shortSymbol, longSymbol string) (*FillResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	var last *broker.OrderResponse
	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.WithField("order_id", orderID).Warn("fill polling timed out")
			return t.resultFromTimeout(last, shortSymbol, longSymbol), nil
		case <-ticker.C:
			statusCtx, statusCancel := context.WithTimeout(pollCtx, t.config.CallTimeout)
			resp, err := t.broker.GetOrderStatusCtx(statusCtx, orderID)
			statusCancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					continue
				}
				t.logger.WithField("order_id", orderID).WithError(err).Warn("order status check failed")
				continue
			}
			if resp == nil || resp.Order.ID == 0 || resp.Order.Status == "" {
				t.logger.WithField("order_id", orderID).Warn("order status payload missing")
				continue
			}
			last = resp

			if isCompletelyFilled(resp) {
				shortFill, longFill := legFills(resp, shortSymbol, longSymbol)
				return &FillResult{
					Status:      FillFilled,
					OrderStatus: resp.Order.Status,
					ShortFill:   shortFill,
					LongFill:    longFill,
					ShortFilled: true,
					LongFilled:  true,
				}, nil
			}

			switch strings.ToLower(resp.Order.Status) {
			case "canceled", "cancelled", "rejected", "expired":
				return t.resultFromFailure(resp, shortSymbol, longSymbol), nil
			case "pending", "open", "partial", "partially_filled", "filled":
				continue
			default:
				t.logger.WithFields(logrus.Fields{
					"order_id": orderID,
					"status":   resp.Order.Status,
				}).Warn("unknown order status")
				continue
			}
		}
	}
}

// AwaitLegFill polls a single-leg order to a terminal state and returns its
// average fill price. Single-leg status responses carry no leg breakdown, so
// the order-level average is the fill.
func (t *Tracker) AwaitLegFill(ctx context.Context, orderID int) (float64, FillStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return 0, FillTimedOut, ctx.Err()
			}
			return 0, FillTimedOut, nil
		case <-ticker.C:
			statusCtx, statusCancel := context.WithTimeout(pollCtx, t.config.CallTimeout)
			resp, err := t.broker.GetOrderStatusCtx(statusCtx, orderID)
			statusCancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					continue
				}
				t.logger.WithField("order_id", orderID).WithError(err).Warn("leg status check failed")
				continue
			}
			if resp == nil || resp.Order.ID == 0 || resp.Order.Status == "" {
				continue
			}
			if isCompletelyFilled(resp) {
				return resp.Order.AvgFillPrice, FillFilled, nil
			}
			switch strings.ToLower(resp.Order.Status) {
			case "canceled", "cancelled", "rejected", "expired":
				return 0, FillFailed, nil
			}
		}
	}
}

// Snapshot fetches the current order state once without waiting.
func (t *Tracker) Snapshot(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	statusCtx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()

	resp, err := t.broker.GetOrderStatusCtx(statusCtx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order %d status: %w", orderID, err)
	}
	if resp == nil || resp.Order.ID == 0 {
		return nil, fmt.Errorf("order %d: empty status response", orderID)
	}
	return resp, nil
}

// IsTerminal reports whether orderID has reached a state the broker will not
// move it out of.
func (t *Tracker) IsTerminal(ctx context.Context, orderID int) (bool, error) {
	resp, err := t.Snapshot(ctx, orderID)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(resp.Order.Status) {
	case "filled", "canceled", "cancelled", "rejected", "expired":
		return true, nil
	default:
		return false, nil
	}
}

func (t *Tracker) resultFromTimeout(last *broker.OrderResponse, shortSymbol, longSymbol string) *FillResult {
	result := &FillResult{Status: FillTimedOut}
	if last == nil {
		return result
	}
	result.OrderStatus = last.Order.Status
	fillLegState(result, last, shortSymbol, longSymbol)
	if result.ShortFilled || result.LongFilled {
		result.Status = FillPartial
	}
	return result
}

func (t *Tracker) resultFromFailure(resp *broker.OrderResponse, shortSymbol, longSymbol string) *FillResult {
	result := &FillResult{Status: FillFailed, OrderStatus: resp.Order.Status}
	fillLegState(result, resp, shortSymbol, longSymbol)
	// A canceled combo can still have executed one side.
	if result.ShortFilled != result.LongFilled {
		result.Status = FillPartial
	}
	return result
}

// ResultFromResponse classifies a one-shot status snapshot the same way the
// polling loop would. Used after a cancel, where the order may have filled
// before the cancel landed.
func ResultFromResponse(resp *broker.OrderResponse, shortSymbol, longSymbol string) *FillResult {
	if resp == nil {
		return &FillResult{Status: FillTimedOut}
	}
	if isCompletelyFilled(resp) {
		shortFill, longFill := legFills(resp, shortSymbol, longSymbol)
		return &FillResult{
			Status:      FillFilled,
			OrderStatus: resp.Order.Status,
			ShortFill:   shortFill,
			LongFill:    longFill,
			ShortFilled: true,
			LongFilled:  true,
		}
	}
	result := &FillResult{Status: FillFailed, OrderStatus: resp.Order.Status}
	fillLegState(result, resp, shortSymbol, longSymbol)
	if result.ShortFilled != result.LongFilled {
		result.Status = FillPartial
	}
	return result
}

const fillEpsilon = 1e-6

// isCompletelyFilled checks executed against requested quantity rather than
// trusting the status string alone; brokers report "partial" while the last
// contract is settling.
func isCompletelyFilled(resp *broker.OrderResponse) bool {
	order := resp.Order
	if strings.ToLower(order.Status) == "filled" {
		return true
	}
	if order.Quantity <= fillEpsilon {
		return false
	}
	executed := order.ExecQuantity >= order.Quantity-fillEpsilon
	zeroRemaining := order.RemainingQuantity <= fillEpsilon
	nothingExecuted := order.ExecQuantity <= fillEpsilon
	return executed || (zeroRemaining && !nothingExecuted)
}

// legFills pulls the per-leg average fill prices off a multileg response. A
// missing leg breakdown falls back to the order-level average for both sides,
// which only happens on single-leg orders.
func legFills(resp *broker.OrderResponse, shortSymbol, longSymbol string) (shortFill, longFill float64) {
	shortFill = resp.Order.AvgFillPrice
	longFill = resp.Order.AvgFillPrice
	for _, leg := range resp.Order.Legs {
		switch leg.OptionSymbol {
		case shortSymbol:
			shortFill = leg.AvgFillPrice
		case longSymbol:
			longFill = leg.AvgFillPrice
		}
	}
	return shortFill, longFill
}

// fillLegState marks which legs have executed in full on result.
func fillLegState(result *FillResult, resp *broker.OrderResponse, shortSymbol, longSymbol string) {
	for _, leg := range resp.Order.Legs {
		legDone := leg.Quantity > fillEpsilon && leg.ExecQuantity >= leg.Quantity-fillEpsilon
		switch leg.OptionSymbol {
		case shortSymbol:
			result.ShortFilled = legDone
			result.ShortFill = leg.AvgFillPrice
		case longSymbol:
			result.LongFilled = legDone
			result.LongFill = leg.AvgFillPrice
		}
	}
}
