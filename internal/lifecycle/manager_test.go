package lifecycle

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/retry"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	shortSym = "SPY250606P00590000"
	longSym  = "SPY250606P00585000"
)

var (
	tickNow    = time.Date(2025, 6, 6, 15, 0, 0, 0, time.UTC)
	tickExpiry = "2025-06-06"
)

func tickTimes() TickTimes {
	return TickTimes{
		EntryAt:    tickNow.Add(-time.Hour),
		ForcedAt:   tickNow.Add(4 * time.Hour),
		FailsafeAt: tickNow.Add(4*time.Hour + 15*time.Minute),
	}
}

// fakeBroker scripts the broker surface the manager touches.
type fakeBroker struct {
	broker.Broker

	spot  float64
	chain []broker.Option

	quotes    []broker.QuoteItem
	quotesErr error

	entryOrderID int
	entryErr     error
	entryCalls   int

	closeOrderID int
	closeErr     error
	closeCalls   int

	// statuses is keyed by order ID; each call shifts the queue, the last
	// entry repeats.
	statuses map[int][]*broker.OrderResponse
	calls    map[int]int

	cancels          []int
	buyToCloseMkt    []string
	sellToCloseMkt   []string
	buyToCloseLimit  []string
	sellToCloseLimit []string
}

func (b *fakeBroker) GetQuote(symbol string) (*broker.QuoteItem, error) {
	return &broker.QuoteItem{Symbol: symbol, Last: b.spot}, nil
}

func (b *fakeBroker) GetOptionChainCtx(_ context.Context, _, _ string, _ bool) ([]broker.Option, error) {
	return b.chain, nil
}

func (b *fakeBroker) GetQuotesCtx(_ context.Context, _ []string) ([]broker.QuoteItem, error) {
	return b.quotes, b.quotesErr
}

func (b *fakeBroker) PlaceSpreadOrderCtx(_ context.Context, _, _, _ string, _ int, _ float64, _ string, _ string) (*broker.OrderResponse, error) {
	b.entryCalls++
	if b.entryErr != nil {
		return nil, b.entryErr
	}
	return orderResp(b.entryOrderID, "pending", 0, 0, 0), nil
}

func (b *fakeBroker) CloseSpreadOrderCtx(_ context.Context, _, _, _ string, _ int, _ float64, _ string) (*broker.OrderResponse, error) {
	b.closeCalls++
	if b.closeErr != nil {
		return nil, b.closeErr
	}
	return orderResp(b.closeOrderID, "pending", 0, 0, 0), nil
}

func (b *fakeBroker) GetOrderStatusCtx(_ context.Context, orderID int) (*broker.OrderResponse, error) {
	if b.calls == nil {
		b.calls = make(map[int]int)
	}
	queue := b.statuses[orderID]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted status for order %d", orderID)
	}
	i := b.calls[orderID]
	b.calls[orderID]++
	if i >= len(queue) {
		i = len(queue) - 1
	}
	return queue[i], nil
}

func (b *fakeBroker) CancelOrderCtx(_ context.Context, orderID int) (*broker.OrderResponse, error) {
	b.cancels = append(b.cancels, orderID)
	return orderResp(orderID, "canceled", 0, 0, 0), nil
}

func (b *fakeBroker) PlaceBuyToCloseMarketOrder(symbol string, _ int, _ string) (*broker.OrderResponse, error) {
	b.buyToCloseMkt = append(b.buyToCloseMkt, symbol)
	return orderResp(900+len(b.buyToCloseMkt), "pending", 0, 0, 0), nil
}

func (b *fakeBroker) PlaceSellToCloseMarketOrder(symbol string, _ int, _ string) (*broker.OrderResponse, error) {
	b.sellToCloseMkt = append(b.sellToCloseMkt, symbol)
	return orderResp(950+len(b.sellToCloseMkt), "pending", 0, 0, 0), nil
}

func (b *fakeBroker) PlaceBuyToCloseOrder(symbol string, _ int, _ float64, _ string) (*broker.OrderResponse, error) {
	b.buyToCloseLimit = append(b.buyToCloseLimit, symbol)
	return orderResp(970+len(b.buyToCloseLimit), "pending", 0, 0, 0), nil
}

func (b *fakeBroker) PlaceSellToCloseOrder(symbol string, _ int, _ float64, _ string) (*broker.OrderResponse, error) {
	b.sellToCloseLimit = append(b.sellToCloseLimit, symbol)
	return orderResp(980+len(b.sellToCloseLimit), "pending", 0, 0, 0), nil
}

func orderResp(id int, status string, qty, execQty, remaining float64, legs ...broker.OrderLeg) *broker.OrderResponse {
	resp := &broker.OrderResponse{}
	resp.Order.ID = id
	resp.Order.Status = status
	resp.Order.Quantity = qty
	resp.Order.ExecQuantity = execQty
	resp.Order.RemainingQuantity = remaining
	resp.Order.Legs = legs
	return resp
}

func filledLeg(id int, fill float64) *broker.OrderResponse {
	resp := orderResp(id, "filled", 1, 1, 0)
	resp.Order.AvgFillPrice = fill
	return resp
}

func filledSpread(id int, shortFill, longFill float64) *broker.OrderResponse {
	return orderResp(id, "filled", 1, 1, 0,
		broker.OrderLeg{OptionSymbol: shortSym, Quantity: 1, ExecQuantity: 1, AvgFillPrice: shortFill},
		broker.OrderLeg{OptionSymbol: longSym, Quantity: 1, ExecQuantity: 1, AvgFillPrice: longFill},
	)
}

func putOption(symbol string, strike, delta, bid, ask float64) broker.Option {
	return broker.Option{
		Symbol:         symbol,
		OptionType:     "put",
		Strike:         strike,
		ExpirationDate: tickExpiry,
		Bid:            bid,
		Ask:            ask,
		Last:           (bid + ask) / 2,
		Greeks:         &broker.Greeks{Delta: delta},
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Schedule.Timezone = "UTC"
	cfg.Strategy.Underlyings = []string{"SPY"}
	cfg.Strategy.Side = config.SideBullPut
	cfg.Strategy.Quantity = 1
	cfg.Strategy.Entry.DeltaMode = config.DeltaModeExact
	cfg.Strategy.Entry.ShortDelta = 0.15
	cfg.Strategy.Entry.WidthMode = config.WidthModeFixed
	cfg.Strategy.Entry.Width = 5
	cfg.Strategy.Entry.MinCreditFraction = 0.05
	cfg.Strategy.Exit.StopLossMultiplier = 2.0
	cfg.Strategy.Exit.ProfitTargetFraction = 0.5
	cfg.Orders.TickSize = 0.01
	return cfg
}

func newTestManager(t *testing.T, b *fakeBroker) (*Manager, *storage.MockStorage) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := storage.NewMockStorage()
	tracker := orders.NewTracker(b, logger, orders.Config{
		PollInterval: time.Millisecond,
		Timeout:      200 * time.Millisecond,
		CallTimeout:  50 * time.Millisecond,
	})
	closer := retry.NewClient(b, logger, retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})

	m := NewManager("SPY", testConfig(), b, store, tracker, closer, logger)
	m.now = func() time.Time { return tickNow }
	return m, store
}

func entryChain() []broker.Option {
	return []broker.Option{
		putOption(shortSym, 590, -0.15, 0.95, 1.00),
		putOption(longSym, 585, -0.10, 0.60, 0.65),
		putOption("SPY250606P00580000", 580, -0.06, 0.35, 0.40),
	}
}

func openedPosition(t *testing.T, store *storage.MockStorage) *models.SpreadPosition {
	t.Helper()
	candidate := models.SpreadCandidate{
		Short: models.OptionContract{
			Symbol: shortSym, Right: models.RightPut, Strike: 590,
			Expiration: tickNow.Truncate(24 * time.Hour), Bid: 0.95, Ask: 1.00,
			Delta: -0.15, HasDelta: true,
		},
		Long: models.OptionContract{
			Symbol: longSym, Right: models.RightPut, Strike: 585,
			Expiration: tickNow.Truncate(24 * time.Hour), Bid: 0.60, Ask: 0.65,
			Delta: -0.10, HasDelta: true,
		},
		Width:     5,
		NetCredit: 0.30,
	}
	pos := models.NewSpreadPosition("pos-open", "SPY", candidate, 1)
	require.NoError(t, pos.TransitionState(models.StatePendingOpen, models.ConditionOrderSubmitted))
	require.NoError(t, pos.TransitionState(models.StateOpen, models.ConditionOrderFilled))
	require.NoError(t, pos.RecordFills(0.92, 0.64, 2.0, 0.5, tickNow.Add(-time.Hour)))
	require.NoError(t, store.SetPosition(pos))
	return pos
}

func TestOnTick_EntryToOpen(t *testing.T) {
	b := &fakeBroker{
		spot:         600,
		chain:        entryChain(),
		entryOrderID: 100,
		statuses: map[int][]*broker.OrderResponse{
			100: {
				orderResp(100, "open", 1, 0, 1),
				filledSpread(100, 0.92, 0.64),
			},
		},
	}
	m, store := newTestManager(t, b)

	m.OnTick(context.Background(), tickTimes())

	require.Equal(t, 1, b.entryCalls)
	pos := store.GetPosition("SPY")
	require.NotNil(t, pos)
	assert.Equal(t, models.StateOpen, pos.GetCurrentState())
	assert.InDelta(t, 0.28, pos.InitialCredit, 1e-9, "credit must come from fills, not quotes")
	assert.InDelta(t, 0.56, pos.StopLossDebit, 1e-9)
	assert.InDelta(t, 0.14, pos.ProfitTargetDebit, 1e-9)
	assert.Equal(t, 100, pos.EntryOrderID)
	assert.NoError(t, pos.ValidateState())
}

func TestOnTick_NoCandidateStaysFlat(t *testing.T) {
	b := &fakeBroker{
		spot: 600,
		// Only one strike: the fixed-width long leg cannot exist.
		chain: []broker.Option{putOption(shortSym, 590, -0.15, 0.95, 1.00)},
	}
	m, store := newTestManager(t, b)

	m.OnTick(context.Background(), tickTimes())

	assert.Zero(t, b.entryCalls, "no order may go out without a candidate")
	assert.Nil(t, store.GetPosition("SPY"))

	// The trigger keeps retrying on later ticks.
	m.OnTick(context.Background(), tickTimes())
	assert.Zero(t, b.entryCalls)
}

func TestOnTick_NoSecondEntrySameDay(t *testing.T) {
	b := &fakeBroker{
		spot:         600,
		chain:        entryChain(),
		entryOrderID: 100,
		statuses: map[int][]*broker.OrderResponse{
			100: {orderResp(100, "rejected", 1, 0, 1)},
		},
	}
	m, store := newTestManager(t, b)

	m.OnTick(context.Background(), tickTimes())
	require.Equal(t, 1, b.entryCalls)
	assert.Nil(t, store.GetPosition("SPY"), "rejected entry must return to flat")

	// Same day: the failed attempt consumed the trigger.
	m.OnTick(context.Background(), tickTimes())
	assert.Equal(t, 1, b.entryCalls)
}

func TestOnTick_DuplicateTriggerIgnored(t *testing.T) {
	b := &fakeBroker{
		quotes: []broker.QuoteItem{
			{Symbol: shortSym, Bid: 0.45, Ask: 0.50, Last: 0.47},
			{Symbol: longSym, Bid: 0.25, Ask: 0.30, Last: 0.27},
		},
	}
	m, store := newTestManager(t, b)
	pos := openedPosition(t, store)

	m.OnTick(context.Background(), tickTimes())

	assert.Zero(t, b.entryCalls, "active spread must block a second entry")
	assert.Equal(t, pos.ID, store.GetPosition("SPY").ID)
	assert.Equal(t, models.StateOpen, store.GetPosition("SPY").GetCurrentState())
}

func TestOnTick_PartialEntryUnwindsShortLeg(t *testing.T) {
	b := &fakeBroker{
		spot:         600,
		chain:        entryChain(),
		entryOrderID: 100,
		statuses: map[int][]*broker.OrderResponse{
			100: {orderResp(100, "canceled", 1, 1, 0,
				broker.OrderLeg{OptionSymbol: shortSym, Quantity: 1, ExecQuantity: 1, AvgFillPrice: 0.93},
				broker.OrderLeg{OptionSymbol: longSym, Quantity: 1, ExecQuantity: 0},
			)},
		},
	}
	m, store := newTestManager(t, b)

	m.OnTick(context.Background(), tickTimes())

	require.Len(t, b.buyToCloseMkt, 1, "executed short leg must be unwound")
	assert.Equal(t, shortSym, b.buyToCloseMkt[0])
	assert.Empty(t, b.sellToCloseMkt, "unfilled long leg needs no unwind")
	assert.Nil(t, store.GetPosition("SPY"), "position must return to flat")
}

func TestOnTick_ForcedCutoffPreemptsPendingOpen(t *testing.T) {
	b := &fakeBroker{
		spot:         600,
		chain:        entryChain(),
		entryOrderID: 100,
		statuses: map[int][]*broker.OrderResponse{
			100: {orderResp(100, "open", 1, 0, 1)},
		},
	}
	m, store := newTestManager(t, b)

	// Seed a pending_open position as if the order went out earlier.
	candidate := models.SpreadCandidate{
		Short: models.OptionContract{Symbol: shortSym, Right: models.RightPut, Strike: 590, Bid: 0.95, Ask: 1.00, Delta: -0.15, HasDelta: true},
		Long:  models.OptionContract{Symbol: longSym, Right: models.RightPut, Strike: 585, Bid: 0.60, Ask: 0.65, Delta: -0.10, HasDelta: true},
		Width: 5, NetCredit: 0.30,
	}
	pos := models.NewSpreadPosition("pos-pending", "SPY", candidate, 1)
	require.NoError(t, pos.TransitionState(models.StatePendingOpen, models.ConditionOrderSubmitted))
	pos.EntryOrderID = 100
	require.NoError(t, store.SetPosition(pos))

	times := tickTimes()
	times.ForcedAt = tickNow.Add(-time.Minute) // cutoff already passed

	m.OnTick(context.Background(), times)

	require.NotEmpty(t, b.cancels, "working entry must be canceled at the cutoff")
	assert.Equal(t, 100, b.cancels[0])
	assert.Nil(t, store.GetPosition("SPY"))
}

func TestOnTick_StopLossExitRoundTrip(t *testing.T) {
	b := &fakeBroker{
		closeOrderID: 200,
		quotes: []broker.QuoteItem{
			// debit = 0.70 - 0.10 = 0.60 >= stop 0.56
			{Symbol: shortSym, Bid: 0.65, Ask: 0.70, Last: 0.67},
			{Symbol: longSym, Bid: 0.10, Ask: 0.15, Last: 0.12},
		},
		statuses: map[int][]*broker.OrderResponse{
			200: {filledSpread(200, 0.68, 0.11)},
		},
	}
	m, store := newTestManager(t, b)
	pos := openedPosition(t, store)

	m.OnTick(context.Background(), tickTimes())

	require.Equal(t, 1, b.closeCalls, "stop breach must submit a close")
	require.Equal(t, models.StatePendingClose, store.GetPosition("SPY").GetCurrentState())
	assert.Equal(t, models.TriggerStopLoss, store.GetPosition("SPY").ExitTrigger)

	// Next tick confirms the fill and retires the position.
	m.OnTick(context.Background(), tickTimes())

	assert.Nil(t, store.GetPosition("SPY"))
	require.True(t, store.HasInHistory(pos.ID), "retired trade must be in history")
	history := store.GetHistory()
	record := history[len(history)-1]
	assert.Equal(t, models.TriggerStopLoss, record.ExitTrigger)
	assert.InDelta(t, 0.57, record.ExitDebit, 1e-9, "exit debit must come from close fills")
	assert.True(t, record.CleanClose)

	// A third tick is a no-op: retirement happened exactly once.
	m.OnTick(context.Background(), tickTimes())
	assert.Len(t, store.GetHistory(), 1)
}

func TestOnTick_TakeProfitExit(t *testing.T) {
	b := &fakeBroker{
		closeOrderID: 200,
		quotes: []broker.QuoteItem{
			// debit = 0.15 - 0.02 = 0.13 <= target 0.14
			{Symbol: shortSym, Bid: 0.10, Ask: 0.15, Last: 0.12},
			{Symbol: longSym, Bid: 0.02, Ask: 0.05, Last: 0.03},
		},
		statuses: map[int][]*broker.OrderResponse{
			200: {filledSpread(200, 0.14, 0.02)},
		},
	}
	m, store := newTestManager(t, b)
	openedPosition(t, store)

	m.OnTick(context.Background(), tickTimes())
	require.Equal(t, models.StatePendingClose, store.GetPosition("SPY").GetCurrentState())
	assert.Equal(t, models.TriggerTakeProfit, store.GetPosition("SPY").ExitTrigger)
}

func TestOnTick_ForcedCloseIgnoresDeadQuotes(t *testing.T) {
	b := &fakeBroker{
		closeOrderID: 200,
		quotesErr:    fmt.Errorf("quote feed down"),
		statuses: map[int][]*broker.OrderResponse{
			200: {filledSpread(200, 0.30, 0.01)},
		},
	}
	m, store := newTestManager(t, b)
	openedPosition(t, store)

	times := tickTimes()
	times.ForcedAt = tickNow.Add(-time.Minute)

	m.OnTick(context.Background(), times)

	require.Equal(t, 1, b.closeCalls, "forced close must not depend on quotes")
	assert.Equal(t, models.TriggerTimeForced, store.GetPosition("SPY").ExitTrigger)
}

func TestOnTick_QuoteUnavailableSkipsTick(t *testing.T) {
	b := &fakeBroker{
		quotes: []broker.QuoteItem{}, // both legs unpriceable
	}
	m, store := newTestManager(t, b)
	openedPosition(t, store)

	m.OnTick(context.Background(), tickTimes())

	assert.Zero(t, b.closeCalls, "no close without prices before the cutoff")
	assert.Equal(t, models.StateOpen, store.GetPosition("SPY").GetCurrentState())
}

func TestOnTick_CloseRedriveAfterRejection(t *testing.T) {
	b := &fakeBroker{
		closeOrderID: 200,
		quotes: []broker.QuoteItem{
			{Symbol: shortSym, Bid: 0.65, Ask: 0.70, Last: 0.67},
			{Symbol: longSym, Bid: 0.10, Ask: 0.15, Last: 0.12},
		},
		statuses: map[int][]*broker.OrderResponse{
			200: {orderResp(200, "rejected", 1, 0, 1)},
		},
	}
	m, store := newTestManager(t, b)
	openedPosition(t, store)

	m.OnTick(context.Background(), tickTimes()) // submits close order 200
	require.Equal(t, 1, b.closeCalls)

	m.OnTick(context.Background(), tickTimes()) // sees rejection, re-drives

	assert.Equal(t, 2, b.closeCalls, "rejected close must be resubmitted")
	assert.Equal(t, models.StatePendingClose, store.GetPosition("SPY").GetCurrentState())
}

func TestOnTick_PartialCloseResubmitsRemainingLeg(t *testing.T) {
	b := &fakeBroker{
		closeOrderID: 200,
		quotes: []broker.QuoteItem{
			{Symbol: shortSym, Bid: 0.65, Ask: 0.70, Last: 0.67},
			{Symbol: longSym, Bid: 0.10, Ask: 0.15, Last: 0.12},
		},
		statuses: map[int][]*broker.OrderResponse{
			200: {orderResp(200, "canceled", 1, 1, 0,
				broker.OrderLeg{OptionSymbol: shortSym, Quantity: 1, ExecQuantity: 1, AvgFillPrice: 0.68},
				broker.OrderLeg{OptionSymbol: longSym, Quantity: 1, ExecQuantity: 0},
			)},
			// 951 is the resubmitted long-leg market order.
			951: {filledLeg(951, 0.10)},
		},
	}
	m, store := newTestManager(t, b)
	pos := openedPosition(t, store)

	m.OnTick(context.Background(), tickTimes()) // submits close
	m.OnTick(context.Background(), tickTimes()) // partial: short closed, long resubmitted

	got := store.GetPosition("SPY")
	require.NotNil(t, got)
	assert.True(t, got.PerLegClose)
	assert.True(t, got.ShortClosed)
	assert.False(t, got.LongClosed)
	require.Len(t, b.sellToCloseMkt, 1, "remaining long leg must be resubmitted")

	m.OnTick(context.Background(), tickTimes()) // long leg fill confirms, retire

	assert.Nil(t, store.GetPosition("SPY"))
	require.True(t, store.HasInHistory(pos.ID))
	record := store.GetHistory()[0]
	assert.False(t, record.CleanClose, "per-leg close is not a clean close")
}
