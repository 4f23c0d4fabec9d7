// Package lifecycle drives one credit spread per underlying through its
// states: flat, selecting, pending_open, open, pending_close, and back to
// flat. Each Manager owns a single underlying and is ticked from the trading
// loop; it has no shared mutable state with other managers.
package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/retry"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/eddiefleurent/schrute_spreads/internal/strategy"
	"github.com/eddiefleurent/schrute_spreads/internal/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TickTimes carries the schedule instants for the current trading day,
// derived once per day from the broker market clock.
type TickTimes struct {
	// EntryAt is when the entry trigger fires.
	EntryAt time.Time
	// ForcedAt is the forced-close cutoff; open spreads exit here and
	// pending entries are preempted.
	ForcedAt time.Time
	// FailsafeAt is the absolute final cutoff; any remaining legs are
	// liquidated with market orders.
	FailsafeAt time.Time
}

// Manager runs the spread lifecycle for one underlying.
type Manager struct {
	underlying string
	cfg        *config.Config
	selector   strategy.SelectorConfig
	broker     broker.Broker
	store      storage.Interface
	tracker    *orders.Tracker
	closer     *retry.Client
	logger     *logrus.Entry
	now        func() time.Time

	// lastEntryDay blocks a second entry on the same trading day after an
	// order has gone out, filled or not.
	lastEntryDay string
	// lastGuardDay dedupes the duplicate-trigger rejection log.
	lastGuardDay string
}

// NewManager wires a lifecycle manager for one underlying.
func NewManager(
	underlying string,
	cfg *config.Config,
	b broker.Broker,
	store storage.Interface,
	tracker *orders.Tracker,
	closer *retry.Client,
	logger *logrus.Logger,
) *Manager {
	return &Manager{
		underlying: underlying,
		cfg:        cfg,
		selector:   selectorConfig(cfg),
		broker:     b,
		store:      store,
		tracker:    tracker,
		closer:     closer,
		logger:     logger.WithField("underlying", underlying),
		now:        time.Now,
	}
}

func selectorConfig(cfg *config.Config) strategy.SelectorConfig {
	entry := cfg.Strategy.Entry
	return strategy.SelectorConfig{
		Side:              models.OptionRight(cfg.ShortRight()),
		DeltaMode:         entry.DeltaMode,
		ShortDelta:        entry.ShortDelta,
		ShortDeltaMin:     entry.ShortDeltaMin,
		ShortDeltaMax:     entry.ShortDeltaMax,
		WidthMode:         entry.WidthMode,
		Width:             entry.Width,
		FallbackWidths:    entry.FallbackWidths,
		MinCreditFraction: entry.MinCreditFraction,
	}
}

// OnTick advances the lifecycle one step. Failures inside a tick are logged
// and contained; the next tick retries.
func (m *Manager) OnTick(ctx context.Context, times TickTimes) {
	now := m.now().In(m.cfg.Location())
	pos := m.store.GetPosition(m.underlying)

	if pos == nil {
		m.maybeEnter(ctx, now, times)
		return
	}

	if m.entryDue(now, times) && m.lastGuardDay != dayKey(now) {
		m.lastGuardDay = dayKey(now)
		m.logger.WithField("position", pos.ID).Warn("entry trigger ignored, spread already active")
	}

	switch pos.GetCurrentState() {
	case models.StateSelecting:
		// A selecting position on disk means the process died between
		// selection and submission; nothing is working at the broker.
		m.logger.WithField("position", pos.ID).Warn("dropping stale selection")
		m.abandon(pos, models.ConditionSubmitFailed)
	case models.StatePendingOpen:
		m.resolveEntry(ctx, pos, now, times)
	case models.StateOpen:
		m.evaluateOpen(ctx, pos, now, times)
	case models.StatePendingClose:
		m.resolveClose(ctx, pos, now, times)
	default:
		m.logger.WithFields(logrus.Fields{
			"position": pos.ID,
			"state":    pos.GetCurrentState(),
		}).Error("active position in unexpected state")
	}
}

func (m *Manager) entryDue(now time.Time, times TickTimes) bool {
	return !now.Before(times.EntryAt) && now.Before(times.ForcedAt)
}

func dayKey(now time.Time) string { return now.Format("2006-01-02") }

// maybeEnter runs the entry trigger when flat. No-candidate outcomes retry on
// the next tick until the forced-close cutoff; a submitted order blocks any
// further entry today.
func (m *Manager) maybeEnter(ctx context.Context, now time.Time, times TickTimes) {
	if !m.entryDue(now, times) || m.lastEntryDay == dayKey(now) {
		return
	}

	quote, err := m.broker.GetQuote(m.underlying)
	if err != nil {
		m.logger.WithError(err).Warn("underlying quote failed, skipping entry this tick")
		return
	}

	expiration := now.Format("2006-01-02")
	options, err := m.broker.GetOptionChainCtx(ctx, m.underlying, expiration, true)
	if err != nil {
		m.logger.WithError(err).Warn("option chain fetch failed, skipping entry this tick")
		return
	}

	expiry, _ := time.Parse("2006-01-02", expiration)
	view := chainView(m.underlying, quote.Last, now, options)

	candidate, reason := strategy.SelectSpread(view, expiry, m.selector)
	if candidate == nil {
		m.logger.WithField("reason", reason).Info("no spread candidate")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"short":  candidate.Short.Symbol,
		"long":   candidate.Long.Symbol,
		"width":  candidate.Width,
		"credit": candidate.NetCredit,
	}).Info("spread candidate selected")

	pos := models.NewSpreadPosition(uuid.New().String(), m.underlying, *candidate, m.cfg.Strategy.Quantity)

	tick := m.cfg.Orders.TickSize
	limitCredit := math.Max(util.FloorToTick(candidate.NetCredit, tick), tick)

	// One shot per day regardless of how the submission goes.
	m.lastEntryDay = dayKey(now)

	resp, err := m.broker.PlaceSpreadOrderCtx(ctx, m.underlying,
		pos.ShortSymbol, pos.LongSymbol, pos.Quantity, limitCredit,
		string(broker.DurationDay), orderTag("entry", pos.ID))
	if err != nil {
		m.logger.WithError(err).Error("entry order submission failed")
		return
	}

	pos.EntryOrderID = resp.Order.ID
	if err := pos.TransitionState(models.StatePendingOpen, models.ConditionOrderSubmitted); err != nil {
		m.logger.WithError(err).Error("entry transition failed")
		return
	}
	if err := m.store.SetPosition(pos); err != nil {
		m.logger.WithError(err).Error("failed to persist pending entry")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"position": pos.ID,
		"order_id": pos.EntryOrderID,
		"limit":    limitCredit,
	}).Info("entry order submitted")

	m.resolveEntry(ctx, pos, now, times)
}

// resolveEntry settles a working entry order: fills open the position,
// everything else unwinds back to flat. A forced-close cutoff arriving while
// the entry is still working preempts it.
func (m *Manager) resolveEntry(ctx context.Context, pos *models.SpreadPosition, now time.Time, times TickTimes) {
	if !now.Before(times.ForcedAt) {
		m.logger.WithField("position", pos.ID).Warn("forced-close cutoff reached with entry working, canceling")
		m.cancelAndUnwindEntry(ctx, pos)
		return
	}

	result, err := m.tracker.AwaitSpreadFill(ctx, pos.EntryOrderID, pos.ShortSymbol, pos.LongSymbol)
	if err != nil {
		m.logger.WithError(err).Warn("entry fill polling interrupted")
		return
	}

	switch result.Status {
	case orders.FillFilled:
		m.openPosition(pos, result, m.now().In(m.cfg.Location()))
	case orders.FillFailed:
		m.logger.WithFields(logrus.Fields{
			"position": pos.ID,
			"status":   result.OrderStatus,
		}).Warn("entry order failed")
		m.abandon(pos, models.ConditionOrderFailed)
	case orders.FillTimedOut:
		m.logger.WithField("position", pos.ID).Warn("entry order timed out, canceling")
		m.cancelAndUnwindEntry(ctx, pos)
	case orders.FillPartial:
		m.logger.WithFields(logrus.Fields{
			"position":     pos.ID,
			"short_filled": result.ShortFilled,
			"long_filled":  result.LongFilled,
		}).Error("partial entry fill, unwinding executed legs")
		m.unwindPartialEntry(ctx, pos, result)
	}
}

// openPosition records confirmed fills and moves the spread to open. The
// initial credit comes from the fills, never from the candidate's quotes.
func (m *Manager) openPosition(pos *models.SpreadPosition, result *orders.FillResult, at time.Time) {
	exit := m.cfg.Strategy.Exit
	if err := pos.RecordFills(result.ShortFill, result.LongFill,
		exit.StopLossMultiplier, exit.ProfitTargetFraction, at); err != nil {
		m.logger.WithError(err).Error("recording fills failed")
		return
	}
	if err := pos.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
		m.logger.WithError(err).Error("open transition failed")
		return
	}
	if err := m.store.SetPosition(pos); err != nil {
		m.logger.WithError(err).Error("failed to persist open position")
		return
	}
	m.logger.WithFields(logrus.Fields{
		"position":     pos.ID,
		"credit":       pos.InitialCredit,
		"stop_debit":   pos.StopLossDebit,
		"profit_debit": pos.ProfitTargetDebit,
		"short_fill":   result.ShortFill,
		"long_fill":    result.LongFill,
	}).Info("position opened")
}

// cancelAndUnwindEntry cancels a working entry order and unwinds whatever
// executed while the cancel raced in.
func (m *Manager) cancelAndUnwindEntry(ctx context.Context, pos *models.SpreadPosition) {
	if _, err := m.broker.CancelOrderCtx(ctx, pos.EntryOrderID); err != nil {
		m.logger.WithError(err).Warn("cancel of entry order failed")
	}

	snapshot, err := m.tracker.Snapshot(ctx, pos.EntryOrderID)
	if err != nil {
		m.logger.WithError(err).Warn("entry order snapshot failed after cancel, retrying next tick")
		return
	}

	result := orders.ResultFromResponse(snapshot, pos.ShortSymbol, pos.LongSymbol)
	switch {
	case result.Status == orders.FillFilled:
		// The order filled before the cancel landed.
		m.openPosition(pos, result, m.now().In(m.cfg.Location()))
	case result.ShortFilled || result.LongFilled:
		m.unwindPartialEntry(ctx, pos, result)
	default:
		m.abandon(pos, models.ConditionOrderCanceled)
	}
}

// unwindPartialEntry market-closes whichever legs executed, then returns the
// position to flat. This is the leg-risk path; it is loud on purpose.
func (m *Manager) unwindPartialEntry(ctx context.Context, pos *models.SpreadPosition, result *orders.FillResult) {
	if _, err := m.broker.CancelOrderCtx(ctx, pos.EntryOrderID); err != nil {
		m.logger.WithError(err).Warn("cancel before unwind failed")
	}

	if result.ShortFilled {
		if _, err := m.broker.PlaceBuyToCloseMarketOrder(pos.ShortSymbol, pos.Quantity, orderTag("unwind", pos.ID)); err != nil {
			m.logger.WithError(err).Error("unwind of short leg failed, manual intervention required")
			return
		}
	}
	if result.LongFilled {
		if _, err := m.broker.PlaceSellToCloseMarketOrder(pos.LongSymbol, pos.Quantity, orderTag("unwind", pos.ID)); err != nil {
			m.logger.WithError(err).Error("unwind of long leg failed, manual intervention required")
			return
		}
	}

	m.logger.WithField("position", pos.ID).Warn("partial entry unwound with market orders")
	m.abandon(pos, models.ConditionOrderCanceled)
}

// abandon returns a never-opened position to flat and drops it from storage.
func (m *Manager) abandon(pos *models.SpreadPosition, condition string) {
	if err := pos.TransitionState(models.StateFlat, condition); err != nil {
		m.logger.WithError(err).Error("flat transition failed")
	}
	if err := m.store.RemovePosition(m.underlying); err != nil {
		m.logger.WithError(err).Error("failed to drop abandoned position")
	}
}

// evaluateOpen runs the exit evaluator against live leg quotes.
func (m *Manager) evaluateOpen(ctx context.Context, pos *models.SpreadPosition, now time.Time, times TickTimes) {
	shortQ, longQ := m.legQuotes(ctx, pos)

	decision, err := strategy.EvaluateExit(pos, shortQ, longQ, now, times.ForcedAt)
	if err != nil {
		m.logger.WithError(err).Warn("exit evaluation skipped")
		return
	}
	if !decision.ShouldExit() {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"position": pos.ID,
		"trigger":  decision.Trigger,
		"debit":    decision.Debit,
		"reason":   decision.Reason,
	}).Info("exit triggered")

	m.submitClose(ctx, pos, decision)
}

// legQuotes fetches both leg quotes; a fetch failure returns zero quotes,
// which the evaluator reports as unavailable unless the forced-close cutoff
// has passed.
func (m *Manager) legQuotes(ctx context.Context, pos *models.SpreadPosition) (models.LegQuote, models.LegQuote) {
	var shortQ, longQ models.LegQuote
	quotes, err := m.broker.GetQuotesCtx(ctx, []string{pos.ShortSymbol, pos.LongSymbol})
	if err != nil {
		m.logger.WithError(err).Warn("leg quote fetch failed")
		return shortQ, longQ
	}
	for _, q := range quotes {
		leg := models.LegQuote{Bid: q.Bid, Ask: q.Ask, Last: q.Last}
		switch q.Symbol {
		case pos.ShortSymbol:
			shortQ = leg
		case pos.LongSymbol:
			longQ = leg
		}
	}
	return shortQ, longQ
}

// submitClose places the closing order and moves the position to
// pending_close. The position stays open for a retry next tick if nothing
// could be placed at all.
func (m *Manager) submitClose(ctx context.Context, pos *models.SpreadPosition, decision models.ExitDecision) {
	maxDebit := m.closeLimit(pos, decision)

	outcome, err := m.closer.CloseSpreadWithRetry(ctx, pos, maxDebit, orderTag("close", pos.ID))
	if err != nil && (outcome == nil || (outcome.ShortOrder == nil && outcome.LongOrder == nil)) {
		m.logger.WithError(err).Error("close submission failed, retrying next tick")
		return
	}
	if err != nil {
		m.logger.WithError(err).Error("close partially submitted")
	}

	pos.ExitTrigger = decision.Trigger
	pos.ExitDebit = decision.Debit
	if outcome.Combo != nil {
		pos.CloseOrderID = outcome.Combo.Order.ID
	} else {
		pos.PerLegClose = true
		if outcome.ShortOrder != nil {
			pos.ShortCloseOrderID = outcome.ShortOrder.Order.ID
		}
		if outcome.LongOrder != nil {
			pos.LongCloseOrderID = outcome.LongOrder.Order.ID
		}
	}

	if err := pos.TransitionState(models.StatePendingClose, decision.Trigger.Condition()); err != nil {
		m.logger.WithError(err).Error("pending_close transition failed")
		return
	}
	if err := m.store.SetPosition(pos); err != nil {
		m.logger.WithError(err).Error("failed to persist pending close")
	}
}

// closeLimit derives the debit limit for a close order from the trigger.
func (m *Manager) closeLimit(pos *models.SpreadPosition, decision models.ExitDecision) float64 {
	tick := m.cfg.Orders.TickSize
	var limit float64
	switch decision.Trigger {
	case models.TriggerTakeProfit:
		limit = pos.ProfitTargetDebit
	case models.TriggerStopLoss:
		// Pay up past the threshold rather than chase a running market.
		limit = math.Max(decision.Debit, pos.StopLossDebit)
	case models.TriggerTimeForced:
		// Getting out matters more than price here; the spread can never
		// be worth more than its width.
		limit = pos.Width()
		if decision.Debit > 0 {
			limit = math.Min(limit, decision.Debit*1.5)
		}
	default:
		limit = pos.InitialCredit
	}
	return math.Max(util.CeilToTick(limit, tick), tick)
}

// resolveClose drives a pending close to completion. It is re-entered every
// tick until both legs are confirmed closed and the position retires.
func (m *Manager) resolveClose(ctx context.Context, pos *models.SpreadPosition, now time.Time, times TickTimes) {
	if pos.PerLegClose {
		m.resolveLegCloses(ctx, pos, now, times)
		return
	}

	result, err := m.tracker.AwaitSpreadFill(ctx, pos.CloseOrderID, pos.ShortSymbol, pos.LongSymbol)
	if err != nil {
		m.logger.WithError(err).Warn("close fill polling interrupted")
		return
	}

	switch result.Status {
	case orders.FillFilled:
		pos.ShortClosed, pos.LongClosed = true, true
		pos.ShortCloseFill = result.ShortFill
		pos.LongCloseFill = result.LongFill
		m.retire(pos, now)
	case orders.FillFailed:
		m.logger.WithFields(logrus.Fields{
			"position": pos.ID,
			"status":   result.OrderStatus,
		}).Warn("close order died, re-driving")
		pos.CloseOrderID = 0
		m.redriveClose(ctx, pos, now, times)
	case orders.FillTimedOut:
		m.logger.WithField("position", pos.ID).Warn("close order timed out")
		if _, err := m.broker.CancelOrderCtx(ctx, pos.CloseOrderID); err != nil {
			m.logger.WithError(err).Warn("cancel of stale close order failed")
		}
		pos.CloseOrderID = 0
		m.redriveClose(ctx, pos, now, times)
	case orders.FillPartial:
		m.logger.WithFields(logrus.Fields{
			"position":     pos.ID,
			"short_closed": result.ShortFilled,
			"long_closed":  result.LongFilled,
		}).Warn("close filled one leg, resubmitting the other")
		if _, err := m.broker.CancelOrderCtx(ctx, pos.CloseOrderID); err != nil {
			m.logger.WithError(err).Warn("cancel of partial close failed")
		}
		if result.ShortFilled {
			pos.ShortClosed = true
			pos.ShortCloseFill = result.ShortFill
		}
		if result.LongFilled {
			pos.LongClosed = true
			pos.LongCloseFill = result.LongFill
		}
		pos.PerLegClose = true
		pos.CloseOrderID = 0
		m.submitRemainingLegs(pos, now, times)
		if err := m.store.SetPosition(pos); err != nil {
			m.logger.WithError(err).Error("failed to persist per-leg close state")
		}
	}
}

// redriveClose resubmits the close. Past the failsafe cutoff it goes straight
// to per-leg market orders.
func (m *Manager) redriveClose(ctx context.Context, pos *models.SpreadPosition, now time.Time, times TickTimes) {
	if !now.Before(times.FailsafeAt) {
		pos.PerLegClose = true
		m.submitRemainingLegs(pos, now, times)
		if err := m.store.SetPosition(pos); err != nil {
			m.logger.WithError(err).Error("failed to persist failsafe close state")
		}
		return
	}

	decision := models.ExitDecision{Trigger: pos.ExitTrigger, Debit: pos.ExitDebit}
	maxDebit := m.closeLimit(pos, decision)
	outcome, err := m.closer.CloseSpreadWithRetry(ctx, pos, maxDebit, orderTag("close", pos.ID))
	if err != nil && (outcome == nil || (outcome.ShortOrder == nil && outcome.LongOrder == nil)) {
		m.logger.WithError(err).Error("close re-drive failed, retrying next tick")
		if saveErr := m.store.SetPosition(pos); saveErr != nil {
			m.logger.WithError(saveErr).Error("failed to persist close state")
		}
		return
	}
	if outcome.Combo != nil {
		pos.CloseOrderID = outcome.Combo.Order.ID
	} else {
		pos.PerLegClose = true
		if outcome.ShortOrder != nil {
			pos.ShortCloseOrderID = outcome.ShortOrder.Order.ID
		}
		if outcome.LongOrder != nil {
			pos.LongCloseOrderID = outcome.LongOrder.Order.ID
		}
	}
	if err := m.store.SetPosition(pos); err != nil {
		m.logger.WithError(err).Error("failed to persist re-driven close")
	}
}

// submitRemainingLegs places an order for each still-open leg. Before the
// failsafe cutoff the short goes out as a limit; past it everything is a
// market order.
func (m *Manager) submitRemainingLegs(pos *models.SpreadPosition, now time.Time, times TickTimes) {
	useMarket := !now.Before(times.FailsafeAt)
	tag := orderTag("leg-close", pos.ID)

	if !pos.ShortClosed && pos.ShortCloseOrderID == 0 {
		var resp *broker.OrderResponse
		var err error
		if useMarket {
			resp, err = m.broker.PlaceBuyToCloseMarketOrder(pos.ShortSymbol, pos.Quantity, tag)
		} else {
			limit := math.Max(util.CeilToTick(pos.StopLossDebit, m.cfg.Orders.TickSize), m.cfg.Orders.TickSize)
			resp, err = m.broker.PlaceBuyToCloseOrder(pos.ShortSymbol, pos.Quantity, limit, tag)
		}
		if err != nil {
			m.logger.WithError(err).Error("short leg close submission failed")
		} else {
			pos.ShortCloseOrderID = resp.Order.ID
		}
	}

	if !pos.LongClosed && pos.LongCloseOrderID == 0 {
		resp, err := m.broker.PlaceSellToCloseMarketOrder(pos.LongSymbol, pos.Quantity, tag)
		if err != nil {
			m.logger.WithError(err).Error("long leg close submission failed")
		} else {
			pos.LongCloseOrderID = resp.Order.ID
		}
	}
}

// resolveLegCloses polls the independent leg orders until both legs confirm.
func (m *Manager) resolveLegCloses(ctx context.Context, pos *models.SpreadPosition, now time.Time, times TickTimes) {
	if !pos.ShortClosed && pos.ShortCloseOrderID != 0 {
		fill, status, err := m.tracker.AwaitLegFill(ctx, pos.ShortCloseOrderID)
		if err != nil {
			return
		}
		switch status {
		case orders.FillFilled:
			pos.ShortClosed = true
			pos.ShortCloseFill = fill
		case orders.FillFailed:
			pos.ShortCloseOrderID = 0
		}
	}
	if !pos.LongClosed && pos.LongCloseOrderID != 0 {
		fill, status, err := m.tracker.AwaitLegFill(ctx, pos.LongCloseOrderID)
		if err != nil {
			return
		}
		switch status {
		case orders.FillFilled:
			pos.LongClosed = true
			pos.LongCloseFill = fill
		case orders.FillFailed:
			pos.LongCloseOrderID = 0
		}
	}

	if pos.FullyClosed() {
		m.retire(pos, now)
		return
	}

	m.submitRemainingLegs(pos, now, times)
	if err := m.store.SetPosition(pos); err != nil {
		m.logger.WithError(err).Error("failed to persist leg close state")
	}

	if !now.Before(times.FailsafeAt.Add(m.cfg.FailsafeLead())) {
		// Past the bell with legs still unresolved. Nothing automated is
		// left to try.
		m.logger.WithFields(logrus.Fields{
			"position":     pos.ID,
			"short_closed": pos.ShortClosed,
			"long_closed":  pos.LongClosed,
			"alert":        "ops",
		}).Error("close unresolved past final cutoff, manual intervention required")
	}
}

// retire finalizes a fully closed position: exit debit from confirmed close
// fills, single history append, active slot cleared.
func (m *Manager) retire(pos *models.SpreadPosition, now time.Time) {
	debit := pos.ShortCloseFill - pos.LongCloseFill
	if debit < 0 {
		debit = math.Abs(debit)
	}
	pos.ExitDebit = debit
	pos.ClosedAt = now.UTC()

	if err := pos.TransitionState(models.StateFlat, models.ConditionLegsClosed); err != nil {
		m.logger.WithError(err).Error("flat transition failed")
		return
	}
	if err := m.store.RetirePosition(m.underlying); err != nil {
		m.logger.WithError(err).Error("retirement failed")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"position":    pos.ID,
		"trigger":     pos.ExitTrigger,
		"exit_debit":  pos.ExitDebit,
		"clean_close": !pos.PerLegClose,
		"pnl":         (pos.InitialCredit - pos.ExitDebit) * float64(pos.Quantity) * 100,
	}).Info("position closed")
}
