package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

// EvaluateExit decides whether an open spread should be closed this tick.
// The forced-close cutoff is checked before anything touches quotes so a dead
// feed can never keep a position open into the bell. Stop loss outranks take
// profit; when the current debit sits exactly on both thresholds the profit
// branch wins because the position is safe to take off either way.
func EvaluateExit(pos *models.SpreadPosition, shortQ, longQ models.LegQuote, now, forcedCloseAt time.Time) (models.ExitDecision, error) {
	if pos.InitialCredit <= 0 {
		return models.ExitDecision{}, fmt.Errorf("position %s: cannot evaluate exit before fills are recorded", pos.ID)
	}

	if !now.Before(forcedCloseAt) {
		return models.ExitDecision{
			Trigger: models.TriggerTimeForced,
			Reason:  fmt.Sprintf("forced close at %s", forcedCloseAt.Format("15:04:05 MST")),
		}, nil
	}

	shortCost := shortQ.AskOrLast()
	longValue := longQ.BidOrLast()
	if shortCost <= 0 {
		return models.ExitDecision{}, fmt.Errorf("%s: %w", pos.ShortSymbol, ErrQuoteUnavailable)
	}
	if longValue <= 0 {
		return models.ExitDecision{}, fmt.Errorf("%s: %w", pos.LongSymbol, ErrQuoteUnavailable)
	}

	// Buy back the short at its ask, sell the long at its bid. Crossed
	// quotes can flip the sign; treat the magnitude as the cost to close.
	debit := math.Abs(shortCost - longValue)

	if debit <= pos.ProfitTargetDebit {
		return models.ExitDecision{
			Trigger: models.TriggerTakeProfit,
			Debit:   debit,
			Reason:  fmt.Sprintf("debit %.2f at or below profit target %.2f", debit, pos.ProfitTargetDebit),
		}, nil
	}
	if debit >= pos.StopLossDebit {
		return models.ExitDecision{
			Trigger: models.TriggerStopLoss,
			Debit:   debit,
			Reason:  fmt.Sprintf("debit %.2f breached stop at %.2f", debit, pos.StopLossDebit),
		}, nil
	}

	return models.ExitDecision{Debit: debit}, nil
}
