package main

import (
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/sirupsen/logrus"
)

// Reconciler compares stored positions against actual broker holdings at
// startup, after the process was down with orders possibly working. It fixes
// what it safely can and raises ops alerts for the rest; it never places
// orders.
type Reconciler struct {
	broker broker.Broker
	store  storage.Interface
	logger *logrus.Logger
	now    func() time.Time
}

// NewReconciler wires a startup reconciler.
func NewReconciler(b broker.Broker, store storage.Interface, logger *logrus.Logger) *Reconciler {
	return &Reconciler{broker: b, store: store, logger: logger, now: time.Now}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run() {
	brokerPositions, err := r.broker.GetPositions()
	if err != nil {
		r.logger.WithError(err).Warn("broker positions unavailable, reconciliation skipped")
		return
	}

	managed := make(map[string]bool)
	for _, pos := range r.store.GetActivePositions() {
		managed[pos.ShortSymbol] = true
		managed[pos.LongSymbol] = true
		r.reconcilePosition(pos, brokerPositions)
	}

	for i := range brokerPositions {
		bp := &brokerPositions[i]
		if managed[bp.Symbol] || bp.Quantity > -0.5 {
			continue
		}
		// A short option we are not tracking is naked risk.
		r.logger.WithFields(logrus.Fields{
			"symbol":   bp.Symbol,
			"quantity": bp.Quantity,
			"alert":    "ops",
		}).Warn("untracked short option at broker, manual review required")
	}
}

func (r *Reconciler) reconcilePosition(pos *models.SpreadPosition, brokerPositions []broker.PositionItem) {
	shortHeld, longHeld := broker.CheckSpreadLegs(brokerPositions, pos.ShortSymbol, pos.LongSymbol)
	log := r.logger.WithFields(logrus.Fields{
		"position":   pos.ID,
		"underlying": pos.Underlying,
		"state":      pos.GetCurrentState(),
	})

	switch pos.GetCurrentState() {
	case models.StateOpen:
		switch {
		case shortHeld && longHeld:
			// Intact.
		case !shortHeld && !longHeld:
			log.WithField("alert", "ops").Error("open position has no legs at broker, dropping stored record")
			if err := r.store.RemovePosition(pos.Underlying); err != nil {
				log.WithError(err).Error("dropping phantom position failed")
			}
		default:
			log.WithFields(logrus.Fields{
				"short_held": shortHeld,
				"long_held":  longHeld,
				"alert":      "ops",
			}).Error("open position is missing one leg at broker, manual intervention required")
		}

	case models.StatePendingClose:
		if !shortHeld && !longHeld {
			// The close completed while the process was down. The stored
			// exit debit is the submitted limit, the best figure we have.
			log.Info("close completed while offline, retiring position")
			pos.ShortClosed, pos.LongClosed = true, true
			pos.ClosedAt = r.now().UTC()
			if err := pos.TransitionState(models.StateFlat, models.ConditionLegsClosed); err != nil {
				log.WithError(err).Error("flat transition failed")
				return
			}
			if err := r.store.RetirePosition(pos.Underlying); err != nil {
				log.WithError(err).Error("retirement failed")
			}
		}

	case models.StateSelecting, models.StatePendingOpen:
		// The lifecycle manager resolves or drops these on its first tick.

	default:
		log.Error("stored position in unexpected state")
	}
}
