package main

import (
	"context"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/lifecycle"
	"github.com/sirupsen/logrus"
)

// tradeLoop ticks every lifecycle manager on the configured interval. The
// trading day's schedule (entry trigger, forced-close cutoff, failsafe cutoff)
// is derived once per day from the broker market clock, so early closes move
// the cutoffs with the actual bell.
type tradeLoop struct {
	cfg      *config.Config
	broker   broker.Broker
	managers []*lifecycle.Manager
	logger   *logrus.Logger
	now      func() time.Time

	day     string
	times   lifecycle.TickTimes
	holiday bool
}

func newTradeLoop(cfg *config.Config, b broker.Broker, managers []*lifecycle.Manager, logger *logrus.Logger) *tradeLoop {
	return &tradeLoop{
		cfg:      cfg,
		broker:   b,
		managers: managers,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks ticking until ctx is canceled.
func (l *tradeLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.GetCheckInterval())
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *tradeLoop) tick(ctx context.Context) {
	now := l.now().In(l.cfg.Location())

	if l.day != now.Format("2006-01-02") {
		if !l.refreshDay(now) {
			return
		}
	}
	if l.holiday {
		return
	}

	for _, m := range l.managers {
		m.OnTick(ctx, l.times)
	}
}

// refreshDay computes today's schedule from the market clock. It returns false
// when the schedule cannot be derived yet (market not open, clock fetch
// failed); the next tick retries.
func (l *tradeLoop) refreshDay(now time.Time) bool {
	day := now.Format("2006-01-02")

	tradingDay, err := l.broker.IsTradingDay(true)
	if err != nil {
		l.logger.WithError(err).Warn("market calendar check failed, retrying next tick")
		return false
	}
	if !tradingDay {
		l.day = day
		l.holiday = true
		l.logger.WithField("date", day).Info("market holiday, no trading today")
		return false
	}

	clock, err := l.broker.GetMarketClock(false)
	if err != nil {
		l.logger.WithError(err).Warn("market clock fetch failed, retrying next tick")
		return false
	}
	closeAt, err := clock.NextCloseTime(l.cfg.Location())
	if err != nil {
		// Market not open yet; the close time is unknown until the bell.
		l.logger.WithField("state", clock.Clock.State).Debug("waiting for market open")
		return false
	}

	l.day = day
	l.holiday = false
	l.times = lifecycle.TickTimes{
		EntryAt:    l.cfg.EntryTimeToday(now),
		ForcedAt:   closeAt.Add(-l.cfg.CloseLead()),
		FailsafeAt: closeAt.Add(-l.cfg.FailsafeLead()),
	}

	l.logger.WithFields(logrus.Fields{
		"date":     day,
		"entry":    l.times.EntryAt.Format("15:04"),
		"forced":   l.times.ForcedAt.Format("15:04"),
		"failsafe": l.times.FailsafeAt.Format("15:04"),
		"close":    closeAt.Format("15:04"),
	}).Info("trading day schedule set")
	return true
}
