package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/dashboard"
	"github.com/eddiefleurent/schrute_spreads/internal/lifecycle"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/retry"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config failed")
	}

	logger := newLogger(cfg.Environment.LogLevel)

	if cfg.IsPaperTrading() {
		logger.Info("paper trading mode, no real money at risk")
	} else {
		logger.Warn("LIVE trading mode, waiting 10 seconds to confirm")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		logger.WithError(err).Fatal("opening storage failed")
	}

	b := newBroker(cfg)

	balance, err := b.GetAccountBalance()
	if err != nil {
		logger.WithError(err).Fatal("broker connection check failed")
	}
	logger.WithField("balance", balance).Info("connected to broker")

	reconciler := NewReconciler(b, store, logger)
	reconciler.Run()

	tracker := orders.NewTracker(b, logger, orders.Config{
		PollInterval: cfg.GetPollInterval(),
		Timeout:      cfg.GetFillTimeout(),
	})
	closer := retry.NewClient(b, logger, retry.DefaultConfig)

	managers := make([]*lifecycle.Manager, 0, len(cfg.Strategy.Underlyings))
	for _, underlying := range cfg.Strategy.Underlyings {
		managers = append(managers, lifecycle.NewManager(underlying, cfg, b, store, tracker, closer, logger))
	}

	loop := newTradeLoop(cfg, b, managers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })

	if cfg.Dashboard.Enabled {
		server := dashboard.NewServer(dashboard.Config{
			ListenAddr: cfg.Dashboard.ListenAddr,
			AuthToken:  cfg.Dashboard.AuthToken,
		}, store, b, logger)
		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("bot exited with error")
	}
	logger.Info("bot stopped")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func newBroker(cfg *config.Config) broker.Broker {
	var client *broker.TradierClient
	if cfg.Broker.APIEndpoint != "" {
		client = broker.NewTradierClientWithBaseURL(
			cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading(), cfg.Broker.APIEndpoint)
	} else {
		client = broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading())
	}
	return broker.NewCircuitBreakerBroker(client)
}
