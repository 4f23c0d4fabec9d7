// Package dashboard exposes a read-only JSON API over the bot's storage:
// active spreads, trade history, and running statistics. It never places or
// modifies orders.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Config holds the dashboard server settings.
type Config struct {
	ListenAddr string
	AuthToken  string
}

// Server serves the status API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     storage.Interface
	broker    broker.Broker
	logger    *logrus.Logger
	addr      string
	authToken string
}

// SpreadView is the wire shape of an active spread.
type SpreadView struct {
	ID                string             `json:"id"`
	Underlying        string             `json:"underlying"`
	Side              models.OptionRight `json:"side"`
	State             models.SpreadState `json:"state"`
	ShortSymbol       string             `json:"short_symbol"`
	LongSymbol        string             `json:"long_symbol"`
	ShortStrike       float64            `json:"short_strike"`
	LongStrike        float64            `json:"long_strike"`
	Width             float64            `json:"width"`
	Quantity          int                `json:"quantity"`
	InitialCredit     float64            `json:"initial_credit"`
	StopLossDebit     float64            `json:"stop_loss_debit"`
	ProfitTargetDebit float64            `json:"profit_target_debit"`
	MaxLoss           float64            `json:"max_loss"`
	ExitTrigger       models.ExitTrigger `json:"exit_trigger,omitempty"`
	OpenedAt          time.Time          `json:"opened_at,omitempty"`
}

// StatsView bundles trade statistics with live account state.
type StatsView struct {
	storage.Statistics
	OpenSpreads    int     `json:"open_spreads"`
	TodayPnL       float64 `json:"today_pnl"`
	AccountBalance float64 `json:"account_balance"`
	MarketState    string  `json:"market_state"`
}

// NewServer wires the API routes over the given storage and broker.
func NewServer(cfg Config, store storage.Interface, b broker.Broker, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		broker:    b,
		logger:    logger,
		addr:      cfg.ListenAddr,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/spreads", s.handleGetSpreads)
	s.router.Get("/api/spreads/{id}", s.handleGetSpread)
	s.router.Get("/api/history", s.handleGetHistory)
	s.router.Get("/api/stats", s.handleGetStats)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("dashboard listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the underlying router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetSpreads(w http.ResponseWriter, _ *http.Request) {
	positions := s.store.GetActivePositions()
	views := make([]SpreadView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, spreadView(pos))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetSpread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos := s.store.GetPositionByID(id)
	if pos == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, spreadView(pos))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, _ *http.Request) {
	history := s.store.GetHistory()
	if history == nil {
		history = []models.TradeRecord{}
	}
	s.writeJSON(w, history)
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	stats := StatsView{
		Statistics:  s.store.GetStatistics(),
		OpenSpreads: len(s.store.GetActivePositions()),
		TodayPnL:    s.store.GetDailyPnL(time.Now().UTC().Format("2006-01-02")),
		MarketState: "unknown",
	}

	if balance, err := s.broker.GetAccountBalance(); err != nil {
		s.logger.WithError(err).Warn("balance fetch for stats failed")
	} else {
		stats.AccountBalance = balance
	}
	if clock, err := s.broker.GetMarketClock(true); err == nil && clock != nil {
		stats.MarketState = clock.Clock.State
	}

	s.writeJSON(w, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("response encoding failed")
	}
}

func spreadView(pos *models.SpreadPosition) SpreadView {
	return SpreadView{
		ID:                pos.ID,
		Underlying:        pos.Underlying,
		Side:              pos.Side,
		State:             pos.GetCurrentState(),
		ShortSymbol:       pos.ShortSymbol,
		LongSymbol:        pos.LongSymbol,
		ShortStrike:       pos.ShortStrike,
		LongStrike:        pos.LongStrike,
		Width:             pos.Width(),
		Quantity:          pos.Quantity,
		InitialCredit:     pos.InitialCredit,
		StopLossDebit:     pos.StopLossDebit,
		ProfitTargetDebit: pos.ProfitTargetDebit,
		MaxLoss:           pos.MaxLossPerContract() * float64(pos.Quantity),
		ExitTrigger:       pos.ExitTrigger,
		OpenedAt:          pos.OpenedAt,
	}
}
