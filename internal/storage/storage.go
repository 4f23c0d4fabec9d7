// Package storage persists active spread positions, trade history, and
// running statistics as a single JSON file with atomic writes.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

// JSONStorage is the file-backed Interface implementation.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *storageData
}

type storageData struct {
	// Active is keyed by underlying symbol; the key space enforces at
	// most one position per underlying.
	Active      map[string]*models.SpreadPosition `json:"active"`
	History     []models.TradeRecord              `json:"history"`
	DailyPnL    map[string]float64                `json:"daily_pnl"`
	Statistics  Statistics                        `json:"statistics"`
	LastUpdated time.Time                         `json:"last_updated"`
}

// Statistics aggregates retired trades.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

// NewJSONStorage opens or creates the storage file at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data: &storageData{
			Active:   make(map[string]*models.SpreadPosition),
			DailyPnL: make(map[string]float64),
		},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}

	return s, nil
}

// Load reads the storage file and validates every active position against its
// state invariants; a corrupt position fails the load rather than resuming a
// lifecycle from bad state.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	loaded := &storageData{}
	if err := json.Unmarshal(raw, loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", s.filepath, err)
	}
	if loaded.Active == nil {
		loaded.Active = make(map[string]*models.SpreadPosition)
	}
	if loaded.DailyPnL == nil {
		loaded.DailyPnL = make(map[string]float64)
	}

	for underlying, pos := range loaded.Active {
		if pos == nil {
			delete(loaded.Active, underlying)
			continue
		}
		if err := pos.ValidateState(); err != nil {
			return fmt.Errorf("stored position %s for %s: %w", pos.ID, underlying, err)
		}
	}

	s.data = loaded
	return nil
}

// Save writes the full state to a temp file then renames it into place.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// GetPosition returns the active position for underlying, nil when flat.
func (s *JSONStorage) GetPosition(underlying string) *models.SpreadPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Active[underlying]
}

// GetPositionByID scans active positions for the given ID.
func (s *JSONStorage) GetPositionByID(id string) *models.SpreadPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pos := range s.data.Active {
		if pos.ID == id {
			return pos
		}
	}
	return nil
}

// GetActivePositions returns all active positions.
func (s *JSONStorage) GetActivePositions() []*models.SpreadPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SpreadPosition, 0, len(s.data.Active))
	for _, pos := range s.data.Active {
		out = append(out, pos)
	}
	return out
}

// SetPosition stores pos under its underlying and persists. A different
// position already active for the underlying is rejected with
// ErrUnderlyingBusy.
func (s *JSONStorage) SetPosition(pos *models.SpreadPosition) error {
	if pos == nil {
		return fmt.Errorf("cannot store a nil position")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.Active[pos.Underlying]; ok && existing.ID != pos.ID {
		return fmt.Errorf("%s held by %s: %w", pos.Underlying, existing.ID, ErrUnderlyingBusy)
	}
	s.data.Active[pos.Underlying] = pos
	return s.saveLocked()
}

// RemovePosition drops the active position without recording a trade.
func (s *JSONStorage) RemovePosition(underlying string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Active[underlying]; !ok {
		return fmt.Errorf("%s: %w", underlying, ErrPositionNotFound)
	}
	delete(s.data.Active, underlying)
	return s.saveLocked()
}

// RetirePosition finalizes the underlying's active position into history.
// The active-slot delete and the history append happen under one lock, so a
// position can only be retired once.
func (s *JSONStorage) RetirePosition(underlying string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.data.Active[underlying]
	if !ok {
		return fmt.Errorf("%s: %w", underlying, ErrPositionNotFound)
	}

	record, err := pos.Retire()
	if err != nil {
		return fmt.Errorf("retiring %s: %w", pos.ID, err)
	}

	s.data.History = append(s.data.History, record)
	s.updateStatistics(record.PnL())
	day := record.ClosedAt.UTC().Format("2006-01-02")
	s.data.DailyPnL[day] += record.PnL()
	delete(s.data.Active, underlying)

	return s.saveLocked()
}

// GetHistory returns a copy of the retired trade records.
func (s *JSONStorage) GetHistory() []models.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TradeRecord, len(s.data.History))
	copy(out, s.data.History)
	return out
}

// HasInHistory reports whether a position ID was already retired.
func (s *JSONStorage) HasInHistory(positionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.data.History {
		if record.PositionID == positionID {
			return true
		}
	}
	return false
}

// GetStatistics returns a snapshot of the running statistics.
func (s *JSONStorage) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Statistics
}

// GetDailyPnL returns the realized P&L for a YYYY-MM-DD date.
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

func (s *JSONStorage) updateStatistics(pnl float64) {
	stats := &s.data.Statistics
	stats.TotalTrades++
	stats.TotalPnL += pnl

	switch {
	case pnl > 0:
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		totalWins := stats.AverageWin*float64(stats.WinningTrades-1) + pnl
		stats.AverageWin = totalWins / float64(stats.WinningTrades)
	case pnl < 0:
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		totalLosses := stats.AverageLoss*float64(stats.LosingTrades-1) + pnl
		stats.AverageLoss = totalLosses / float64(stats.LosingTrades)
	}
	// Breakeven trades count toward totals but not the win rate.

	decided := stats.WinningTrades + stats.LosingTrades
	if decided > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(decided)
	}
	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}
}
