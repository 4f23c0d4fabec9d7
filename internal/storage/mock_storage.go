package storage

import (
	"fmt"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

// MockStorage implements Interface for testing.
type MockStorage struct {
	saveError     error
	loadError     error
	setError      error
	retireError   error
	active        map[string]*models.SpreadPosition
	history       []models.TradeRecord
	dailyPnL      map[string]float64
	statistics    Statistics
	saveCallCount int
	loadCallCount int
}

// NewMockStorage creates a new mock storage for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		active:   make(map[string]*models.SpreadPosition),
		dailyPnL: make(map[string]float64),
	}
}

func (m *MockStorage) GetPosition(underlying string) *models.SpreadPosition {
	return m.active[underlying]
}

func (m *MockStorage) GetPositionByID(id string) *models.SpreadPosition {
	for _, pos := range m.active {
		if pos.ID == id {
			return pos
		}
	}
	return nil
}

func (m *MockStorage) GetActivePositions() []*models.SpreadPosition {
	out := make([]*models.SpreadPosition, 0, len(m.active))
	for _, pos := range m.active {
		out = append(out, pos)
	}
	return out
}

func (m *MockStorage) SetPosition(pos *models.SpreadPosition) error {
	if m.setError != nil {
		return m.setError
	}
	if pos == nil {
		return fmt.Errorf("cannot store a nil position")
	}
	if existing, ok := m.active[pos.Underlying]; ok && existing.ID != pos.ID {
		return fmt.Errorf("%s held by %s: %w", pos.Underlying, existing.ID, ErrUnderlyingBusy)
	}
	m.active[pos.Underlying] = pos
	return nil
}

func (m *MockStorage) RemovePosition(underlying string) error {
	if _, ok := m.active[underlying]; !ok {
		return fmt.Errorf("%s: %w", underlying, ErrPositionNotFound)
	}
	delete(m.active, underlying)
	return nil
}

func (m *MockStorage) RetirePosition(underlying string) error {
	if m.retireError != nil {
		return m.retireError
	}
	pos, ok := m.active[underlying]
	if !ok {
		return fmt.Errorf("%s: %w", underlying, ErrPositionNotFound)
	}
	record, err := pos.Retire()
	if err != nil {
		return fmt.Errorf("retiring %s: %w", pos.ID, err)
	}
	m.history = append(m.history, record)
	m.updateStatistics(record.PnL())
	m.dailyPnL[record.ClosedAt.UTC().Format("2006-01-02")] += record.PnL()
	delete(m.active, underlying)
	return nil
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.loadCallCount++
	return m.loadError
}

func (m *MockStorage) GetHistory() []models.TradeRecord {
	return m.history
}

func (m *MockStorage) HasInHistory(positionID string) bool {
	for _, record := range m.history {
		if record.PositionID == positionID {
			return true
		}
	}
	return false
}

func (m *MockStorage) GetStatistics() Statistics {
	return m.statistics
}

func (m *MockStorage) GetDailyPnL(date string) float64 {
	return m.dailyPnL[date]
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error)   { m.saveError = err }
func (m *MockStorage) SetLoadError(err error)   { m.loadError = err }
func (m *MockStorage) SetSetError(err error)    { m.setError = err }
func (m *MockStorage) SetRetireError(err error) { m.retireError = err }
func (m *MockStorage) GetSaveCallCount() int    { return m.saveCallCount }
func (m *MockStorage) GetLoadCallCount() int    { return m.loadCallCount }

func (m *MockStorage) AddHistoryRecord(record models.TradeRecord) {
	m.history = append(m.history, record)
}

func (m *MockStorage) updateStatistics(pnl float64) {
	m.statistics.TotalTrades++
	m.statistics.TotalPnL += pnl
	switch {
	case pnl > 0:
		m.statistics.WinningTrades++
	case pnl < 0:
		m.statistics.LosingTrades++
	}
	decided := m.statistics.WinningTrades + m.statistics.LosingTrades
	if decided > 0 {
		m.statistics.WinRate = float64(m.statistics.WinningTrades) / float64(decided)
	}
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
