package storage

import "github.com/eddiefleurent/schrute_spreads/internal/models"

// Interface defines the contract for position and trade persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe.
//
// The provided JSONStorage implementation uses sync.RWMutex to serialize
// access, ensuring all Interface methods are protected for concurrent readers
// and writers.
type Interface interface {
	// Active position management. At most one active position per
	// underlying; SetPosition rejects a second position for a busy
	// underlying unless the IDs match.
	GetPosition(underlying string) *models.SpreadPosition
	GetPositionByID(id string) *models.SpreadPosition
	GetActivePositions() []*models.SpreadPosition
	SetPosition(pos *models.SpreadPosition) error
	// RemovePosition drops an active position without a history entry;
	// used when an entry order never filled.
	RemovePosition(underlying string) error
	// RetirePosition converts the underlying's active position into a
	// TradeRecord exactly once: append to history, fold into statistics,
	// clear the active slot.
	RetirePosition(underlying string) error

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetHistory() []models.TradeRecord
	HasInHistory(positionID string) bool
	GetStatistics() Statistics
	GetDailyPnL(date string) float64
}

// NewStorage creates a new storage implementation (currently JSON-based).
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
