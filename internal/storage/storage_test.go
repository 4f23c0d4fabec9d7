package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

func testCandidate() models.SpreadCandidate {
	expiry := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	return models.SpreadCandidate{
		Short: models.OptionContract{
			Symbol: "SPY250606P00590000", Right: models.RightPut, Strike: 590,
			Expiration: expiry, Bid: 1.45, Ask: 1.50, Delta: -0.14, HasDelta: true,
		},
		Long: models.OptionContract{
			Symbol: "SPY250606P00585000", Right: models.RightPut, Strike: 585,
			Expiration: expiry, Bid: 0.60, Ask: 0.65, Delta: -0.08, HasDelta: true,
		},
		Width:     5,
		NetCredit: 0.80,
	}
}

func openTestPosition(t *testing.T, id string) *models.SpreadPosition {
	t.Helper()
	pos := models.NewSpreadPosition(id, "SPY", testCandidate(), 1)
	if err := pos.TransitionState(models.StatePendingOpen, models.ConditionOrderSubmitted); err != nil {
		t.Fatalf("to pending_open: %v", err)
	}
	if err := pos.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
		t.Fatalf("to open: %v", err)
	}
	if err := pos.RecordFills(1.47, 0.63, 2.0, 0.5, time.Date(2025, 6, 6, 14, 5, 0, 0, time.UTC)); err != nil {
		t.Fatalf("record fills: %v", err)
	}
	return pos
}

func closeTestPosition(t *testing.T, pos *models.SpreadPosition, trigger models.ExitTrigger, debit float64) {
	t.Helper()
	if err := pos.TransitionState(models.StatePendingClose, trigger.Condition()); err != nil {
		t.Fatalf("to pending_close: %v", err)
	}
	pos.ExitTrigger = trigger
	pos.ExitDebit = debit
	pos.ShortClosed = true
	pos.LongClosed = true
	pos.ClosedAt = time.Date(2025, 6, 6, 18, 0, 0, 0, time.UTC)
}

func newTestStorage(t *testing.T) *JSONStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	return s
}

func TestSetAndGetPosition(t *testing.T) {
	s := newTestStorage(t)
	pos := openTestPosition(t, "pos-1")

	if err := s.SetPosition(pos); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if got := s.GetPosition("SPY"); got == nil || got.ID != "pos-1" {
		t.Errorf("GetPosition = %v, want pos-1", got)
	}
	if got := s.GetPositionByID("pos-1"); got == nil {
		t.Error("GetPositionByID returned nil")
	}
	if got := s.GetPosition("QQQ"); got != nil {
		t.Errorf("GetPosition(QQQ) = %v, want nil", got)
	}
	if n := len(s.GetActivePositions()); n != 1 {
		t.Errorf("active positions = %d, want 1", n)
	}
}

func TestSetPosition_RejectsSecondForUnderlying(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SetPosition(openTestPosition(t, "pos-1")); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	err := s.SetPosition(openTestPosition(t, "pos-2"))
	if err == nil {
		t.Fatal("expected rejection of a second SPY position")
	}

	// Updating the same position is fine.
	pos := s.GetPosition("SPY")
	if err := s.SetPosition(pos); err != nil {
		t.Errorf("re-storing the active position: %v", err)
	}
}

func TestRetirePosition(t *testing.T) {
	s := newTestStorage(t)
	pos := openTestPosition(t, "pos-1")
	if err := s.SetPosition(pos); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	closeTestPosition(t, pos, models.TriggerTakeProfit, 0.40)

	if err := s.RetirePosition("SPY"); err != nil {
		t.Fatalf("RetirePosition: %v", err)
	}

	if s.GetPosition("SPY") != nil {
		t.Error("position still active after retirement")
	}
	if !s.HasInHistory("pos-1") {
		t.Error("retired position missing from history")
	}

	stats := s.GetStatistics()
	if stats.TotalTrades != 1 || stats.WinningTrades != 1 {
		t.Errorf("stats = %+v, want one winning trade", stats)
	}
	// (0.84 - 0.40) * 1 * 100
	if pnl := s.GetDailyPnL("2025-06-06"); pnl < 43.99 || pnl > 44.01 {
		t.Errorf("daily pnl = %.2f, want 44.00", pnl)
	}

	// Second retirement must fail: the active slot is empty.
	if err := s.RetirePosition("SPY"); err == nil {
		t.Error("expected error retiring an already-retired underlying")
	}
}

func TestRetirePosition_RequiresExitState(t *testing.T) {
	s := newTestStorage(t)
	pos := openTestPosition(t, "pos-1")
	if err := s.SetPosition(pos); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	if err := s.RetirePosition("SPY"); err == nil {
		t.Fatal("expected error retiring a position with no exit trigger")
	}
	// The failed retirement must not consume the position.
	if s.GetPosition("SPY") == nil {
		t.Error("position vanished after failed retirement")
	}
}

func TestRemovePosition(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SetPosition(openTestPosition(t, "pos-1")); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if err := s.RemovePosition("SPY"); err != nil {
		t.Fatalf("RemovePosition: %v", err)
	}
	if s.HasInHistory("pos-1") {
		t.Error("removed position must not appear in history")
	}
	if err := s.RemovePosition("SPY"); err == nil {
		t.Error("expected error removing a missing position")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}

	pos := openTestPosition(t, "pos-1")
	if err := s.SetPosition(pos); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	reloaded, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopening storage: %v", err)
	}
	got := reloaded.GetPosition("SPY")
	if got == nil {
		t.Fatal("position lost across reload")
	}
	if got.GetCurrentState() != models.StateOpen {
		t.Errorf("restored state = %s, want open", got.GetCurrentState())
	}
	if got.InitialCredit < 0.839 || got.InitialCredit > 0.841 {
		t.Errorf("restored credit = %.4f, want 0.84", got.InitialCredit)
	}

	// The restored machine must still enforce transitions.
	if err := got.TransitionState(models.StateSelecting, models.ConditionEntryTrigger); err == nil {
		t.Error("restored position accepted an invalid transition")
	}
	if err := got.TransitionState(models.StatePendingClose, models.ConditionStopLoss); err != nil {
		t.Errorf("restored position rejected a valid transition: %v", err)
	}
}

func TestLoad_RejectsCorruptPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	// An open position with no recorded credit violates state invariants.
	raw := []byte(`{
		"active": {
			"SPY": {
				"id": "pos-bad",
				"underlying": "SPY",
				"side": "put",
				"state": "open",
				"short_symbol": "SPY250606P00590000",
				"long_symbol": "SPY250606P00585000",
				"short_strike": 590,
				"long_strike": 585,
				"quantity": 1
			}
		}
	}`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := NewJSONStorage(path); err == nil {
		t.Fatal("expected load failure on an invariant-violating position")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStorage(t)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(s.filepath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestMockStorageImplementsInterface(t *testing.T) {
	m := NewMockStorage()
	pos := openTestPosition(t, "pos-1")
	if err := m.SetPosition(pos); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	closeTestPosition(t, pos, models.TriggerStopLoss, 1.70)
	if err := m.RetirePosition("SPY"); err != nil {
		t.Fatalf("RetirePosition: %v", err)
	}
	if !m.HasInHistory("pos-1") {
		t.Error("mock history missing retired trade")
	}
	stats := m.GetStatistics()
	if stats.LosingTrades != 1 {
		t.Errorf("stats = %+v, want one losing trade", stats)
	}
}
