package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

var testExpiry = time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)

// putChain builds a SPY put chain around spot 600 with deltas decaying away
// from the money and a penny-wide market on every strike.
func putChain(spot float64) *models.ChainView {
	strikes := []struct {
		strike float64
		delta  float64
		bid    float64
	}{
		{600, -0.50, 3.10},
		{595, -0.35, 2.20},
		{590, -0.22, 1.45},
		{585, -0.15, 0.95},
		{580, -0.10, 0.60},
		{575, -0.07, 0.38},
		{570, -0.05, 0.24},
		{565, -0.03, 0.14},
	}
	view := &models.ChainView{Underlying: "SPY", Spot: spot, AsOf: testExpiry}
	for _, s := range strikes {
		view.Contracts = append(view.Contracts, models.OptionContract{
			Symbol:     fmt.Sprintf("SPY250606P%08d", int(s.strike*1000)),
			Right:      models.RightPut,
			Strike:     s.strike,
			Expiration: testExpiry,
			Bid:        s.bid,
			Ask:        s.bid + 0.05,
			Delta:      s.delta,
			HasDelta:   true,
		})
	}
	return view
}

func baseSelector() SelectorConfig {
	return SelectorConfig{
		Side:              models.RightPut,
		DeltaMode:         config.DeltaModeExact,
		ShortDelta:        0.15,
		WidthMode:         config.WidthModeFixed,
		Width:             5,
		MinCreditFraction: 0.05,
	}
}

func TestSelectSpread_ExactDelta(t *testing.T) {
	candidate, reason := SelectSpread(putChain(600), testExpiry, baseSelector())
	if candidate == nil {
		t.Fatalf("expected a candidate, got reason %q", reason)
	}
	if candidate.Short.Strike != 585 {
		t.Errorf("short strike = %.0f, want 585", candidate.Short.Strike)
	}
	if candidate.Long.Strike != 580 {
		t.Errorf("long strike = %.0f, want 580", candidate.Long.Strike)
	}
	// short bid 0.95 minus long ask 0.65
	if got := candidate.NetCredit; got < 0.299 || got > 0.301 {
		t.Errorf("net credit = %.4f, want 0.30", got)
	}
	if candidate.Width != 5 {
		t.Errorf("width = %.0f, want 5", candidate.Width)
	}
}

func TestSelectSpread_ExactDeltaTieBreaksTowardMoney(t *testing.T) {
	view := putChain(600)
	// 0.25 and 0.125 sit exactly 0.0625 either side of the 0.1875 target,
	// and all four values are exact in binary. 590 is nearer the money.
	for i := range view.Contracts {
		switch view.Contracts[i].Strike {
		case 590:
			view.Contracts[i].Delta = -0.25
		case 585:
			view.Contracts[i].Delta = -0.30
		case 580:
			view.Contracts[i].Delta = -0.125
		}
	}
	cfg := baseSelector()
	cfg.ShortDelta = 0.1875
	candidate, reason := SelectSpread(view, testExpiry, cfg)
	if candidate == nil {
		t.Fatalf("expected a candidate, got reason %q", reason)
	}
	if candidate.Short.Strike != 590 {
		t.Errorf("short strike = %.0f, want 590 (nearer the money)", candidate.Short.Strike)
	}
}

func TestSelectSpread_DeltaRange(t *testing.T) {
	cfg := baseSelector()
	cfg.DeltaMode = config.DeltaModeRange
	cfg.ShortDelta = 0
	cfg.ShortDeltaMin = 0.08
	cfg.ShortDeltaMax = 0.18
	candidate, reason := SelectSpread(putChain(600), testExpiry, cfg)
	if candidate == nil {
		t.Fatalf("expected a candidate, got reason %q", reason)
	}
	// 585 (0.15) and 580 (0.10) qualify; 585 is the higher put strike.
	if candidate.Short.Strike != 585 {
		t.Errorf("short strike = %.0f, want 585", candidate.Short.Strike)
	}
}

func TestSelectSpread_DeltaRangeIgnoresPremium(t *testing.T) {
	view := putChain(600)
	// Invert the premium ordering inside the band: the lower 580 strike
	// carries the richer bid. Strike position, not premium, decides.
	for i := range view.Contracts {
		switch view.Contracts[i].Strike {
		case 585:
			view.Contracts[i].Bid = 0.90
			view.Contracts[i].Ask = 0.95
		case 580:
			view.Contracts[i].Bid = 1.20
			view.Contracts[i].Ask = 1.25
		}
	}
	cfg := baseSelector()
	cfg.DeltaMode = config.DeltaModeRange
	cfg.ShortDelta = 0
	cfg.ShortDeltaMin = 0.08
	cfg.ShortDeltaMax = 0.20
	// 585/575 is a 0.47 credit on a 10 wide, 4.7% of width.
	cfg.Width = 10
	cfg.MinCreditFraction = 0.02
	candidate, reason := SelectSpread(view, testExpiry, cfg)
	if candidate == nil {
		t.Fatalf("expected a candidate, got reason %q", reason)
	}
	if candidate.Short.Strike != 585 {
		t.Errorf("short strike = %.0f, want the higher 585 over the richer-bid 580", candidate.Short.Strike)
	}
}

func TestSelectSpread_DeltaMax(t *testing.T) {
	cfg := baseSelector()
	cfg.DeltaMode = config.DeltaModeMax
	cfg.ShortDelta = 0.12
	// 580/575 only carries a 0.17 credit on a 5 wide, so relax the floor.
	cfg.MinCreditFraction = 0.02
	candidate, reason := SelectSpread(putChain(600), testExpiry, cfg)
	if candidate == nil {
		t.Fatalf("expected a candidate, got reason %q", reason)
	}
	// Nearest the money without exceeding the 0.12 cap is the 0.10 strike.
	if candidate.Short.Strike != 580 {
		t.Errorf("short strike = %.0f, want 580", candidate.Short.Strike)
	}
}

func TestSelectSpread_FixedWidthNoSubstitute(t *testing.T) {
	view := putChain(600)
	// Remove the 580 strike so the 5-wide long leg does not exist.
	trimmed := view.Contracts[:0]
	for _, c := range view.Contracts {
		if c.Strike != 580 {
			trimmed = append(trimmed, c)
		}
	}
	view.Contracts = trimmed

	candidate, reason := SelectSpread(view, testExpiry, baseSelector())
	if candidate != nil {
		t.Fatalf("fixed width must not substitute another width, got short %.0f / long %.0f",
			candidate.Short.Strike, candidate.Long.Strike)
	}
	if reason == "" {
		t.Error("expected a reason for the rejection")
	}
}

func TestSelectSpread_RangeWidthWalksFallbacks(t *testing.T) {
	cfg := baseSelector()
	cfg.WidthMode = config.WidthModeRange
	cfg.FallbackWidths = []float64{15, 10}
	// Width 15 pairs 585 with 570: credit 0.95-0.29 = 0.66, only 4.4% of
	// width, under the 5% floor. Width 10 pairs 585 with 575: credit
	// 0.95-0.43 = 0.52 is 5.2% and passes.
	candidate, reason := SelectSpread(putChain(600), testExpiry, cfg)
	if candidate == nil {
		t.Fatalf("expected a fallback-width candidate, got reason %q", reason)
	}
	if candidate.Width != 10 {
		t.Errorf("width = %.0f, want fallback to 10", candidate.Width)
	}
	if candidate.Long.Strike != 575 {
		t.Errorf("long strike = %.0f, want 575", candidate.Long.Strike)
	}
}

func TestSelectSpread_RangeWidthAcceptsOffGridStrike(t *testing.T) {
	// A 2.5-point strike grid never lands exactly on whole-point widths.
	// The walk should settle on 582.5, a 2.5-wide spread inside [2, 4].
	view := &models.ChainView{Underlying: "SPY", Spot: 600, AsOf: testExpiry}
	puts := []struct {
		strike float64
		delta  float64
		bid    float64
	}{
		{585, -0.15, 0.95},
		{582.5, -0.12, 0.70},
		{577.5, -0.08, 0.40},
	}
	for _, s := range puts {
		view.Contracts = append(view.Contracts, models.OptionContract{
			Symbol:     fmt.Sprintf("SPY250606P%08d", int(s.strike*1000)),
			Right:      models.RightPut,
			Strike:     s.strike,
			Expiration: testExpiry,
			Bid:        s.bid,
			Ask:        s.bid + 0.05,
			Delta:      s.delta,
			HasDelta:   true,
		})
	}

	cfg := baseSelector()
	cfg.WidthMode = config.WidthModeRange
	cfg.FallbackWidths = []float64{4, 3, 2}
	candidate, reason := SelectSpread(view, testExpiry, cfg)
	if candidate == nil {
		t.Fatalf("expected a candidate on the 2.5-point grid, got reason %q", reason)
	}
	if candidate.Short.Strike != 585 || candidate.Long.Strike != 582.5 {
		t.Fatalf("got %.1f/%.1f, want short 585 long 582.5",
			candidate.Short.Strike, candidate.Long.Strike)
	}
	if candidate.Width != 2.5 {
		t.Errorf("width = %.2f, want the actual 2.5 strike distance", candidate.Width)
	}
	// short bid 0.95 minus long ask 0.75
	if got := candidate.NetCredit; got < 0.199 || got > 0.201 {
		t.Errorf("net credit = %.4f, want 0.20", got)
	}
}

func TestSelectSpread_RangeWidthFloorRejectsNarrowGrid(t *testing.T) {
	// Only a 1-point neighbor exists; with a 2-point floor nothing qualifies.
	view := &models.ChainView{Underlying: "SPY", Spot: 600, AsOf: testExpiry}
	for _, s := range []struct {
		strike float64
		delta  float64
		bid    float64
	}{
		{585, -0.15, 0.95},
		{584, -0.14, 0.88},
	} {
		view.Contracts = append(view.Contracts, models.OptionContract{
			Symbol:     fmt.Sprintf("SPY250606P%08d", int(s.strike*1000)),
			Right:      models.RightPut,
			Strike:     s.strike,
			Expiration: testExpiry,
			Bid:        s.bid,
			Ask:        s.bid + 0.05,
			Delta:      s.delta,
			HasDelta:   true,
		})
	}

	cfg := baseSelector()
	cfg.WidthMode = config.WidthModeRange
	cfg.FallbackWidths = []float64{4, 3, 2}
	candidate, reason := SelectSpread(view, testExpiry, cfg)
	if candidate != nil {
		t.Fatalf("expected no candidate below the width floor, got %+v", candidate)
	}
	if reason == "" {
		t.Error("expected a reason")
	}
}

func TestSelectSpread_RangeWidthExhausted(t *testing.T) {
	view := putChain(600)
	trimmed := view.Contracts[:0]
	for _, c := range view.Contracts {
		if c.Strike >= 585 {
			trimmed = append(trimmed, c)
		}
	}
	view.Contracts = trimmed

	cfg := baseSelector()
	cfg.WidthMode = config.WidthModeRange
	cfg.FallbackWidths = []float64{5, 4, 3, 2, 1}
	candidate, reason := SelectSpread(view, testExpiry, cfg)
	if candidate != nil {
		t.Fatalf("expected no candidate with every long strike missing, got %+v", candidate)
	}
	if reason == "" {
		t.Error("expected a reason")
	}
}

func TestSelectSpread_MinCreditFraction(t *testing.T) {
	cfg := baseSelector()
	cfg.MinCreditFraction = 0.10 // 0.30 / 5 = 6%, below the floor
	candidate, reason := SelectSpread(putChain(600), testExpiry, cfg)
	if candidate != nil {
		t.Fatalf("expected rejection on thin credit, got candidate %+v", candidate)
	}
	if reason == "" {
		t.Error("expected a reason for the rejection")
	}
}

func TestSelectSpread_SkipsUnquotableContracts(t *testing.T) {
	view := putChain(600)
	for i := range view.Contracts {
		if view.Contracts[i].Strike == 585 {
			view.Contracts[i].Bid = 0
			view.Contracts[i].Ask = 0
			view.Contracts[i].Last = 0
		}
	}
	candidate, reason := SelectSpread(view, testExpiry, baseSelector())
	if candidate == nil {
		t.Fatalf("expected a candidate from remaining strikes, got reason %q", reason)
	}
	if candidate.Short.Strike == 585 {
		t.Error("selected a contract with no market")
	}
}

func TestSelectSpread_EmptyChain(t *testing.T) {
	view := &models.ChainView{Underlying: "SPY", Spot: 600}
	candidate, reason := SelectSpread(view, testExpiry, baseSelector())
	if candidate != nil {
		t.Fatal("expected no candidate from an empty chain")
	}
	if reason == "" {
		t.Error("expected a reason")
	}
}

func TestSelectSpread_CallSideLongAbove(t *testing.T) {
	view := &models.ChainView{Underlying: "SPY", Spot: 600, AsOf: testExpiry}
	calls := []struct {
		strike float64
		delta  float64
		bid    float64
	}{
		{605, 0.35, 2.10},
		{610, 0.20, 1.20},
		{615, 0.12, 0.70},
		{620, 0.07, 0.40},
	}
	for _, s := range calls {
		view.Contracts = append(view.Contracts, models.OptionContract{
			Symbol:     fmt.Sprintf("SPY250606C%08d", int(s.strike*1000)),
			Right:      models.RightCall,
			Strike:     s.strike,
			Expiration: testExpiry,
			Bid:        s.bid,
			Ask:        s.bid + 0.05,
			Delta:      s.delta,
			HasDelta:   true,
		})
	}
	cfg := baseSelector()
	cfg.Side = models.RightCall
	cfg.ShortDelta = 0.12
	cfg.MinCreditFraction = 0.02
	candidate, reason := SelectSpread(view, testExpiry, cfg)
	if candidate == nil {
		t.Fatalf("expected a call candidate, got reason %q", reason)
	}
	if candidate.Short.Strike != 615 || candidate.Long.Strike != 620 {
		t.Errorf("got %.0f/%.0f, want short 615 long 620",
			candidate.Short.Strike, candidate.Long.Strike)
	}
}
