// Package strategy holds the pure decision logic of the bot: spread leg
// selection and exit evaluation. Nothing here talks to the broker or mutates
// state; both entry points are plain functions of their inputs.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

// SelectorConfig carries the leg selection policy. It is built once from the
// application config at startup.
type SelectorConfig struct {
	Side              models.OptionRight
	DeltaMode         config.DeltaMode
	ShortDelta        float64
	ShortDeltaMin     float64
	ShortDeltaMax     float64
	WidthMode         config.WidthMode
	Width             float64
	FallbackWidths    []float64
	MinCreditFraction float64
}

// SelectSpread picks the two legs of a vertical credit spread from a chain
// snapshot. A nil candidate with a reason string means no acceptable spread
// exists right now; that is an ordinary outcome, not an error.
func SelectSpread(view *models.ChainView, expiry time.Time, cfg SelectorConfig) (*models.SpreadCandidate, string) {
	contracts := view.FilterRight(cfg.Side, expiry)
	if len(contracts) == 0 {
		return nil, fmt.Sprintf("no %s contracts for expiry %s", cfg.Side, expiry.Format("2006-01-02"))
	}

	usable := make([]models.OptionContract, 0, len(contracts))
	for _, c := range contracts {
		if !c.HasDelta || !c.Quotable() {
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return nil, "no contracts with usable quotes and greeks"
	}

	// Deterministic walk order regardless of feed ordering.
	sort.Slice(usable, func(i, j int) bool { return usable[i].Strike < usable[j].Strike })

	short, reason := selectShortLeg(usable, view.Spot, cfg)
	if short == nil {
		return nil, reason
	}

	widths := cfg.FallbackWidths
	minWidth := 0.0
	if cfg.WidthMode == config.WidthModeFixed {
		widths = []float64{cfg.Width}
	} else if len(widths) > 0 {
		minWidth = widths[len(widths)-1]
	}

	var lastReason string
	for _, width := range widths {
		var long *models.OptionContract
		if cfg.WidthMode == config.WidthModeFixed {
			long = findLongLegAt(usable, short, width, cfg.Side)
		} else {
			long = findLongLegWithin(usable, short, width, minWidth, cfg.Side)
		}
		if long == nil {
			if cfg.WidthMode == config.WidthModeFixed {
				lastReason = fmt.Sprintf("no long strike %.2f points from short %.2f", width, short.Strike)
			} else {
				lastReason = fmt.Sprintf("no long strike within %.2f points of short %.2f", width, short.Strike)
			}
			continue
		}

		// Worst-case fill: sell the short at its bid, pay the long's ask.
		credit := short.Bid - long.Ask
		if credit <= 0 {
			lastReason = fmt.Sprintf("width %.2f yields non-positive credit %.2f", width, credit)
			continue
		}
		candidate := &models.SpreadCandidate{
			Short:     *short,
			Long:      *long,
			Width:     math.Abs(short.Strike - long.Strike),
			NetCredit: credit,
		}
		if candidate.CreditFraction() < cfg.MinCreditFraction {
			lastReason = fmt.Sprintf("width %.2f credit %.2f is %.1f%% of width, below %.1f%% minimum",
				width, credit, candidate.CreditFraction()*100, cfg.MinCreditFraction*100)
			continue
		}
		return candidate, ""
	}

	if lastReason == "" {
		lastReason = "no width produced an acceptable spread"
	}
	return nil, lastReason
}

// selectShortLeg applies the delta mode to choose the sold strike.
func selectShortLeg(contracts []models.OptionContract, spot float64, cfg SelectorConfig) (*models.OptionContract, string) {
	switch cfg.DeltaMode {
	case config.DeltaModeExact:
		return shortByExactDelta(contracts, spot, cfg.ShortDelta)
	case config.DeltaModeRange:
		return shortByDeltaRange(contracts, cfg.ShortDeltaMin, cfg.ShortDeltaMax, cfg.Side)
	case config.DeltaModeMax:
		return shortByMaxDelta(contracts, cfg.ShortDelta)
	default:
		return nil, fmt.Sprintf("unknown delta mode %q", cfg.DeltaMode)
	}
}

// shortByExactDelta picks the strike whose |delta| is nearest the target.
// Ties break toward the strike nearest the money.
func shortByExactDelta(contracts []models.OptionContract, spot, target float64) (*models.OptionContract, string) {
	var best *models.OptionContract
	bestDiff := math.MaxFloat64
	for i := range contracts {
		c := &contracts[i]
		diff := math.Abs(c.AbsDelta() - target)
		switch {
		case diff < bestDiff:
			bestDiff = diff
			best = c
		case diff == bestDiff && best != nil:
			if math.Abs(c.Strike-spot) < math.Abs(best.Strike-spot) {
				best = c
			}
		}
	}
	if best == nil {
		return nil, fmt.Sprintf("no strike near delta %.2f", target)
	}
	return best, ""
}

// shortByDeltaRange picks the strike nearest the money with |delta| inside
// [min,max]: the highest qualifying strike for puts, the lowest for calls.
func shortByDeltaRange(contracts []models.OptionContract, min, max float64, side models.OptionRight) (*models.OptionContract, string) {
	var best *models.OptionContract
	for i := range contracts {
		c := &contracts[i]
		d := c.AbsDelta()
		if d < min || d > max {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if side == models.RightPut && c.Strike > best.Strike {
			best = c
		} else if side == models.RightCall && c.Strike < best.Strike {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Sprintf("no strike with delta in [%.2f, %.2f]", min, max)
	}
	return best, ""
}

// shortByMaxDelta picks the strike nearest the money whose |delta| does not
// exceed the cap.
func shortByMaxDelta(contracts []models.OptionContract, cap float64) (*models.OptionContract, string) {
	var best *models.OptionContract
	for i := range contracts {
		c := &contracts[i]
		d := c.AbsDelta()
		if d > cap {
			continue
		}
		if best == nil || d > best.AbsDelta() {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Sprintf("no strike with delta at or below %.2f", cap)
	}
	return best, ""
}

// findLongLegAt locates the protective strike exactly width points beyond the
// short. Puts buy protection below the short strike, calls above.
func findLongLegAt(contracts []models.OptionContract, short *models.OptionContract, width float64, side models.OptionRight) *models.OptionContract {
	target := short.Strike - width
	if side == models.RightCall {
		target = short.Strike + width
	}
	for i := range contracts {
		c := &contracts[i]
		if math.Abs(c.Strike-target) <= 1e-4 && c.Symbol != short.Symbol {
			return c
		}
	}
	return nil
}

// findLongLegWithin locates the widest protective strike no farther than
// maxWidth points beyond the short and no nearer than minWidth. Strike grids
// rarely line up with configured widths, so the band absorbs the mismatch.
func findLongLegWithin(contracts []models.OptionContract, short *models.OptionContract, maxWidth, minWidth float64, side models.OptionRight) *models.OptionContract {
	var best *models.OptionContract
	var bestWidth float64
	for i := range contracts {
		c := &contracts[i]
		if c.Symbol == short.Symbol {
			continue
		}
		w := short.Strike - c.Strike
		if side == models.RightCall {
			w = c.Strike - short.Strike
		}
		if w <= 0 || w > maxWidth+1e-4 || w < minWidth-1e-4 {
			continue
		}
		if best == nil || w > bestWidth {
			best = c
			bestWidth = w
		}
	}
	return best
}
