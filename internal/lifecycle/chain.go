package lifecycle

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

// chainView converts a raw broker chain into the snapshot the selector works
// on. Contracts without greeks keep HasDelta false and get filtered there.
func chainView(underlying string, spot float64, asOf time.Time, options []broker.Option) *models.ChainView {
	view := &models.ChainView{
		Underlying: underlying,
		Spot:       spot,
		AsOf:       asOf,
	}
	for _, opt := range options {
		right := models.OptionRight(opt.OptionType)
		if !right.Valid() {
			continue
		}
		expiration, err := time.Parse("2006-01-02", opt.ExpirationDate)
		if err != nil {
			continue
		}
		contract := models.OptionContract{
			Symbol:     opt.Symbol,
			Right:      right,
			Strike:     opt.Strike,
			Expiration: expiration,
			Bid:        opt.Bid,
			Ask:        opt.Ask,
			Last:       opt.Last,
		}
		if opt.Greeks != nil {
			contract.Delta = opt.Greeks.Delta
			contract.HasDelta = true
		}
		view.Contracts = append(view.Contracts, contract)
	}
	return view
}

// orderTag builds a broker order tag from a stable prefix and position ID,
// with a random nonce so a resubmission never collides with its predecessor.
func orderTag(kind, positionID string) string {
	hash := sha256.Sum256([]byte(kind + "-" + positionID))
	base := kind + "-" + hex.EncodeToString(hash[:])[:8]

	nonceBytes := make([]byte, 2)
	if _, err := rand.Read(nonceBytes); err != nil {
		return base
	}
	return base + "-" + hex.EncodeToString(nonceBytes)
}
