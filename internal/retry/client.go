// Package retry drives close orders to the broker with backoff, degrading
// from a single multileg combo to two independent leg orders when the combo
// route keeps failing.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/sirupsen/logrus"
)

// Config controls retry behavior for close orders.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is the default retry configuration.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// CloseOutcome reports how a close submission went out.
type CloseOutcome struct {
	// Combo is the accepted multileg order, nil when the combo route failed.
	Combo *broker.OrderResponse
	// ShortOrder and LongOrder are the per-leg orders placed after
	// degrading. Either may be nil if that leg's submission failed.
	ShortOrder *broker.OrderResponse
	LongOrder  *broker.OrderResponse
	// PerLeg is true when the close went out as two independent orders.
	PerLeg bool
}

// Client submits close orders with bounded retries.
type Client struct {
	broker broker.Broker
	logger *logrus.Logger
	config Config
}

// NewClient creates a retry client. Zero fields in cfg fall back to
// DefaultConfig.
func NewClient(b broker.Broker, logger *logrus.Logger, cfg Config) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	return &Client{broker: b, logger: logger, config: cfg}
}

// CloseSpreadWithRetry submits a debit order to buy back pos. It tries the
// multileg combo first; once combo attempts are exhausted it degrades to two
// independent leg orders so one dead route cannot strand the position. The
// returned outcome says which route succeeded.
func (c *Client) CloseSpreadWithRetry(
	ctx context.Context,
	pos *models.SpreadPosition,
	maxDebit float64,
	tag string,
) (*CloseOutcome, error) {
	closeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	combo, comboErr := c.placeComboWithRetry(closeCtx, pos, maxDebit, tag)
	if comboErr == nil {
		return &CloseOutcome{Combo: combo}, nil
	}
	if closeCtx.Err() != nil {
		return nil, fmt.Errorf("close of %s timed out: %w", pos.ID, closeCtx.Err())
	}

	c.logger.WithFields(logrus.Fields{
		"position": pos.ID,
		"error":    comboErr.Error(),
	}).Warn("combo close failed, degrading to per-leg orders")

	outcome, err := c.closePerLeg(closeCtx, pos, maxDebit, tag)
	if err != nil {
		return outcome, fmt.Errorf("combo close failed (%v); per-leg close: %w", comboErr, err)
	}
	return outcome, nil
}

func (c *Client) placeComboWithRetry(
	ctx context.Context,
	pos *models.SpreadPosition,
	maxDebit float64,
	tag string,
) (*broker.OrderResponse, error) {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("close canceled: %w", ctx.Err())
		}

		c.logger.WithFields(logrus.Fields{
			"position": pos.ID,
			"attempt":  attempt + 1,
		}).Info("submitting combo close")

		resp, err := c.broker.CloseSpreadOrderCtx(ctx, pos.Underlying,
			pos.ShortSymbol, pos.LongSymbol, pos.Quantity, maxDebit, tag)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if broker.IsPermanentAPIError(err) || !isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-ctx.Done():
			return nil, fmt.Errorf("close canceled during backoff: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("combo close failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// closePerLeg buys back the short and sells the long as independent limit
// orders. The debit budget is split by putting the whole limit on the short
// buyback and letting the long go out at any price above zero; the long sale
// only ever adds credit, so the worst case stays inside maxDebit.
func (c *Client) closePerLeg(
	ctx context.Context,
	pos *models.SpreadPosition,
	maxDebit float64,
	tag string,
) (*CloseOutcome, error) {
	outcome := &CloseOutcome{PerLeg: true}

	shortOrder, shortErr := c.broker.PlaceBuyToCloseOrder(pos.ShortSymbol, pos.Quantity, maxDebit, tag)
	if shortErr == nil {
		outcome.ShortOrder = shortOrder
	}
	if ctx.Err() != nil {
		return outcome, ctx.Err()
	}

	longOrder, longErr := c.broker.PlaceSellToCloseMarketOrder(pos.LongSymbol, pos.Quantity, tag)
	if longErr == nil {
		outcome.LongOrder = longOrder
	}

	if shortErr != nil && longErr != nil {
		return outcome, fmt.Errorf("both legs failed: short: %v; long: %w", shortErr, longErr)
	}
	if shortErr != nil {
		return outcome, fmt.Errorf("short leg failed: %w", shortErr)
	}
	if longErr != nil {
		return outcome, fmt.Errorf("long leg failed: %w", longErr)
	}
	return outcome, nil
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("jitter generation failed")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
