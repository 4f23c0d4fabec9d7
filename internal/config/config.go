// Package config provides configuration management for the spread bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize before validation.
const (
	// defaultStopLossMultiplier is used when strategy.exit.stop_loss_multiplier is unset
	defaultStopLossMultiplier = 2.0
	// defaultProfitTargetFraction is used when strategy.exit.profit_target_fraction is unset
	defaultProfitTargetFraction = 0.5
	// defaultCloseBeforeClose is how long before the bell forced closes fire
	defaultCloseBeforeClose = 30 * time.Minute
	// defaultFailsafeBeforeClose is the final per-leg liquidation cutoff
	defaultFailsafeBeforeClose = 15 * time.Minute
	// defaultFillTimeout bounds how long an entry order may work unfilled
	defaultFillTimeout = 2 * time.Minute
	// defaultTickSize is the option price increment for limit orders
	defaultTickSize = 0.01
)

// DeltaMode selects how the short strike is matched against the target delta.
type DeltaMode string

const (
	// DeltaModeExact picks the strike whose delta is nearest the target
	DeltaModeExact DeltaMode = "exact"
	// DeltaModeRange picks the highest-credit strike with delta inside [min,max]
	DeltaModeRange DeltaMode = "range"
	// DeltaModeMax picks the strike nearest the money with delta <= target
	DeltaModeMax DeltaMode = "max"
)

// Valid returns true if the DeltaMode is one of the defined constants
func (m DeltaMode) Valid() bool {
	switch m {
	case DeltaModeExact, DeltaModeRange, DeltaModeMax:
		return true
	default:
		return false
	}
}

// WidthMode selects how the long strike is placed relative to the short.
type WidthMode string

const (
	// WidthModeFixed requires exactly the configured width, no substitutes
	WidthModeFixed WidthMode = "fixed"
	// WidthModeRange walks the fallback widths widest first
	WidthModeRange WidthMode = "range"
)

// Valid returns true if the WidthMode is one of the defined constants
func (m WidthMode) Valid() bool {
	return m == WidthModeFixed || m == WidthModeRange
}

// SpreadSide selects bull put or bear call construction.
type SpreadSide string

const (
	// SideBullPut sells a put spread below the market
	SideBullPut SpreadSide = "bull_put"
	// SideBearCall sells a call spread above the market
	SideBearCall SpreadSide = "bear_call"
)

// Valid returns true if the SpreadSide is one of the defined constants
func (s SpreadSide) Valid() bool {
	return s == SideBullPut || s == SideBearCall
}

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Orders      OrderConfig       `yaml:"orders"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
}

// ScheduleConfig defines the trading day timeline. Entry fires once per day
// at EntryTime; forced closes fire CloseBeforeClose ahead of the bell, with a
// per-leg failsafe at FailsafeBeforeClose.
type ScheduleConfig struct {
	CheckInterval       string `yaml:"check_interval"`
	Timezone            string `yaml:"timezone"`   // e.g., "America/New_York"
	EntryTime           string `yaml:"entry_time"` // "HH:MM"
	CloseBeforeClose    string `yaml:"close_before_close"`
	FailsafeBeforeClose string `yaml:"failsafe_before_close"`
}

// StrategyConfig defines spread construction and exit parameters.
type StrategyConfig struct {
	Underlyings []string    `yaml:"underlyings"`
	Side        SpreadSide  `yaml:"side"`
	Entry       EntryConfig `yaml:"entry"`
	Exit        ExitConfig  `yaml:"exit"`
	Quantity    int         `yaml:"quantity"`
}

// EntryConfig defines leg selection criteria.
type EntryConfig struct {
	DeltaMode     DeltaMode `yaml:"delta_mode"`
	ShortDelta    float64   `yaml:"short_delta"`
	ShortDeltaMin float64   `yaml:"short_delta_min"`
	ShortDeltaMax float64   `yaml:"short_delta_max"`
	WidthMode     WidthMode `yaml:"width_mode"`
	Width         float64   `yaml:"width"`
	// FallbackWidths is walked in order when width_mode is range.
	FallbackWidths []float64 `yaml:"fallback_widths"`
	// MinCreditFraction rejects spreads collecting less than this fraction
	// of the strike width.
	MinCreditFraction float64 `yaml:"min_credit_fraction"`
}

// ExitConfig defines how the exit thresholds derive from the fill credit.
type ExitConfig struct {
	StopLossMultiplier   float64 `yaml:"stop_loss_multiplier"`
	ProfitTargetFraction float64 `yaml:"profit_target_fraction"`
}

// OrderConfig defines order working parameters.
type OrderConfig struct {
	FillTimeout  string  `yaml:"fill_timeout"`
	PollInterval string  `yaml:"poll_interval"`
	TickSize     float64 `yaml:"tick_size"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only status endpoint.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	// AuthToken, when set, is required on every API request.
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults so Validate sees the effective configuration.
func (c *Config) normalize() {
	if c.Strategy.Exit.StopLossMultiplier == 0 {
		c.Strategy.Exit.StopLossMultiplier = defaultStopLossMultiplier
	}
	if c.Strategy.Exit.ProfitTargetFraction == 0 {
		c.Strategy.Exit.ProfitTargetFraction = defaultProfitTargetFraction
	}
	if c.Schedule.CloseBeforeClose == "" {
		c.Schedule.CloseBeforeClose = defaultCloseBeforeClose.String()
	}
	if c.Schedule.FailsafeBeforeClose == "" {
		c.Schedule.FailsafeBeforeClose = defaultFailsafeBeforeClose.String()
	}
	if c.Orders.FillTimeout == "" {
		c.Orders.FillTimeout = defaultFillTimeout.String()
	}
	if c.Orders.TickSize == 0 {
		c.Orders.TickSize = defaultTickSize
	}
	if c.Strategy.Quantity == 0 {
		c.Strategy.Quantity = 1
	}
}

// Validate checks that all configuration values are valid and consistent.
// Any failure here aborts startup; a bot with a half-valid config must not
// reach the broker.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	if len(c.Strategy.Underlyings) == 0 {
		return fmt.Errorf("strategy.underlyings must name at least one symbol")
	}
	seen := make(map[string]bool, len(c.Strategy.Underlyings))
	for _, u := range c.Strategy.Underlyings {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("strategy.underlyings contains an empty symbol")
		}
		if seen[u] {
			return fmt.Errorf("strategy.underlyings lists %s twice", u)
		}
		seen[u] = true
	}
	if !c.Strategy.Side.Valid() {
		return fmt.Errorf("strategy.side must be 'bull_put' or 'bear_call'")
	}
	if c.Strategy.Quantity <= 0 {
		return fmt.Errorf("strategy.quantity must be > 0")
	}

	if err := c.validateEntry(); err != nil {
		return err
	}

	if c.Strategy.Exit.StopLossMultiplier <= 1.0 {
		return fmt.Errorf("strategy.exit.stop_loss_multiplier must be > 1.0")
	}
	if f := c.Strategy.Exit.ProfitTargetFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("strategy.exit.profit_target_fraction must be in (0,1)")
	}

	if err := c.validateSchedule(); err != nil {
		return err
	}

	if _, err := time.ParseDuration(c.Orders.FillTimeout); err != nil {
		return fmt.Errorf("orders.fill_timeout invalid: %w", err)
	}
	if c.Orders.PollInterval != "" {
		if _, err := time.ParseDuration(c.Orders.PollInterval); err != nil {
			return fmt.Errorf("orders.poll_interval invalid: %w", err)
		}
	}
	if c.Orders.TickSize <= 0 {
		return fmt.Errorf("orders.tick_size must be > 0")
	}

	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		return fmt.Errorf("dashboard.listen_addr is required when dashboard.enabled")
	}

	return nil
}

func (c *Config) validateEntry() error {
	e := c.Strategy.Entry

	if !e.DeltaMode.Valid() {
		return fmt.Errorf("strategy.entry.delta_mode must be 'exact', 'range' or 'max'")
	}
	switch e.DeltaMode {
	case DeltaModeExact, DeltaModeMax:
		if e.ShortDelta <= 0 || e.ShortDelta >= 0.5 {
			return fmt.Errorf("strategy.entry.short_delta must be in (0,0.5)")
		}
	case DeltaModeRange:
		if e.ShortDeltaMin <= 0 || e.ShortDeltaMax >= 0.5 || e.ShortDeltaMin >= e.ShortDeltaMax {
			return fmt.Errorf("strategy.entry.short_delta_min/max must satisfy 0 < min < max < 0.5")
		}
	}

	if !e.WidthMode.Valid() {
		return fmt.Errorf("strategy.entry.width_mode must be 'fixed' or 'range'")
	}
	switch e.WidthMode {
	case WidthModeFixed:
		if e.Width <= 0 {
			return fmt.Errorf("strategy.entry.width must be > 0 for fixed width")
		}
	case WidthModeRange:
		if len(e.FallbackWidths) == 0 {
			return fmt.Errorf("strategy.entry.fallback_widths must be non-empty for range width")
		}
		for i, w := range e.FallbackWidths {
			if w <= 0 {
				return fmt.Errorf("strategy.entry.fallback_widths[%d] must be > 0", i)
			}
			if i > 0 && w >= e.FallbackWidths[i-1] {
				return fmt.Errorf("strategy.entry.fallback_widths must be strictly decreasing")
			}
		}
	}

	if e.MinCreditFraction < 0 || e.MinCreditFraction >= 1 {
		return fmt.Errorf("strategy.entry.min_credit_fraction must be in [0,1)")
	}

	return nil
}

func (c *Config) validateSchedule() error {
	if _, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil {
		return fmt.Errorf("schedule.check_interval invalid: %w", err)
	}
	loc := c.Location()
	if _, err := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc); err != nil {
		return fmt.Errorf("schedule.entry_time invalid: %w", err)
	}
	closeLead, err := time.ParseDuration(c.Schedule.CloseBeforeClose)
	if err != nil {
		return fmt.Errorf("schedule.close_before_close invalid: %w", err)
	}
	failsafeLead, err := time.ParseDuration(c.Schedule.FailsafeBeforeClose)
	if err != nil {
		return fmt.Errorf("schedule.failsafe_before_close invalid: %w", err)
	}
	if failsafeLead >= closeLead {
		return fmt.Errorf("schedule.failsafe_before_close (%s) must be shorter than close_before_close (%s)",
			failsafeLead, closeLead)
	}
	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured market timezone.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// GetCheckInterval returns the configured evaluation interval.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil {
		return 15 * time.Second // default
	}
	return d
}

// EntryTimeToday returns today's entry trigger instant in market time.
func (c *Config) EntryTimeToday(now time.Time) time.Time {
	loc := c.Location()
	today := now.In(loc)
	clock, err := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc)
	if err != nil {
		clock = time.Date(0, 1, 1, 10, 0, 0, 0, loc)
	}
	return time.Date(today.Year(), today.Month(), today.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc)
}

// CloseLead returns how long before the market close forced exits fire.
func (c *Config) CloseLead() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CloseBeforeClose)
	if err != nil {
		return defaultCloseBeforeClose
	}
	return d
}

// FailsafeLead returns how long before the close the per-leg failsafe fires.
func (c *Config) FailsafeLead() time.Duration {
	d, err := time.ParseDuration(c.Schedule.FailsafeBeforeClose)
	if err != nil {
		return defaultFailsafeBeforeClose
	}
	return d
}

// GetFillTimeout returns how long an order may work before cancellation.
func (c *Config) GetFillTimeout() time.Duration {
	d, err := time.ParseDuration(c.Orders.FillTimeout)
	if err != nil {
		return defaultFillTimeout
	}
	return d
}

// GetPollInterval returns how often working orders are polled.
func (c *Config) GetPollInterval() time.Duration {
	if c.Orders.PollInterval == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(c.Orders.PollInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// ShortRight maps the spread side to the option right being sold.
func (c *Config) ShortRight() string {
	if c.Strategy.Side == SideBearCall {
		return "call"
	}
	return "put"
}
