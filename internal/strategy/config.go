package strategy

import (
	"fmt"
	"time"

	"futures-trading-engine/internal/market"
)

const (
	MinLeverage = 1
	MaxLeverage = 50

	defaultMaxPositions  = 1
	defaultTickSeconds   = 10
	defaultRSIPeriod     = 14
	defaultRSIOverbought = 70.0
	defaultRSIOversold   = 30.0
)

// Config is the full parameter set of one strategy instance. Instances treat
// it as immutable; updates are swapped in atomically between ticks.
type Config struct {
	ID       string  `json:"id" yaml:"id"`
	Account  string  `json:"account" yaml:"account"`
	Symbol   string  `json:"symbol" yaml:"symbol"`
	Interval string  `json:"interval" yaml:"interval"`
	Variant  Variant `json:"variant" yaml:"variant"`
	Leverage int     `json:"leverage" yaml:"leverage"`

	// Sizing: fixed_amount wins over risk_per_trade when both are set.
	RiskPerTrade float64 `json:"risk_per_trade" yaml:"risk_per_trade"`
	FixedAmount  float64 `json:"fixed_amount" yaml:"fixed_amount"`
	MaxPositions int     `json:"max_positions" yaml:"max_positions"`

	EMAFast       int     `json:"ema_fast" yaml:"ema_fast"`
	EMASlow       int     `json:"ema_slow" yaml:"ema_slow"`
	TPPct         float64 `json:"tp_pct" yaml:"tp_pct"`
	SLPct         float64 `json:"sl_pct" yaml:"sl_pct"`
	MinSeparation float64 `json:"min_separation" yaml:"min_separation"`

	EnableHTFBias bool   `json:"enable_htf_bias" yaml:"enable_htf_bias"`
	HTFInterval   string `json:"htf_interval" yaml:"htf_interval"`

	CooldownCandles int `json:"cooldown_candles" yaml:"cooldown_candles"`

	TrailingEnabled       bool    `json:"trailing_enabled" yaml:"trailing_enabled"`
	TrailingActivationPct float64 `json:"trailing_activation_pct" yaml:"trailing_activation_pct"`

	EnableShort bool `json:"enable_short" yaml:"enable_short"`

	// RSI confirmation, used by the ema_cross_rsi variant only.
	RSIPeriod     int     `json:"rsi_period" yaml:"rsi_period"`
	RSIOverbought float64 `json:"rsi_overbought" yaml:"rsi_overbought"`
	RSIOversold   float64 `json:"rsi_oversold" yaml:"rsi_oversold"`

	// TickSeconds is the instance's evaluation interval.
	TickSeconds int `json:"tick_seconds" yaml:"tick_seconds"`
}

// ConfigError marks a configuration rejected at create or update time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid strategy config: %s %s", e.Field, e.Reason)
}

// TickInterval returns the evaluation interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// ApplyDefaults fills unset optional fields in place.
func (c *Config) ApplyDefaults() {
	if c.Account == "" {
		c.Account = "default"
	}
	if c.Variant == "" {
		c.Variant = VariantEMACross
	}
	if c.MaxPositions == 0 {
		c.MaxPositions = defaultMaxPositions
	}
	if c.TickSeconds == 0 {
		c.TickSeconds = defaultTickSeconds
	}
	if c.EnableHTFBias && c.HTFInterval == "" {
		c.HTFInterval = market.HigherInterval(c.Interval)
	}
	if c.Variant == VariantEMACrossRSI {
		if c.RSIPeriod == 0 {
			c.RSIPeriod = defaultRSIPeriod
		}
		if c.RSIOverbought == 0 {
			c.RSIOverbought = defaultRSIOverbought
		}
		if c.RSIOversold == 0 {
			c.RSIOversold = defaultRSIOversold
		}
	}
}

// Validate rejects configs the engine must never run. Callers apply defaults
// first.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return &ConfigError{Field: "symbol", Reason: "is required"}
	}
	if market.IntervalDuration(c.Interval) == 0 {
		return &ConfigError{Field: "interval", Reason: fmt.Sprintf("%q is not a supported interval", c.Interval)}
	}
	if !c.Variant.Valid() {
		return &ConfigError{Field: "variant", Reason: fmt.Sprintf("%q is not a known variant", c.Variant)}
	}
	if c.Leverage < MinLeverage || c.Leverage > MaxLeverage {
		return &ConfigError{Field: "leverage", Reason: fmt.Sprintf("%d outside [%d,%d]", c.Leverage, MinLeverage, MaxLeverage)}
	}
	if c.EMAFast < 1 {
		return &ConfigError{Field: "ema_fast", Reason: "must be at least 1"}
	}
	if c.EMAFast >= c.EMASlow {
		return &ConfigError{Field: "ema_fast", Reason: fmt.Sprintf("%d must be below ema_slow %d", c.EMAFast, c.EMASlow)}
	}
	for field, v := range map[string]float64{
		"risk_per_trade":          c.RiskPerTrade,
		"fixed_amount":            c.FixedAmount,
		"tp_pct":                  c.TPPct,
		"sl_pct":                  c.SLPct,
		"min_separation":          c.MinSeparation,
		"trailing_activation_pct": c.TrailingActivationPct,
	} {
		if v < 0 {
			return &ConfigError{Field: field, Reason: "must not be negative"}
		}
	}
	if c.FixedAmount == 0 && (c.RiskPerTrade == 0 || c.SLPct == 0) {
		return &ConfigError{Field: "sizing", Reason: "needs fixed_amount, or risk_per_trade with a nonzero sl_pct"}
	}
	if c.MaxPositions < 1 {
		return &ConfigError{Field: "max_positions", Reason: "must be at least 1"}
	}
	if c.CooldownCandles < 0 {
		return &ConfigError{Field: "cooldown_candles", Reason: "must not be negative"}
	}
	if c.EnableHTFBias && market.IntervalDuration(c.HTFInterval) == 0 {
		return &ConfigError{Field: "htf_interval", Reason: fmt.Sprintf("%q is not a supported interval", c.HTFInterval)}
	}
	if c.Variant == VariantEMACrossRSI {
		if c.RSIPeriod < 2 {
			return &ConfigError{Field: "rsi_period", Reason: "must be at least 2"}
		}
		if c.RSIOversold <= 0 || c.RSIOverbought >= 100 || c.RSIOversold >= c.RSIOverbought {
			return &ConfigError{Field: "rsi_bounds", Reason: "need 0 < oversold < overbought < 100"}
		}
	}
	if c.TickSeconds < 1 {
		return &ConfigError{Field: "tick_seconds", Reason: "must be at least 1"}
	}
	return nil
}

// CandlesNeeded is how many closed candles evaluation wants fetched. The
// slow EMA defines the floor; the buffer smooths over feed hiccups without
// being required for a first value.
func (c *Config) CandlesNeeded(buffer int) int {
	if buffer < 0 {
		buffer = 0
	}
	return c.EMASlow + buffer
}
