package strategy

import (
	"fmt"
	"math"

	"futures-trading-engine/internal/indicator"
	"futures-trading-engine/internal/market"
)

// Entry filters gate candidate entries only; exits are never filtered.
// Each returns pass plus a reason string for the deny log line.

// separationOK requires the EMAs to have separated by at least
// minSeparation of price, screening out flat-market whipsaw crosses.
func separationOK(fast, slow, close, minSeparation float64) (bool, string) {
	if minSeparation <= 0 || close == 0 {
		return true, ""
	}
	separation := math.Abs(fast-slow) / close
	if separation < minSeparation {
		return false, fmt.Sprintf("separation %.6f below minimum %.6f", separation, minSeparation)
	}
	return true, ""
}

// cooldownOK requires the post-exit cooldown to have elapsed.
func cooldownOK(remaining int) (bool, string) {
	if remaining > 0 {
		return false, fmt.Sprintf("cooldown active, %d candles remaining", remaining)
	}
	return true, ""
}

// htfBiasOK blocks short entries against a rising higher timeframe. Long
// entries never consult it.
func htfBiasOK(cfg Config, htfCandles []market.Candle) (bool, string) {
	if len(htfCandles) < cfg.EMASlow {
		return false, fmt.Sprintf("htf history too short: have %d, need %d", len(htfCandles), cfg.EMASlow)
	}
	htfFast := indicator.EMA(htfCandles, cfg.EMAFast)
	htfSlow := indicator.EMA(htfCandles, cfg.EMASlow)
	if htfFast >= htfSlow {
		return false, fmt.Sprintf("htf trend is up (fast %.8f >= slow %.8f)", htfFast, htfSlow)
	}
	return true, ""
}

// entryFilter is an optional variant-specific filter appended to the chain.
type entryFilter func(in Input, side Side) (bool, string)

// rsiConfirmFilter rejects longs into overbought and shorts into oversold
// conditions.
func rsiConfirmFilter(in Input, side Side) (bool, string) {
	cfg := in.Config
	rsi := indicator.RSI(in.Candles, cfg.RSIPeriod)
	if side == SideLong && rsi >= cfg.RSIOverbought {
		return false, fmt.Sprintf("rsi %.2f at or above overbought %.2f", rsi, cfg.RSIOverbought)
	}
	if side == SideShort && rsi <= cfg.RSIOversold {
		return false, fmt.Sprintf("rsi %.2f at or below oversold %.2f", rsi, cfg.RSIOversold)
	}
	return true, ""
}
