package strategy

import (
	"futures-trading-engine/internal/market"
)

// Variant is the sealed set of strategy kinds. Adding a kind means adding
// its case to Evaluate; there is no open-ended plugin registry.
type Variant string

const (
	// VariantEMACross trades fast/slow EMA crossovers.
	VariantEMACross Variant = "ema_cross"
	// VariantEMACrossRSI is the crossover machine with an RSI confirmation
	// filter on entries.
	VariantEMACrossRSI Variant = "ema_cross_rsi"
)

// Valid reports whether v names a known variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantEMACross, VariantEMACrossRSI:
		return true
	}
	return false
}

// Input carries everything one evaluation reads: the immutable config, the
// prior state, and the closed-candle windows. HTFCandles is only populated
// when the config enables the higher-timeframe bias filter.
type Input struct {
	Config     Config
	State      State
	Candles    []market.Candle
	HTFCandles []market.Candle
}

// Evaluate dispatches on the variant tag and returns the successor state
// plus any order intents. It is a pure function of its input: identical
// inputs always produce identical results.
func Evaluate(in Input) Result {
	switch in.Config.Variant {
	case VariantEMACross:
		return evaluateCross(in, nil)
	case VariantEMACrossRSI:
		return evaluateCross(in, rsiConfirmFilter)
	default:
		// Validate blocks unknown variants from ever being scheduled;
		// treat a stray one as a hold rather than panicking mid-tick.
		return Result{
			State: in.State.Clone(),
			Holds: []Hold{{Reason: HoldNoSignal, Detail: "unknown variant " + string(in.Config.Variant)}},
		}
	}
}
