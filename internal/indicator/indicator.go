// Package indicator provides stateless indicator math over ordered candle
// sequences. All functions read the trailing window of the slice they are
// given and never mutate it.
package indicator

import (
	"math"

	"futures-trading-engine/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the simple moving average of the last period closes.
// Returns 0 when fewer than period candles exist.
func SMA(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average seeded with the SMA of the
// first period closes, then folded over each subsequent close:
//
//	ema = close*mult + ema*(1-mult), mult = 2/(period+1)
//
// With exactly period candles the result is the seed itself. Returns 0 when
// fewer than period candles exist.
func EMA(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}

	ema := SMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the relative strength index over the last period changes.
// Returns the neutral value 50 when history is insufficient and 100 when the
// window contains no losses.
func RSI(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATR calculates the average true range over the last period candles, where
// true range is the greatest of high-low, |high-prevClose|, |low-prevClose|.
// Returns 0 when history is insufficient.
func ATR(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	trSum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close

		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(period)
}
