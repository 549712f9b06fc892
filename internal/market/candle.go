package market

import (
	"fmt"
	"time"
)

// Candle represents one closed candlestick. Once a candle has closed it is
// immutable; the engine never evaluates the still-forming candle.
type Candle struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

// Closed reports whether the candle had closed as of now (close time in the
// past). Exchange kline endpoints include the forming candle as the last
// element; callers use this to drop it.
func (c Candle) Closed(now time.Time) bool {
	return c.CloseTime > 0 && c.CloseTime <= now.UnixMilli()
}

// Closes extracts the close prices of a candle sequence in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// IntervalDuration converts an exchange interval string ("1m", "4h", "1d")
// to a duration. Unknown intervals return 0.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 0
	}
}

// HigherInterval maps a trading interval to the default higher timeframe
// used by the bias filter when the config does not pin one explicitly.
func HigherInterval(interval string) string {
	switch interval {
	case "1m", "3m", "5m":
		return "1h"
	case "15m", "30m":
		return "4h"
	case "1h", "2h":
		return "4h"
	case "4h", "6h", "8h", "12h":
		return "1d"
	default:
		return "4h"
	}
}

// DataUnavailableError is returned when a source cannot supply the requested
// number of closed candles. It is an expected condition shortly after listing
// or on thin symbols and maps to a HOLD, not a failure.
type DataUnavailableError struct {
	Symbol   string
	Interval string
	Want     int
	Have     int
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("insufficient candle history for %s %s: want %d, have %d",
		e.Symbol, e.Interval, e.Want, e.Have)
}
