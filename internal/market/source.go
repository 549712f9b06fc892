package market

import "context"

// Source supplies ordered closed-candle history for a symbol and interval.
// Implementations must exclude the forming candle and return a
// *DataUnavailableError when fewer than count closed candles exist.
type Source interface {
	ClosedCandles(ctx context.Context, symbol, interval string, count int) ([]Candle, error)
}
