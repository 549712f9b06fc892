package indicator

import (
	"math"
	"testing"

	"futures-trading-engine/internal/market"
)

// candlesFromCloses builds one-minute candles where OHLC all equal the close.
func candlesFromCloses(closes ...float64) []market.Candle {
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		openTime := int64(i) * 60_000
		candles[i] = market.Candle{
			OpenTime:  openTime,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
			CloseTime: openTime + 59_999,
		}
	}
	return candles
}

// rampCloses produces n closes rising linearly from start to end.
func rampCloses(start, end float64, n int) []float64 {
	closes := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := range closes {
		closes[i] = start + float64(i)*step
	}
	return closes
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		period int
		want   float64
	}{
		{"simple average", []float64{1, 2, 3, 4}, 4, 2.5},
		{"trailing window only", []float64{100, 1, 2, 3}, 3, 2},
		{"insufficient history", []float64{1, 2}, 3, 0},
		{"zero period", []float64{1, 2, 3}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SMA(candlesFromCloses(tt.closes...), tt.period)
			if !almostEqual(got, tt.want, 1e-9) {
				t.Errorf("SMA(%v, %d) = %v, want %v", tt.closes, tt.period, got, tt.want)
			}
		})
	}
}

func TestEMAHandComputed(t *testing.T) {
	// Seed = SMA(1,2,3) = 2, multiplier = 0.5.
	// After 4: 4*0.5 + 2*0.5 = 3. After 5: 5*0.5 + 3*0.5 = 4.
	got := EMA(candlesFromCloses(1, 2, 3, 4, 5), 3)
	if !almostEqual(got, 4.0, 1e-9) {
		t.Errorf("EMA = %v, want 4.0", got)
	}
}

func TestEMAExactPeriodEqualsSeed(t *testing.T) {
	// With exactly period candles the fold never runs, so the EMA is the
	// SMA seed. A 21-period EMA must produce a value from 21 candles.
	closes := rampCloses(0.06080, 0.06184, 21)
	candles := candlesFromCloses(closes...)

	ema := EMA(candles, 21)
	sma := SMA(candles, 21)

	if ema == 0 {
		t.Fatal("EMA returned 0 for exactly 21 candles")
	}
	if !almostEqual(ema, sma, 1e-12) {
		t.Errorf("EMA with exact history = %v, want seed SMA %v", ema, sma)
	}
}

func TestEMAInsufficientHistory(t *testing.T) {
	if got := EMA(candlesFromCloses(1, 2, 3), 4); got != 0 {
		t.Errorf("EMA with short history = %v, want 0", got)
	}
}

func TestEMAFastAboveSlowOnUptrend(t *testing.T) {
	// A steady 21-candle ramp from 0.06080 to 0.06184: the fast EMA tracks
	// price closely while the slow EMA sits near the window mean.
	closes := rampCloses(0.06080, 0.06184, 21)
	candles := candlesFromCloses(closes...)

	fast := EMA(candles, 8)
	slow := EMA(candles, 21)

	if fast <= slow {
		t.Fatalf("expected fast EMA above slow on uptrend, got fast=%v slow=%v", fast, slow)
	}
	if !almostEqual(slow, 0.06132, 0.0001) {
		t.Errorf("slow EMA = %v, want about 0.0613", slow)
	}
	if !almostEqual(fast, 0.06166, 0.0002) {
		t.Errorf("fast EMA = %v, want about 0.0617", fast)
	}
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		period int
		want   float64
	}{
		{"insufficient history is neutral", []float64{1, 2}, 5, 50},
		{"all gains", []float64{1, 2, 3}, 2, 100},
		{"balanced gain and loss", []float64{2, 1, 2}, 2, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RSI(candlesFromCloses(tt.closes...), tt.period)
			if !almostEqual(got, tt.want, 1e-9) {
				t.Errorf("RSI(%v, %d) = %v, want %v", tt.closes, tt.period, got, tt.want)
			}
		})
	}
}

func TestATR(t *testing.T) {
	prev := market.Candle{Open: 10, High: 10, Low: 10, Close: 10}
	wide := market.Candle{Open: 10, High: 12, Low: 9, Close: 11}

	got := ATR([]market.Candle{prev, wide}, 1)
	if !almostEqual(got, 3, 1e-9) {
		t.Errorf("ATR = %v, want 3 (high-low range)", got)
	}

	// Gap above the prior close: true range measured from prev close.
	gap := market.Candle{Open: 15, High: 16, Low: 15, Close: 15}
	got = ATR([]market.Candle{prev, gap}, 1)
	if !almostEqual(got, 6, 1e-9) {
		t.Errorf("ATR with gap = %v, want 6 (|high-prevClose|)", got)
	}

	if got := ATR([]market.Candle{wide}, 1); got != 0 {
		t.Errorf("ATR with no prior candle = %v, want 0", got)
	}
}
