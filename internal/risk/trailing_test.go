package risk

import (
	"math"
	"testing"
	"time"

	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/strategy"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func trailingConfig() strategy.Config {
	return strategy.Config{
		ID:                    "trail-test",
		Symbol:                "BTCUSDT",
		Interval:              "1m",
		Variant:               strategy.VariantEMACross,
		Leverage:              5,
		FixedAmount:           100,
		EMAFast:               2,
		EMASlow:               3,
		TPPct:                 0.05,
		SLPct:                 0.02,
		TrailingEnabled:       true,
		TrailingActivationPct: 0.01,
	}
}

func TestInitialBracket(t *testing.T) {
	cfg := trailingConfig()

	tp, sl := InitialBracket(cfg, strategy.SideLong, 100000)
	if !almostEqual(tp, 105000, 1e-6) || !almostEqual(sl, 98000, 1e-6) {
		t.Errorf("long bracket = (%.2f, %.2f), want (105000, 98000)", tp, sl)
	}

	tp, sl = InitialBracket(cfg, strategy.SideShort, 100000)
	if !almostEqual(tp, 95000, 1e-6) || !almostEqual(sl, 102000, 1e-6) {
		t.Errorf("short bracket = (%.2f, %.2f), want (95000, 102000)", tp, sl)
	}
}

func TestTrailingActivationAndRatchetLong(t *testing.T) {
	cfg := trailingConfig()
	pos := strategy.Position{
		Side:       strategy.SideLong,
		EntryPrice: 100000,
		Quantity:   0.01,
		BestPrice:  100000,
		OpenedAt:   time.Now(),
	}
	pos.TakeProfit, pos.StopLoss = InitialBracket(cfg, strategy.SideLong, pos.EntryPrice)

	// Below the activation level nothing moves.
	if UpdateTrailing(cfg, &pos, 100500) {
		t.Fatal("trailing moved below the activation level")
	}
	if pos.TrailingActive {
		t.Fatal("trailing activated below entry * 1.01")
	}

	// The activation level itself arms the latch and ratchets the bracket.
	if !UpdateTrailing(cfg, &pos, 101000) {
		t.Fatal("trailing did not move at the activation level")
	}
	if !pos.TrailingActive {
		t.Fatal("trailing not active at entry * 1.01")
	}
	if !almostEqual(pos.BestPrice, 101000, 1e-6) {
		t.Errorf("best price = %.2f, want 101000", pos.BestPrice)
	}
	if !almostEqual(pos.TakeProfit, 106050, 1e-6) {
		t.Errorf("take profit = %.2f, want 106050", pos.TakeProfit)
	}
	if !almostEqual(pos.StopLoss, 98980, 1e-6) {
		t.Errorf("stop loss = %.2f, want 98980", pos.StopLoss)
	}

	// A new high drags both levels up.
	if !UpdateTrailing(cfg, &pos, 103000) {
		t.Fatal("trailing did not move on a new high")
	}
	if !almostEqual(pos.TakeProfit, 108150, 1e-6) {
		t.Errorf("take profit = %.2f, want 108150", pos.TakeProfit)
	}
	if !almostEqual(pos.StopLoss, 100940, 1e-6) {
		t.Errorf("stop loss = %.2f, want 100940", pos.StopLoss)
	}

	// A pullback leaves the ratchet where it was.
	if UpdateTrailing(cfg, &pos, 100950) {
		t.Fatal("trailing moved on a pullback")
	}
	if !almostEqual(pos.BestPrice, 103000, 1e-6) {
		t.Errorf("best price = %.2f after pullback, want 103000", pos.BestPrice)
	}
	if !almostEqual(pos.StopLoss, 100940, 1e-6) {
		t.Errorf("stop loss = %.2f after pullback, want 100940", pos.StopLoss)
	}
}

func TestTrailingShortMirrors(t *testing.T) {
	cfg := trailingConfig()
	pos := strategy.Position{
		Side:       strategy.SideShort,
		EntryPrice: 100,
		Quantity:   1,
		BestPrice:  100,
	}
	pos.TakeProfit, pos.StopLoss = InitialBracket(cfg, strategy.SideShort, pos.EntryPrice)

	if UpdateTrailing(cfg, &pos, 99.5) {
		t.Fatal("short trailing moved above the activation level")
	}
	if !UpdateTrailing(cfg, &pos, 99) {
		t.Fatal("short trailing did not arm at entry * 0.99")
	}
	if !almostEqual(pos.TakeProfit, 94.05, 1e-9) || !almostEqual(pos.StopLoss, 100.98, 1e-9) {
		t.Errorf("short bracket = (%.4f, %.4f), want (94.05, 100.98)", pos.TakeProfit, pos.StopLoss)
	}

	if !UpdateTrailing(cfg, &pos, 97) {
		t.Fatal("short trailing did not ratchet on a new low")
	}
	if !almostEqual(pos.StopLoss, 98.94, 1e-9) {
		t.Errorf("short stop = %.4f, want 98.94", pos.StopLoss)
	}
	if UpdateTrailing(cfg, &pos, 98) {
		t.Fatal("short trailing moved against the ratchet")
	}
}

func TestTrailingDisabledIsNoop(t *testing.T) {
	cfg := trailingConfig()
	cfg.TrailingEnabled = false
	pos := strategy.Position{Side: strategy.SideLong, EntryPrice: 100, BestPrice: 100}
	pos.TakeProfit, pos.StopLoss = InitialBracket(cfg, strategy.SideLong, 100)

	if UpdateTrailing(cfg, &pos, 150) {
		t.Fatal("disabled trailing reported movement")
	}
	if pos.TrailingActive || pos.BestPrice != 100 {
		t.Errorf("disabled trailing mutated position: active=%v best=%.2f", pos.TrailingActive, pos.BestPrice)
	}
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	cfg := trailingConfig()
	pos := strategy.Position{Side: strategy.SideLong, EntryPrice: 100000, BestPrice: 100000}
	pos.TakeProfit, pos.StopLoss = InitialBracket(cfg, strategy.SideLong, pos.EntryPrice)

	path := []float64{100400, 101000, 102000, 101500, 103000, 102500, 104000, 101000, 104500}
	lastStop := pos.StopLoss
	for _, price := range path {
		UpdateTrailing(cfg, &pos, price)
		if pos.StopLoss < lastStop-1e-9 {
			t.Fatalf("stop loosened from %.2f to %.2f at price %.2f", lastStop, pos.StopLoss, price)
		}
		lastStop = pos.StopLoss
	}
	if !almostEqual(pos.StopLoss, 104500*0.98, 1e-6) {
		t.Errorf("final stop = %.2f, want %.2f", pos.StopLoss, 104500*0.98)
	}
}

// The posted stop trails at best * (1 - sl_pct), but the exit itself fires on
// the giveback ratio against the current price. With a best of 103000 and a
// 2 percent stop, 100950 gives back 2.03 percent of itself and must exit even
// though it sits above the posted 100940 level.
func TestTrailingGivebackExitFlow(t *testing.T) {
	cfg := trailingConfig()
	pos := strategy.Position{
		Side:       strategy.SideLong,
		EntryPrice: 100000,
		Quantity:   0.01,
		BestPrice:  100000,
	}
	pos.TakeProfit, pos.StopLoss = InitialBracket(cfg, strategy.SideLong, pos.EntryPrice)

	for _, price := range []float64{101000, 103000} {
		UpdateTrailing(cfg, &pos, price)
	}
	UpdateTrailing(cfg, &pos, 100950)

	state := strategy.NewState()
	state.Lifecycle = strategy.LifecycleLong
	state.Positions = []strategy.Position{pos}
	state.HavePrev = true
	state.PrevFast = 100950
	state.PrevSlow = 100950

	candles := make([]market.Candle, 0, cfg.EMASlow)
	for i := 0; i < cfg.EMASlow; i++ {
		candles = append(candles, market.Candle{
			OpenTime:  int64(i) * 60_000,
			Open:      100950,
			High:      100950,
			Low:       100950,
			Close:     100950,
			CloseTime: int64(i+1)*60_000 - 1,
		})
	}

	res := strategy.Evaluate(strategy.Input{Config: cfg, State: state, Candles: candles})
	if len(res.Intents) != 1 {
		t.Fatalf("intents = %d, want 1 trailing exit", len(res.Intents))
	}
	intent := res.Intents[0]
	if intent.Kind != strategy.IntentExit || intent.Reason != strategy.ReasonTrailingStop {
		t.Errorf("intent = %s/%s, want EXIT/%s", intent.Kind, intent.Reason, strategy.ReasonTrailingStop)
	}
	if !almostEqual(intent.Price, 100950, 1e-6) {
		t.Errorf("exit price = %.2f, want 100950", intent.Price)
	}
}
