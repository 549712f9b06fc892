package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"futures-trading-engine/internal/strategy"
)

func newTestEngine(cfg Config, at *time.Time) *Engine {
	e := NewEngine("default", cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return *at }
	e.Restore(AccountState{
		AccountID:  "default",
		DayStart:   utcMidnight(*at),
		PeakEquity: 1000,
		LastEquity: 1000,
	})
	return e
}

func openPositions() []PositionView {
	return []PositionView{
		{InstanceID: "inst-1", Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 0.001, Price: 50000},
	}
}

func TestDailyLossHaltFlattensOnceAndReleasesAtMidnight(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(Config{MaxDailyLoss: 100}, &now)

	e.RecordRealized(-40)
	e.RecordRealized(35) // a win must not offset the loss total
	e.RecordRealized(-65)

	dec := e.Cycle(CycleInput{Positions: openPositions(), Equity: 895})
	if !dec.FlattenAll {
		t.Fatal("breach did not request a flatten")
	}
	if len(dec.Events) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(dec.Events))
	}
	ev := dec.Events[0]
	if ev.EventType != EventDailyLossBreach || ev.ActionTaken != ActionFlattenAndBlock {
		t.Errorf("event = %s/%s, want %s/%s", ev.EventType, ev.ActionTaken, EventDailyLossBreach, ActionFlattenAndBlock)
	}
	if !almostEqual(ev.Observed, 105, 1e-9) || !almostEqual(ev.Threshold, 100, 1e-9) {
		t.Errorf("event observed/threshold = %.2f/%.2f, want 105/100", ev.Observed, ev.Threshold)
	}

	if ok, reason := e.ApproveEntry(); ok || reason != "daily loss halt active" {
		t.Errorf("ApproveEntry() = %v %q during halt", ok, reason)
	}

	// Positions that survived a failed flatten are retried without a
	// second audit event.
	dec = e.Cycle(CycleInput{Positions: openPositions(), Equity: 895})
	if !dec.FlattenAll || len(dec.Events) != 0 {
		t.Errorf("repeat cycle = flatten %v events %d, want flatten true events 0", dec.FlattenAll, len(dec.Events))
	}

	dec = e.Cycle(CycleInput{Equity: 895})
	if dec.FlattenAll || len(dec.Events) != 0 {
		t.Errorf("flat cycle = flatten %v events %d, want no action", dec.FlattenAll, len(dec.Events))
	}

	// Crossing UTC midnight releases the halt and zeroes the window.
	now = now.Add(11 * time.Hour)
	e.Cycle(CycleInput{Equity: 895})
	if ok, reason := e.ApproveEntry(); !ok {
		t.Errorf("ApproveEntry() blocked after midnight roll: %q", reason)
	}
	if got := e.State().DailyRealizedLoss; got != 0 {
		t.Errorf("daily loss after roll = %.2f, want 0", got)
	}
}

func TestExposureBreachBlocksEntriesOnly(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(Config{MaxPortfolioExposure: 1000}, &now)

	heavy := []PositionView{
		{InstanceID: "inst-1", Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 0.02, Price: 50000},
		{InstanceID: "inst-2", Symbol: "ETHUSDT", Side: strategy.SideShort, Quantity: -0.2, Price: 2500},
	}

	dec := e.Cycle(CycleInput{Positions: heavy, Equity: 1000})
	if dec.FlattenAll {
		t.Fatal("exposure breach must not flatten")
	}
	if len(dec.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(dec.Events))
	}
	ev := dec.Events[0]
	if ev.EventType != EventExposureBreach || ev.ActionTaken != ActionBlockEntries {
		t.Errorf("event = %s/%s, want %s/%s", ev.EventType, ev.ActionTaken, EventExposureBreach, ActionBlockEntries)
	}
	if !almostEqual(ev.Observed, 1500, 1e-9) {
		t.Errorf("observed exposure = %.2f, want 1500", ev.Observed)
	}
	if ok, reason := e.ApproveEntry(); ok || reason != "portfolio exposure above limit" {
		t.Errorf("ApproveEntry() = %v %q during exposure block", ok, reason)
	}

	// Still breached: no duplicate event.
	if dec = e.Cycle(CycleInput{Positions: heavy, Equity: 1000}); len(dec.Events) != 0 {
		t.Errorf("repeat breach wrote %d events", len(dec.Events))
	}

	// Back under the limit the block clears on its own.
	light := []PositionView{{InstanceID: "inst-1", Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 0.01, Price: 50000}}
	e.Cycle(CycleInput{Positions: light, Equity: 1000})
	if ok, _ := e.ApproveEntry(); !ok {
		t.Error("ApproveEntry() still blocked after exposure dropped")
	}

	// A later breach opens a fresh window with its own event.
	if dec = e.Cycle(CycleInput{Positions: heavy, Equity: 1000}); len(dec.Events) != 1 {
		t.Errorf("second breach wrote %d events, want 1", len(dec.Events))
	}
}

func TestDrawdownHaltSurvivesDayRollUntilManualReset(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(Config{MaxDrawdownPct: 0.10}, &now)

	e.Cycle(CycleInput{Equity: 1000})

	dec := e.Cycle(CycleInput{Positions: openPositions(), Equity: 850})
	if !dec.FlattenAll || len(dec.Events) != 1 {
		t.Fatalf("breach cycle = flatten %v events %d, want flatten + 1 event", dec.FlattenAll, len(dec.Events))
	}
	if ev := dec.Events[0]; ev.EventType != EventDrawdownBreach || !almostEqual(ev.Observed, 0.15, 1e-9) {
		t.Errorf("event = %s observed %.4f, want %s observed 0.15", ev.EventType, ev.Observed, EventDrawdownBreach)
	}

	// A day boundary does not release a drawdown halt.
	now = now.Add(24 * time.Hour)
	if dec = e.Cycle(CycleInput{Equity: 860}); len(dec.Events) != 0 {
		t.Errorf("post-roll cycle wrote %d events", len(dec.Events))
	}
	if ok, reason := e.ApproveEntry(); ok || reason != "drawdown halt active" {
		t.Errorf("ApproveEntry() = %v %q after day roll", ok, reason)
	}

	ev := e.ManualReset(860)
	if ev.EventType != EventManualReset || ev.ActionTaken != ActionUnblockEntries {
		t.Errorf("reset event = %s/%s, want %s/%s", ev.EventType, ev.ActionTaken, EventManualReset, ActionUnblockEntries)
	}
	if ok, reason := e.ApproveEntry(); !ok {
		t.Errorf("ApproveEntry() blocked after manual reset: %q", reason)
	}
	if got := e.State().PeakEquity; !almostEqual(got, 860, 1e-9) {
		t.Errorf("peak after reset = %.2f, want 860", got)
	}

	// The rebased peak does not re-breach on a small dip.
	if dec = e.Cycle(CycleInput{Equity: 855}); len(dec.Events) != 0 || dec.FlattenAll {
		t.Errorf("post-reset dip = flatten %v events %d, want none", dec.FlattenAll, len(dec.Events))
	}
}

func TestStaleEquityKeepsLastKnown(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(Config{MaxDrawdownPct: 0.10}, &now)

	e.Cycle(CycleInput{Equity: 1200})
	e.Cycle(CycleInput{Equity: 0, EquityStale: true})

	snap := e.Snapshot()
	if !snap.EquityStale {
		t.Error("snapshot does not flag stale equity")
	}
	if !almostEqual(snap.Equity, 1200, 1e-9) || !almostEqual(snap.PeakEquity, 1200, 1e-9) {
		t.Errorf("stale cycle moved equity to %.2f / peak %.2f, want 1200 / 1200", snap.Equity, snap.PeakEquity)
	}
	if snap.DrawdownPct != 0 {
		t.Errorf("stale cycle produced drawdown %.4f", snap.DrawdownPct)
	}
	if snap.EntriesBlocked {
		t.Error("stale equity must not block entries")
	}
}

func TestSnapshotListsEveryActiveBlock(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(Config{MaxPortfolioExposure: 1000, MaxDailyLoss: 100, MaxDrawdownPct: 0.10}, &now)

	e.RecordRealized(-150)
	heavy := []PositionView{{InstanceID: "inst-1", Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 0.05, Price: 50000}}
	e.Cycle(CycleInput{Positions: heavy, Equity: 800})

	snap := e.Snapshot()
	if !snap.EntriesBlocked || len(snap.BlockReasons) != 3 {
		t.Fatalf("snapshot blocked=%v reasons=%v, want all three blocks", snap.EntriesBlocked, snap.BlockReasons)
	}
	if snap.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", snap.OpenPositions)
	}
	if !almostEqual(snap.TotalExposure, 2500, 1e-9) {
		t.Errorf("total exposure = %.2f, want 2500", snap.TotalExposure)
	}
}
