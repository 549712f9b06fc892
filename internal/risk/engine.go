package risk

import (
	"log/slog"
	"sync"
	"time"

	"futures-trading-engine/internal/strategy"
)

// Config holds the account-level limits. A zero value disables the
// corresponding policy.
type Config struct {
	MaxPortfolioExposure float64 `json:"max_portfolio_exposure" yaml:"max_portfolio_exposure"`
	MaxDailyLoss         float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
}

// AccountState is the engine's persistent view of one account. It survives
// restarts so halts and the daily loss window are not forgotten.
type AccountState struct {
	AccountID         string    `json:"account_id"`
	DayStart          time.Time `json:"day_start"`
	DailyRealizedLoss float64   `json:"daily_realized_loss"`
	PeakEquity        float64   `json:"peak_equity"`
	LastEquity        float64   `json:"last_equity"`
	LastExposure      float64   `json:"last_exposure"`
	ExposureBlocked   bool      `json:"exposure_blocked"`
	DailyHalted       bool      `json:"daily_halted"`
	DrawdownHalted    bool      `json:"drawdown_halted"`
	ExposureEnforced  bool      `json:"exposure_enforced"`
	DailyEnforced     bool      `json:"daily_enforced"`
	DrawdownEnforced  bool      `json:"drawdown_enforced"`
	EquityStale       bool      `json:"equity_stale"`
	OpenPositions     int       `json:"open_positions"`
}

// PositionView is one open position as seen by the enforcement cycle.
type PositionView struct {
	InstanceID string
	Symbol     string
	Side       strategy.Side
	Quantity   float64
	Price      float64
}

// CycleInput is the account snapshot collected by the caller at the start of
// an enforcement cycle. EquityStale marks a failed equity refresh; the engine
// then keeps working from the last known equity instead of aborting.
type CycleInput struct {
	Positions   []PositionView
	Equity      float64
	EquityStale bool
}

// Decision tells the caller what enforcement actions follow from a cycle.
// Events carries freshly created audit records that still need persisting.
type Decision struct {
	FlattenAll bool
	Events     []EnforcementEvent
}

// Engine enforces exposure, daily loss and drawdown limits for one account.
// All three policies are evaluated once per cycle against a single snapshot.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	state  AccountState
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds an engine for the given account with fresh state.
func NewEngine(accountID string, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "risk_engine", "account", accountID),
		now:    time.Now,
	}
	e.state = AccountState{AccountID: accountID, DayStart: utcMidnight(e.now())}
	return e
}

// Restore replaces the engine state with a persisted snapshot, typically on
// process start.
func (e *Engine) Restore(state AccountState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state.DayStart.IsZero() {
		state.DayStart = utcMidnight(e.now())
	}
	e.state = state
}

// State returns a copy of the persistent account state.
func (e *Engine) State() AccountState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cycle runs one enforcement pass over the account snapshot. Exposure above
// its limit only blocks new entries. A daily loss or drawdown breach
// additionally force-flattens everything; those two write exactly one event
// per halted window, guarded by the enforced flags.
func (e *Engine) Cycle(in CycleInput) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.rollDailyWindow(now)

	exposure := 0.0
	for _, p := range in.Positions {
		exposure += abs(p.Quantity) * p.Price
	}
	e.state.LastExposure = exposure
	e.state.OpenPositions = len(in.Positions)
	e.state.EquityStale = in.EquityStale
	if !in.EquityStale {
		e.state.LastEquity = in.Equity
		if in.Equity > e.state.PeakEquity {
			e.state.PeakEquity = in.Equity
		}
	}

	drawdown := e.drawdownLocked()
	var dec Decision

	if e.cfg.MaxPortfolioExposure > 0 && exposure > e.cfg.MaxPortfolioExposure {
		e.state.ExposureBlocked = true
		if !e.state.ExposureEnforced {
			e.state.ExposureEnforced = true
			dec.Events = append(dec.Events, e.eventLocked(now, EventExposureBreach,
				"total_exposure", e.cfg.MaxPortfolioExposure, exposure, ActionBlockEntries))
		}
	} else {
		// Exposure halts clear on their own once positions shrink back
		// under the limit; a later breach opens a new window.
		e.state.ExposureBlocked = false
		e.state.ExposureEnforced = false
	}

	if e.cfg.MaxDailyLoss > 0 && e.state.DailyRealizedLoss > e.cfg.MaxDailyLoss {
		e.state.DailyHalted = true
		if !e.state.DailyEnforced {
			e.state.DailyEnforced = true
			dec.Events = append(dec.Events, e.eventLocked(now, EventDailyLossBreach,
				"daily_realized_loss", e.cfg.MaxDailyLoss, e.state.DailyRealizedLoss, ActionFlattenAndBlock))
		}
	}

	if e.cfg.MaxDrawdownPct > 0 && drawdown > e.cfg.MaxDrawdownPct {
		e.state.DrawdownHalted = true
		if !e.state.DrawdownEnforced {
			e.state.DrawdownEnforced = true
			dec.Events = append(dec.Events, e.eventLocked(now, EventDrawdownBreach,
				"drawdown_pct", e.cfg.MaxDrawdownPct, drawdown, ActionFlattenAndBlock))
		}
	}

	// Re-request the flatten while halted so positions that survived a
	// failed attempt are retried next cycle, without duplicate events.
	if (e.state.DailyHalted || e.state.DrawdownHalted) && len(in.Positions) > 0 {
		dec.FlattenAll = true
	}

	for _, ev := range dec.Events {
		e.logger.Warn("risk limit breached",
			"event_type", ev.EventType,
			"threshold", ev.Threshold,
			"observed", ev.Observed,
			"action", ev.ActionTaken)
	}
	return dec
}

// ApproveEntry is the per-entry checkpoint the scheduler consults before
// placing an entry order. Exits are never routed through here.
func (e *Engine) ApproveEntry() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDailyWindow(e.now())

	if e.state.DrawdownHalted {
		return false, "drawdown halt active"
	}
	if e.state.DailyHalted {
		return false, "daily loss halt active"
	}
	if e.state.ExposureBlocked {
		return false, "portfolio exposure above limit"
	}
	return true, ""
}

// RecordRealized folds a closed trade's realized PnL into the daily window.
// Only losses accumulate toward the daily limit.
func (e *Engine) RecordRealized(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDailyWindow(e.now())
	if pnl < 0 {
		e.state.DailyRealizedLoss += -pnl
	}
}

// ManualReset releases a drawdown halt and rebases the peak to the supplied
// equity so the account does not re-breach on the next cycle. The returned
// audit event still needs persisting by the caller.
func (e *Engine) ManualReset(equity float64) EnforcementEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	prevPeak := e.state.PeakEquity
	e.state.DrawdownHalted = false
	e.state.DrawdownEnforced = false
	if equity > 0 {
		e.state.PeakEquity = equity
		e.state.LastEquity = equity
	} else {
		e.state.PeakEquity = e.state.LastEquity
	}

	e.logger.Info("manual risk reset", "previous_peak", prevPeak, "new_peak", e.state.PeakEquity)
	return e.eventLocked(now, EventManualReset, "manual", 0, e.state.PeakEquity, ActionUnblockEntries)
}

// Snapshot reports the current risk view for the control surface.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		AccountID:         e.state.AccountID,
		Timestamp:         e.now(),
		TotalExposure:     e.state.LastExposure,
		DailyRealizedLoss: e.state.DailyRealizedLoss,
		Equity:            e.state.LastEquity,
		PeakEquity:        e.state.PeakEquity,
		DrawdownPct:       e.drawdownLocked(),
		EquityStale:       e.state.EquityStale,
		OpenPositions:     e.state.OpenPositions,
	}
	if e.state.DrawdownHalted {
		snap.BlockReasons = append(snap.BlockReasons, "drawdown halt active")
	}
	if e.state.DailyHalted {
		snap.BlockReasons = append(snap.BlockReasons, "daily loss halt active")
	}
	if e.state.ExposureBlocked {
		snap.BlockReasons = append(snap.BlockReasons, "portfolio exposure above limit")
	}
	snap.EntriesBlocked = len(snap.BlockReasons) > 0
	return snap
}

func (e *Engine) drawdownLocked() float64 {
	if e.state.PeakEquity <= 0 {
		return 0
	}
	dd := (e.state.PeakEquity - e.state.LastEquity) / e.state.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// rollDailyWindow resets the loss accumulator and releases a daily halt once
// the UTC midnight boundary passes. Drawdown halts survive the roll.
func (e *Engine) rollDailyWindow(now time.Time) {
	midnight := utcMidnight(now)
	if midnight.After(e.state.DayStart) {
		e.state.DayStart = midnight
		e.state.DailyRealizedLoss = 0
		e.state.DailyHalted = false
		e.state.DailyEnforced = false
	}
}

func (e *Engine) eventLocked(now time.Time, eventType, metric string, threshold, observed float64, action string) EnforcementEvent {
	return EnforcementEvent{
		AccountID:     e.state.AccountID,
		EventType:     eventType,
		TriggerMetric: metric,
		Threshold:     threshold,
		Observed:      observed,
		ActionTaken:   action,
		CreatedAt:     now,
	}
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
