package strategy

import (
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Lifecycle is the top-level state of an instance's position machine.
type Lifecycle string

const (
	LifecycleFlat  Lifecycle = "FLAT"
	LifecycleLong  Lifecycle = "LONG"
	LifecycleShort Lifecycle = "SHORT"
)

// Position is one open sub-position. Instances running the crossover
// variants hold at most one, but the slice form in State supports
// max_positions > 1.
type Position struct {
	Side           Side      `json:"side"`
	EntryPrice     float64   `json:"entry_price"`
	Quantity       float64   `json:"quantity"`
	TakeProfit     float64   `json:"take_profit"`
	StopLoss       float64   `json:"stop_loss"`
	BestPrice      float64   `json:"best_price"`
	TrailingActive bool      `json:"trailing_active"`
	OpenedAt       time.Time `json:"opened_at"`
}

// UnrealizedPnL returns the mark-to-price PnL of the position.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// Notional returns the absolute exposure of the position at the given price.
func (p *Position) Notional(price float64) float64 {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return qty * price
}

// State is the mutable per-instance state. It is mutated only under the
// instance's run lock; everything here serializes for persistence.
type State struct {
	Lifecycle          Lifecycle  `json:"lifecycle"`
	Positions          []Position `json:"positions,omitempty"`
	PrevFast           float64    `json:"prev_fast"`
	PrevSlow           float64    `json:"prev_slow"`
	HavePrev           bool       `json:"have_prev"`
	CooldownRemaining  int        `json:"cooldown_remaining"`
	LastCandleOpenTime int64      `json:"last_candle_open_time"`
	ExitPending        bool       `json:"exit_pending"`
	PendingExitReason  string     `json:"pending_exit_reason,omitempty"`
}

// NewState returns the initial flat state.
func NewState() State {
	return State{Lifecycle: LifecycleFlat}
}

// Clone deep-copies the state so evaluation can build a successor without
// aliasing the live positions slice.
func (s State) Clone() State {
	out := s
	if len(s.Positions) > 0 {
		out.Positions = make([]Position, len(s.Positions))
		copy(out.Positions, s.Positions)
	}
	return out
}

// Flat reports whether no sub-position is open.
func (s *State) Flat() bool {
	return len(s.Positions) == 0
}

// IntentKind separates order intents produced by evaluation.
type IntentKind string

const (
	IntentEnter IntentKind = "ENTER"
	IntentExit  IntentKind = "EXIT"
)

// Entry and exit reason labels recorded on intents and audit events.
const (
	ReasonGoldenCross  = "golden_cross"
	ReasonDeathCross   = "death_cross"
	ReasonTakeProfit   = "take_profit"
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonRiskFlatten  = "risk_flatten"
)

// Intent is an order the scheduler should execute. Evaluation never talks
// to the gateway itself; fills flow back into state via the scheduler.
type Intent struct {
	Kind          IntentKind `json:"kind"`
	Side          Side       `json:"side"`
	Reason        string     `json:"reason"`
	Price         float64    `json:"price"`
	PositionIndex int        `json:"position_index"`
}

// HoldReason classifies why a tick produced no intent. Holds are the normal
// outcome of most ticks, not errors.
type HoldReason string

const (
	HoldInsufficientData HoldReason = "insufficient_data"
	HoldWarmingUp        HoldReason = "warming_up"
	HoldNoSignal         HoldReason = "no_signal"
	HoldFilterRejected   HoldReason = "filter_rejected"
	HoldMaxPositions     HoldReason = "max_positions"
)

// Hold pairs a hold classification with a human-readable detail.
type Hold struct {
	Reason HoldReason `json:"reason"`
	Detail string     `json:"detail"`
}

// Result is the outcome of one evaluation: the successor bookkeeping state,
// any intents for the scheduler, and hold annotations for logging.
type Result struct {
	State   State
	Intents []Intent
	Holds   []Hold
}

// Snapshot is the externally visible view of an instance returned by the
// control contract.
type Snapshot struct {
	ID                string     `json:"id"`
	Account           string     `json:"account"`
	Symbol            string     `json:"symbol"`
	Interval          string     `json:"interval"`
	Variant           Variant    `json:"variant"`
	Running           bool       `json:"running"`
	Lifecycle         Lifecycle  `json:"lifecycle"`
	Positions         []Position `json:"positions,omitempty"`
	CooldownRemaining int        `json:"cooldown_remaining"`
	ExitPending       bool       `json:"exit_pending"`
	LastPrice         float64    `json:"last_price,omitempty"`
	LastTick          time.Time  `json:"last_tick,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Holds             []Hold     `json:"holds,omitempty"`
}
