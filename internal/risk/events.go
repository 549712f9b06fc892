package risk

import "time"

// Enforcement event types.
const (
	EventExposureBreach  = "exposure_breach"
	EventDailyLossBreach = "daily_loss_breach"
	EventDrawdownBreach  = "drawdown_breach"
	EventManualReset     = "manual_reset"
)

// Actions recorded on enforcement events.
const (
	ActionBlockEntries    = "block_entries"
	ActionFlattenAndBlock = "flatten_and_block"
	ActionUnblockEntries  = "unblock_entries"
)

// EnforcementEvent is the audit record written when a policy halts or
// releases an account. Exactly one event is written per breach kind per
// halted window; the ID is assigned by the store on insert.
type EnforcementEvent struct {
	ID            int64     `json:"id"`
	AccountID     string    `json:"account_id"`
	EventType     string    `json:"event_type"`
	TriggerMetric string    `json:"trigger_metric"`
	Threshold     float64   `json:"threshold"`
	Observed      float64   `json:"observed"`
	ActionTaken   string    `json:"action_taken"`
	CreatedAt     time.Time `json:"created_at"`
}

// Snapshot is the point-in-time risk view exposed over the control surface.
type Snapshot struct {
	AccountID         string    `json:"account_id"`
	Timestamp         time.Time `json:"timestamp"`
	TotalExposure     float64   `json:"total_exposure"`
	DailyRealizedLoss float64   `json:"daily_realized_loss"`
	Equity            float64   `json:"equity"`
	PeakEquity        float64   `json:"peak_equity"`
	DrawdownPct       float64   `json:"drawdown_pct"`
	EquityStale       bool      `json:"equity_stale"`
	EntriesBlocked    bool      `json:"entries_blocked"`
	BlockReasons      []string  `json:"block_reasons,omitempty"`
	OpenPositions     int       `json:"open_positions"`
}
