package database

import (
	"time"

	"futures-trading-engine/internal/strategy"
)

// Instance lifecycle status values
const (
	InstanceStatusRunning = "running"
	InstanceStatusStopped = "stopped"
)

// InstanceRow is a persisted strategy instance. The full config rides along
// as JSONB so a restart rebuilds every instance exactly as created.
type InstanceRow struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Symbol    string          `json:"symbol"`
	Status    string          `json:"status"`
	Config    strategy.Config `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Trade is a closed round trip recorded for the audit trail.
type Trade struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	CreatedAt  time.Time `json:"created_at"`
}
