package database

import (
	"context"
	"encoding/json"
	"fmt"

	"futures-trading-engine/internal/risk"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// INSTANCES
// ============================================================================

// SaveInstance upserts an instance row keyed by its UUID.
func (r *Repository) SaveInstance(ctx context.Context, row *InstanceRow) error {
	cfg, err := json.Marshal(row.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal instance config: %w", err)
	}
	query := `
		INSERT INTO instances (id, account, symbol, status, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, config = EXCLUDED.config, updated_at = CURRENT_TIMESTAMP
	`
	_, err = r.db.Pool.Exec(ctx, query, row.ID, row.Account, row.Symbol, row.Status, cfg)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", row.ID, err)
	}
	return nil
}

// UpdateInstanceStatus flips the running flag without touching the config.
func (r *Repository) UpdateInstanceStatus(ctx context.Context, id, status string) error {
	query := `UPDATE instances SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update instance %s status: %w", id, err)
	}
	return nil
}

// DeleteInstance removes an instance row.
func (r *Repository) DeleteInstance(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	return nil
}

// ListInstances returns every persisted instance, newest first.
func (r *Repository) ListInstances(ctx context.Context) ([]*InstanceRow, error) {
	query := `
		SELECT id, account, symbol, status, config, created_at, updated_at
		FROM instances
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var result []*InstanceRow
	for rows.Next() {
		row := &InstanceRow{}
		var cfg []byte
		if err := rows.Scan(&row.ID, &row.Account, &row.Symbol, &row.Status, &cfg, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		if err := json.Unmarshal(cfg, &row.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config for instance %s: %w", row.ID, err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ============================================================================
// ENFORCEMENT EVENTS
// ============================================================================

// InsertEnforcementEvent appends one audit record and fills in its ID.
func (r *Repository) InsertEnforcementEvent(ctx context.Context, ev *risk.EnforcementEvent) error {
	query := `
		INSERT INTO enforcement_events (account, event_type, trigger_metric, threshold, observed, action_taken, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		ev.AccountID, ev.EventType, ev.TriggerMetric, ev.Threshold, ev.Observed, ev.ActionTaken, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert enforcement event: %w", err)
	}
	return nil
}

// EnforcementHistory returns recent events for an account, newest first. An
// empty eventType matches all kinds.
func (r *Repository) EnforcementHistory(ctx context.Context, account, eventType string, limit int) ([]risk.EnforcementEvent, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, account, event_type, trigger_metric, threshold, observed, action_taken, created_at
		FROM enforcement_events
		WHERE account = $1
	`
	args := []interface{}{account}
	if eventType != "" {
		query += ` AND event_type = $2`
		args = append(args, eventType)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enforcement history: %w", err)
	}
	defer rows.Close()

	var events []risk.EnforcementEvent
	for rows.Next() {
		var ev risk.EnforcementEvent
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.EventType, &ev.TriggerMetric,
			&ev.Threshold, &ev.Observed, &ev.ActionTaken, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan enforcement event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ============================================================================
// TRADES
// ============================================================================

// RecordTrade inserts a closed round trip.
func (r *Repository) RecordTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (instance_id, account, symbol, side, quantity, entry_price, exit_price, pnl, exit_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		trade.InstanceID, trade.Account, trade.Symbol, trade.Side, trade.Quantity,
		trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.ExitReason,
		trade.OpenedAt, trade.ClosedAt,
	).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// TradeHistory returns closed trades, newest first. An empty instanceID
// matches every instance.
func (r *Repository) TradeHistory(ctx context.Context, instanceID string, limit int) ([]*Trade, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, instance_id, account, symbol, side, quantity, entry_price, exit_price, pnl, exit_reason, opened_at, closed_at, created_at
		FROM trades
	`
	args := []interface{}{}
	if instanceID != "" {
		query += ` WHERE instance_id = $1`
		args = append(args, instanceID)
	}
	query += fmt.Sprintf(` ORDER BY closed_at DESC, id DESC LIMIT %d`, limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		if err := rows.Scan(&trade.ID, &trade.InstanceID, &trade.Account, &trade.Symbol,
			&trade.Side, &trade.Quantity, &trade.EntryPrice, &trade.ExitPrice,
			&trade.PnL, &trade.ExitReason, &trade.OpenedAt, &trade.ClosedAt, &trade.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
