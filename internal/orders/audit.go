// Package orders keeps the execution audit trail: every order attempt, fill,
// retry and escalation, logged as structured JSON and held in a bounded
// in-memory buffer for the control API.
package orders

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/strategy"
)

// Audit event kinds
const (
	EventAttempt    = "order_attempt"
	EventFilled     = "order_filled"
	EventRetry      = "order_retry"
	EventFailed     = "order_failed"
	EventEscalation = "exit_escalation"
)

// AuditEntry is one recorded execution event.
type AuditEntry struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Event      string    `json:"event"`
	Side       string    `json:"side"`
	ReduceOnly bool      `json:"reduce_only"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	OrderID    int64     `json:"order_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditTrail records execution events. Entries beyond the capacity evict the
// oldest first.
type AuditTrail struct {
	mu       sync.Mutex
	entries  []AuditEntry
	capacity int
	nextID   int64
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAuditTrail creates an audit trail writing structured logs to w.
func NewAuditTrail(w io.Writer, capacity int) *AuditTrail {
	if w == nil {
		w = os.Stdout
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &AuditTrail{
		capacity: capacity,
		logger:   zerolog.New(w).With().Timestamp().Str("component", "order_audit").Logger(),
		now:      time.Now,
	}
}

// RecordAttempt logs an order submission before it goes out.
func (t *AuditTrail) RecordAttempt(instanceID, account, symbol string, side strategy.Side, reduceOnly bool, quantity, price float64, attempt int) {
	entry := t.append(AuditEntry{
		InstanceID: instanceID,
		Account:    account,
		Symbol:     symbol,
		Event:      EventAttempt,
		Side:       string(side),
		ReduceOnly: reduceOnly,
		Quantity:   quantity,
		Price:      price,
		Attempt:    attempt,
	})
	t.logger.Info().
		Str("event", entry.Event).
		Str("instance_id", instanceID).
		Str("symbol", symbol).
		Str("side", entry.Side).
		Bool("reduce_only", reduceOnly).
		Float64("quantity", quantity).
		Float64("price", price).
		Int("attempt", attempt).
		Msg("submitting order")
}

// RecordFill logs a completed fill.
func (t *AuditTrail) RecordFill(instanceID, account string, side strategy.Side, reduceOnly bool, fill *exchange.Fill) {
	entry := t.append(AuditEntry{
		InstanceID: instanceID,
		Account:    account,
		Symbol:     fill.Symbol,
		Event:      EventFilled,
		Side:       string(side),
		ReduceOnly: reduceOnly,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		OrderID:    fill.OrderID,
	})
	t.logger.Info().
		Str("event", entry.Event).
		Str("instance_id", instanceID).
		Str("symbol", fill.Symbol).
		Str("side", entry.Side).
		Bool("reduce_only", reduceOnly).
		Float64("quantity", fill.Quantity).
		Float64("price", fill.Price).
		Int64("order_id", fill.OrderID).
		Msg("order filled")
}

// RecordRetry logs a transient failure that will be retried.
func (t *AuditTrail) RecordRetry(instanceID, account, symbol string, attempt int, err error) {
	t.append(AuditEntry{
		InstanceID: instanceID,
		Account:    account,
		Symbol:     symbol,
		Event:      EventRetry,
		Attempt:    attempt,
		Detail:     err.Error(),
	})
	t.logger.Warn().
		Str("event", EventRetry).
		Str("instance_id", instanceID).
		Str("symbol", symbol).
		Int("attempt", attempt).
		Err(err).
		Msg("order attempt failed, retrying")
}

// RecordFailure logs a terminally failed order.
func (t *AuditTrail) RecordFailure(instanceID, account, symbol string, err error) {
	t.append(AuditEntry{
		InstanceID: instanceID,
		Account:    account,
		Symbol:     symbol,
		Event:      EventFailed,
		Detail:     err.Error(),
	})
	t.logger.Error().
		Str("event", EventFailed).
		Str("instance_id", instanceID).
		Str("symbol", symbol).
		Err(err).
		Msg("order failed")
}

// RecordEscalation logs an exit that exhausted its retries and left the
// instance holding a position it wants out of.
func (t *AuditTrail) RecordEscalation(instanceID, account, symbol string, err error) {
	entry := AuditEntry{
		InstanceID: instanceID,
		Account:    account,
		Symbol:     symbol,
		Event:      EventEscalation,
	}
	if err != nil {
		entry.Detail = err.Error()
	}
	t.append(entry)
	t.logger.Error().
		Str("event", EventEscalation).
		Str("severity", "CRITICAL").
		Str("instance_id", instanceID).
		Str("symbol", symbol).
		Err(err).
		Msg("exit retries exhausted, position still open")
}

// Recent returns up to limit entries, newest first.
func (t *AuditTrail) Recent(limit int) []AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.entries) {
		limit = len(t.entries)
	}
	result := make([]AuditEntry, 0, limit)
	for i := len(t.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, t.entries[i])
	}
	return result
}

func (t *AuditTrail) append(entry AuditEntry) AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	entry.ID = t.nextID
	entry.CreatedAt = t.now()
	t.entries = append(t.entries, entry)
	if len(t.entries) > t.capacity {
		t.entries = t.entries[len(t.entries)-t.capacity:]
	}
	return entry
}
