package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/orders"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/scheduler"
	"futures-trading-engine/internal/strategy"
)

// mockEngine satisfies the Engine interface with canned data, recording the
// calls it receives.
type mockEngine struct {
	mu        sync.Mutex
	created   []strategy.Config
	started   []string
	deleted   []string
	flattened []string

	createErr  error
	controlErr error
	snap       strategy.Snapshot
	snapErr    error
	snaps      []strategy.Snapshot
	riskSnap   risk.Snapshot
	history    []risk.EnforcementEvent
	resetEvent risk.EnforcementEvent
	trades     []*database.Trade
	lastLimit  int
}

func (m *mockEngine) CreateInstance(_ context.Context, cfg strategy.Config) (strategy.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return strategy.Snapshot{}, m.createErr
	}
	m.created = append(m.created, cfg)
	return strategy.Snapshot{ID: "generated-id", Symbol: cfg.Symbol, Lifecycle: strategy.LifecycleFlat}, nil
}

func (m *mockEngine) StartInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controlErr != nil {
		return m.controlErr
	}
	m.started = append(m.started, id)
	return nil
}

func (m *mockEngine) StopInstance(_ context.Context, id string) error { return m.controlErr }
func (m *mockEngine) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controlErr != nil {
		return m.controlErr
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockEngine) FlattenInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controlErr != nil {
		return m.controlErr
	}
	m.flattened = append(m.flattened, id)
	return nil
}

func (m *mockEngine) ClearExitPending(_ context.Context, id string) error { return m.controlErr }

func (m *mockEngine) InstanceState(id string) (strategy.Snapshot, error) {
	if m.snapErr != nil {
		return strategy.Snapshot{}, m.snapErr
	}
	return m.snap, nil
}

func (m *mockEngine) ListInstances() []strategy.Snapshot { return m.snaps }
func (m *mockEngine) RiskSnapshot(account string) risk.Snapshot {
	snap := m.riskSnap
	snap.AccountID = account
	return snap
}

func (m *mockEngine) EnforcementHistory(_ context.Context, account, eventType string, limit int) ([]risk.EnforcementEvent, error) {
	m.mu.Lock()
	m.lastLimit = limit
	m.mu.Unlock()
	return m.history, nil
}

func (m *mockEngine) ResetRisk(_ context.Context, account string) (risk.EnforcementEvent, error) {
	return m.resetEvent, nil
}

func (m *mockEngine) TradeHistory(_ context.Context, instanceID string, limit int) ([]*database.Trade, error) {
	m.mu.Lock()
	m.lastLimit = limit
	m.mu.Unlock()
	return m.trades, nil
}

func (m *mockEngine) Health(_ context.Context) map[string]interface{} {
	return map[string]interface{}{"instances_total": len(m.snaps)}
}

func newTestServer(t *testing.T, engine Engine, audit *orders.AuditTrail) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, engine, audit, events.NewEventBus(), logger)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("response is not valid JSON: %v (%s)", err, w.Body.String())
		}
	}
	return w, parsed
}

func TestHealthEndpoint(t *testing.T) {
	engine := &mockEngine{}
	s := newTestServer(t, engine, nil)

	w, resp := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", resp["status"])
	}
}

func TestCreateInstanceEndpoint(t *testing.T) {
	engine := &mockEngine{}
	s := newTestServer(t, engine, nil)

	cfg := map[string]interface{}{
		"symbol":   "BTCUSDT",
		"interval": "15m",
		"ema_fast": 12,
		"ema_slow": 26,
		"leverage": 3,
		"tp_pct":   0.05,
		"sl_pct":   0.02,
	}
	w, resp := doJSON(t, s, http.MethodPost, "/api/instances", cfg)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", w.Code, resp)
	}
	if resp["id"] != "generated-id" {
		t.Fatalf("expected generated id in response, got %v", resp["id"])
	}
	if len(engine.created) != 1 || engine.created[0].Symbol != "BTCUSDT" {
		t.Fatalf("engine did not receive the config: %+v", engine.created)
	}
}

func TestCreateInstanceRejectsBadConfig(t *testing.T) {
	engine := &mockEngine{createErr: &strategy.ConfigError{Field: "ema_fast", Reason: "must be below ema_slow"}}
	s := newTestServer(t, engine, nil)

	w, resp := doJSON(t, s, http.MethodPost, "/api/instances", map[string]interface{}{"symbol": "BTCUSDT"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for config error, got %d: %v", w.Code, resp)
	}
}

func TestInstanceNotFoundMapsTo404(t *testing.T) {
	engine := &mockEngine{snapErr: scheduler.ErrInstanceNotFound}
	s := newTestServer(t, engine, nil)

	w, _ := doJSON(t, s, http.MethodGet, "/api/instances/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteRunningInstanceConflicts(t *testing.T) {
	engine := &mockEngine{controlErr: scheduler.ErrInstanceRunning}
	s := newTestServer(t, engine, nil)

	w, _ := doJSON(t, s, http.MethodDelete, "/api/instances/inst-1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestInstanceControlRoutes(t *testing.T) {
	engine := &mockEngine{}
	s := newTestServer(t, engine, nil)

	w, _ := doJSON(t, s, http.MethodPost, "/api/instances/inst-1/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", w.Code)
	}
	w, _ = doJSON(t, s, http.MethodPost, "/api/instances/inst-1/flatten", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("flatten: expected 200, got %d", w.Code)
	}
	if len(engine.started) != 1 || engine.started[0] != "inst-1" {
		t.Fatalf("start not forwarded: %+v", engine.started)
	}
	if len(engine.flattened) != 1 || engine.flattened[0] != "inst-1" {
		t.Fatalf("flatten not forwarded: %+v", engine.flattened)
	}
}

func TestRiskEndpoints(t *testing.T) {
	engine := &mockEngine{
		riskSnap: risk.Snapshot{
			TotalExposure:     1500,
			DailyRealizedLoss: 40,
			EntriesBlocked:    true,
			BlockReasons:      []string{"portfolio exposure above limit"},
		},
		history: []risk.EnforcementEvent{{
			ID: 7, AccountID: "acct-1", EventType: risk.EventExposureBreach,
			Threshold: 1000, Observed: 1500, ActionTaken: risk.ActionBlockEntries,
		}},
		resetEvent: risk.EnforcementEvent{EventType: risk.EventManualReset, ActionTaken: risk.ActionUnblockEntries},
	}
	s := newTestServer(t, engine, nil)

	w, resp := doJSON(t, s, http.MethodGet, "/api/risk/acct-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", w.Code)
	}
	if resp["account_id"] != "acct-1" {
		t.Fatalf("snapshot account = %v, want acct-1", resp["account_id"])
	}
	if resp["entries_blocked"] != true {
		t.Fatalf("expected entries_blocked true, got %v", resp["entries_blocked"])
	}

	w, resp = doJSON(t, s, http.MethodGet, "/api/risk/acct-1/events?limit=25", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", w.Code)
	}
	if resp["count"] != float64(1) {
		t.Fatalf("expected one event, got %v", resp["count"])
	}
	if engine.lastLimit != 25 {
		t.Fatalf("limit query not forwarded: %d", engine.lastLimit)
	}

	w, resp = doJSON(t, s, http.MethodPost, "/api/risk/acct-1/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", w.Code)
	}
	if resp["event_type"] != risk.EventManualReset {
		t.Fatalf("reset event type = %v", resp["event_type"])
	}
}

func TestTradeHistoryEndpoint(t *testing.T) {
	engine := &mockEngine{trades: []*database.Trade{{
		ID: 1, InstanceID: "inst-1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 100, ExitPrice: 96, PnL: -8, ExitReason: strategy.ReasonDeathCross,
	}}}
	s := newTestServer(t, engine, nil)

	w, resp := doJSON(t, s, http.MethodGet, "/api/trades?instance_id=inst-1&limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["count"] != float64(1) {
		t.Fatalf("expected one trade, got %v", resp["count"])
	}
	if engine.lastLimit != 5 {
		t.Fatalf("limit query not forwarded: %d", engine.lastLimit)
	}
}

func TestOrderAuditEndpoint(t *testing.T) {
	audit := orders.NewAuditTrail(io.Discard, 16)
	audit.RecordAttempt("inst-1", "acct-1", "BTCUSDT", strategy.SideLong, false, 2, 104, 1)
	engine := &mockEngine{}
	s := newTestServer(t, engine, audit)

	w, resp := doJSON(t, s, http.MethodGet, "/api/orders/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["count"] != float64(1) {
		t.Fatalf("expected one audit entry, got %v", resp["count"])
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		if !rl.Allow("key") {
			t.Fatalf("request %d within limit must pass", i+1)
		}
	}
	if rl.Allow("key") {
		t.Fatal("request above limit must be rejected")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("key") {
		t.Fatal("request after window expiry must pass")
	}
}
