package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/orders"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/strategy"
)

// Control-contract errors surfaced to the API layer.
var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceRunning  = errors.New("instance is running")
)

// Store is the persistence surface the scheduler drives. database.Store and
// database.MemoryStore both satisfy it.
type Store interface {
	SaveInstance(ctx context.Context, row *database.InstanceRow) error
	UpdateInstanceStatus(ctx context.Context, id, status string) error
	DeleteInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]*database.InstanceRow, error)
	SaveInstanceState(ctx context.Context, id string, state *strategy.State) error
	LoadInstanceState(ctx context.Context, id string) (*strategy.State, error)
	SaveAccountRisk(ctx context.Context, state *risk.AccountState) error
	LoadAccountRisk(ctx context.Context, account string) (*risk.AccountState, error)
	AppendEnforcementEvent(ctx context.Context, ev *risk.EnforcementEvent) error
	EnforcementHistory(ctx context.Context, account, eventType string, limit int) ([]risk.EnforcementEvent, error)
	RecordTrade(ctx context.Context, trade *database.Trade) error
	TradeHistory(ctx context.Context, instanceID string, limit int) ([]*database.Trade, error)
}

// Options tunes the scheduler. Zero values select the defaults.
type Options struct {
	RiskConfig      risk.Config
	RiskTickSeconds int
	OrderAttempts   int
	OrderBackoff    time.Duration
	QuoteAsset      string
	CandleBuffer    int
}

const (
	defaultRiskTickSeconds = 10
	defaultCandleBuffer    = 10
	tickTimeout            = 60 * time.Second
)

// Scheduler owns every strategy instance and the per-account risk engines,
// and is the only component that talks to the exchange gateway.
type Scheduler struct {
	mu        sync.RWMutex
	instances map[string]*ManagedInstance
	engines   map[string]*risk.Engine
	orderMus  map[string]*sync.Mutex

	store   Store
	source  market.Source
	gateway exchange.Gateway
	audit   *orders.AuditTrail
	bus     *events.EventBus
	logger  *slog.Logger
	opts    Options

	riskStop chan struct{}
	riskWG   sync.WaitGroup
	started  bool
}

// New wires a scheduler. Restore and Start remain separate steps so boot can
// decide whether persisted instances resume automatically.
func New(store Store, source market.Source, gateway exchange.Gateway, audit *orders.AuditTrail, bus *events.EventBus, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RiskTickSeconds <= 0 {
		opts.RiskTickSeconds = defaultRiskTickSeconds
	}
	if opts.OrderAttempts <= 0 {
		opts.OrderAttempts = exchange.DefaultAttempts
	}
	if opts.OrderBackoff <= 0 {
		opts.OrderBackoff = exchange.DefaultBackoff
	}
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}
	if opts.CandleBuffer <= 0 {
		opts.CandleBuffer = defaultCandleBuffer
	}
	return &Scheduler{
		instances: make(map[string]*ManagedInstance),
		engines:   make(map[string]*risk.Engine),
		orderMus:  make(map[string]*sync.Mutex),
		store:     store,
		source:    source,
		gateway:   gateway,
		audit:     audit,
		bus:       bus,
		logger:    logger.With("component", "scheduler"),
		opts:      opts,
	}
}

// Restore rebuilds instances from the store and resumes the ones that were
// running when the process stopped.
func (s *Scheduler) Restore(ctx context.Context) error {
	rows, err := s.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted instances: %w", err)
	}

	for _, row := range rows {
		cfg := row.Config
		cfg.ID = row.ID
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			s.logger.Error("skipping persisted instance with invalid config", "instance", row.ID, "error", err)
			continue
		}

		inst := newManagedInstance(cfg)
		if state, err := s.store.LoadInstanceState(ctx, row.ID); err != nil {
			s.logger.Warn("failed to load instance state, starting flat", "instance", row.ID, "error", err)
		} else if state != nil {
			inst.setState(*state)
		}

		s.mu.Lock()
		s.instances[row.ID] = inst
		s.mu.Unlock()

		if row.Status == database.InstanceStatusRunning {
			if err := s.StartInstance(ctx, row.ID); err != nil {
				s.logger.Error("failed to resume instance", "instance", row.ID, "error", err)
			}
		}
	}

	s.logger.Info("restored instances", "count", len(rows))
	return nil
}

// Start launches the account risk enforcement loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.riskStop = make(chan struct{})
	s.mu.Unlock()

	s.riskWG.Add(1)
	go s.riskLoop()
	s.logger.Info("scheduler started", "risk_tick_seconds", s.opts.RiskTickSeconds)
}

// Shutdown stops the risk loop and every instance, waiting for in-flight
// ticks to complete.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.started = false
		close(s.riskStop)
	}
	insts := make([]*ManagedInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	s.riskWG.Wait()
	for _, inst := range insts {
		// Persisted status is left untouched so running instances resume
		// on the next boot.
		inst.stop()
		state := inst.stateCopy()
		if err := s.store.SaveInstanceState(ctx, inst.cfg.ID, &state); err != nil {
			s.logger.Warn("failed to flush instance state", "instance", inst.cfg.ID, "error", err)
		}
	}
	s.logger.Info("scheduler stopped")
}

// CreateInstance validates the config, assigns an ID and registers the
// instance stopped. Duplicate (account, symbol, interval) triples are allowed;
// each instance trades its own sub-position.
func (s *Scheduler) CreateInstance(ctx context.Context, cfg strategy.Config) (strategy.Snapshot, error) {
	cfg.ApplyDefaults()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return strategy.Snapshot{}, err
	}

	s.mu.Lock()
	if _, exists := s.instances[cfg.ID]; exists {
		s.mu.Unlock()
		return strategy.Snapshot{}, fmt.Errorf("instance %s already exists", cfg.ID)
	}
	inst := newManagedInstance(cfg)
	s.instances[cfg.ID] = inst
	s.mu.Unlock()

	row := &database.InstanceRow{
		ID:      cfg.ID,
		Account: cfg.Account,
		Symbol:  cfg.Symbol,
		Status:  database.InstanceStatusStopped,
		Config:  cfg,
	}
	if err := s.store.SaveInstance(ctx, row); err != nil {
		s.mu.Lock()
		delete(s.instances, cfg.ID)
		s.mu.Unlock()
		return strategy.Snapshot{}, fmt.Errorf("failed to persist instance: %w", err)
	}

	s.bus.Publish(events.Event{
		Type: events.EventInstanceCreated,
		Data: map[string]interface{}{"instance_id": cfg.ID, "symbol": cfg.Symbol, "interval": cfg.Interval},
	})
	s.logger.Info("instance created", "instance", cfg.ID, "symbol", cfg.Symbol, "interval", cfg.Interval, "variant", cfg.Variant)
	return inst.snapshot(), nil
}

// StartInstance begins ticking an existing instance.
func (s *Scheduler) StartInstance(ctx context.Context, id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	if !inst.start(s.runTick) {
		return nil
	}
	if err := s.store.UpdateInstanceStatus(ctx, id, database.InstanceStatusRunning); err != nil {
		s.logger.Warn("failed to persist running status", "instance", id, "error", err)
	}
	s.bus.Publish(events.Event{
		Type: events.EventInstanceStarted,
		Data: map[string]interface{}{"instance_id": id},
	})
	s.logger.Info("instance started", "instance", id, "symbol", inst.cfg.Symbol)
	return nil
}

// StopInstance halts evaluation. Open positions are left as they are; no new
// tick starts and the in-flight one, if any, completes first.
func (s *Scheduler) StopInstance(ctx context.Context, id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	if !inst.stop() {
		return nil
	}
	if err := s.store.UpdateInstanceStatus(ctx, id, database.InstanceStatusStopped); err != nil {
		s.logger.Warn("failed to persist stopped status", "instance", id, "error", err)
	}
	s.bus.Publish(events.Event{
		Type: events.EventInstanceStopped,
		Data: map[string]interface{}{"instance_id": id},
	})
	s.logger.Info("instance stopped", "instance", id, "symbol", inst.cfg.Symbol)
	return nil
}

// DeleteInstance removes a stopped instance and its persisted state.
func (s *Scheduler) DeleteInstance(ctx context.Context, id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	if inst.isRunning() {
		return ErrInstanceRunning
	}

	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()

	if err := s.store.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	s.bus.Publish(events.Event{
		Type: events.EventInstanceDeleted,
		Data: map[string]interface{}{"instance_id": id},
	})
	s.logger.Info("instance deleted", "instance", id)
	return nil
}

// FlattenInstance closes the instance's open positions at the current mark
// price, regardless of running state. Used by operators and by tests.
func (s *Scheduler) FlattenInstance(ctx context.Context, id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	inst.runMu.Lock()
	defer inst.runMu.Unlock()
	return s.flattenLocked(ctx, inst, strategy.ReasonRiskFlatten)
}

// ClearExitPending drops the exit-pending latch after an operator resolved
// the stuck position out of band.
func (s *Scheduler) ClearExitPending(ctx context.Context, id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}

	inst.runMu.Lock()
	state := inst.stateCopy()
	state.ExitPending = false
	state.PendingExitReason = ""
	inst.setState(state)
	inst.runMu.Unlock()

	if err := s.store.SaveInstanceState(ctx, id, &state); err != nil {
		s.logger.Warn("failed to persist cleared exit flag", "instance", id, "error", err)
	}
	s.logger.Info("exit pending cleared", "instance", id)
	return nil
}

// InstanceState returns the control-surface snapshot of one instance.
func (s *Scheduler) InstanceState(id string) (strategy.Snapshot, error) {
	inst, err := s.instance(id)
	if err != nil {
		return strategy.Snapshot{}, err
	}
	return inst.snapshot(), nil
}

// ListInstances returns snapshots of every registered instance.
func (s *Scheduler) ListInstances() []strategy.Snapshot {
	s.mu.RLock()
	insts := make([]*ManagedInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.RUnlock()

	snaps := make([]strategy.Snapshot, 0, len(insts))
	for _, inst := range insts {
		snaps = append(snaps, inst.snapshot())
	}
	return snaps
}

// MarketSubscriptions lists every symbol and interval pair the registered
// instances read, higher-timeframe bias windows included. Boot feeds these
// to the kline stream before starting it.
func (s *Scheduler) MarketSubscriptions() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[[2]string]bool)
	pairs := make([][2]string, 0, len(s.instances))
	for _, inst := range s.instances {
		key := [2]string{inst.cfg.Symbol, inst.cfg.Interval}
		if !seen[key] {
			seen[key] = true
			pairs = append(pairs, key)
		}
		if inst.cfg.EnableHTFBias {
			key = [2]string{inst.cfg.Symbol, inst.cfg.HTFInterval}
			if !seen[key] {
				seen[key] = true
				pairs = append(pairs, key)
			}
		}
	}
	return pairs
}

// RiskSnapshot reports the current risk view for one account.
func (s *Scheduler) RiskSnapshot(account string) risk.Snapshot {
	return s.engine(account).Snapshot()
}

// EnforcementHistory returns recent enforcement events for an account.
func (s *Scheduler) EnforcementHistory(ctx context.Context, account, eventType string, limit int) ([]risk.EnforcementEvent, error) {
	return s.store.EnforcementHistory(ctx, account, eventType, limit)
}

// TradeHistory returns recently closed trades.
func (s *Scheduler) TradeHistory(ctx context.Context, instanceID string, limit int) ([]*database.Trade, error) {
	return s.store.TradeHistory(ctx, instanceID, limit)
}

// ResetRisk releases a drawdown halt, rebasing the peak to current equity.
func (s *Scheduler) ResetRisk(ctx context.Context, account string) (risk.EnforcementEvent, error) {
	eng := s.engine(account)

	equity, err := s.gateway.Balance(ctx, s.opts.QuoteAsset)
	if err != nil {
		s.logger.Warn("equity refresh failed during manual reset, using last known", "account", account, "error", err)
		equity = 0
	}

	ev := eng.ManualReset(equity)
	if err := s.store.AppendEnforcementEvent(ctx, &ev); err != nil {
		s.logger.Error("failed to persist manual reset event", "account", account, "error", err)
	}
	state := eng.State()
	if err := s.store.SaveAccountRisk(ctx, &state); err != nil {
		s.logger.Warn("failed to persist risk state", "account", account, "error", err)
	}

	s.bus.Publish(events.Event{
		Type: events.EventRiskReset,
		Data: map[string]interface{}{"account": account, "peak_equity": state.PeakEquity},
	})
	return ev, nil
}

// Health reports component liveness for the health endpoint.
func (s *Scheduler) Health(ctx context.Context) map[string]interface{} {
	s.mu.RLock()
	total := len(s.instances)
	s.mu.RUnlock()

	running := 0
	for _, snap := range s.ListInstances() {
		if snap.Running {
			running++
		}
	}

	health := map[string]interface{}{
		"instances_total":   total,
		"instances_running": running,
	}
	if checker, ok := s.store.(interface{ HealthCheck(context.Context) error }); ok {
		if err := checker.HealthCheck(ctx); err != nil {
			health["store"] = err.Error()
		} else {
			health["store"] = "ok"
		}
	}
	return health
}

func (s *Scheduler) instance(id string) (*ManagedInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

// engine returns the risk engine for an account, creating and restoring it on
// first use.
func (s *Scheduler) engine(account string) *risk.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eng, ok := s.engines[account]; ok {
		return eng
	}
	eng := risk.NewEngine(account, s.opts.RiskConfig, s.logger)
	if state, err := s.store.LoadAccountRisk(context.Background(), account); err != nil {
		s.logger.Warn("failed to load account risk state", "account", account, "error", err)
	} else if state != nil {
		eng.Restore(*state)
	}
	s.engines[account] = eng
	return eng
}

// accountMu serializes order placement per account.
func (s *Scheduler) accountMu(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.orderMus[account]
	if !ok {
		mu = &sync.Mutex{}
		s.orderMus[account] = mu
	}
	return mu
}

func (s *Scheduler) accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var result []string
	for _, inst := range s.instances {
		if _, ok := seen[inst.cfg.Account]; !ok {
			seen[inst.cfg.Account] = struct{}{}
			result = append(result, inst.cfg.Account)
		}
	}
	return result
}

func (s *Scheduler) accountInstances(account string) []*ManagedInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*ManagedInstance
	for _, inst := range s.instances {
		if inst.cfg.Account == account {
			result = append(result, inst)
		}
	}
	return result
}
