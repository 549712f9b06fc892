package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/strategy"
)

// Store is the persistence surface the scheduler drives. Durable rows live
// in PostgreSQL, hot per-tick state in Redis.
type Store struct {
	repo  *Repository
	state *RedisStateRepository
}

// NewStore combines the two repositories into one surface.
func NewStore(repo *Repository, state *RedisStateRepository) *Store {
	return &Store{repo: repo, state: state}
}

func (s *Store) SaveInstance(ctx context.Context, row *InstanceRow) error {
	return s.repo.SaveInstance(ctx, row)
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id, status string) error {
	return s.repo.UpdateInstanceStatus(ctx, id, status)
}

// DeleteInstance removes the durable row and the hot state together.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	if err := s.state.DeleteInstanceState(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteInstance(ctx, id)
}

func (s *Store) ListInstances(ctx context.Context) ([]*InstanceRow, error) {
	return s.repo.ListInstances(ctx)
}

func (s *Store) SaveInstanceState(ctx context.Context, id string, state *strategy.State) error {
	return s.state.SaveInstanceState(ctx, id, state)
}

func (s *Store) LoadInstanceState(ctx context.Context, id string) (*strategy.State, error) {
	return s.state.LoadInstanceState(ctx, id)
}

func (s *Store) SaveAccountRisk(ctx context.Context, state *risk.AccountState) error {
	return s.state.SaveAccountRisk(ctx, state)
}

func (s *Store) LoadAccountRisk(ctx context.Context, account string) (*risk.AccountState, error) {
	return s.state.LoadAccountRisk(ctx, account)
}

func (s *Store) AppendEnforcementEvent(ctx context.Context, ev *risk.EnforcementEvent) error {
	return s.repo.InsertEnforcementEvent(ctx, ev)
}

func (s *Store) EnforcementHistory(ctx context.Context, account, eventType string, limit int) ([]risk.EnforcementEvent, error) {
	return s.repo.EnforcementHistory(ctx, account, eventType, limit)
}

func (s *Store) RecordTrade(ctx context.Context, trade *Trade) error {
	return s.repo.RecordTrade(ctx, trade)
}

func (s *Store) TradeHistory(ctx context.Context, instanceID string, limit int) ([]*Trade, error) {
	return s.repo.TradeHistory(ctx, instanceID, limit)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}

// MemoryStore keeps everything in process memory. Paper runs and tests use it
// in place of the PostgreSQL and Redis pair.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*InstanceRow
	states      map[string]*strategy.State
	riskStates  map[string]*risk.AccountState
	events      []risk.EnforcementEvent
	trades      []*Trade
	nextEventID int64
	nextTradeID int64
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[string]*InstanceRow),
		states:     make(map[string]*strategy.State),
		riskStates: make(map[string]*risk.AccountState),
	}
}

func (m *MemoryStore) SaveInstance(_ context.Context, row *InstanceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *row
	if existing, ok := m.instances[row.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	clone.UpdatedAt = time.Now().UTC()
	m.instances[row.ID] = &clone
	return nil
}

func (m *MemoryStore) UpdateInstanceStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.instances[id]; ok {
		row.Status = status
		row.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	delete(m.states, id)
	return nil
}

func (m *MemoryStore) ListInstances(_ context.Context) ([]*InstanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*InstanceRow, 0, len(m.instances))
	for _, row := range m.instances {
		clone := *row
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) SaveInstanceState(_ context.Context, id string, state *strategy.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := state.Clone()
	m.states[id] = &clone
	return nil
}

func (m *MemoryStore) LoadInstanceState(_ context.Context, id string) (*strategy.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[id]; ok {
		clone := state.Clone()
		return &clone, nil
	}
	return nil, nil
}

func (m *MemoryStore) SaveAccountRisk(_ context.Context, state *risk.AccountState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *state
	m.riskStates[state.AccountID] = &clone
	return nil
}

func (m *MemoryStore) LoadAccountRisk(_ context.Context, account string) (*risk.AccountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.riskStates[account]; ok {
		clone := *state
		return &clone, nil
	}
	return nil, nil
}

func (m *MemoryStore) AppendEnforcementEvent(_ context.Context, ev *risk.EnforcementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	m.events = append(m.events, *ev)
	return nil
}

func (m *MemoryStore) EnforcementHistory(_ context.Context, account, eventType string, limit int) ([]risk.EnforcementEvent, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []risk.EnforcementEvent
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		ev := m.events[i]
		if ev.AccountID != account {
			continue
		}
		if eventType != "" && ev.EventType != eventType {
			continue
		}
		result = append(result, ev)
	}
	return result, nil
}

func (m *MemoryStore) RecordTrade(_ context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTradeID++
	trade.ID = m.nextTradeID
	trade.CreatedAt = time.Now().UTC()
	clone := *trade
	m.trades = append(m.trades, &clone)
	return nil
}

func (m *MemoryStore) TradeHistory(_ context.Context, instanceID string, limit int) ([]*Trade, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for i := len(m.trades) - 1; i >= 0 && len(result) < limit; i-- {
		trade := m.trades[i]
		if instanceID != "" && trade.InstanceID != instanceID {
			continue
		}
		clone := *trade
		result = append(result, &clone)
	}
	return result, nil
}

func (m *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}
