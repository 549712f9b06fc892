// Redis-backed hot state for strategy instances and account risk. When Redis
// is unavailable the repository falls back to an in-memory cache so trading
// continues without interruption; writes resync once Redis recovers.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/strategy"
)

const (
	// InstanceStateKeyPrefix keys per-instance strategy state.
	// Format: engine:instance:{id}:state
	InstanceStateKeyPrefix = "engine:instance"

	// InstanceSetKey holds the IDs of instances with live state.
	InstanceSetKey = "engine:instances"

	// RiskStateKeyPrefix keys per-account risk state.
	// Format: engine:risk:{account}
	RiskStateKeyPrefix = "engine:risk"

	// StateTTL bounds how long stale state outlives its writer.
	StateTTL = 7 * 24 * time.Hour
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// NewRedisClient connects a go-redis client, or returns nil when disabled.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisStateRepository persists the mutable per-tick state with an in-memory
// fallback when Redis is down.
type RedisStateRepository struct {
	client         *redis.Client
	logger         *slog.Logger
	redisAvailable atomic.Bool

	cacheMu    sync.RWMutex
	stateCache map[string]*strategy.State
	riskCache  map[string]*risk.AccountState
}

// NewRedisStateRepository creates the repository. A nil client selects
// memory-only mode.
func NewRedisStateRepository(client *redis.Client, logger *slog.Logger) *RedisStateRepository {
	if logger == nil {
		logger = slog.Default()
	}
	repo := &RedisStateRepository{
		client:     client,
		logger:     logger.With("component", "redis_state"),
		stateCache: make(map[string]*strategy.State),
		riskCache:  make(map[string]*risk.AccountState),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			repo.logger.Warn("redis unavailable at startup, using in-memory cache", "error", err)
			repo.redisAvailable.Store(false)
		} else {
			repo.logger.Info("redis connected")
			repo.redisAvailable.Store(true)
		}
	} else {
		repo.redisAvailable.Store(false)
	}
	return repo
}

func (r *RedisStateRepository) instanceKey(id string) string {
	return fmt.Sprintf("%s:%s:state", InstanceStateKeyPrefix, id)
}

func (r *RedisStateRepository) riskKey(account string) string {
	return fmt.Sprintf("%s:%s", RiskStateKeyPrefix, account)
}

// SaveInstanceState writes one instance's strategy state. Redis failures are
// absorbed by the in-memory cache and never fail the tick.
func (r *RedisStateRepository) SaveInstanceState(ctx context.Context, id string, state *strategy.State) error {
	if state == nil {
		return fmt.Errorf("cannot save nil state for instance %s", id)
	}

	r.cacheMu.Lock()
	clone := state.Clone()
	r.stateCache[id] = &clone
	r.cacheMu.Unlock()

	if r.client == nil || !r.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state for instance %s: %w", id, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.instanceKey(id), data, StateTTL)
	pipe.SAdd(ctx, InstanceSetKey, id)
	pipe.Expire(ctx, InstanceSetKey, StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("redis write failed, state kept in memory", "instance", id, "error", err)
		r.redisAvailable.Store(false)
	}
	return nil
}

// LoadInstanceState returns the stored state, or nil when none exists.
func (r *RedisStateRepository) LoadInstanceState(ctx context.Context, id string) (*strategy.State, error) {
	if r.client != nil && r.redisAvailable.Load() {
		data, err := r.client.Get(ctx, r.instanceKey(id)).Result()
		if err != nil {
			if err == redis.Nil {
				return r.stateFromCache(id), nil
			}
			r.logger.Warn("redis read failed, using in-memory cache", "instance", id, "error", err)
			r.redisAvailable.Store(false)
			return r.stateFromCache(id), nil
		}

		var state strategy.State
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state for instance %s: %w", id, err)
		}
		r.cacheMu.Lock()
		clone := state.Clone()
		r.stateCache[id] = &clone
		r.cacheMu.Unlock()
		return &state, nil
	}
	return r.stateFromCache(id), nil
}

// DeleteInstanceState removes an instance's state everywhere.
func (r *RedisStateRepository) DeleteInstanceState(ctx context.Context, id string) error {
	r.cacheMu.Lock()
	delete(r.stateCache, id)
	r.cacheMu.Unlock()

	if r.client == nil || !r.redisAvailable.Load() {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.instanceKey(id))
	pipe.SRem(ctx, InstanceSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("redis delete failed", "instance", id, "error", err)
		r.redisAvailable.Store(false)
	}
	return nil
}

// SaveAccountRisk writes the risk engine state for one account.
func (r *RedisStateRepository) SaveAccountRisk(ctx context.Context, state *risk.AccountState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil account risk state")
	}

	r.cacheMu.Lock()
	clone := *state
	r.riskCache[state.AccountID] = &clone
	r.cacheMu.Unlock()

	if r.client == nil || !r.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal risk state for %s: %w", state.AccountID, err)
	}
	if err := r.client.Set(ctx, r.riskKey(state.AccountID), data, StateTTL).Err(); err != nil {
		r.logger.Warn("redis write failed, risk state kept in memory", "account", state.AccountID, "error", err)
		r.redisAvailable.Store(false)
	}
	return nil
}

// LoadAccountRisk returns the stored risk state, or nil when none exists.
func (r *RedisStateRepository) LoadAccountRisk(ctx context.Context, account string) (*risk.AccountState, error) {
	if r.client != nil && r.redisAvailable.Load() {
		data, err := r.client.Get(ctx, r.riskKey(account)).Result()
		if err != nil {
			if err == redis.Nil {
				return r.riskFromCache(account), nil
			}
			r.logger.Warn("redis read failed, using in-memory cache", "account", account, "error", err)
			r.redisAvailable.Store(false)
			return r.riskFromCache(account), nil
		}

		var state risk.AccountState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk state for %s: %w", account, err)
		}
		r.cacheMu.Lock()
		clone := state
		r.riskCache[account] = &clone
		r.cacheMu.Unlock()
		return &state, nil
	}
	return r.riskFromCache(account), nil
}

// IsRedisAvailable reports the current availability flag.
func (r *RedisStateRepository) IsRedisAvailable() bool {
	return r.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and updates the availability flag.
func (r *RedisStateRepository) CheckRedisConnection(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("no redis client configured")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !r.redisAvailable.Swap(true) {
		r.logger.Info("redis connection recovered")
	}
	return nil
}

func (r *RedisStateRepository) stateFromCache(id string) *strategy.State {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if state, ok := r.stateCache[id]; ok {
		clone := state.Clone()
		return &clone
	}
	return nil
}

func (r *RedisStateRepository) riskFromCache(account string) *risk.AccountState {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if state, ok := r.riskCache[account]; ok {
		clone := *state
		return &clone
	}
	return nil
}

// ClearCache empties the in-memory fallback. Primarily used for testing.
func (r *RedisStateRepository) ClearCache() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.stateCache = make(map[string]*strategy.State)
	r.riskCache = make(map[string]*risk.AccountState)
}
