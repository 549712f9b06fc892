package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"futures-trading-engine/internal/strategy"
)

// ManagedInstance is one running strategy instance: its immutable config, its
// mutable state, and the goroutine driving evaluation ticks. The run lock
// serializes ticks against force-flattens; the busy flag lets a late tick be
// skipped instead of queued.
type ManagedInstance struct {
	cfg strategy.Config

	runMu sync.Mutex

	stateMu   sync.RWMutex
	state     strategy.State
	running   bool
	lastPrice float64
	lastTick  time.Time
	lastError string
	holds     []strategy.Hold

	busy     atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newManagedInstance(cfg strategy.Config) *ManagedInstance {
	return &ManagedInstance{
		cfg:   cfg,
		state: strategy.NewState(),
	}
}

// Config returns the immutable instance configuration.
func (m *ManagedInstance) Config() strategy.Config {
	return m.cfg
}

// start launches the tick loop. The first evaluation runs immediately rather
// than one full interval after start.
func (m *ManagedInstance) start(tick func(*ManagedInstance)) bool {
	m.stateMu.Lock()
	if m.running {
		m.stateMu.Unlock()
		return false
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.stateMu.Unlock()

	m.wg.Add(1)
	go m.run(tick)
	return true
}

func (m *ManagedInstance) run(tick func(*ManagedInstance)) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.TickInterval())
	defer ticker.Stop()

	tick(m)
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			tick(m)
		}
	}
}

// stop halts the tick loop and waits for any in-flight tick to finish.
func (m *ManagedInstance) stop() bool {
	m.stateMu.Lock()
	if !m.running {
		m.stateMu.Unlock()
		return false
	}
	m.running = false
	close(m.stopChan)
	m.stateMu.Unlock()

	m.wg.Wait()
	return true
}

func (m *ManagedInstance) isRunning() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.running
}

func (m *ManagedInstance) stateCopy() strategy.State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state.Clone()
}

func (m *ManagedInstance) setState(state strategy.State) {
	m.stateMu.Lock()
	m.state = state.Clone()
	m.stateMu.Unlock()
}

func (m *ManagedInstance) recordTick(price float64, holds []strategy.Hold, tickErr error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.lastTick = time.Now()
	if price > 0 {
		m.lastPrice = price
	}
	m.holds = holds
	if tickErr != nil {
		m.lastError = tickErr.Error()
	} else {
		m.lastError = ""
	}
}

// markPrice returns the most recent close seen by the tick loop, falling back
// to the position's entry when no tick has run yet.
func (m *ManagedInstance) markPrice() float64 {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.lastPrice > 0 {
		return m.lastPrice
	}
	if len(m.state.Positions) > 0 {
		return m.state.Positions[0].EntryPrice
	}
	return 0
}

// snapshot builds the control-surface view of the instance.
func (m *ManagedInstance) snapshot() strategy.Snapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	snap := strategy.Snapshot{
		ID:                m.cfg.ID,
		Account:           m.cfg.Account,
		Symbol:            m.cfg.Symbol,
		Interval:          m.cfg.Interval,
		Variant:           m.cfg.Variant,
		Running:           m.running,
		Lifecycle:         m.state.Lifecycle,
		CooldownRemaining: m.state.CooldownRemaining,
		ExitPending:       m.state.ExitPending,
		LastPrice:         m.lastPrice,
		LastTick:          m.lastTick,
		LastError:         m.lastError,
	}
	if len(m.state.Positions) > 0 {
		snap.Positions = make([]strategy.Position, len(m.state.Positions))
		copy(snap.Positions, m.state.Positions)
	}
	if len(m.holds) > 0 {
		snap.Holds = make([]strategy.Hold, len(m.holds))
		copy(snap.Holds, m.holds)
	}
	return snap
}
