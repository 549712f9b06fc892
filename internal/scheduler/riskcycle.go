package scheduler

import (
	"context"
	"time"

	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/strategy"
)

// riskLoop drives account-level enforcement on a fixed cadence, independent
// of instance ticks so a stuck instance cannot starve risk checks.
func (s *Scheduler) riskLoop() {
	defer s.riskWG.Done()

	ticker := time.NewTicker(time.Duration(s.opts.RiskTickSeconds) * time.Second)
	defer ticker.Stop()

	s.riskCycle()
	for {
		select {
		case <-s.riskStop:
			return
		case <-ticker.C:
			s.riskCycle()
		}
	}
}

func (s *Scheduler) riskCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	for _, account := range s.accounts() {
		s.cycleAccount(ctx, account)
	}
}

// cycleAccount snapshots every instance of the account, runs the engine, and
// carries out whatever the decision demands.
func (s *Scheduler) cycleAccount(ctx context.Context, account string) {
	insts := s.accountInstances(account)

	var views []risk.PositionView
	var unrealized float64
	for _, inst := range insts {
		state := inst.stateCopy()
		price := inst.markPrice()
		for i := range state.Positions {
			pos := state.Positions[i]
			mark := price
			if mark <= 0 {
				mark = pos.EntryPrice
			}
			views = append(views, risk.PositionView{
				InstanceID: inst.cfg.ID,
				Symbol:     inst.cfg.Symbol,
				Side:       pos.Side,
				Quantity:   pos.Quantity,
				Price:      mark,
			})
			unrealized += pos.UnrealizedPnL(mark)
		}
	}

	var equity float64
	stale := false
	balance, err := s.gateway.Balance(ctx, s.opts.QuoteAsset)
	if err != nil {
		s.logger.Warn("equity refresh failed, enforcement uses last known equity", "account", account, "error", err)
		stale = true
	} else {
		equity = balance + unrealized
	}

	engine := s.engine(account)
	decision := engine.Cycle(risk.CycleInput{Positions: views, Equity: equity, EquityStale: stale})

	for i := range decision.Events {
		ev := decision.Events[i]
		if err := s.store.AppendEnforcementEvent(ctx, &ev); err != nil {
			s.logger.Error("failed to persist enforcement event", "account", account, "event_type", ev.EventType, "error", err)
		}
		s.bus.PublishEnforcement(account, ev.EventType, ev.ActionTaken, ev.Threshold, ev.Observed)
	}

	riskState := engine.State()
	if err := s.store.SaveAccountRisk(ctx, &riskState); err != nil {
		s.logger.Warn("failed to persist risk state", "account", account, "error", err)
	}

	if decision.FlattenAll {
		s.forceFlattenAccount(ctx, account, insts)
	}
}

// forceFlattenAccount closes every position of the account. Failed closes
// latch exit-pending on their instance and are retried by the instance tick
// and the next risk cycle alike.
func (s *Scheduler) forceFlattenAccount(ctx context.Context, account string, insts []*ManagedInstance) {
	s.logger.Warn("risk enforcement flattening account", "account", account)
	for _, inst := range insts {
		inst.runMu.Lock()
		err := s.flattenLocked(ctx, inst, strategy.ReasonRiskFlatten)
		inst.runMu.Unlock()
		if err != nil {
			s.logger.Error("forced flatten incomplete", "instance", inst.cfg.ID, "symbol", inst.cfg.Symbol, "error", err)
		}
	}
}
