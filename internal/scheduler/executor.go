package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/orders"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/strategy"
)

// runTick is one full evaluation cycle for an instance: fetch candles, retry
// a pending exit, refresh trailing brackets, evaluate, execute intents,
// persist. Ticks never overlap; a tick that outlives the interval makes the
// next one skip.
func (s *Scheduler) runTick(inst *ManagedInstance) {
	if !inst.busy.CompareAndSwap(false, true) {
		s.logger.Warn("tick overlap, skipping", "instance", inst.cfg.ID, "symbol", inst.cfg.Symbol)
		return
	}
	defer inst.busy.Store(false)

	inst.runMu.Lock()
	defer inst.runMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	cfg := inst.cfg
	candles, err := s.source.ClosedCandles(ctx, cfg.Symbol, cfg.Interval, cfg.CandlesNeeded(s.opts.CandleBuffer))
	if err != nil {
		var dataErr *market.DataUnavailableError
		if errors.As(err, &dataErr) {
			inst.recordTick(0, []strategy.Hold{{Reason: strategy.HoldInsufficientData, Detail: dataErr.Error()}}, nil)
		} else {
			s.logger.Error("candle fetch failed", "instance", cfg.ID, "symbol", cfg.Symbol, "error", err)
			inst.recordTick(0, nil, err)
		}
		return
	}

	var htf []market.Candle
	if cfg.EnableHTFBias {
		htf, err = s.source.ClosedCandles(ctx, cfg.Symbol, cfg.HTFInterval, cfg.EMASlow)
		if err != nil {
			// The bias filter treats a missing window as a rejection, so an
			// HTF outage blocks shorts rather than letting them through.
			s.logger.Warn("htf candle fetch failed", "instance", cfg.ID, "symbol", cfg.Symbol, "interval", cfg.HTFInterval, "error", err)
			htf = nil
		}
	}

	price := candles[len(candles)-1].Close
	state := inst.stateCopy()

	if state.ExitPending && !state.Flat() {
		s.retryPendingExit(ctx, inst, &state, price)
	}

	for i := range state.Positions {
		if risk.UpdateTrailing(cfg, &state.Positions[i], price) {
			pos := state.Positions[i]
			s.logger.Info("trailing bracket moved",
				"instance", cfg.ID, "symbol", cfg.Symbol, "side", pos.Side,
				"best_price", pos.BestPrice, "take_profit", pos.TakeProfit, "stop_loss", pos.StopLoss)
		}
	}

	res := strategy.Evaluate(strategy.Input{Config: cfg, State: state, Candles: candles, HTFCandles: htf})
	state = res.State

	for _, intent := range res.Intents {
		s.bus.PublishSignal(cfg.ID, cfg.Symbol, string(intent.Kind), string(intent.Side), intent.Reason, intent.Price)
	}

	exits, entries := splitIntents(res.Intents)
	for _, intent := range exits {
		s.executeExit(ctx, inst, &state, intent.PositionIndex, intent.Reason, intent.Price)
	}
	for _, intent := range entries {
		s.executeEntry(ctx, inst, &state, intent)
	}

	inst.setState(state)
	if err := s.store.SaveInstanceState(ctx, cfg.ID, &state); err != nil {
		s.logger.Warn("failed to persist instance state", "instance", cfg.ID, "error", err)
	}
	inst.recordTick(price, res.Holds, nil)
}

// splitIntents orders exits before entries and sorts exits by descending
// position index so removals do not shift the indices still to process.
func splitIntents(intents []strategy.Intent) (exits, entries []strategy.Intent) {
	for _, intent := range intents {
		if intent.Kind == strategy.IntentExit {
			exits = append(exits, intent)
		} else {
			entries = append(entries, intent)
		}
	}
	sort.Slice(exits, func(i, j int) bool {
		return exits[i].PositionIndex > exits[j].PositionIndex
	})
	return exits, entries
}

// retryPendingExit re-attempts the close that failed on an earlier tick,
// keeping its original reason. Entries stay blocked until it lands or an
// operator clears the flag.
func (s *Scheduler) retryPendingExit(ctx context.Context, inst *ManagedInstance, state *strategy.State, price float64) {
	reason := state.PendingExitReason
	if reason == "" {
		reason = strategy.ReasonRiskFlatten
	}
	s.logger.Info("retrying pending exit", "instance", inst.cfg.ID, "symbol", inst.cfg.Symbol, "reason", reason)
	for i := len(state.Positions) - 1; i >= 0; i-- {
		if !s.executeExit(ctx, inst, state, i, reason, price) {
			return
		}
	}
}

// executeEntry sizes, approves and places an opening order, then folds the
// fill into state. A denial is a hold, not an error.
func (s *Scheduler) executeEntry(ctx context.Context, inst *ManagedInstance, state *strategy.State, intent strategy.Intent) {
	cfg := inst.cfg

	if state.ExitPending {
		s.logger.Warn("entry blocked, exit still pending", "instance", cfg.ID, "symbol", cfg.Symbol)
		s.bus.PublishEntryBlocked(cfg.ID, cfg.Symbol, "exit pending")
		return
	}

	engine := s.engine(cfg.Account)
	if ok, why := engine.ApproveEntry(); !ok {
		s.logger.Info("entry blocked by risk engine", "instance", cfg.ID, "symbol", cfg.Symbol, "reason", why)
		s.bus.PublishEntryBlocked(cfg.ID, cfg.Symbol, why)
		return
	}

	balance, err := s.gateway.Balance(ctx, s.opts.QuoteAsset)
	if err != nil {
		if cfg.FixedAmount <= 0 {
			s.logger.Error("balance fetch failed, cannot size entry", "instance", cfg.ID, "symbol", cfg.Symbol, "error", err)
			return
		}
		// Fixed sizing does not read the balance; a stale quote is fine.
		s.logger.Warn("balance fetch failed, continuing with fixed sizing", "instance", cfg.ID, "error", err)
		balance = 0
	}

	quantity, err := risk.PositionSize(cfg, balance, intent.Price)
	if err != nil {
		s.logger.Error("position sizing failed", "instance", cfg.ID, "symbol", cfg.Symbol, "error", err)
		return
	}

	mu := s.accountMu(cfg.Account)
	mu.Lock()
	defer mu.Unlock()

	if err := exchange.WithRetry(ctx, s.opts.OrderAttempts, s.opts.OrderBackoff, s.logger, "set_leverage", func() error {
		return s.gateway.SetLeverage(ctx, cfg.Symbol, cfg.Leverage)
	}); err != nil {
		s.logger.Warn("leverage update failed, order proceeds on prior setting", "instance", cfg.ID, "symbol", cfg.Symbol, "error", err)
	}

	req := exchange.OrderRequest{
		Symbol:   cfg.Symbol,
		Side:     intent.Side,
		Quantity: quantity,
		Price:    intent.Price,
		ClientID: orders.NewClientOrderID(cfg.ID, orders.RoleEntry, time.Now()),
	}
	fill, err := s.placeWithRetry(ctx, inst, req)
	if err != nil {
		s.logger.Error("entry order failed", "instance", cfg.ID, "symbol", cfg.Symbol, "side", intent.Side, "error", err)
		s.bus.PublishError("scheduler", "entry order failed for "+cfg.Symbol, err)
		return
	}

	takeProfit, stopLoss := risk.InitialBracket(cfg, intent.Side, fill.Price)
	state.Positions = append(state.Positions, strategy.Position{
		Side:       intent.Side,
		EntryPrice: fill.Price,
		Quantity:   fill.Quantity,
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
		BestPrice:  fill.Price,
		OpenedAt:   fill.FilledAt,
	})
	if intent.Side == strategy.SideShort {
		state.Lifecycle = strategy.LifecycleShort
	} else {
		state.Lifecycle = strategy.LifecycleLong
	}

	s.bus.PublishEntryFilled(cfg.ID, cfg.Symbol, string(intent.Side), fill.Price, fill.Quantity)
	s.logger.Info("entry filled",
		"instance", cfg.ID, "symbol", cfg.Symbol, "side", intent.Side, "reason", intent.Reason,
		"price", fill.Price, "quantity", fill.Quantity, "take_profit", takeProfit, "stop_loss", stopLoss)
}

// executeExit closes one position and books the outcome. On failure it
// latches the exit-pending flag so the next tick retries with the same
// reason. Returns whether the close landed.
func (s *Scheduler) executeExit(ctx context.Context, inst *ManagedInstance, state *strategy.State, idx int, reason string, refPrice float64) bool {
	cfg := inst.cfg
	if idx < 0 || idx >= len(state.Positions) {
		return false
	}
	pos := state.Positions[idx]

	mu := s.accountMu(cfg.Account)
	mu.Lock()
	fill, err := s.flattenWithRetry(ctx, inst, pos, refPrice)
	mu.Unlock()

	if err != nil {
		state.ExitPending = true
		state.PendingExitReason = reason
		s.audit.RecordEscalation(cfg.ID, cfg.Account, cfg.Symbol, err)
		s.bus.PublishExitPending(cfg.ID, cfg.Symbol, err)
		s.logger.Error("exit order failed, position remains open",
			"instance", cfg.ID, "symbol", cfg.Symbol, "side", pos.Side, "reason", reason, "error", err)
		return false
	}

	realized := pos.UnrealizedPnL(fill.Price)
	s.engine(cfg.Account).RecordRealized(realized)

	trade := &database.Trade{
		InstanceID: cfg.ID,
		Account:    cfg.Account,
		Symbol:     cfg.Symbol,
		Side:       string(pos.Side),
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  fill.Price,
		PnL:        realized,
		ExitReason: reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   fill.FilledAt,
	}
	if err := s.store.RecordTrade(ctx, trade); err != nil {
		s.logger.Warn("failed to record trade", "instance", cfg.ID, "symbol", cfg.Symbol, "error", err)
	}

	state.Positions = append(state.Positions[:idx], state.Positions[idx+1:]...)
	if len(state.Positions) == 0 {
		state.Lifecycle = strategy.LifecycleFlat
		state.CooldownRemaining = cfg.CooldownCandles
		state.ExitPending = false
		state.PendingExitReason = ""
	}

	s.bus.PublishExitFilled(cfg.ID, cfg.Symbol, string(pos.Side), reason, fill.Price, pos.Quantity, realized)
	s.logger.Info("exit filled",
		"instance", cfg.ID, "symbol", cfg.Symbol, "side", pos.Side, "reason", reason,
		"entry_price", pos.EntryPrice, "exit_price", fill.Price, "pnl", realized)
	return true
}

// flattenLocked closes every open position of an instance. Caller holds the
// instance run lock.
func (s *Scheduler) flattenLocked(ctx context.Context, inst *ManagedInstance, reason string) error {
	state := inst.stateCopy()
	if state.Flat() {
		return nil
	}
	price := inst.markPrice()

	var firstErr error
	for i := len(state.Positions) - 1; i >= 0; i-- {
		if !s.executeExit(ctx, inst, &state, i, reason, price) {
			firstErr = fmt.Errorf("failed to flatten %s position on %s", state.Positions[i].Side, inst.cfg.Symbol)
			break
		}
	}

	inst.setState(state)
	if err := s.store.SaveInstanceState(ctx, inst.cfg.ID, &state); err != nil {
		s.logger.Warn("failed to persist instance state", "instance", inst.cfg.ID, "error", err)
	}
	return firstErr
}

// placeWithRetry wraps gateway.PlaceOrder in the retry policy, recording
// every attempt on the audit trail.
func (s *Scheduler) placeWithRetry(ctx context.Context, inst *ManagedInstance, req exchange.OrderRequest) (*exchange.Fill, error) {
	cfg := inst.cfg
	var fill *exchange.Fill
	attempt := 0
	err := exchange.WithRetry(ctx, s.opts.OrderAttempts, s.opts.OrderBackoff, s.logger, "place_order", func() error {
		attempt++
		if attempt == 1 {
			s.audit.RecordAttempt(cfg.ID, cfg.Account, req.Symbol, req.Side, req.ReduceOnly, req.Quantity, req.Price, attempt)
		}
		var opErr error
		fill, opErr = s.gateway.PlaceOrder(ctx, req)
		if opErr != nil {
			s.audit.RecordRetry(cfg.ID, cfg.Account, req.Symbol, attempt, opErr)
		}
		return opErr
	})
	if err != nil {
		s.audit.RecordFailure(cfg.ID, cfg.Account, req.Symbol, err)
		return nil, err
	}
	s.audit.RecordFill(cfg.ID, cfg.Account, req.Side, req.ReduceOnly, fill)
	return fill, nil
}

// flattenWithRetry is placeWithRetry for reduce-only closes.
func (s *Scheduler) flattenWithRetry(ctx context.Context, inst *ManagedInstance, pos strategy.Position, refPrice float64) (*exchange.Fill, error) {
	cfg := inst.cfg
	var fill *exchange.Fill
	attempt := 0
	err := exchange.WithRetry(ctx, s.opts.OrderAttempts, s.opts.OrderBackoff, s.logger, "flatten", func() error {
		attempt++
		if attempt == 1 {
			s.audit.RecordAttempt(cfg.ID, cfg.Account, cfg.Symbol, pos.Side, true, pos.Quantity, refPrice, attempt)
		}
		var opErr error
		fill, opErr = s.gateway.Flatten(ctx, cfg.Symbol, pos.Side, pos.Quantity, refPrice)
		if opErr != nil {
			s.audit.RecordRetry(cfg.ID, cfg.Account, cfg.Symbol, attempt, opErr)
		}
		return opErr
	})
	if err != nil {
		s.audit.RecordFailure(cfg.ID, cfg.Account, cfg.Symbol, err)
		return nil, err
	}
	s.audit.RecordFill(cfg.ID, cfg.Account, pos.Side, true, fill)
	return fill, nil
}
