package risk

import "futures-trading-engine/internal/strategy"

// InitialBracket computes the fixed take-profit and stop-loss levels posted
// alongside a fresh entry. Both are percentages of the entry price, mirrored
// by side.
func InitialBracket(cfg strategy.Config, side strategy.Side, entry float64) (takeProfit, stopLoss float64) {
	if side == strategy.SideShort {
		return entry * (1 - cfg.TPPct), entry * (1 + cfg.SLPct)
	}
	return entry * (1 + cfg.TPPct), entry * (1 - cfg.SLPct)
}

// UpdateTrailing advances the trailing state of an open position for the
// latest observed price. Activation is a one-way latch that arms once price
// reaches entry * (1 +/- trailing_activation_pct). After activation the best
// seen price only ratchets in the favorable direction and both bracket levels
// are recomputed from it, so the posted stop never loosens. Returns true when
// any level moved.
func UpdateTrailing(cfg strategy.Config, pos *strategy.Position, price float64) bool {
	if !cfg.TrailingEnabled || pos == nil || price <= 0 {
		return false
	}

	moved := false

	if !pos.TrailingActive {
		switch pos.Side {
		case strategy.SideLong:
			if price >= pos.EntryPrice*(1+cfg.TrailingActivationPct) {
				pos.TrailingActive = true
				moved = true
			}
		case strategy.SideShort:
			if price <= pos.EntryPrice*(1-cfg.TrailingActivationPct) {
				pos.TrailingActive = true
				moved = true
			}
		}
		if !pos.TrailingActive {
			return false
		}
	}

	switch pos.Side {
	case strategy.SideLong:
		if price > pos.BestPrice {
			pos.BestPrice = price
			pos.TakeProfit = price * (1 + cfg.TPPct)
			pos.StopLoss = price * (1 - cfg.SLPct)
			moved = true
		}
	case strategy.SideShort:
		if price < pos.BestPrice {
			pos.BestPrice = price
			pos.TakeProfit = price * (1 - cfg.TPPct)
			pos.StopLoss = price * (1 + cfg.SLPct)
			moved = true
		}
	}

	return moved
}
