package strategy

// exitSignal checks the price-level exits of an open position against the
// latest close. Crossover exits are handled by the caller; this covers take
// profit and the two stop modes.
//
// A fixed stop fires when price touches the posted level. An activated
// trailing stop fires when price has given back SLPct of its own value from
// the best price; the posted level itself trails at best*(1-SLPct) for longs
// and best*(1+SLPct) for shorts.
func exitSignal(cfg Config, pos *Position, price float64) (bool, string) {
	if price <= 0 {
		return false, ""
	}

	if pos.Side == SideLong {
		if price >= pos.TakeProfit {
			return true, ReasonTakeProfit
		}
		if pos.TrailingActive {
			if (pos.BestPrice-price)/price >= cfg.SLPct && cfg.SLPct > 0 {
				return true, ReasonTrailingStop
			}
			return false, ""
		}
		if price <= pos.StopLoss {
			return true, ReasonStopLoss
		}
		return false, ""
	}

	// Short side, mirrored.
	if price <= pos.TakeProfit {
		return true, ReasonTakeProfit
	}
	if pos.TrailingActive {
		if (price-pos.BestPrice)/price >= cfg.SLPct && cfg.SLPct > 0 {
			return true, ReasonTrailingStop
		}
		return false, ""
	}
	if price >= pos.StopLoss {
		return true, ReasonStopLoss
	}
	return false, ""
}
