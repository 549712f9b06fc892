package risk

import (
	"fmt"

	"futures-trading-engine/internal/strategy"
)

// PositionSize converts the instance's sizing inputs into a base-asset
// quantity. fixed_amount takes absolute priority; otherwise the risk budget
// (balance * risk_per_trade) buys the quantity that loses exactly that
// budget when the stop is hit at sl_pct. Leverage never enters sizing math;
// it is applied at the gateway.
func PositionSize(cfg strategy.Config, balance, entryPrice float64) (float64, error) {
	if entryPrice <= 0 {
		return 0, fmt.Errorf("cannot size position at entry price %.8f", entryPrice)
	}

	if cfg.FixedAmount > 0 {
		return cfg.FixedAmount / entryPrice, nil
	}

	if cfg.RiskPerTrade > 0 && cfg.SLPct > 0 {
		if balance <= 0 {
			return 0, fmt.Errorf("cannot size position with balance %.8f", balance)
		}
		riskBudget := balance * cfg.RiskPerTrade
		// Stop distance in price terms is entry * sl_pct.
		return riskBudget / (cfg.SLPct * entryPrice), nil
	}

	return 0, &strategy.ConfigError{Field: "sizing", Reason: "has no resolvable input"}
}
