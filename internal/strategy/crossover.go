package strategy

import (
	"fmt"

	"futures-trading-engine/internal/indicator"
)

// evaluateCross runs the fast/slow EMA crossover machine for one tick.
// extra, when non-nil, is a variant-specific entry filter appended to the
// standard chain. The function is pure: it clones the state and never
// touches the gateway.
func evaluateCross(in Input, extra entryFilter) Result {
	cfg := in.Config
	out := in.State.Clone()
	res := Result{}

	if len(in.Candles) < cfg.EMASlow {
		res.State = out
		res.Holds = append(res.Holds, Hold{
			Reason: HoldInsufficientData,
			Detail: fmt.Sprintf("have %d candles, need %d", len(in.Candles), cfg.EMASlow),
		})
		return res
	}

	last := in.Candles[len(in.Candles)-1]
	closePrice := last.Close

	fast := indicator.EMA(in.Candles, cfg.EMAFast)
	slow := indicator.EMA(in.Candles, cfg.EMASlow)

	// Candle-boundary bookkeeping. Ticks between candle closes see the same
	// window again; cooldown burns down once per newly closed candle only.
	if last.OpenTime > out.LastCandleOpenTime {
		out.LastCandleOpenTime = last.OpenTime
		if out.CooldownRemaining > 0 {
			out.CooldownRemaining--
		}
	}

	// Cross detection needs last tick's EMA pair. On the first tick after
	// create or restore only the price-level exits below can fire.
	var golden, death bool
	firstTick := !out.HavePrev
	if !firstTick {
		golden = out.PrevFast <= out.PrevSlow && fast > slow
		death = out.PrevFast >= out.PrevSlow && fast < slow
	}
	out.PrevFast, out.PrevSlow, out.HavePrev = fast, slow, true

	if !out.Flat() {
		// Exits first; they bypass every entry filter.
		for i := range out.Positions {
			pos := &out.Positions[i]

			hit, reason := false, ""
			if pos.Side == SideLong && death {
				hit, reason = true, ReasonDeathCross
			} else if pos.Side == SideShort && golden {
				hit, reason = true, ReasonGoldenCross
			} else {
				hit, reason = exitSignal(cfg, pos, closePrice)
			}
			if hit {
				res.Intents = append(res.Intents, Intent{
					Kind:          IntentExit,
					Side:          pos.Side,
					Reason:        reason,
					Price:         closePrice,
					PositionIndex: i,
				})
			}
		}
		if len(res.Intents) == 0 {
			res.Holds = append(res.Holds, Hold{Reason: HoldNoSignal, Detail: "position open, no exit condition"})
		}
		res.State = out
		return res
	}

	if firstTick {
		res.State = out
		res.Holds = append(res.Holds, Hold{Reason: HoldWarmingUp, Detail: "recorded first ema pair"})
		return res
	}

	// Flat: look for an entry candidate.
	var side Side
	var reason string
	switch {
	case golden:
		side, reason = SideLong, ReasonGoldenCross
	case death && cfg.EnableShort:
		side, reason = SideShort, ReasonDeathCross
	default:
		res.State = out
		res.Holds = append(res.Holds, Hold{Reason: HoldNoSignal, Detail: "no crossover"})
		return res
	}

	if len(out.Positions) >= cfg.MaxPositions {
		res.State = out
		res.Holds = append(res.Holds, Hold{Reason: HoldMaxPositions, Detail: "position limit reached"})
		return res
	}

	// Filter chain, in order. A rejection holds; the next tick re-evaluates
	// from scratch with no retry queue.
	if ok, why := separationOK(fast, slow, closePrice, cfg.MinSeparation); !ok {
		res.State = out
		res.Holds = append(res.Holds, Hold{Reason: HoldFilterRejected, Detail: why})
		return res
	}
	if ok, why := cooldownOK(out.CooldownRemaining); !ok {
		res.State = out
		res.Holds = append(res.Holds, Hold{Reason: HoldFilterRejected, Detail: why})
		return res
	}
	if side == SideShort && cfg.EnableHTFBias {
		if ok, why := htfBiasOK(cfg, in.HTFCandles); !ok {
			res.State = out
			res.Holds = append(res.Holds, Hold{Reason: HoldFilterRejected, Detail: why})
			return res
		}
	}
	if extra != nil {
		if ok, why := extra(in, side); !ok {
			res.State = out
			res.Holds = append(res.Holds, Hold{Reason: HoldFilterRejected, Detail: why})
			return res
		}
	}

	res.Intents = append(res.Intents, Intent{
		Kind:   IntentEnter,
		Side:   side,
		Reason: reason,
		Price:  closePrice,
	})
	res.State = out
	return res
}
