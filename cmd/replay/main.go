package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/strategy"
)

// replay feeds a recorded candle series through the strategy evaluator and
// prints every signal it would have produced, plus a PnL summary. Running it
// twice on the same file must print the same report; that is the whole point.

type replayStats struct {
	Entries     int
	Exits       int
	Wins        int
	Losses      int
	GrossWins   float64
	GrossLosses float64
	NetPnL      float64
	ByReason    map[string]int
}

func main() {
	csvPath := flag.String("csv", "", "closed-candle CSV: open_time,open,high,low,close,volume,close_time")
	strategiesPath := flag.String("strategies", "strategies.yaml", "strategies file supplying the parameters")
	symbol := flag.String("symbol", "", "strategy entry to replay (default: first entry)")
	balance := flag.Float64("balance", 10000, "simulated balance for position sizing")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("❌ -csv is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := pickStrategy(*strategiesPath, *symbol)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	candles, err := readCandles(*csvPath)
	if err != nil {
		fmt.Printf("❌ Failed to read candles: %v\n", err)
		os.Exit(1)
	}
	if len(candles) < cfg.EMASlow+1 {
		fmt.Printf("❌ Need at least %d candles for ema_slow=%d, file has %d\n", cfg.EMASlow+1, cfg.EMASlow, len(candles))
		os.Exit(1)
	}

	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("📊 REPLAY %s %s %s (fast=%d slow=%d tp=%.3f sl=%.3f)\n",
		cfg.Symbol, cfg.Interval, cfg.Variant, cfg.EMAFast, cfg.EMASlow, cfg.TPPct, cfg.SLPct)
	fmt.Println(strings.Repeat("=", 72))
	if cfg.EnableHTFBias {
		fmt.Println("⚠️  htf bias enabled but replay carries no higher-timeframe series; shorts will be filtered")
	}

	stats := run(cfg, candles, *balance)

	fmt.Println(strings.Repeat("-", 72))
	fmt.Printf("Candles replayed:  %d\n", len(candles))
	fmt.Printf("Signals:           %d entries, %d exits\n", stats.Entries, stats.Exits)
	if stats.Exits > 0 {
		fmt.Printf("Win rate:          %.1f%% (%d wins, %d losses)\n",
			100*float64(stats.Wins)/float64(stats.Exits), stats.Wins, stats.Losses)
		fmt.Printf("Gross won/lost:    +%.2f / -%.2f\n", stats.GrossWins, stats.GrossLosses)
	}
	fmt.Printf("Net PnL:           %+.2f (final equity %.2f)\n", stats.NetPnL, *balance+stats.NetPnL)
	if len(stats.ByReason) > 0 {
		reasons := make([]string, 0, len(stats.ByReason))
		for r := range stats.ByReason {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, r := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", r, stats.ByReason[r]))
		}
		fmt.Printf("Exits by reason:   %s\n", strings.Join(parts, " "))
	}
}

// run drives the evaluator candle by candle, filling intents instantly at
// the signal price the way the paper gateway does.
func run(cfg strategy.Config, candles []market.Candle, balance float64) replayStats {
	stats := replayStats{ByReason: make(map[string]int)}
	state := strategy.NewState()
	equity := balance

	for i := range candles {
		if i+1 < cfg.EMASlow {
			continue
		}
		window := candles[:i+1]
		last := window[len(window)-1]
		price := last.Close

		for pi := range state.Positions {
			if risk.UpdateTrailing(cfg, &state.Positions[pi], price) {
				fmt.Printf("%s  TRAIL  %s sl→%.4f tp→%.4f\n",
					candleStamp(last), state.Positions[pi].Side, state.Positions[pi].StopLoss, state.Positions[pi].TakeProfit)
			}
		}

		res := strategy.Evaluate(strategy.Input{Config: cfg, State: state, Candles: window})
		state = res.State

		exits, entries := splitIntents(res.Intents)
		for _, intent := range exits {
			idx := intent.PositionIndex
			if idx < 0 || idx >= len(state.Positions) {
				continue
			}
			pos := state.Positions[idx]
			pnl := pos.UnrealizedPnL(intent.Price)
			equity += pnl
			stats.Exits++
			stats.NetPnL += pnl
			stats.ByReason[intent.Reason]++
			if pnl >= 0 {
				stats.Wins++
				stats.GrossWins += pnl
			} else {
				stats.Losses++
				stats.GrossLosses += -pnl
			}
			state.Positions = append(state.Positions[:idx], state.Positions[idx+1:]...)
			if len(state.Positions) == 0 {
				state.Lifecycle = strategy.LifecycleFlat
				state.CooldownRemaining = cfg.CooldownCandles
			}
			fmt.Printf("%s  EXIT   %s %.6f @ %.4f  %-13s pnl=%+.2f\n",
				candleStamp(last), pos.Side, pos.Quantity, intent.Price, intent.Reason, pnl)
		}

		for _, intent := range entries {
			qty, err := risk.PositionSize(cfg, equity, intent.Price)
			if err != nil {
				fmt.Printf("%s  SKIP   %s sizing failed: %v\n", candleStamp(last), intent.Side, err)
				continue
			}
			tp, sl := risk.InitialBracket(cfg, intent.Side, intent.Price)
			state.Positions = append(state.Positions, strategy.Position{
				Side:       intent.Side,
				EntryPrice: intent.Price,
				Quantity:   qty,
				TakeProfit: tp,
				StopLoss:   sl,
				BestPrice:  intent.Price,
				OpenedAt:   time.UnixMilli(last.OpenTime).UTC(),
			})
			if intent.Side == strategy.SideLong {
				state.Lifecycle = strategy.LifecycleLong
			} else {
				state.Lifecycle = strategy.LifecycleShort
			}
			stats.Entries++
			fmt.Printf("%s  ENTER  %s %.6f @ %.4f  %-13s tp=%.4f sl=%.4f\n",
				candleStamp(last), intent.Side, qty, intent.Price, intent.Reason, tp, sl)
		}
	}

	// An open position at the end of the series stays open; report it
	// unrealized rather than pretending it closed.
	if len(state.Positions) > 0 {
		last := candles[len(candles)-1]
		for _, pos := range state.Positions {
			fmt.Printf("%s  OPEN   %s %.6f @ %.4f  unrealized=%+.2f\n",
				candleStamp(last), pos.Side, pos.Quantity, pos.EntryPrice, pos.UnrealizedPnL(last.Close))
		}
	}
	return stats
}

// splitIntents orders exits before entries, exits in descending position
// index so removals do not shift the indices still pending.
func splitIntents(intents []strategy.Intent) (exits, entries []strategy.Intent) {
	for _, intent := range intents {
		if intent.Kind == strategy.IntentExit {
			exits = append(exits, intent)
		} else {
			entries = append(entries, intent)
		}
	}
	sort.Slice(exits, func(i, j int) bool { return exits[i].PositionIndex > exits[j].PositionIndex })
	return exits, entries
}

func pickStrategy(path, symbol string) (strategy.Config, error) {
	configs, err := config.LoadStrategies(path)
	if err != nil {
		return strategy.Config{}, err
	}
	if len(configs) == 0 {
		return strategy.Config{}, fmt.Errorf("no strategies in %s", path)
	}
	if symbol == "" {
		return configs[0], nil
	}
	for _, cfg := range configs {
		if strings.EqualFold(cfg.Symbol, symbol) {
			return cfg, nil
		}
	}
	return strategy.Config{}, fmt.Errorf("no strategy for symbol %s in %s", symbol, path)
}

// readCandles parses the CSV export format used by the candle recorder:
// open_time,open,high,low,close,volume,close_time with times in millis.
// A header row is skipped when the first cell is not numeric.
func readCandles(path string) ([]market.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 7

	var candles []market.Candle
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 {
			if _, convErr := strconv.ParseInt(record[0], 10, 64); convErr != nil {
				continue
			}
		}
		candle, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(candles); n > 0 && candle.OpenTime <= candles[n-1].OpenTime {
			return nil, fmt.Errorf("line %d: open_time %d not ascending", line, candle.OpenTime)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseRecord(record []string) (market.Candle, error) {
	var c market.Candle
	var err error
	if c.OpenTime, err = strconv.ParseInt(record[0], 10, 64); err != nil {
		return c, fmt.Errorf("open_time: %w", err)
	}
	floats := []struct {
		name string
		dst  *float64
		raw  string
	}{
		{"open", &c.Open, record[1]},
		{"high", &c.High, record[2]},
		{"low", &c.Low, record[3]},
		{"close", &c.Close, record[4]},
		{"volume", &c.Volume, record[5]},
	}
	for _, f := range floats {
		if *f.dst, err = strconv.ParseFloat(strings.TrimSpace(f.raw), 64); err != nil {
			return c, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if c.CloseTime, err = strconv.ParseInt(record[6], 10, 64); err != nil {
		return c, fmt.Errorf("close_time: %w", err)
	}
	return c, nil
}

func candleStamp(c market.Candle) string {
	return time.UnixMilli(c.OpenTime).UTC().Format("2006-01-02 15:04")
}
