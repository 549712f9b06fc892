package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"futures-trading-engine/internal/strategy"
)

// PaperConfig tunes the simulated execution venue.
type PaperConfig struct {
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance"`
	SlippageBps    float64 `json:"slippage_bps" yaml:"slippage_bps"`
	FeeBps         float64 `json:"fee_bps" yaml:"fee_bps"`
}

type paperLot struct {
	side     strategy.Side
	quantity float64
	price    float64
}

// PaperGateway fills orders instantly at the caller's reference price with
// configurable slippage and taker fees. Closing a lot realizes its PnL into
// the simulated balance, so paper runs produce a usable equity curve.
type PaperGateway struct {
	mu       sync.Mutex
	balance  float64
	slippage float64
	fee      float64
	leverage map[string]int
	lots     map[string][]paperLot
	nextID   int64
	logger   *slog.Logger
	now      func() time.Time
}

var _ Gateway = (*PaperGateway)(nil)

// NewPaperGateway builds a simulated gateway seeded with the configured
// balance.
func NewPaperGateway(cfg PaperConfig, logger *slog.Logger) *PaperGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperGateway{
		balance:  cfg.InitialBalance,
		slippage: cfg.SlippageBps / 10_000,
		fee:      cfg.FeeBps / 10_000,
		leverage: make(map[string]int),
		lots:     make(map[string][]paperLot),
		logger:   logger.With("component", "paper_gateway"),
		now:      time.Now,
	}
}

func (g *PaperGateway) Balance(_ context.Context, _ string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *PaperGateway) SetLeverage(_ context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage[symbol] = leverage
	return nil
}

func (g *PaperGateway) PlaceOrder(_ context.Context, req OrderRequest) (*Fill, error) {
	if req.Quantity <= 0 {
		return nil, &OrderError{Status: 400, Message: "quantity must be positive"}
	}
	if req.Price <= 0 {
		return nil, &OrderError{Status: 400, Message: "paper fills need a reference price"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	price := g.fillPrice(req)
	notional := price * req.Quantity
	commission := notional * g.fee

	if req.ReduceOnly {
		realized, err := g.reduceLocked(req.Symbol, req.Side, req.Quantity, price)
		if err != nil {
			return nil, err
		}
		g.balance += realized - commission
	} else {
		lev := g.leverage[req.Symbol]
		if lev < 1 {
			lev = 1
		}
		if margin := notional / float64(lev); margin > g.balance {
			return nil, &OrderError{
				Status:  400,
				Code:    -2019,
				Message: fmt.Sprintf("margin %.2f exceeds balance %.2f", margin, g.balance),
			}
		}
		g.lots[req.Symbol] = append(g.lots[req.Symbol], paperLot{
			side:     req.Side,
			quantity: req.Quantity,
			price:    price,
		})
		g.balance -= commission
	}

	g.nextID++
	fill := &Fill{
		OrderID:    g.nextID,
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Price:      price,
		Quantity:   req.Quantity,
		Commission: commission,
		FilledAt:   g.now(),
	}
	g.logger.Debug("paper fill",
		"symbol", fill.Symbol,
		"side", orderSide(req.Side, req.ReduceOnly),
		"quantity", fill.Quantity,
		"price", fill.Price)
	return fill, nil
}

func (g *PaperGateway) Flatten(ctx context.Context, symbol string, side strategy.Side, quantity, price float64) (*Fill, error) {
	return g.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
		ReduceOnly: true,
	})
}

// fillPrice applies slippage against the trade direction.
func (g *PaperGateway) fillPrice(req OrderRequest) float64 {
	if orderSide(req.Side, req.ReduceOnly) == "BUY" {
		return req.Price * (1 + g.slippage)
	}
	return req.Price * (1 - g.slippage)
}

// reduceLocked consumes open lots front to back and returns the realized PnL
// of the closed quantity.
func (g *PaperGateway) reduceLocked(symbol string, side strategy.Side, quantity, price float64) (float64, error) {
	lots := g.lots[symbol]
	realized := 0.0
	remaining := quantity

	for remaining > 0 && len(lots) > 0 {
		lot := &lots[0]
		if lot.side != side {
			return 0, &OrderError{Status: 400, Message: fmt.Sprintf("no %s lot to reduce on %s", side, symbol)}
		}
		take := remaining
		if take > lot.quantity {
			take = lot.quantity
		}
		if side == strategy.SideLong {
			realized += (price - lot.price) * take
		} else {
			realized += (lot.price - price) * take
		}
		lot.quantity -= take
		remaining -= take
		if lot.quantity <= 1e-12 {
			lots = lots[1:]
		}
	}
	if remaining > 1e-9 {
		return 0, &OrderError{Status: 400, Message: fmt.Sprintf("reduce quantity exceeds open %s position on %s", side, symbol)}
	}

	if len(lots) == 0 {
		delete(g.lots, symbol)
	} else {
		g.lots[symbol] = lots
	}
	return realized, nil
}
