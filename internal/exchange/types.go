package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futures-trading-engine/internal/strategy"
)

// OrderRequest describes a market order against one symbol. Price is the
// caller's reference price from the evaluation tick; the live gateway submits
// a market order and reports the real fill, while the paper gateway fills at
// the reference directly.
type OrderRequest struct {
	Symbol     string
	Side       strategy.Side
	Quantity   float64
	Price      float64
	ReduceOnly bool
	ClientID   string
}

// Fill is the executed result of an order.
type Fill struct {
	OrderID    int64
	ClientID   string
	Symbol     string
	Price      float64
	Quantity   float64
	Commission float64
	FilledAt   time.Time
}

// Gateway is the execution surface the scheduler drives. Flatten closes an
// existing position with a reduce-only order and must never be gated on
// account risk state.
type Gateway interface {
	Balance(ctx context.Context, asset string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error)
	Flatten(ctx context.Context, symbol string, side strategy.Side, quantity, price float64) (*Fill, error)
}

// OrderError carries the exchange rejection detail. Transient failures are
// safe to retry with backoff; permanent ones are not.
type OrderError struct {
	Status    int
	Code      int
	Message   string
	Transient bool
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order rejected (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// IsTransient reports whether err should be retried. Plain transport errors
// count as transient because the order may never have reached the exchange.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Transient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// orderSide maps a position side and the reduce-only flag onto the wire
// BUY/SELL direction. Closing inverts the opening direction.
func orderSide(side strategy.Side, reduceOnly bool) string {
	buy := side == strategy.SideLong
	if reduceOnly {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}
