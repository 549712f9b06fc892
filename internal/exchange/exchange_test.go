package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"futures-trading-engine/internal/strategy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOrderSideMapping(t *testing.T) {
	tests := []struct {
		side       strategy.Side
		reduceOnly bool
		want       string
	}{
		{strategy.SideLong, false, "BUY"},
		{strategy.SideShort, false, "SELL"},
		{strategy.SideLong, true, "SELL"},
		{strategy.SideShort, true, "BUY"},
	}
	for _, tt := range tests {
		if got := orderSide(tt.side, tt.reduceOnly); got != tt.want {
			t.Errorf("orderSide(%s, reduce=%v) = %s, want %s", tt.side, tt.reduceOnly, got, tt.want)
		}
	}
}

func TestTransientClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   int
		want   bool
	}{
		{"internal error", 500, 0, true},
		{"bad gateway", 502, 0, true},
		{"rate limited", 429, -1003, true},
		{"ip ban", 418, 0, true},
		{"timestamp drift", 400, -1021, true},
		{"server timeout", 400, -1007, true},
		{"insufficient margin", 400, -2019, false},
		{"bad precision", 400, -1111, false},
		{"plain bad request", 400, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError(tt.status, []byte(`{"code":`+strconv.Itoa(tt.code)+`,"msg":"x"}`))
			if got := IsTransient(err); got != tt.want {
				t.Errorf("IsTransient(status=%d code=%d) = %v, want %v", tt.status, tt.code, got, tt.want)
			}
		})
	}

	if IsTransient(nil) {
		t.Error("nil error classified as transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("context cancellation classified as transient")
	}
	if !IsTransient(errors.New("connection reset")) {
		t.Error("transport error classified as permanent")
	}
}

func TestPaperGatewayRealizesPnLOnClose(t *testing.T) {
	g := NewPaperGateway(PaperConfig{InitialBalance: 1000}, discardLogger())
	ctx := context.Background()

	fill, err := g.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 2, Price: 100,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if fill.Price != 100 || fill.Quantity != 2 {
		t.Errorf("open fill = %.2f x %.4f, want 100 x 2", fill.Price, fill.Quantity)
	}

	if _, err := g.Flatten(ctx, "BTCUSDT", strategy.SideLong, 2, 110); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	balance, _ := g.Balance(ctx, "USDT")
	if math.Abs(balance-1020) > 1e-9 {
		t.Errorf("balance after winning close = %.2f, want 1020", balance)
	}

	if err := g.SetLeverage(ctx, "ETHUSDT", 5); err != nil {
		t.Fatalf("SetLeverage failed: %v", err)
	}
	short, err := g.PlaceOrder(ctx, OrderRequest{
		Symbol: "ETHUSDT", Side: strategy.SideShort, Quantity: 1, Price: 2000,
	})
	if err != nil {
		t.Fatalf("short open failed: %v", err)
	}
	if short.Price != 2000 {
		t.Errorf("short fill = %.2f, want 2000", short.Price)
	}
	if _, err := g.Flatten(ctx, "ETHUSDT", strategy.SideShort, 1, 2100); err != nil {
		t.Fatalf("short close failed: %v", err)
	}
	balance, _ = g.Balance(ctx, "USDT")
	if math.Abs(balance-920) > 1e-9 {
		t.Errorf("balance after losing short = %.2f, want 920", balance)
	}
}

func TestPaperGatewayMarginCheckUsesLeverage(t *testing.T) {
	g := NewPaperGateway(PaperConfig{InitialBalance: 100}, discardLogger())
	ctx := context.Background()

	req := OrderRequest{Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 2, Price: 100}
	if _, err := g.PlaceOrder(ctx, req); err == nil {
		t.Fatal("unleveraged order above balance was accepted")
	} else if IsTransient(err) {
		t.Errorf("margin rejection must be permanent, got %v", err)
	}

	if err := g.SetLeverage(ctx, "BTCUSDT", 5); err != nil {
		t.Fatalf("SetLeverage failed: %v", err)
	}
	if _, err := g.PlaceOrder(ctx, req); err != nil {
		t.Fatalf("leveraged order rejected: %v", err)
	}
}

func TestPaperGatewayRejectsMismatchedReduce(t *testing.T) {
	g := NewPaperGateway(PaperConfig{InitialBalance: 1000}, discardLogger())
	ctx := context.Background()

	if _, err := g.Flatten(ctx, "BTCUSDT", strategy.SideLong, 1, 100); err == nil {
		t.Error("reduce with no open lot was accepted")
	}

	if _, err := g.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: strategy.SideShort, Quantity: 1, Price: 100}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := g.Flatten(ctx, "BTCUSDT", strategy.SideLong, 1, 100); err == nil {
		t.Error("reduce against the wrong side was accepted")
	}
	if _, err := g.Flatten(ctx, "BTCUSDT", strategy.SideShort, 2, 100); err == nil {
		t.Error("reduce above the open quantity was accepted")
	}
}

func TestPaperGatewayAppliesSlippageAndFees(t *testing.T) {
	g := NewPaperGateway(PaperConfig{InitialBalance: 1000, SlippageBps: 10, FeeBps: 5}, discardLogger())
	ctx := context.Background()

	fill, err := g.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 1, Price: 100,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if math.Abs(fill.Price-100.1) > 1e-9 {
		t.Errorf("buy fill = %.4f, want 100.10 with 10bps slippage", fill.Price)
	}
	wantFee := 100.1 * 0.0005
	if math.Abs(fill.Commission-wantFee) > 1e-9 {
		t.Errorf("commission = %.6f, want %.6f", fill.Commission, wantFee)
	}
	balance, _ := g.Balance(ctx, "USDT")
	if math.Abs(balance-(1000-wantFee)) > 1e-9 {
		t.Errorf("balance after open = %.6f, want %.6f", balance, 1000-wantFee)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, discardLogger(), "place order", func() error {
		calls++
		return &OrderError{Status: 400, Code: -2019, Message: "margin"}
	})
	if err == nil {
		t.Fatal("permanent error swallowed")
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}

func TestWithRetryExhaustsTransientAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, discardLogger(), "place order", func() error {
		calls++
		return &OrderError{Status: 503, Message: "unavailable", Transient: true}
	})
	if err == nil {
		t.Fatal("exhausted retries reported success")
	}
	if calls != 3 {
		t.Errorf("transient error tried %d times, want 3", calls)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error does not mention exhaustion: %v", err)
	}

	calls = 0
	err = WithRetry(context.Background(), 3, time.Millisecond, discardLogger(), "place order", func() error {
		calls++
		if calls < 2 {
			return &OrderError{Status: 503, Transient: true}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("recovery run = err %v calls %d, want success on attempt 2", err, calls)
	}
}

func TestBinanceGatewaySignsAndParsesOrders(t *testing.T) {
	const secret = "test-secret"
	var captured *http.Request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"orderId": 4242,
			"clientOrderId": "inst-1-entry",
			"symbol": "BTCUSDT",
			"status": "FILLED",
			"avgPrice": "50123.40",
			"executedQty": "0.002",
			"cumQuote": "100.2468",
			"updateTime": 1700000000000
		}`)
	}))
	defer srv.Close()

	g := NewBinanceGateway("test-key", secret, srv.URL, discardLogger())
	fill, err := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       strategy.SideLong,
		Quantity:   0.002,
		Price:      50000,
		ClientID:   "inst-1-entry",
		ReduceOnly: false,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if fill.OrderID != 4242 || math.Abs(fill.Price-50123.40) > 1e-9 || math.Abs(fill.Quantity-0.002) > 1e-12 {
		t.Errorf("fill = %+v, want orderId 4242 price 50123.40 qty 0.002", fill)
	}

	if captured == nil {
		t.Fatal("no request captured")
	}
	if captured.URL.Path != "/fapi/v1/order" {
		t.Errorf("path = %s, want /fapi/v1/order", captured.URL.Path)
	}
	if got := captured.Header.Get("X-MBX-APIKEY"); got != "test-key" {
		t.Errorf("api key header = %q", got)
	}

	q := captured.URL.Query()
	if q.Get("symbol") != "BTCUSDT" || q.Get("side") != "BUY" || q.Get("type") != "MARKET" {
		t.Errorf("order params = symbol %q side %q type %q", q.Get("symbol"), q.Get("side"), q.Get("type"))
	}
	if q.Get("reduceOnly") != "" {
		t.Error("entry order carried reduceOnly")
	}

	raw := captured.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	if idx < 0 {
		t.Fatal("signature missing from query")
	}
	payload, gotSig := raw[:idx], raw[idx+len("&signature="):]
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature = %s, want %s", gotSig, want)
	}
}

func TestBinanceGatewayClassifiesRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	}))
	defer srv.Close()

	g := NewBinanceGateway("k", "s", srv.URL, discardLogger())
	_, err := g.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 1, Price: 100,
	})
	if err == nil {
		t.Fatal("rejection swallowed")
	}
	var oe *OrderError
	if !errors.As(err, &oe) {
		t.Fatalf("error %T is not an OrderError", err)
	}
	if oe.Code != -2019 || oe.Transient {
		t.Errorf("OrderError = %+v, want code -2019 permanent", oe)
	}
}
