package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"futures-trading-engine/internal/strategy"
)

const (
	// DefaultBaseURL is the Binance USD-M futures REST endpoint.
	DefaultBaseURL = "https://fapi.binance.com"
	// TestnetBaseURL points at the futures testnet.
	TestnetBaseURL = "https://testnet.binancefuture.com"

	recvWindowMillis = 5000
)

// BinanceGateway submits signed orders against the Binance futures REST API.
type BinanceGateway struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

var _ Gateway = (*BinanceGateway)(nil)

// NewBinanceGateway builds a live gateway. An empty baseURL selects the
// production endpoint.
func NewBinanceGateway(apiKey, apiSecret, baseURL string, logger *slog.Logger) *BinanceGateway {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BinanceGateway{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With("component", "binance_gateway"),
		now:    time.Now,
	}
}

// Balance returns the available balance for one asset, usually USDT.
func (g *BinanceGateway) Balance(ctx context.Context, asset string) (float64, error) {
	body, err := g.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance: %w", err)
	}

	var entries []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}
	for _, e := range entries {
		if e.Asset == asset {
			v, err := strconv.ParseFloat(e.AvailableBalance, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse balance %q: %w", e.AvailableBalance, err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("asset %s not present in balance response", asset)
}

// SetLeverage applies the instance leverage on the symbol before an entry.
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := g.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("failed to set leverage %dx on %s: %w", leverage, symbol, err)
	}
	return nil
}

// PlaceOrder submits a market order and reports the resulting fill.
func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", orderSide(req.Side, req.ReduceOnly))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := g.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		ExecutedQty   string `json:"executedQty"`
		CumQuote      string `json:"cumQuote"`
		UpdateTime    int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	qty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	if price == 0 && qty > 0 {
		if cum, err := strconv.ParseFloat(resp.CumQuote, 64); err == nil && cum > 0 {
			price = cum / qty
		}
	}
	if price == 0 {
		price = req.Price
	}

	fill := &Fill{
		OrderID:  resp.OrderID,
		ClientID: resp.ClientOrderID,
		Symbol:   resp.Symbol,
		Price:    price,
		Quantity: qty,
		FilledAt: time.UnixMilli(resp.UpdateTime),
	}
	g.logger.Info("order filled",
		"symbol", fill.Symbol,
		"side", orderSide(req.Side, req.ReduceOnly),
		"quantity", fill.Quantity,
		"price", fill.Price,
		"order_id", fill.OrderID)
	return fill, nil
}

// Flatten closes an open position with a reduce-only market order.
func (g *BinanceGateway) Flatten(ctx context.Context, symbol string, side strategy.Side, quantity, price float64) (*Fill, error) {
	return g.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
		ReduceOnly: true,
	})
}

// sign produces the hex HMAC-SHA256 of the encoded query string.
func (g *BinanceGateway) sign(encoded string) string {
	mac := hmac.New(sha256.New, []byte(g.apiSecret))
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *BinanceGateway) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(g.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMillis))
	encoded := params.Encode()
	encoded += "&signature=" + g.sign(encoded)

	reqURL := g.baseURL + path + "?" + encoded
	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("X-MBX-APIKEY", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp.StatusCode, body)
	}
	return body, nil
}

// classifyError turns a non-200 response into an OrderError with the retry
// classification the scheduler's backoff relies on.
func classifyError(status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &OrderError{
		Status:    status,
		Code:      apiErr.Code,
		Message:   msg,
		Transient: transientStatus(status, apiErr.Code),
	}
}

func transientStatus(status, code int) bool {
	if status >= 500 || status == http.StatusTooManyRequests || status == 418 {
		return true
	}
	switch code {
	// Unknown error, disconnect, rate limit, server timeout, bad recvWindow.
	case -1000, -1001, -1003, -1007, -1021:
		return true
	}
	return false
}
