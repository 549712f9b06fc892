package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// DefaultBaseURL is the Binance USDT-M futures REST endpoint.
	DefaultBaseURL = "https://fapi.binance.com"
	// TestnetBaseURL is the futures testnet REST endpoint.
	TestnetBaseURL = "https://testnet.binancefuture.com"
)

// BinanceSource fetches closed candles from the futures klines endpoint.
type BinanceSource struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

var _ Source = (*BinanceSource)(nil)

// NewBinanceSource creates a REST candle source. An empty baseURL selects
// the production endpoint.
func NewBinanceSource(baseURL string) *BinanceSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &BinanceSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// ClosedCandles fetches the most recent closed candles, oldest first. One
// extra candle is requested so the forming candle can be dropped without
// shorting the caller.
func (s *BinanceSource) ClosedCandles(ctx context.Context, symbol, interval string, count int) ([]Candle, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid candle count %d", count)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(count+1))

	endpoint := fmt.Sprintf("%s/fapi/v1/klines?%s", s.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build klines request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read klines response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines API error (%d): %s", resp.StatusCode, string(body))
	}

	candles, err := ParseKlineRows(body)
	if err != nil {
		return nil, err
	}

	closed := TrimForming(candles, s.now())
	if len(closed) < count {
		return nil, &DataUnavailableError{Symbol: symbol, Interval: interval, Want: count, Have: len(closed)}
	}
	return closed[len(closed)-count:], nil
}

// TrimForming drops the trailing candle if it has not closed yet.
func TrimForming(candles []Candle, now time.Time) []Candle {
	if n := len(candles); n > 0 && !candles[n-1].Closed(now) {
		return candles[:n-1]
	}
	return candles
}
