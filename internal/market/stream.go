package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultStreamURL is the Binance USDT-M futures websocket endpoint.
	DefaultStreamURL = "wss://fstream.binance.com"
	// TestnetStreamURL is the futures testnet websocket endpoint.
	TestnetStreamURL = "wss://stream.binancefuture.com"

	// maxCachedCandles bounds the per-subscription closed-candle buffer.
	maxCachedCandles = 500
)

// klineEvent is the continuous kline payload. Only closed klines (x=true)
// enter the cache.
type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64   `json:"t"`
		CloseTime int64   `json:"T"`
		Interval  string  `json:"i"`
		Open      float64 `json:"o,string"`
		Close     float64 `json:"c,string"`
		High      float64 `json:"h,string"`
		Low       float64 `json:"l,string"`
		Volume    float64 `json:"v,string"`
		Closed    bool    `json:"x"`
	} `json:"k"`
}

// combinedFrame wraps messages on the multiplexed stream endpoint.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// KlineStream maintains live closed-candle buffers over one multiplexed
// websocket connection. Subscriptions are fixed at Start; the scheduler
// registers every (symbol, interval) pair its instances trade before
// starting the stream.
type KlineStream struct {
	mu sync.RWMutex

	baseURL   string
	subs      map[string]bool     // streamKey -> subscribed
	buffers   map[string][]Candle // streamKey -> closed candles, oldest first
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	logger    *slog.Logger

	reconnects int
}

// NewKlineStream creates a stream client. An empty baseURL selects the
// production endpoint.
func NewKlineStream(baseURL string, logger *slog.Logger) *KlineStream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &KlineStream{
		baseURL: baseURL,
		subs:    make(map[string]bool),
		buffers: make(map[string][]Candle),
		logger:  logger.With("component", "kline_stream"),
	}
}

func streamKey(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// Subscribe registers a symbol/interval pair. Must be called before Start.
func (ks *KlineStream) Subscribe(symbol, interval string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.subs[streamKey(symbol, interval)] = true
}

// Start connects and begins filling buffers. Returns an error when no
// subscriptions were registered.
func (ks *KlineStream) Start() error {
	ks.mu.Lock()
	if ks.isRunning {
		ks.mu.Unlock()
		return nil
	}
	if len(ks.subs) == 0 {
		ks.mu.Unlock()
		return fmt.Errorf("no kline subscriptions registered")
	}
	ks.isRunning = true
	ks.stopChan = make(chan struct{})
	ks.mu.Unlock()

	go ks.connect()
	return nil
}

// Stop closes the connection and halts reconnects.
func (ks *KlineStream) Stop() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ks.isRunning {
		return
	}
	ks.isRunning = false
	close(ks.stopChan)
	if ks.wsConn != nil {
		ks.wsConn.Close()
	}
	ks.logger.Info("kline stream stopped")
}

// IsRunning reports whether the stream is active.
func (ks *KlineStream) IsRunning() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.isRunning
}

// Buffered returns up to count most recent closed candles for the pair,
// oldest first, and true when at least count are buffered.
func (ks *KlineStream) Buffered(symbol, interval string, count int) ([]Candle, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	buf := ks.buffers[streamKey(symbol, interval)]
	if len(buf) < count {
		return nil, false
	}
	out := make([]Candle, count)
	copy(out, buf[len(buf)-count:])
	return out, true
}

func (ks *KlineStream) streamURL() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	keys := make([]string, 0, len(ks.subs))
	for k := range ks.subs {
		keys = append(keys, k)
	}
	return ks.baseURL + "/stream?streams=" + strings.Join(keys, "/")
}

func (ks *KlineStream) connect() {
	wsURL := ks.streamURL()

	for {
		ks.mu.RLock()
		running := ks.isRunning
		ks.mu.RUnlock()
		if !running {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			ks.logger.Warn("kline stream connect failed, retrying in 5s", "error", err)
			ks.mu.Lock()
			ks.reconnects++
			ks.mu.Unlock()
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ks.stopChan:
				return
			}
		}

		ks.mu.Lock()
		ks.wsConn = conn
		ks.reconnects = 0
		ks.mu.Unlock()
		ks.logger.Info("kline stream connected", "streams", len(ks.subs))

		ks.readLoop(conn)

		ks.mu.RLock()
		running = ks.isRunning
		ks.mu.RUnlock()
		if !running {
			return
		}
		ks.logger.Warn("kline stream connection lost, reconnecting in 3s")
		select {
		case <-time.After(3 * time.Second):
		case <-ks.stopChan:
			return
		}
	}
}

func (ks *KlineStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ks.logger.Warn("kline stream read error", "error", err)
			}
			return
		}
		ks.handleMessage(message)
	}
}

func (ks *KlineStream) handleMessage(message []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(message, &frame); err != nil || len(frame.Data) == 0 {
		return
	}

	var ev klineEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		ks.logger.Debug("unparseable kline event", "error", err)
		return
	}
	if ev.EventType != "kline" || !ev.Kline.Closed {
		return
	}

	candle := Candle{
		OpenTime:  ev.Kline.OpenTime,
		Open:      ev.Kline.Open,
		High:      ev.Kline.High,
		Low:       ev.Kline.Low,
		Close:     ev.Kline.Close,
		Volume:    ev.Kline.Volume,
		CloseTime: ev.Kline.CloseTime,
	}

	key := streamKey(ev.Symbol, ev.Kline.Interval)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	buf := ks.buffers[key]
	// Replace a re-delivered candle for the same open time instead of
	// appending a duplicate.
	if n := len(buf); n > 0 && buf[n-1].OpenTime == candle.OpenTime {
		buf[n-1] = candle
	} else {
		buf = append(buf, candle)
	}
	if len(buf) > maxCachedCandles {
		buf = buf[len(buf)-maxCachedCandles:]
	}
	ks.buffers[key] = buf
}

// CachedSource serves candle reads from a live stream buffer and falls back
// to a REST source while the buffer is still warming up.
type CachedSource struct {
	stream   *KlineStream
	fallback Source
}

var _ Source = (*CachedSource)(nil)

// NewCachedSource wraps a stream with a REST fallback.
func NewCachedSource(stream *KlineStream, fallback Source) *CachedSource {
	return &CachedSource{stream: stream, fallback: fallback}
}

// ClosedCandles prefers the stream buffer when it holds enough history.
func (cs *CachedSource) ClosedCandles(ctx context.Context, symbol, interval string, count int) ([]Candle, error) {
	if cs.stream != nil && cs.stream.IsRunning() {
		if candles, ok := cs.stream.Buffered(symbol, interval, count); ok {
			return candles, nil
		}
	}
	return cs.fallback.ClosedCandles(ctx, symbol, interval, count)
}
