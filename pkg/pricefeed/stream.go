package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"

	reconnectDelay  = 5 * time.Second
	heartbeatPeriod = 10 * time.Second
)

type streamEvent struct {
	Event     string  `json:"event"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

type streamedPrice struct {
	price      float64
	receivedAt time.Time
}

// StreamFeed keeps the latest streamed price per symbol and serves it while fresh.
// Anything it cannot answer from the stream goes to the REST fallback.
type StreamFeed struct {
	wsURL    string
	symbols  []string
	fallback Feed
	maxAge   time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	prices map[string]streamedPrice
	status string
}

// NewStreamFeed creates a websocket price stream for symbols backed by fallback.
func NewStreamFeed(wsURL string, symbols []string, fallback Feed, maxAge time.Duration) *StreamFeed {
	return &StreamFeed{
		wsURL:    wsURL,
		symbols:  symbols,
		fallback: fallback,
		maxAge:   maxAge,
		now:      time.Now,
		prices:   make(map[string]streamedPrice),
		status:   StateDisconnected,
	}
}

// Status returns the connection state.
func (f *StreamFeed) Status() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *StreamFeed) setStatus(s string) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

// CurrentPrice serves the streamed price when it is younger than maxAge.
func (f *StreamFeed) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	f.mu.RLock()
	p, ok := f.prices[instrument]
	f.mu.RUnlock()
	if ok && f.now().Sub(p.receivedAt) <= f.maxAge {
		return p.price, nil
	}
	return f.fallback.CurrentPrice(ctx, instrument)
}

func (f *StreamFeed) TimeSeries(ctx context.Context, instrument, interval string, count int) ([]Candle, error) {
	return f.fallback.TimeSeries(ctx, instrument, interval, count)
}

// Run connects, subscribes and reads until ctx is cancelled, reconnecting on failure.
func (f *StreamFeed) Run(ctx context.Context) {
	logger := log.WithField("component", "price_stream")
	for {
		if ctx.Err() != nil {
			f.setStatus(StateDisconnected)
			return
		}

		f.setStatus(StateConnecting)
		if err := f.session(ctx); err != nil {
			logger.WithError(err).Warn("Price stream disconnected")
		}
		f.setStatus(StateDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *StreamFeed) session(ctx context.Context) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer c.Close()

	subscribe := map[string]interface{}{
		"action": "subscribe",
		"params": map[string]string{"symbols": strings.Join(f.symbols, ",")},
	}
	if err := c.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}
	f.setStatus(StateConnected)
	log.WithField("symbols", f.symbols).Info("Price stream connected")

	done := make(chan struct{})
	defer close(done)
	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				if err != nil {
					log.WithError(err).Debug("Price stream close handshake failed")
				}
				c.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := c.WriteJSON(map[string]string{"action": "heartbeat"})
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read price stream: %w", err)
		}
		f.handleMessage(data)
	}
}

func (f *StreamFeed) handleMessage(data []byte) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.WithError(err).Debug("Ignoring malformed price stream message")
		return
	}
	if ev.Event != "price" || ev.Symbol == "" || ev.Price <= 0 {
		return
	}

	f.mu.Lock()
	f.prices[ev.Symbol] = streamedPrice{price: ev.Price, receivedAt: f.now()}
	f.mu.Unlock()
}
