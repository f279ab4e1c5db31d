// Package pricemonitor caches instrument prices for the tenant schedulers and
// derives live progress and P&L of a signal from them.
package pricemonitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"signalcore/internal/metrics"
	"signalcore/internal/models"
	"signalcore/pkg/pricefeed"
)

const (
	DefaultTTL       = 20 * time.Second
	DefaultTolerance = 2 * time.Minute
)

// ErrPriceUnavailable means neither a fresh fetch nor a tolerable cached value exists.
var ErrPriceUnavailable = errors.New("price unavailable")

// Quote is a price and the time it was fetched upstream.
type Quote struct {
	Price     float64
	FetchedAt time.Time
}

// Monitor is shared by every tenant scheduler of the process.
type Monitor struct {
	feed      pricefeed.Feed
	ttl       time.Duration
	tolerance time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]Quote
	group singleflight.Group
}

// New creates a monitor. ttl must be shorter than the fastest consuming interval.
func New(feed pricefeed.Feed, ttl, tolerance time.Duration) *Monitor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if tolerance < ttl {
		tolerance = DefaultTolerance
	}
	return &Monitor{
		feed:      feed,
		ttl:       ttl,
		tolerance: tolerance,
		now:       time.Now,
		cache:     make(map[string]Quote),
	}
}

func (m *Monitor) cached(instrument string) (Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.cache[instrument]
	return q, ok
}

// CurrentPrice returns the latest price of instrument, fetching upstream when the cache is older than the TTL.
func (m *Monitor) CurrentPrice(ctx context.Context, instrument string) (Quote, error) {
	if q, ok := m.cached(instrument); ok && m.now().Sub(q.FetchedAt) < m.ttl {
		return q, nil
	}

	v, err, _ := m.group.Do(instrument, func() (interface{}, error) {
		price, err := m.feed.CurrentPrice(ctx, instrument)
		if err != nil {
			return nil, err
		}
		q := Quote{Price: price, FetchedAt: m.now()}
		m.mu.Lock()
		m.cache[instrument] = q
		m.mu.Unlock()
		return q, nil
	})
	if err == nil {
		return v.(Quote), nil
	}

	if q, ok := m.cached(instrument); ok && m.now().Sub(q.FetchedAt) <= m.tolerance {
		metrics.PriceFetchErrorsTotal.WithLabelValues(instrument, "true").Inc()
		log.WithFields(log.Fields{
			"instrument": instrument,
			"age":        m.now().Sub(q.FetchedAt).String(),
			"error":      err.Error(),
		}).Warn("Price fetch failed, serving cached price")
		return q, nil
	}

	metrics.PriceFetchErrorsTotal.WithLabelValues(instrument, "false").Inc()
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, instrument, err)
}

// TimeSeries passes through to the feed; bars are not cached.
func (m *Monitor) TimeSeries(ctx context.Context, instrument, interval string, count int) ([]pricefeed.Candle, error) {
	return m.feed.TimeSeries(ctx, instrument, interval, count)
}

// Progress is the linear percentage travelled from entry toward TP1 in the signal's direction.
// It is negative when price moved against the signal.
func Progress(sig *models.Signal, price float64) float64 {
	span := sig.TP1 - sig.EntryPrice
	if span == 0 {
		return 0
	}
	return (price - sig.EntryPrice) / span * 100
}

// UnrealizedPnL is the per-unit profit or loss of the full position at price.
func UnrealizedPnL(sig *models.Signal, price float64) float64 {
	return (price - sig.EntryPrice) * sig.Direction.Sign()
}
