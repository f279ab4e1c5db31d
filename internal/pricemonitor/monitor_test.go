package pricemonitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/internal/models"
	"signalcore/pkg/pricefeed"
)

type fakeFeed struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int32
	delay time.Duration
}

func (f *fakeFeed) CurrentPrice(context.Context, string) (float64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
}

func (f *fakeFeed) TimeSeries(context.Context, string, string, int) ([]pricefeed.Candle, error) {
	return nil, nil
}

func (f *fakeFeed) set(price float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price, f.err = price, err
}

func TestMonitorCaching(t *testing.T) {
	feed := &fakeFeed{price: 2000}
	m := New(feed, 20*time.Second, 2*time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("Fetches once within the TTL", func(t *testing.T) {
		q, err := m.CurrentPrice(ctx, "XAU/USD")
		require.NoError(t, err)
		assert.Equal(t, 2000.0, q.Price)
		assert.Equal(t, now, q.FetchedAt)

		feed.set(2001, nil)
		now = now.Add(10 * time.Second)
		q, err = m.CurrentPrice(ctx, "XAU/USD")
		require.NoError(t, err)
		assert.Equal(t, 2000.0, q.Price)
		assert.EqualValues(t, 1, atomic.LoadInt32(&feed.calls))
	})

	t.Run("Refetches after the TTL", func(t *testing.T) {
		now = now.Add(15 * time.Second)
		q, err := m.CurrentPrice(ctx, "XAU/USD")
		require.NoError(t, err)
		assert.Equal(t, 2001.0, q.Price)
	})

	t.Run("Serves stale value within tolerance", func(t *testing.T) {
		fetchedAt := now
		feed.set(0, errors.New("timeout"))
		now = now.Add(90 * time.Second)
		q, err := m.CurrentPrice(ctx, "XAU/USD")
		require.NoError(t, err)
		assert.Equal(t, 2001.0, q.Price)
		assert.Equal(t, fetchedAt, q.FetchedAt)
	})

	t.Run("Reports unavailable past tolerance", func(t *testing.T) {
		now = now.Add(time.Minute)
		_, err := m.CurrentPrice(ctx, "XAU/USD")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPriceUnavailable))
	})

	t.Run("Unknown instrument with failing feed", func(t *testing.T) {
		_, err := m.CurrentPrice(ctx, "EUR/USD")
		assert.True(t, errors.Is(err, ErrPriceUnavailable))
	})
}

func TestMonitorCollapsesConcurrentFetches(t *testing.T) {
	feed := &fakeFeed{price: 2000, delay: 50 * time.Millisecond}
	m := New(feed, time.Second, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := m.CurrentPrice(context.Background(), "XAU/USD")
			assert.NoError(t, err)
			assert.Equal(t, 2000.0, q.Price)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&feed.calls))
}

func TestProgressAndPnL(t *testing.T) {
	long := &models.Signal{Direction: models.DirectionLong, EntryPrice: 2000, TP1: 2010, StopLoss: 1990}
	short := &models.Signal{Direction: models.DirectionShort, EntryPrice: 2000, TP1: 1990, StopLoss: 2010}

	tests := []struct {
		name     string
		sig      *models.Signal
		price    float64
		progress float64
		pnl      float64
	}{
		{"long 70%", long, 2007, 70, 7},
		{"long against", long, 1995, -50, -5},
		{"short 40%", short, 1996, 40, 4},
		{"short against", short, 2005, -50, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.progress, Progress(tt.sig, tt.price), 1e-9)
			assert.InDelta(t, tt.pnl, UnrealizedPnL(tt.sig, tt.price), 1e-9)
		})
	}

	assert.Equal(t, 0.0, Progress(&models.Signal{EntryPrice: 5, TP1: 5}, 6))
}
