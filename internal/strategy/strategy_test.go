package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/internal/models"
	"signalcore/internal/pricemonitor"
	"signalcore/internal/store"
	"signalcore/pkg/pricefeed"
)

type fakeMarket struct {
	price   float64
	candles []pricefeed.Candle
	err     error
}

func (f *fakeMarket) CurrentPrice(context.Context, string) (pricemonitor.Quote, error) {
	if f.err != nil {
		return pricemonitor.Quote{}, f.err
	}
	return pricemonitor.Quote{Price: f.price, FetchedAt: time.Now()}, nil
}

func (f *fakeMarket) TimeSeries(context.Context, string, string, int) ([]pricefeed.Candle, error) {
	return f.candles, f.err
}

type stubStrategy struct {
	fixedLevels
	name string
	dir  models.Direction
	fire bool
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) ShouldGenerate(MarketData) (models.Direction, bool) { return s.dir, s.fire }

func stubFactory(name string, fire bool) Factory {
	return func(params map[string]float64) Strategy {
		return &stubStrategy{fixedLevels: newFixedLevels(params), name: name, dir: models.DirectionLong, fire: fire}
	}
}

func tenantWith(t *testing.T, settings ...models.StrategySetting) *models.TenantConfig {
	raw, err := json.Marshal(settings)
	require.NoError(t, err)
	return &models.TenantConfig{
		TenantID:         "t1",
		Instrument:       "XAU/USD",
		Strategies:       raw,
		MaxSignalsPerDay: 3,
		SessionStartHour: 0,
		SessionEndHour:   24,
		TradingTimezone:  "UTC",
	}
}

func flatCandles(n int, price float64) []pricefeed.Candle {
	out := make([]pricefeed.Candle, n)
	for i := range out {
		out[i] = pricefeed.Candle{Open: price, High: price + 1, Low: price - 1, Close: price}
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"ema_cross", "breakout", "rsi_reversal"}, r.Names())

	s, err := r.Build(models.StrategySetting{Name: "breakout"})
	require.NoError(t, err)
	assert.Equal(t, "breakout", s.Name())

	_, err = r.Build(models.StrategySetting{Name: "martingale"})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestFixedLevels(t *testing.T) {
	s := NewBreakout(nil)

	tp1, tp2, tp3 := s.ComputeTakeProfits(2000, models.DirectionLong)
	assert.Equal(t, []float64{2010, 2020, 2030}, []float64{tp1, tp2, tp3})
	assert.Equal(t, 1990.0, s.ComputeStopLoss(2000, models.DirectionLong))

	tp1, _, _ = s.ComputeTakeProfits(2000, models.DirectionShort)
	assert.Equal(t, 1990.0, tp1)
	assert.Equal(t, 2010.0, s.ComputeStopLoss(2000, models.DirectionShort))

	custom := NewBreakout(map[string]float64{"tp3_points": 0, "sl_points": 5})
	_, _, tp3 = custom.ComputeTakeProfits(100, models.DirectionLong)
	assert.Zero(t, tp3)
	assert.Equal(t, 95.0, custom.ComputeStopLoss(100, models.DirectionLong))
}

func TestIndicators(t *testing.T) {
	ema := EMA([]float64{5, 5, 5, 5, 5}, 3)
	assert.Equal(t, 5.0, ema[4])
	assert.Zero(t, ema[1])

	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	assert.Equal(t, 100.0, RSI(rising, 14))
	assert.Equal(t, -1.0, RSI(rising[:10], 14))
	assert.InDelta(t, 50.0, RSI(make([]float64, 20), 14), 0.001)
}

func TestBuiltinStrategies(t *testing.T) {
	t.Run("breakout long", func(t *testing.T) {
		candles := append(flatCandles(20, 100), pricefeed.Candle{Open: 100, High: 106, Low: 100, Close: 105})
		dir, ok := NewBreakout(nil).ShouldGenerate(MarketData{Candles: candles})
		assert.True(t, ok)
		assert.Equal(t, models.DirectionLong, dir)
	})

	t.Run("breakout inside range", func(t *testing.T) {
		_, ok := NewBreakout(nil).ShouldGenerate(MarketData{Candles: flatCandles(21, 100)})
		assert.False(t, ok)
	})

	t.Run("ema cross up", func(t *testing.T) {
		candles := flatCandles(30, 100)
		candles = append(candles, pricefeed.Candle{Close: 110, High: 110, Low: 100})
		dir, ok := NewEMACross(nil).ShouldGenerate(MarketData{Candles: candles})
		assert.True(t, ok)
		assert.Equal(t, models.DirectionLong, dir)
	})

	t.Run("rsi oversold", func(t *testing.T) {
		var candles []pricefeed.Candle
		for i := 0; i < 20; i++ {
			p := 200 - float64(i)
			candles = append(candles, pricefeed.Candle{Close: p, High: p, Low: p})
		}
		dir, ok := NewRSIReversal(nil).ShouldGenerate(MarketData{Candles: candles})
		assert.True(t, ok)
		assert.Equal(t, models.DirectionLong, dir)
	})
}

func TestInSession(t *testing.T) {
	tests := []struct {
		name             string
		hour, start, end int
		want             bool
	}{
		{"full day", 3, 0, 24, true},
		{"inside", 10, 8, 17, true},
		{"end exclusive", 17, 8, 17, false},
		{"before", 7, 8, 17, false},
		{"wrap late", 23, 22, 6, true},
		{"wrap early", 2, 22, 6, true},
		{"wrap outside", 12, 22, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InSession(tt.hour, tt.start, tt.end))
		})
	}
}

func TestTradingDayStart(t *testing.T) {
	et := time.FixedZone("ET", -5*3600)
	now := time.Date(2024, 3, 5, 3, 0, 0, 0, time.UTC) // 22:00 on Mar 4 in ET
	start := TradingDayStart(now, et)
	assert.True(t, start.Equal(time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC)))
}

func TestEngineEvaluate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

	newEngine := func(signals store.SignalStore) *Engine {
		r := NewRegistry()
		r.Register("quiet", 1, stubFactory("quiet", false))
		r.Register("alpha", 10, stubFactory("alpha", true))
		r.Register("beta", 20, stubFactory("beta", true))
		e := NewEngine(r, &fakeMarket{price: 2000, candles: flatCandles(30, 2000)}, signals)
		e.now = func() time.Time { return now }
		return e
	}

	t.Run("registry priority breaks ties", func(t *testing.T) {
		e := newEngine(store.NewMemorySignals())
		cfg := tenantWith(t,
			models.StrategySetting{Name: "beta", Timeframe: models.TimeframeFast},
			models.StrategySetting{Name: "alpha", Timeframe: models.TimeframeFast},
		)
		sig, err := e.Evaluate(ctx, cfg, models.TimeframeFast)
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.Equal(t, "alpha", sig.Strategy)
		assert.Equal(t, models.StatusPending, sig.Status)
		assert.Equal(t, 2000.0, sig.EntryPrice)
		assert.Equal(t, 2010.0, sig.TP1)
		assert.Equal(t, 1990.0, sig.EffectiveStopLoss)
	})

	t.Run("setting priority first", func(t *testing.T) {
		e := newEngine(store.NewMemorySignals())
		cfg := tenantWith(t,
			models.StrategySetting{Name: "alpha", Timeframe: models.TimeframeFast, Priority: 2},
			models.StrategySetting{Name: "quiet", Timeframe: models.TimeframeFast, Priority: 0},
			models.StrategySetting{Name: "beta", Timeframe: models.TimeframeFast, Priority: 1},
		)
		sig, err := e.Evaluate(ctx, cfg, models.TimeframeFast)
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.Equal(t, "beta", sig.Strategy)
	})

	t.Run("timeframe filter", func(t *testing.T) {
		e := newEngine(store.NewMemorySignals())
		cfg := tenantWith(t, models.StrategySetting{Name: "alpha", Timeframe: models.TimeframeSlow})
		sig, err := e.Evaluate(ctx, cfg, models.TimeframeFast)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("daily cap skips to next strategy", func(t *testing.T) {
		signals := store.NewMemorySignals()
		for i := 0; i < 3; i++ {
			require.NoError(t, signals.Create(ctx, &models.Signal{
				TenantID:  "t1",
				Strategy:  "alpha",
				Status:    models.StatusClosedTP,
				CreatedAt: now.Add(-time.Duration(i+1) * time.Hour),
			}))
		}
		require.NoError(t, signals.Create(ctx, &models.Signal{
			TenantID:  "t1",
			Strategy:  "beta",
			Status:    models.StatusClosedSL,
			CreatedAt: now.Add(-20 * time.Hour),
		}))

		e := newEngine(signals)
		cfg := tenantWith(t,
			models.StrategySetting{Name: "alpha", Timeframe: models.TimeframeFast},
			models.StrategySetting{Name: "beta", Timeframe: models.TimeframeFast},
		)
		sig, err := e.Evaluate(ctx, cfg, models.TimeframeFast)
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.Equal(t, "beta", sig.Strategy)
	})

	t.Run("outside session", func(t *testing.T) {
		e := newEngine(store.NewMemorySignals())
		cfg := tenantWith(t, models.StrategySetting{Name: "alpha", Timeframe: models.TimeframeFast})
		cfg.SessionStartHour, cfg.SessionEndHour = 22, 6
		sig, err := e.Evaluate(ctx, cfg, models.TimeframeFast)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("unknown strategy is a config error", func(t *testing.T) {
		e := newEngine(store.NewMemorySignals())
		cfg := tenantWith(t, models.StrategySetting{Name: "nope", Timeframe: models.TimeframeFast})
		_, err := e.Evaluate(ctx, cfg, models.TimeframeFast)
		assert.True(t, errors.Is(err, ErrConfig))
	})

	t.Run("no strategies is a config error", func(t *testing.T) {
		e := newEngine(store.NewMemorySignals())
		_, err := e.Evaluate(ctx, tenantWith(t), models.TimeframeFast)
		assert.True(t, errors.Is(err, ErrConfig))
	})
}

func TestEngineStillValid(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register("alpha", 1, stubFactory("alpha", true))
	r.Register("quiet", 2, stubFactory("quiet", false))
	e := NewEngine(r, &fakeMarket{price: 2000, candles: flatCandles(30, 2000)}, store.NewMemorySignals())
	cfg := tenantWith(t, models.StrategySetting{Name: "alpha", Timeframe: models.TimeframeFast})

	ok, err := e.StillValid(ctx, cfg, &models.Signal{Strategy: "alpha", Timeframe: models.TimeframeFast, Direction: models.DirectionLong})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.StillValid(ctx, cfg, &models.Signal{Strategy: "alpha", Timeframe: models.TimeframeFast, Direction: models.DirectionShort})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.StillValid(ctx, cfg, &models.Signal{Strategy: "quiet", Timeframe: models.TimeframeFast, Direction: models.DirectionLong})
	require.NoError(t, err)
	assert.False(t, ok)
}
