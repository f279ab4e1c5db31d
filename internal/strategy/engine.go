package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/models"
	"signalcore/internal/pricemonitor"
	"signalcore/internal/store"
	"signalcore/pkg/pricefeed"
)

// CandleCount is the number of bars requested per evaluation.
const CandleCount = 100

// Intervals maps tenant timeframes to price feed bar sizes.
var Intervals = map[string]string{
	models.TimeframeFast: "15min",
	models.TimeframeSlow: "1h",
}

// MarketSource supplies live prices and bars.
type MarketSource interface {
	CurrentPrice(ctx context.Context, instrument string) (pricemonitor.Quote, error)
	TimeSeries(ctx context.Context, instrument, interval string, count int) ([]pricefeed.Candle, error)
}

// Engine turns a tenant's strategy settings into at most one signal proposal per evaluation.
type Engine struct {
	registry *Registry
	market   MarketSource
	signals  store.SignalStore
	now      func() time.Time
}

func NewEngine(registry *Registry, market MarketSource, signals store.SignalStore) *Engine {
	return &Engine{registry: registry, market: market, signals: signals, now: time.Now}
}

type candidate struct {
	setting  models.StrategySetting
	strategy Strategy
}

// Evaluate returns the first eligible proposal for the timeframe, or nil when none applies.
// The returned signal is PENDING and not yet persisted.
func (e *Engine) Evaluate(ctx context.Context, cfg *models.TenantConfig, timeframe string) (*models.Signal, error) {
	logger := log.WithFields(log.Fields{"tenant_id": cfg.TenantID, "timeframe": timeframe})

	candidates, err := e.candidates(cfg, timeframe)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	now := e.now()
	loc := cfg.Location()
	if !InSession(now.In(loc).Hour(), cfg.SessionStartHour, cfg.SessionEndHour) {
		logger.Debug("Outside session window")
		return nil, nil
	}

	md, err := e.marketData(ctx, cfg.Instrument, timeframe)
	if err != nil {
		return nil, err
	}

	dayStart := TradingDayStart(now, loc)
	for _, c := range candidates {
		if cfg.MaxSignalsPerDay > 0 {
			n, err := e.signals.CountCreatedSince(ctx, cfg.TenantID, c.setting.Name, dayStart)
			if err != nil {
				return nil, fmt.Errorf("count signals for %s: %w", c.setting.Name, err)
			}
			if n >= int64(cfg.MaxSignalsPerDay) {
				logger.WithField("strategy", c.setting.Name).Debug("Daily signal cap reached")
				continue
			}
		}

		dir, ok := c.strategy.ShouldGenerate(md)
		if !ok {
			continue
		}
		return e.propose(cfg, timeframe, c.strategy, md, dir), nil
	}
	return nil, nil
}

// StillValid re-runs the signal's strategy and reports whether its direction still holds.
func (e *Engine) StillValid(ctx context.Context, cfg *models.TenantConfig, sig *models.Signal) (bool, error) {
	setting := models.StrategySetting{Name: sig.Strategy, Timeframe: sig.Timeframe}
	settings, err := cfg.StrategySettings()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	for _, s := range settings {
		if s.Name == sig.Strategy && s.Timeframe == sig.Timeframe {
			setting = s
			break
		}
	}

	strat, err := e.registry.Build(setting)
	if err != nil {
		return false, err
	}
	md, err := e.marketData(ctx, sig.Instrument, sig.Timeframe)
	if err != nil {
		return false, err
	}
	dir, ok := strat.ShouldGenerate(md)
	return ok && dir == sig.Direction, nil
}

func (e *Engine) candidates(cfg *models.TenantConfig, timeframe string) ([]candidate, error) {
	settings, err := cfg.StrategySettings()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if len(settings) == 0 {
		return nil, fmt.Errorf("%w: tenant %s has no active strategy", ErrConfig, cfg.TenantID)
	}

	var out []candidate
	for _, s := range settings {
		if s.Timeframe != timeframe {
			continue
		}
		strat, err := e.registry.Build(s)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{setting: s, strategy: strat})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].setting.Priority != out[j].setting.Priority {
			return out[i].setting.Priority < out[j].setting.Priority
		}
		return e.registry.priority(out[i].setting.Name) < e.registry.priority(out[j].setting.Name)
	})
	return out, nil
}

func (e *Engine) marketData(ctx context.Context, instrument, timeframe string) (MarketData, error) {
	interval, ok := Intervals[timeframe]
	if !ok {
		return MarketData{}, fmt.Errorf("%w: unknown timeframe %q", ErrConfig, timeframe)
	}
	candles, err := e.market.TimeSeries(ctx, instrument, interval, CandleCount)
	if err != nil {
		return MarketData{}, fmt.Errorf("fetch %s bars for %s: %w", interval, instrument, err)
	}
	quote, err := e.market.CurrentPrice(ctx, instrument)
	if err != nil {
		return MarketData{}, err
	}
	return MarketData{
		Instrument: instrument,
		Timeframe:  timeframe,
		Candles:    candles,
		Price:      quote.Price,
		Time:       e.now(),
	}, nil
}

func (e *Engine) propose(cfg *models.TenantConfig, timeframe string, strat Strategy, md MarketData, dir models.Direction) *models.Signal {
	entry := strat.ComputeEntry(md)
	tp1, tp2, tp3 := strat.ComputeTakeProfits(entry, dir)
	sl := strat.ComputeStopLoss(entry, dir)
	return &models.Signal{
		TenantID:          cfg.TenantID,
		Strategy:          strat.Name(),
		Timeframe:         timeframe,
		Instrument:        cfg.Instrument,
		Direction:         dir,
		EntryPrice:        entry,
		StopLoss:          sl,
		EffectiveStopLoss: sl,
		TP1:               tp1,
		TP2:               tp2,
		TP3:               tp3,
		Status:            models.StatusPending,
		MilestonesSent:    models.JSONMap{},
		CreatedAt:         e.now(),
	}
}

// InSession reports whether hour falls inside [start, end). A window with start > end wraps midnight.
func InSession(hour, start, end int) bool {
	if start == end || (start <= 0 && end >= 24) {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// TradingDayStart is local midnight of now's trading day in loc.
func TradingDayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
