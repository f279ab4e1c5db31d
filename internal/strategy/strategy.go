// Package strategy holds the signal generation rules and the engine that
// applies them to a tenant's configuration.
package strategy

import (
	"errors"
	"time"

	"signalcore/internal/models"
	"signalcore/pkg/pricefeed"
)

// ErrConfig marks a tenant configuration problem; the affected task is skipped.
var ErrConfig = errors.New("strategy configuration error")

// MarketData is the snapshot a strategy evaluates.
type MarketData struct {
	Instrument string
	Timeframe  string
	Candles    []pricefeed.Candle // oldest first
	Price      float64            // live price, 0 when unknown
	Time       time.Time
}

// LastClose returns the close of the newest bar.
func (md MarketData) LastClose() float64 {
	if len(md.Candles) == 0 {
		return 0
	}
	return md.Candles[len(md.Candles)-1].Close
}

// Closes returns the close series.
func (md MarketData) Closes() []float64 {
	out := make([]float64, len(md.Candles))
	for i, c := range md.Candles {
		out[i] = c.Close
	}
	return out
}

// Strategy decides whether to open a position and computes its levels.
type Strategy interface {
	Name() string
	ShouldGenerate(md MarketData) (models.Direction, bool)
	ComputeEntry(md MarketData) float64
	ComputeTakeProfits(entry float64, dir models.Direction) (tp1, tp2, tp3 float64)
	ComputeStopLoss(entry float64, dir models.Direction) float64
}

// fixedLevels places targets and stop at fixed price distances from entry.
type fixedLevels struct {
	tpPoints [3]float64
	slPoints float64
}

func newFixedLevels(params map[string]float64) fixedLevels {
	return fixedLevels{
		tpPoints: [3]float64{
			param(params, "tp1_points", 10),
			param(params, "tp2_points", 20),
			param(params, "tp3_points", 30),
		},
		slPoints: param(params, "sl_points", 10),
	}
}

func (l fixedLevels) ComputeEntry(md MarketData) float64 {
	if md.Price > 0 {
		return md.Price
	}
	return md.LastClose()
}

func (l fixedLevels) ComputeTakeProfits(entry float64, dir models.Direction) (float64, float64, float64) {
	var tps [3]float64
	for i, pts := range l.tpPoints {
		if pts > 0 {
			tps[i] = entry + dir.Sign()*pts
		}
	}
	return tps[0], tps[1], tps[2]
}

func (l fixedLevels) ComputeStopLoss(entry float64, dir models.Direction) float64 {
	return entry - dir.Sign()*l.slPoints
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
