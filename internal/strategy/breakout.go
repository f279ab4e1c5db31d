package strategy

import "signalcore/internal/models"

// Breakout trades a close beyond the range of the previous lookback bars.
type Breakout struct {
	fixedLevels
	lookback int
}

func NewBreakout(params map[string]float64) Strategy {
	lookback := int(param(params, "lookback", 20))
	if lookback < 2 {
		lookback = 20
	}
	return &Breakout{fixedLevels: newFixedLevels(params), lookback: lookback}
}

func (s *Breakout) Name() string { return "breakout" }

func (s *Breakout) ShouldGenerate(md MarketData) (models.Direction, bool) {
	n := len(md.Candles)
	if n < s.lookback+1 {
		return "", false
	}

	window := md.Candles[n-1-s.lookback : n-1]
	high, low := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}

	last := md.Candles[n-1].Close
	switch {
	case last > high:
		return models.DirectionLong, true
	case last < low:
		return models.DirectionShort, true
	}
	return "", false
}
