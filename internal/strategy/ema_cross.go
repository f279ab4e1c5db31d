package strategy

import "signalcore/internal/models"

// EMACross goes with the direction of a fast/slow EMA crossover on the last closed bar.
type EMACross struct {
	fixedLevels
	fast int
	slow int
}

func NewEMACross(params map[string]float64) Strategy {
	fast := int(param(params, "fast_period", 9))
	slow := int(param(params, "slow_period", 21))
	if fast <= 0 || slow <= fast {
		fast, slow = 9, 21
	}
	return &EMACross{fixedLevels: newFixedLevels(params), fast: fast, slow: slow}
}

func (s *EMACross) Name() string { return "ema_cross" }

func (s *EMACross) ShouldGenerate(md MarketData) (models.Direction, bool) {
	closes := md.Closes()
	if len(closes) < s.slow+2 {
		return "", false
	}
	fast := EMA(closes, s.fast)
	slow := EMA(closes, s.slow)
	last, prev := len(closes)-1, len(closes)-2

	switch {
	case fast[prev] <= slow[prev] && fast[last] > slow[last]:
		return models.DirectionLong, true
	case fast[prev] >= slow[prev] && fast[last] < slow[last]:
		return models.DirectionShort, true
	}
	return "", false
}
