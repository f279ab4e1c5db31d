package strategy

import "signalcore/internal/models"

// RSIReversal fades an overextended move: long when oversold, short when overbought.
type RSIReversal struct {
	fixedLevels
	period     int
	oversold   float64
	overbought float64
}

func NewRSIReversal(params map[string]float64) Strategy {
	period := int(param(params, "rsi_period", 14))
	if period <= 1 {
		period = 14
	}
	return &RSIReversal{
		fixedLevels: newFixedLevels(params),
		period:      period,
		oversold:    param(params, "oversold", 30),
		overbought:  param(params, "overbought", 70),
	}
}

func (s *RSIReversal) Name() string { return "rsi_reversal" }

func (s *RSIReversal) ShouldGenerate(md MarketData) (models.Direction, bool) {
	rsi := RSI(md.Closes(), s.period)
	switch {
	case rsi < 0:
		return "", false
	case rsi <= s.oversold:
		return models.DirectionLong, true
	case rsi >= s.overbought:
		return models.DirectionShort, true
	}
	return "", false
}
