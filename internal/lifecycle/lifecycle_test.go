package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/internal/models"
)

var t0 = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

func longSignal() *models.Signal {
	return &models.Signal{
		ID:                1,
		TenantID:          "t1",
		Direction:         models.DirectionLong,
		EntryPrice:        2000,
		StopLoss:          1990,
		EffectiveStopLoss: 1990,
		TP1:               2010,
		TP2:               2020,
		TP3:               2030,
		Status:            models.StatusActive,
		CreatedAt:         t0,
	}
}

func shortSignal() *models.Signal {
	sig := longSignal()
	sig.Direction = models.DirectionShort
	sig.StopLoss, sig.EffectiveStopLoss = 2010, 2010
	sig.TP1, sig.TP2, sig.TP3 = 1990, 1980, 1970
	return sig
}

func TestActivate(t *testing.T) {
	m := New()
	sig := longSignal()
	sig.Status = models.StatusPending

	require.NoError(t, m.Activate(sig, t0))
	assert.Equal(t, models.StatusActive, sig.Status)
	require.NotNil(t, sig.ActivatedAt)

	err := m.Activate(sig, t0)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestBreakevenThenStopAtEntry(t *testing.T) {
	m := New()
	sig := longSignal()

	res := m.Tick(sig, 2007, t0.Add(10*time.Minute))
	assert.True(t, res.Changed)
	assert.Equal(t, models.StatusBreakevenSet, sig.Status)
	assert.True(t, sig.BreakevenSet)
	assert.Equal(t, 2000.0, sig.EffectiveStopLoss)

	res = m.Tick(sig, 2000, t0.Add(20*time.Minute))
	assert.Equal(t, models.StatusBreakevenSet, res.From)
	assert.Equal(t, models.StatusClosedSL, sig.Status)
	assert.Equal(t, 2000.0, sig.ClosePrice)
	assert.Equal(t, ReasonStopLoss, sig.CloseReason)
	assert.Zero(t, sig.RealizedPnL)
	require.NotNil(t, sig.ClosedAt)
}

func TestBreakevenNeverLoosens(t *testing.T) {
	m := New()
	sig := longSignal()
	sig.EffectiveStopLoss = 2003

	m.Tick(sig, 2008, t0.Add(time.Minute))
	assert.True(t, sig.BreakevenSet)
	assert.Equal(t, 2003.0, sig.EffectiveStopLoss)

	m.Tick(sig, 2005, t0.Add(2*time.Minute))
	assert.Equal(t, 2003.0, sig.EffectiveStopLoss)
}

func TestTakeProfitProgression(t *testing.T) {
	m := New()
	sig := longSignal()

	m.Tick(sig, 2011, t0.Add(time.Minute))
	assert.Equal(t, models.StatusTP1Hit, sig.Status)
	assert.True(t, sig.TP1Hit)
	assert.True(t, sig.BreakevenSet)

	m.Tick(sig, 2021, t0.Add(2*time.Minute))
	assert.Equal(t, models.StatusTP2Hit, sig.Status)

	res := m.Tick(sig, 2031, t0.Add(3*time.Minute))
	assert.Equal(t, models.StatusClosedTP, res.To)
	assert.Equal(t, 2030.0, sig.ClosePrice)
	assert.True(t, sig.TP3Hit)
	// 0.5*10 + 0.3*20 + 0.2*30
	assert.InDelta(t, 17.0, sig.RealizedPnL, 1e-9)
}

func TestGapThroughSeveralTargets(t *testing.T) {
	m := New()
	sig := longSignal()

	m.Tick(sig, 2025, t0.Add(time.Minute))
	assert.Equal(t, models.StatusTP2Hit, sig.Status)
	assert.True(t, sig.TP1Hit)
	assert.True(t, sig.TP2Hit)
	assert.False(t, sig.TP3Hit)
}

func TestLastConfiguredTargetCloses(t *testing.T) {
	m := New()
	sig := longSignal()
	sig.TP3 = 0

	m.Tick(sig, 2020, t0.Add(time.Minute))
	assert.Equal(t, models.StatusClosedTP, sig.Status)
	// 0.5*10 + 0.5*20
	assert.InDelta(t, 15.0, sig.RealizedPnL, 1e-9)
}

func TestStopAfterPartialTakeProfit(t *testing.T) {
	m := New()
	sig := longSignal()

	m.Tick(sig, 2010, t0.Add(time.Minute))
	require.Equal(t, models.StatusTP1Hit, sig.Status)

	m.Tick(sig, 1999, t0.Add(2*time.Minute))
	assert.Equal(t, models.StatusClosedSL, sig.Status)
	assert.Equal(t, 2000.0, sig.ClosePrice)
	assert.InDelta(t, 5.0, sig.RealizedPnL, 1e-9)
}

func TestShortSignal(t *testing.T) {
	m := New()

	sig := shortSignal()
	m.Tick(sig, 1993, t0.Add(time.Minute))
	assert.Equal(t, models.StatusBreakevenSet, sig.Status)
	assert.Equal(t, 2000.0, sig.EffectiveStopLoss)
	m.Tick(sig, 1989, t0.Add(2*time.Minute))
	assert.Equal(t, models.StatusTP1Hit, sig.Status)

	stopped := shortSignal()
	m.Tick(stopped, 2012, t0.Add(time.Minute))
	assert.Equal(t, models.StatusClosedSL, stopped.Status)
	assert.Equal(t, 2010.0, stopped.ClosePrice)
	assert.InDelta(t, -10.0, stopped.RealizedPnL, 1e-9)
}

func TestHardTimeout(t *testing.T) {
	m := New()

	t.Run("wins over take profit", func(t *testing.T) {
		sig := longSignal()
		res := m.Tick(sig, 2031, t0.Add(181*time.Minute))
		assert.True(t, res.Changed)
		assert.Equal(t, models.StatusHardTimeoutExpired, sig.Status)
		assert.Equal(t, ReasonHardTimeout, sig.CloseReason)
		assert.Equal(t, 2031.0, sig.ClosePrice)
	})

	t.Run("not before three hours", func(t *testing.T) {
		sig := longSignal()
		res := m.ExpireHardTimeout(sig, 2001, t0.Add(3*time.Hour))
		assert.False(t, res.Changed)
		assert.Equal(t, models.StatusActive, sig.Status)
	})

	t.Run("wins over stagnant", func(t *testing.T) {
		sig := longSignal()
		m.ExpireStagnant(sig, 2001, t0.Add(181*time.Minute))
		assert.Equal(t, models.StatusHardTimeoutExpired, sig.Status)
	})

	t.Run("pending signals expire too", func(t *testing.T) {
		sig := longSignal()
		sig.Status = models.StatusPending
		m.Tick(sig, 2001, t0.Add(4*time.Hour))
		assert.Equal(t, models.StatusHardTimeoutExpired, sig.Status)
	})
}

func TestExpireStagnant(t *testing.T) {
	m := New()

	sig := longSignal()
	res := m.ExpireStagnant(sig, 2002, t0.Add(95*time.Minute))
	assert.True(t, res.Changed)
	assert.Equal(t, models.StatusStagnantExpired, sig.Status)
	assert.InDelta(t, 2.0, sig.RealizedPnL, 1e-9)

	tp1 := longSignal()
	tp1.Status, tp1.TP1Hit = models.StatusTP1Hit, true
	res = m.ExpireStagnant(tp1, 2012, t0.Add(95*time.Minute))
	assert.False(t, res.Changed)
}

func TestTerminalTickIsNoop(t *testing.T) {
	m := New()
	sig := longSignal()
	m.Tick(sig, 1985, t0.Add(time.Minute))
	require.Equal(t, models.StatusClosedSL, sig.Status)
	closed := *sig

	res := m.Tick(sig, 2040, t0.Add(2*time.Minute))
	assert.False(t, res.Changed)
	assert.Equal(t, closed, *sig)

	res = m.ExpireHardTimeout(sig, 2040, t0.Add(5*time.Hour))
	assert.False(t, res.Changed)
}

func TestPendingTickWaitsForActivation(t *testing.T) {
	m := New()
	sig := longSignal()
	sig.Status = models.StatusPending

	res := m.Tick(sig, 2015, t0.Add(time.Minute))
	assert.False(t, res.Changed)
	assert.False(t, sig.TP1Hit)
}
