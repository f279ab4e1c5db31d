// Package lifecycle moves a Signal through its states as prices arrive.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"signalcore/internal/metrics"
	"signalcore/internal/models"
	"signalcore/internal/pricemonitor"
)

const (
	DefaultHardTimeout = 3 * time.Hour
	// BreakevenProgress is the progress toward TP1, in percent, that moves the stop to entry.
	BreakevenProgress = 70.0
)

const (
	ReasonTakeProfit  = "take_profit"
	ReasonStopLoss    = "stop_loss"
	ReasonStagnant    = "stagnant"
	ReasonHardTimeout = "hard_timeout"
)

// PartialWeights is the share of the position closed at TP1, TP2 and TP3.
var PartialWeights = [3]float64{0.5, 0.3, 0.2}

// Columns are the signal columns a transition may change.
var Columns = []string{
	"status", "effective_stop_loss", "breakeven_set",
	"tp1_hit", "tp2_hit", "tp3_hit",
	"close_price", "realized_pnl", "close_reason", "closed_at", "activated_at",
}

var ErrInvalidTransition = errors.New("invalid signal transition")

// Result describes what a single step did to a signal.
type Result struct {
	From    models.SignalStatus
	To      models.SignalStatus
	Changed bool
}

// Machine applies the transition rules. The zero value is not usable; use New.
type Machine struct {
	HardTimeout time.Duration
}

func New() *Machine {
	return &Machine{HardTimeout: DefaultHardTimeout}
}

// Activate marks an announced signal as live.
func (m *Machine) Activate(sig *models.Signal, now time.Time) error {
	if sig.Status != models.StatusPending {
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, sig.Status)
	}
	sig.Status = models.StatusActive
	sig.ActivatedAt = &now
	if sig.EffectiveStopLoss == 0 {
		sig.EffectiveStopLoss = sig.StopLoss
	}
	metrics.SignalTransitionsTotal.WithLabelValues(string(sig.Status)).Inc()
	return nil
}

// HardTimedOut reports whether an open signal has outlived the hard timeout.
func (m *Machine) HardTimedOut(sig *models.Signal, now time.Time) bool {
	return sig.IsOpen() && sig.Age(now) > m.HardTimeout
}

// ExpireHardTimeout closes the signal at price when it has outlived the hard timeout.
func (m *Machine) ExpireHardTimeout(sig *models.Signal, price float64, now time.Time) Result {
	res := Result{From: sig.Status, To: sig.Status}
	if !m.HardTimedOut(sig, now) {
		return res
	}
	m.close(sig, models.StatusHardTimeoutExpired, ReasonHardTimeout, price, now)
	res.To, res.Changed = sig.Status, true
	return res
}

// ExpireStagnant closes a signal whose entry rationale no longer holds. The hard timeout wins.
func (m *Machine) ExpireStagnant(sig *models.Signal, price float64, now time.Time) Result {
	if m.HardTimedOut(sig, now) {
		return m.ExpireHardTimeout(sig, price, now)
	}
	res := Result{From: sig.Status, To: sig.Status}
	if sig.Status != models.StatusActive && sig.Status != models.StatusBreakevenSet {
		return res
	}
	m.close(sig, models.StatusStagnantExpired, ReasonStagnant, price, now)
	res.To, res.Changed = sig.Status, true
	return res
}

// Tick applies one price observation. Ticks on terminal or PENDING signals only honour the hard timeout.
func (m *Machine) Tick(sig *models.Signal, price float64, now time.Time) Result {
	res := Result{From: sig.Status, To: sig.Status}
	if sig.Status.IsTerminal() {
		return res
	}
	if m.HardTimedOut(sig, now) {
		return m.ExpireHardTimeout(sig, price, now)
	}
	if sig.Status == models.StatusPending {
		return res
	}
	if sig.EffectiveStopLoss == 0 {
		sig.EffectiveStopLoss = sig.StopLoss
		res.Changed = true
	}

	dir := sig.Direction.Sign()
	if (price-sig.EffectiveStopLoss)*dir <= 0 {
		m.close(sig, models.StatusClosedSL, ReasonStopLoss, sig.EffectiveStopLoss, now)
		res.To, res.Changed = sig.Status, true
		return res
	}

	if !sig.BreakevenSet && pricemonitor.Progress(sig, price) >= BreakevenProgress {
		tighten(sig, sig.EntryPrice)
		sig.BreakevenSet = true
		if sig.Status == models.StatusActive {
			sig.Status = models.StatusBreakevenSet
		}
		res.Changed = true
	}

	levels := []float64{sig.TP1, sig.TP2, sig.TP3}
	hits := []*bool{&sig.TP1Hit, &sig.TP2Hit, &sig.TP3Hit}
	last := lastLevel(levels)
	for i, tp := range levels {
		if tp == 0 || *hits[i] || (price-tp)*dir < 0 {
			continue
		}
		*hits[i] = true
		res.Changed = true
		if i == last {
			m.close(sig, models.StatusClosedTP, ReasonTakeProfit, tp, now)
			break
		}
		switch i {
		case 0:
			sig.Status = models.StatusTP1Hit
		case 1:
			sig.Status = models.StatusTP2Hit
		}
	}

	if sig.Status != res.From && !sig.Status.IsTerminal() {
		metrics.SignalTransitionsTotal.WithLabelValues(string(sig.Status)).Inc()
	}
	res.To = sig.Status
	return res
}

func (m *Machine) close(sig *models.Signal, status models.SignalStatus, reason string, price float64, now time.Time) {
	sig.Status = status
	sig.CloseReason = reason
	sig.ClosePrice = price
	sig.RealizedPnL = RealizedPnL(sig, price)
	sig.ClosedAt = &now
	metrics.SignalTransitionsTotal.WithLabelValues(string(status)).Inc()
}

// tighten moves the effective stop toward price, never away from it.
func tighten(sig *models.Signal, stop float64) {
	if (stop-sig.EffectiveStopLoss)*sig.Direction.Sign() > 0 {
		sig.EffectiveStopLoss = stop
	}
}

func lastLevel(levels []float64) int {
	last := -1
	for i, tp := range levels {
		if tp != 0 {
			last = i
		}
	}
	return last
}

// RealizedPnL is the per-unit result of the position when the remainder closes at closePrice.
// Each take-profit already hit banks its partial weight; the last configured level takes whatever is left.
func RealizedPnL(sig *models.Signal, closePrice float64) float64 {
	dir := sig.Direction.Sign()
	levels := []float64{sig.TP1, sig.TP2, sig.TP3}
	hits := []bool{sig.TP1Hit, sig.TP2Hit, sig.TP3Hit}
	last := lastLevel(levels)

	remaining := 1.0
	var pnl float64
	for i, tp := range levels {
		if tp == 0 || !hits[i] {
			continue
		}
		w := PartialWeights[i]
		if i == last || w > remaining {
			w = remaining
		}
		pnl += w * (tp - sig.EntryPrice) * dir
		remaining -= w
	}
	return pnl + remaining*(closePrice-sig.EntryPrice)*dir
}
