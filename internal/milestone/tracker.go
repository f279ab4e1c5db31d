// Package milestone decides which progress notifications a signal still owes its channel.
package milestone

import (
	"fmt"
	"strings"
	"time"

	"signalcore/internal/models"
)

const (
	Progress40  = "progress_40"
	Breakeven70 = "breakeven_70"
	TP1         = "tp1"
	TP2         = "tp2"
	TP3         = "tp3"
	StopLoss    = "stop_loss"
	Expired     = "expired"
)

const (
	DefaultCooldown         = 90 * time.Second
	DefaultGuidanceInterval = 10 * time.Minute
)

// Columns are the signal columns written by MarkSent and MarkGuidance.
var Columns = []string{"milestones_sent", "last_notified_at", "last_guidance_at"}

// Event is one milestone a signal reached and has not yet announced.
type Event struct {
	Name     string
	SignalID uint
}

type Tracker struct {
	Cooldown         time.Duration
	GuidanceInterval time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{Cooldown: DefaultCooldown, GuidanceInterval: DefaultGuidanceInterval}
}

// Reached lists every milestone the signal has reached, in announcement order.
func Reached(sig *models.Signal, progress float64) []string {
	var names []string
	if progress >= 40 || sig.BreakevenSet || sig.TP1Hit {
		names = append(names, Progress40)
	}
	if sig.BreakevenSet {
		names = append(names, Breakeven70)
	}
	if sig.TP1Hit {
		names = append(names, TP1)
	}
	if sig.TP2Hit {
		names = append(names, TP2)
	}
	if sig.TP3Hit {
		names = append(names, TP3)
	}
	switch sig.Status {
	case models.StatusClosedSL:
		names = append(names, StopLoss)
	case models.StatusStagnantExpired, models.StatusHardTimeoutExpired:
		names = append(names, Expired)
	}
	return names
}

func (t *Tracker) coolingDown(sig *models.Signal, now time.Time) bool {
	return sig.LastNotifiedAt != nil && now.Sub(*sig.LastNotifiedAt) < t.Cooldown
}

// Evaluate returns the unsent milestones of sig. During the cooldown it returns nothing;
// the same events come back on a later call.
func (t *Tracker) Evaluate(sig *models.Signal, progress float64, now time.Time) []Event {
	if !announced(sig) || t.coolingDown(sig, now) {
		return nil
	}
	var events []Event
	for _, name := range Reached(sig, progress) {
		if !sig.MilestoneSent(name) {
			events = append(events, Event{Name: name, SignalID: sig.ID})
		}
	}
	return events
}

// Pending reports whether sig still owes any milestone, ignoring the cooldown.
func (t *Tracker) Pending(sig *models.Signal, progress float64) bool {
	if !announced(sig) {
		return false
	}
	for _, name := range Reached(sig, progress) {
		if !sig.MilestoneSent(name) {
			return true
		}
	}
	return false
}

// announced is false for signals that never reached the channel; they owe no milestones.
func announced(sig *models.Signal) bool {
	return sig.Status != models.StatusPending && sig.ActivatedAt != nil
}

// MarkSent records delivered events on the signal.
func (t *Tracker) MarkSent(sig *models.Signal, events []Event, now time.Time) {
	if len(events) == 0 {
		return
	}
	if sig.MilestonesSent == nil {
		sig.MilestonesSent = models.JSONMap{}
	}
	for _, e := range events {
		sig.MilestonesSent[e.Name] = now.UTC().Format(time.RFC3339)
	}
	sig.LastNotifiedAt = &now
}

// GuidanceDue reports whether an open, announced signal should get a periodic update.
func (t *Tracker) GuidanceDue(sig *models.Signal, now time.Time) bool {
	if !sig.IsOpen() || sig.Status == models.StatusPending || t.coolingDown(sig, now) {
		return false
	}
	last := sig.LastGuidanceAt
	if last == nil {
		last = sig.ActivatedAt
	}
	return last == nil || now.Sub(*last) >= t.GuidanceInterval
}

func (t *Tracker) MarkGuidance(sig *models.Signal, now time.Time) {
	sig.LastGuidanceAt = &now
	sig.LastNotifiedAt = &now
}

// Message renders events into one channel post.
func Message(sig *models.Signal, events []Event, price float64) string {
	lines := make([]string, 0, len(events)+1)
	lines = append(lines, fmt.Sprintf("%s %s #%d @ %.2f", sig.Instrument, strings.ToUpper(string(sig.Direction)), sig.ID, price))
	for _, e := range events {
		lines = append(lines, describe(sig, e.Name))
	}
	return strings.Join(lines, "\n")
}

func describe(sig *models.Signal, name string) string {
	if sig.Status == models.StatusClosedTP && name == finalTP(sig) {
		n, level := tpLevel(sig, name)
		return fmt.Sprintf("TP%d %.2f hit, position fully closed (P&L %.2f)", n, level, sig.RealizedPnL)
	}
	switch name {
	case Progress40:
		return "40% of the way to TP1"
	case Breakeven70:
		return fmt.Sprintf("70%% to TP1, stop moved to entry %.2f", sig.EffectiveStopLoss)
	case TP1:
		return fmt.Sprintf("TP1 %.2f hit, 50%% closed", sig.TP1)
	case TP2:
		return fmt.Sprintf("TP2 %.2f hit, 30%% closed", sig.TP2)
	case TP3:
		return fmt.Sprintf("TP3 %.2f hit, position closed (P&L %.2f)", sig.TP3, sig.RealizedPnL)
	case StopLoss:
		return fmt.Sprintf("Stopped out at %.2f (P&L %.2f)", sig.ClosePrice, sig.RealizedPnL)
	case Expired:
		return fmt.Sprintf("Signal expired (%s) at %.2f (P&L %.2f)", sig.CloseReason, sig.ClosePrice, sig.RealizedPnL)
	}
	return name
}

// finalTP names the furthest configured take-profit, the one that closes the position.
func finalTP(sig *models.Signal) string {
	switch {
	case sig.TP3 != 0:
		return TP3
	case sig.TP2 != 0:
		return TP2
	case sig.TP1 != 0:
		return TP1
	}
	return ""
}

func tpLevel(sig *models.Signal, name string) (int, float64) {
	switch name {
	case TP1:
		return 1, sig.TP1
	case TP2:
		return 2, sig.TP2
	}
	return 3, sig.TP3
}

// GuidanceMessage renders the periodic status update of an open signal.
func GuidanceMessage(sig *models.Signal, price, progress, unrealized float64) string {
	return fmt.Sprintf("%s %s #%d update: price %.2f, %.0f%% to TP1, stop %.2f, open P&L %.2f",
		sig.Instrument, strings.ToUpper(string(sig.Direction)), sig.ID, price, progress, sig.EffectiveStopLoss, unrealized)
}
