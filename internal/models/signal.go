package models

import (
	"time"
)

// Direction is the side of a trading signal.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// SignalStatus is the lifecycle state of a Signal.
type SignalStatus string

const (
	StatusPending            SignalStatus = "PENDING"
	StatusActive             SignalStatus = "ACTIVE"
	StatusBreakevenSet       SignalStatus = "BREAKEVEN_SET"
	StatusTP1Hit             SignalStatus = "TP1_HIT"
	StatusTP2Hit             SignalStatus = "TP2_HIT"
	StatusClosedTP           SignalStatus = "CLOSED_TP"
	StatusClosedSL           SignalStatus = "CLOSED_SL"
	StatusStagnantExpired    SignalStatus = "STAGNANT_EXPIRED"
	StatusHardTimeoutExpired SignalStatus = "HARD_TIMEOUT_EXPIRED"
)

// OpenStatuses lists every non-terminal status.
var OpenStatuses = []SignalStatus{
	StatusPending,
	StatusActive,
	StatusBreakevenSet,
	StatusTP1Hit,
	StatusTP2Hit,
}

// IsTerminal reports whether no further transition is allowed from s.
func (s SignalStatus) IsTerminal() bool {
	switch s {
	case StatusClosedTP, StatusClosedSL, StatusStagnantExpired, StatusHardTimeoutExpired:
		return true
	}
	return false
}

// Signal is one trading position proposal and its lifecycle record.
type Signal struct {
	ID                uint         `gorm:"primarykey" json:"id"`
	TenantID          string       `gorm:"column:tenant_id;size:64;not null;index" json:"tenant_id"`
	Strategy          string       `gorm:"column:strategy;size:32;not null" json:"strategy"`
	Timeframe         string       `gorm:"column:timeframe;size:16" json:"timeframe"`
	Instrument        string       `gorm:"column:instrument;size:32;not null" json:"instrument"`
	Direction         Direction    `gorm:"column:direction;size:8;not null" json:"direction"`
	EntryPrice        float64      `gorm:"column:entry_price;not null" json:"entry_price"`
	StopLoss          float64      `gorm:"column:stop_loss;not null" json:"stop_loss"`
	TP1               float64      `gorm:"column:tp1" json:"tp1"`
	TP2               float64      `gorm:"column:tp2" json:"tp2"`
	TP3               float64      `gorm:"column:tp3" json:"tp3"`
	Status            SignalStatus `gorm:"column:status;size:32;not null;index" json:"status"`
	EffectiveStopLoss float64      `gorm:"column:effective_stop_loss" json:"effective_stop_loss"`
	BreakevenSet      bool         `gorm:"column:breakeven_set;default:false" json:"breakeven_set"`
	TP1Hit            bool         `gorm:"column:tp1_hit;default:false" json:"tp1_hit"`
	TP2Hit            bool         `gorm:"column:tp2_hit;default:false" json:"tp2_hit"`
	TP3Hit            bool         `gorm:"column:tp3_hit;default:false" json:"tp3_hit"`
	MilestonesSent    JSONMap      `gorm:"column:milestones_sent;type:jsonb" json:"milestones_sent"`
	LastNotifiedAt    *time.Time   `gorm:"column:last_notified_at" json:"last_notified_at"`
	LastGuidanceAt    *time.Time   `gorm:"column:last_guidance_at" json:"last_guidance_at"`
	LastRevalidatedAt *time.Time   `gorm:"column:last_revalidated_at" json:"last_revalidated_at"`
	ActivatedAt       *time.Time   `gorm:"column:activated_at" json:"activated_at"`
	ClosePrice        float64      `gorm:"column:close_price" json:"close_price"`
	RealizedPnL       float64      `gorm:"column:realized_pnl" json:"realized_pnl"`
	CloseReason       string       `gorm:"column:close_reason;size:64;default:''" json:"close_reason"`
	CreatedAt         time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ClosedAt          *time.Time   `gorm:"column:closed_at" json:"closed_at"`
	UpdatedAt         time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Signal) TableName() string {
	return "signals"
}

// TakeProfits returns the configured take-profit levels in order, skipping unset ones.
func (s *Signal) TakeProfits() []float64 {
	levels := make([]float64, 0, 3)
	for _, tp := range []float64{s.TP1, s.TP2, s.TP3} {
		if tp > 0 {
			levels = append(levels, tp)
		}
	}
	return levels
}

// IsOpen reports whether the signal is still in a non-terminal status.
func (s *Signal) IsOpen() bool {
	return !s.Status.IsTerminal()
}

// Age is the time elapsed since the signal was created.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// MilestoneSent reports whether the named milestone notification was already delivered.
func (s *Signal) MilestoneSent(name string) bool {
	if s.MilestonesSent == nil {
		return false
	}
	_, ok := s.MilestonesSent[name]
	return ok
}
