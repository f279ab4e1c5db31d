package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TimeframeFast = "fast"
	TimeframeSlow = "slow"
)

// StrategySetting enables one registered strategy for a tenant on a timeframe.
type StrategySetting struct {
	Name      string             `json:"name"`
	Timeframe string             `json:"timeframe"`
	Priority  int                `json:"priority"`
	Params    map[string]float64 `json:"params,omitempty"`
}

// BriefingSchedule is a wall-clock recurring announcement, expressed as a cron line in UTC.
type BriefingSchedule struct {
	Name        string `json:"name"`
	Cron        string `json:"cron"`
	Kind        string `json:"kind"` // "daily" | "weekly"
	BotRole     string `json:"bot_role"`
	ChannelType string `json:"channel_type"`
}

// TenantConfig holds the per-tenant scheduling configuration that is hot-reloaded by the scheduler.
type TenantConfig struct {
	ID               uint            `gorm:"primarykey" json:"id"`
	TenantID         string          `gorm:"column:tenant_id;size:64;not null;uniqueIndex" json:"tenant_id"`
	Enabled          bool            `gorm:"column:enabled;default:true" json:"enabled"`
	SignalBotActive  bool            `gorm:"column:signal_bot_active;default:false" json:"signal_bot_active"`
	Instrument       string          `gorm:"column:instrument;size:32;not null" json:"instrument"`
	Strategies       json.RawMessage `gorm:"column:strategies;type:jsonb" json:"strategies"`
	MaxSignalsPerDay int             `gorm:"column:max_signals_per_day;default:3" json:"max_signals_per_day"`
	SessionStartHour int             `gorm:"column:session_start_hour;default:0" json:"session_start_hour"`
	SessionEndHour   int             `gorm:"column:session_end_hour;default:24" json:"session_end_hour"`
	TradingTimezone  string          `gorm:"column:trading_timezone;size:64;default:'America/New_York'" json:"trading_timezone"`
	SignalBotRole    string          `gorm:"column:signal_bot_role;size:32;default:'signals'" json:"signal_bot_role"`
	SignalChannel    string          `gorm:"column:signal_channel;size:32;default:'vip'" json:"signal_channel"`
	Briefings        json.RawMessage `gorm:"column:briefings;type:jsonb" json:"briefings"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (TenantConfig) TableName() string {
	return "tenant_configs"
}

// StrategySettings decodes the strategies column.
func (c *TenantConfig) StrategySettings() ([]StrategySetting, error) {
	if len(c.Strategies) == 0 {
		return nil, nil
	}
	var settings []StrategySetting
	if err := json.Unmarshal(c.Strategies, &settings); err != nil {
		return nil, fmt.Errorf("decode strategies for tenant %s: %w", c.TenantID, err)
	}
	return settings, nil
}

// BriefingSchedules decodes the briefings column.
func (c *TenantConfig) BriefingSchedules() ([]BriefingSchedule, error) {
	if len(c.Briefings) == 0 {
		return nil, nil
	}
	var schedules []BriefingSchedule
	if err := json.Unmarshal(c.Briefings, &schedules); err != nil {
		return nil, fmt.Errorf("decode briefings for tenant %s: %w", c.TenantID, err)
	}
	return schedules, nil
}

// Location resolves the trading-day reference timezone, falling back to UTC.
func (c *TenantConfig) Location() *time.Location {
	if c.TradingTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TradingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BriefingDelivery records the last occurrence of a briefing that was sent, so a
// restarted or single-pass scheduler neither repeats nor skips it.
type BriefingDelivery struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	TenantID    string    `gorm:"column:tenant_id;size:64;not null;uniqueIndex:idx_briefing_delivery_key,priority:1" json:"tenant_id"`
	BriefingKey string    `gorm:"column:briefing_key;size:255;not null;uniqueIndex:idx_briefing_delivery_key,priority:2" json:"briefing_key"`
	FiredAt     time.Time `gorm:"column:fired_at;not null" json:"fired_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (BriefingDelivery) TableName() string {
	return "briefing_deliveries"
}

// BotCredential is the bot token and target channel for one bot role and channel type of a tenant.
type BotCredential struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	TenantID    string    `gorm:"column:tenant_id;size:64;not null;uniqueIndex:idx_bot_credential_role,priority:1" json:"tenant_id"`
	BotRole     string    `gorm:"column:bot_role;size:32;not null;uniqueIndex:idx_bot_credential_role,priority:2" json:"bot_role"`
	Token       string    `gorm:"column:token;size:256;not null" json:"-"`
	ChannelID   string    `gorm:"column:channel_id;size:64;not null" json:"channel_id"`
	ChannelType string    `gorm:"column:channel_type;size:32;default:'';uniqueIndex:idx_bot_credential_role,priority:3" json:"channel_type"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (BotCredential) TableName() string {
	return "bot_credentials"
}
