package models

import "time"

// LeaderLease designates the process allowed to run tenant schedulers for a scope.
type LeaderLease struct {
	Scope      string    `gorm:"column:scope;primaryKey;size:64" json:"scope"`
	HolderID   string    `gorm:"column:holder_id;size:128;not null" json:"holder_id"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null" json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null" json:"expires_at"`
	Epoch      int64     `gorm:"column:epoch;default:1" json:"epoch"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (LeaderLease) TableName() string {
	return "leader_leases"
}
