package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"signalcore/internal/models"
)

const acquireLeaseSQL = `
INSERT INTO leader_leases (scope, holder_id, acquired_at, expires_at, epoch, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT (scope) DO UPDATE SET
	holder_id   = EXCLUDED.holder_id,
	acquired_at = CASE WHEN leader_leases.holder_id = EXCLUDED.holder_id
	                   THEN leader_leases.acquired_at ELSE EXCLUDED.acquired_at END,
	expires_at  = EXCLUDED.expires_at,
	epoch       = CASE WHEN leader_leases.holder_id = EXCLUDED.holder_id
	                   THEN leader_leases.epoch ELSE leader_leases.epoch + 1 END,
	updated_at  = EXCLUDED.updated_at
WHERE leader_leases.holder_id = EXCLUDED.holder_id
   OR leader_leases.expires_at < EXCLUDED.updated_at`

// LeaseRepo is the gorm LeaseStore backed by the leader_leases table.
type LeaseRepo struct {
	db *gorm.DB
}

func NewLeaseRepo(db *gorm.DB) *LeaseRepo {
	return &LeaseRepo{db: db}
}

func (r *LeaseRepo) Acquire(ctx context.Context, scope, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Exec(acquireLeaseSQL, scope, holder, now, now.Add(ttl), now)
	if res.Error != nil {
		return false, fmt.Errorf("acquire lease %s: %w", scope, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *LeaseRepo) Renew(ctx context.Context, scope, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.LeaderLease{}).
		Where("scope = ? AND holder_id = ? AND expires_at >= ?", scope, holder, now).
		Updates(map[string]interface{}{
			"expires_at": now.Add(ttl),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("renew lease %s: %w", scope, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *LeaseRepo) Release(ctx context.Context, scope, holder string) error {
	if err := r.db.WithContext(ctx).
		Where("scope = ? AND holder_id = ?", scope, holder).
		Delete(&models.LeaderLease{}).Error; err != nil {
		return fmt.Errorf("release lease %s: %w", scope, err)
	}
	return nil
}

func (r *LeaseRepo) Get(ctx context.Context, scope string) (*models.LeaderLease, error) {
	var lease models.LeaderLease
	if err := r.db.WithContext(ctx).Where("scope = ?", scope).First(&lease).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lease %s: %w", scope, err)
	}
	return &lease, nil
}
