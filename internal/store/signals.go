package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"signalcore/internal/models"
)

// SignalRepo is the gorm SignalStore.
type SignalRepo struct {
	db *gorm.DB
}

func NewSignalRepo(db *gorm.DB) *SignalRepo {
	return &SignalRepo{db: db}
}

func (r *SignalRepo) Create(ctx context.Context, sig *models.Signal) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Signal{}).
			Where("tenant_id = ? AND status IN ?", sig.TenantID, models.OpenStatuses).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrOpenSignalExists
		}
		return tx.Create(sig).Error
	})
	// the partial unique index catches a concurrent insert that raced the count
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrOpenSignalExists
	}
	if err != nil && !errors.Is(err, ErrOpenSignalExists) {
		return fmt.Errorf("create signal: %w", err)
	}
	return err
}

func (r *SignalRepo) Get(ctx context.Context, id uint) (*models.Signal, error) {
	var sig models.Signal
	if err := r.db.WithContext(ctx).First(&sig, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get signal %d: %w", id, err)
	}
	return &sig, nil
}

func (r *SignalRepo) OpenForTenant(ctx context.Context, tenantID string) (*models.Signal, error) {
	var sig models.Signal
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, models.OpenStatuses).
		Order("created_at DESC").
		First(&sig).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open signal for tenant %s: %w", tenantID, err)
	}
	return &sig, nil
}

func (r *SignalRepo) Update(ctx context.Context, sig *models.Signal, columns ...string) error {
	db := r.db.WithContext(ctx)
	var err error
	if len(columns) == 0 {
		err = db.Save(sig).Error
	} else {
		err = db.Model(sig).Select(columns).Updates(sig).Error
	}
	if err != nil {
		return fmt.Errorf("update signal %d: %w", sig.ID, err)
	}
	return nil
}

func (r *SignalRepo) CountCreatedSince(ctx context.Context, tenantID, strategy string, since time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Signal{}).
		Where("tenant_id = ? AND strategy = ? AND created_at >= ?", tenantID, strategy, since).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count signals for tenant %s: %w", tenantID, err)
	}
	return count, nil
}

func (r *SignalRepo) ListCreatedSince(ctx context.Context, tenantID string, since time.Time) ([]models.Signal, error) {
	var signals []models.Signal
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Order("created_at ASC").
		Find(&signals).Error; err != nil {
		return nil, fmt.Errorf("list signals for tenant %s: %w", tenantID, err)
	}
	return signals, nil
}

func (r *SignalRepo) ListClosedSince(ctx context.Context, tenantID string, since time.Time) ([]models.Signal, error) {
	var signals []models.Signal
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND closed_at IS NOT NULL AND closed_at >= ?", tenantID, since).
		Order("closed_at ASC").
		Find(&signals).Error; err != nil {
		return nil, fmt.Errorf("list closed signals for tenant %s: %w", tenantID, err)
	}
	return signals, nil
}

func (r *SignalRepo) ListByTenant(ctx context.Context, tenantID string, offset, limit int) ([]models.Signal, int64, error) {
	db := r.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.Signal{}).Where("tenant_id = ?", tenantID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count signals for tenant %s: %w", tenantID, err)
	}

	var signals []models.Signal
	if err := db.Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&signals).Error; err != nil {
		return nil, 0, fmt.Errorf("list signals for tenant %s: %w", tenantID, err)
	}
	return signals, total, nil
}
