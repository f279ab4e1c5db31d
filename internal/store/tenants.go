package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signalcore/internal/models"
)

// TenantRepo is the gorm TenantStore.
type TenantRepo struct {
	db *gorm.DB
}

func NewTenantRepo(db *gorm.DB) *TenantRepo {
	return &TenantRepo{db: db}
}

// ListSchedulable returns enabled tenants with an active signal-bot connection.
func (r *TenantRepo) ListSchedulable(ctx context.Context) ([]models.TenantConfig, error) {
	var tenants []models.TenantConfig
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND signal_bot_active = ?", true, true).
		Order("tenant_id ASC").
		Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("list schedulable tenants: %w", err)
	}
	return tenants, nil
}

func (r *TenantRepo) Get(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	var cfg models.TenantConfig
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	return &cfg, nil
}

func (r *TenantRepo) UpdatedAt(ctx context.Context, tenantID string) (time.Time, error) {
	var cfg models.TenantConfig
	if err := r.db.WithContext(ctx).
		Select("updated_at").
		Where("tenant_id = ?", tenantID).
		First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("tenant %s updated_at: %w", tenantID, err)
	}
	return cfg.UpdatedAt, nil
}

func (r *TenantRepo) BriefingsSent(ctx context.Context, tenantID string) (map[string]time.Time, error) {
	var rows []models.BriefingDelivery
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("briefing deliveries for tenant %s: %w", tenantID, err)
	}
	sent := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		sent[row.BriefingKey] = row.FiredAt
	}
	return sent, nil
}

// MarkBriefingSent upserts the delivery row. An older occurrence never overwrites a newer one.
func (r *TenantRepo) MarkBriefingSent(ctx context.Context, tenantID, key string, occurrence time.Time) error {
	row := models.BriefingDelivery{TenantID: tenantID, BriefingKey: key, FiredAt: occurrence.UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "briefing_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"fired_at":   gorm.Expr("GREATEST(briefing_deliveries.fired_at, EXCLUDED.fired_at)"),
			"updated_at": gorm.Expr("NOW()"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("mark briefing %s sent for tenant %s: %w", key, tenantID, err)
	}
	return nil
}

// CredentialRepo is the gorm CredentialStore.
type CredentialRepo struct {
	db *gorm.DB
}

func NewCredentialRepo(db *gorm.DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

func (r *CredentialRepo) Get(ctx context.Context, tenantID, botRole, channelType string) (*models.BotCredential, error) {
	var cred models.BotCredential
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND bot_role = ? AND channel_type = ?", tenantID, botRole, channelType).
		First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credentials for tenant %s role %s: %w", tenantID, botRole, err)
	}
	return &cred, nil
}
