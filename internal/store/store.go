// Package store persists signals, jobs, tenant configuration and leader leases.
// Every repository has a gorm implementation for Postgres and an in-memory one.
package store

import (
	"context"
	"errors"
	"time"

	"signalcore/internal/models"
)

var (
	ErrNotFound         = errors.New("store: record not found")
	ErrOpenSignalExists = errors.New("store: tenant already has an open signal")
)

// SignalStore persists Signal rows.
type SignalStore interface {
	// Create inserts a new signal. It returns ErrOpenSignalExists when the tenant already has one open.
	Create(ctx context.Context, sig *models.Signal) error
	Get(ctx context.Context, id uint) (*models.Signal, error)
	// OpenForTenant returns the tenant's open signal or ErrNotFound.
	OpenForTenant(ctx context.Context, tenantID string) (*models.Signal, error)
	// Update writes the given columns of sig, or every column when none are given.
	Update(ctx context.Context, sig *models.Signal, columns ...string) error
	CountCreatedSince(ctx context.Context, tenantID, strategy string, since time.Time) (int64, error)
	ListCreatedSince(ctx context.Context, tenantID string, since time.Time) ([]models.Signal, error)
	// ListClosedSince returns signals that reached a terminal status at or after since.
	ListClosedSince(ctx context.Context, tenantID string, since time.Time) ([]models.Signal, error)
	ListByTenant(ctx context.Context, tenantID string, offset, limit int) ([]models.Signal, int64, error)
}

// JobStore persists Job rows and implements the row-level claim primitive.
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uint) (*models.Job, error)
	// Claim atomically moves up to limit due pending jobs of the tenant to claimed.
	Claim(ctx context.Context, tenantID string, limit int, now time.Time) ([]models.Job, error)
	// ReclaimOrphans returns jobs claimed before cutoff to pending, or fails them when out of attempts.
	ReclaimOrphans(ctx context.Context, tenantID string, cutoff, now time.Time) (int64, error)
	MarkCompleted(ctx context.Context, id uint, now time.Time) error
	// MarkAttempt records a failed attempt and moves the job to status (pending or failed).
	MarkAttempt(ctx context.Context, id uint, attempts int, status models.JobStatus, runAt time.Time, reason string) error
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error)
	// Requeue resets a failed job so it is claimable again.
	Requeue(ctx context.Context, id uint, now time.Time) error
}

// LeaseStore persists leader leases.
type LeaseStore interface {
	// Acquire takes the lease when it is free, expired or already held by holder.
	Acquire(ctx context.Context, scope, holder string, ttl time.Duration, now time.Time) (bool, error)
	// Renew extends an unexpired lease held by holder.
	Renew(ctx context.Context, scope, holder string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, scope, holder string) error
	Get(ctx context.Context, scope string) (*models.LeaderLease, error)
}

// TenantStore reads tenant scheduling configuration and records briefing deliveries.
type TenantStore interface {
	ListSchedulable(ctx context.Context) ([]models.TenantConfig, error)
	Get(ctx context.Context, tenantID string) (*models.TenantConfig, error)
	UpdatedAt(ctx context.Context, tenantID string) (time.Time, error)
	// BriefingsSent maps briefing key to the last occurrence sent.
	BriefingsSent(ctx context.Context, tenantID string) (map[string]time.Time, error)
	// MarkBriefingSent records occurrence as sent. It never touches tenant_configs.updated_at.
	MarkBriefingSent(ctx context.Context, tenantID, key string, occurrence time.Time) error
}

// CredentialStore reads bot credentials.
type CredentialStore interface {
	Get(ctx context.Context, tenantID, botRole, channelType string) (*models.BotCredential, error)
}
