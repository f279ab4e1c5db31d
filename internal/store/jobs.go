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

// JobRepo is the gorm JobStore. Claims rely on SELECT ... FOR UPDATE SKIP LOCKED.
type JobRepo struct {
	db *gorm.DB
}

func NewJobRepo(db *gorm.DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Enqueue(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultJobMaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &job, nil
}

func (r *JobRepo) Claim(ctx context.Context, tenantID string, limit int, now time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("tenant_id = ? AND status = ? AND run_at <= ?", tenantID, models.JobPending, now).
			Order("run_at ASC, id ASC").
			Limit(limit).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		return tx.Model(&models.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     models.JobClaimed,
				"claimed_at": now,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs for tenant %s: %w", tenantID, err)
	}

	for i := range jobs {
		jobs[i].Status = models.JobClaimed
		claimedAt := now
		jobs[i].ClaimedAt = &claimedAt
	}
	return jobs, nil
}

func (r *JobRepo) ReclaimOrphans(ctx context.Context, tenantID string, cutoff, now time.Time) (int64, error) {
	var reclaimed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orphans := func() *gorm.DB {
			return tx.Model(&models.Job{}).
				Where("tenant_id = ? AND status = ? AND claimed_at < ?", tenantID, models.JobClaimed, cutoff)
		}

		if err := orphans().
			Where("attempts + 1 >= max_attempts").
			Updates(map[string]interface{}{
				"status":     models.JobFailed,
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": "claim timed out",
				"claimed_at": nil,
			}).Error; err != nil {
			return err
		}

		res := orphans().
			Updates(map[string]interface{}{
				"status":     models.JobPending,
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": "claim timed out",
				"claimed_at": nil,
				"run_at":     now,
			})
		reclaimed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim orphaned jobs for tenant %s: %w", tenantID, err)
	}
	return reclaimed, nil
}

func (r *JobRepo) MarkCompleted(ctx context.Context, id uint, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobClaimed).
		Updates(map[string]interface{}{
			"status":       models.JobCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepo) MarkAttempt(ctx context.Context, id uint, attempts int, status models.JobStatus, runAt time.Time, reason string) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobClaimed).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"run_at":     runAt,
			"last_error": reason,
			"claimed_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("record attempt for job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepo) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	var jobs []models.Job
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at DESC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	return jobs, nil
}

func (r *JobRepo) Requeue(ctx context.Context, id uint, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobFailed).
		Updates(map[string]interface{}{
			"status":     models.JobPending,
			"attempts":   0,
			"run_at":     now,
			"last_error": "",
		})
	if res.Error != nil {
		return fmt.Errorf("requeue job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
