// Package jobqueue runs deferred tenant work stored in the jobs table.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/models"
	"signalcore/internal/store"
)

const (
	DefaultOrphanTimeout = 5 * time.Minute
	DefaultBackoff       = time.Minute
	DefaultBatchSize     = 10
)

// Queue wraps a JobStore with claim, retry and orphan handling.
type Queue struct {
	store         store.JobStore
	orphanTimeout time.Duration
	backoff       time.Duration
	now           func() time.Time
}

func New(s store.JobStore) *Queue {
	return &Queue{
		store:         s,
		orphanTimeout: DefaultOrphanTimeout,
		backoff:       DefaultBackoff,
		now:           time.Now,
	}
}

func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.RunAt.IsZero() {
		job.RunAt = q.now()
	}
	return q.store.Enqueue(ctx, job)
}

// ClaimBatch reclaims the tenant's orphaned jobs, then claims up to limit due jobs.
// A job is returned to exactly one caller.
func (q *Queue) ClaimBatch(ctx context.Context, tenantID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	now := q.now()

	n, err := q.store.ReclaimOrphans(ctx, tenantID, now.Add(-q.orphanTimeout), now)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.WithFields(log.Fields{"tenant_id": tenantID, "count": n}).Warn("Reclaimed orphaned jobs")
	}

	return q.store.Claim(ctx, tenantID, limit, now)
}

func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	if err := q.store.MarkCompleted(ctx, job.ID, q.now()); err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	job.Status = models.JobCompleted
	return nil
}

// Fail records a failed attempt. The job goes back to pending with linear backoff
// until it has used MaxAttempts, then it is parked as failed.
func (q *Queue) Fail(ctx context.Context, job *models.Job, reason string) error {
	attempts := job.Attempts + 1
	status := models.JobPending
	runAt := q.now().Add(time.Duration(attempts) * q.backoff)
	if attempts >= maxAttempts(job) {
		status = models.JobFailed
		runAt = job.RunAt
	}
	return q.mark(ctx, job, attempts, status, runAt, reason)
}

// FailPermanently parks the job as failed without further retries.
func (q *Queue) FailPermanently(ctx context.Context, job *models.Job, reason string) error {
	return q.mark(ctx, job, job.Attempts+1, models.JobFailed, job.RunAt, reason)
}

func (q *Queue) mark(ctx context.Context, job *models.Job, attempts int, status models.JobStatus, runAt time.Time, reason string) error {
	if err := q.store.MarkAttempt(ctx, job.ID, attempts, status, runAt, reason); err != nil {
		return fmt.Errorf("fail job %d: %w", job.ID, err)
	}
	job.Attempts, job.Status, job.RunAt, job.LastError = attempts, status, runAt, reason
	return nil
}

// ListFailed returns parked jobs for operators.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]models.Job, error) {
	return q.store.ListByStatus(ctx, models.JobFailed, limit)
}

// Retry makes a failed job claimable again with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id uint) error {
	return q.store.Requeue(ctx, id, q.now())
}

func maxAttempts(job *models.Job) int {
	if job.MaxAttempts <= 0 {
		return models.DefaultJobMaxAttempts
	}
	return job.MaxAttempts
}
