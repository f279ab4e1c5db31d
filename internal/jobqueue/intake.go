package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/models"
)

// Request is the body of a job intake message.
type Request struct {
	TenantID    string         `json:"tenant_id"`
	JobType     models.JobType `json:"job_type"`
	Payload     models.JSONMap `json:"payload"`
	RunAt       *time.Time     `json:"run_at,omitempty"`
	DelaySecs   int            `json:"delay_seconds,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// ParseRequest validates an intake message and builds the pending Job.
// Malformed messages return ErrInvalidPayload.
func ParseRequest(body []byte, now time.Time) (*models.Job, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidPayload)
	}
	switch req.JobType {
	case models.JobTypeDelayedMessage, models.JobTypeCrossPromotion:
	default:
		return nil, fmt.Errorf("%w: unknown job_type %q", ErrInvalidPayload, req.JobType)
	}
	if req.DelaySecs < 0 || req.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: negative delay or attempts", ErrInvalidPayload)
	}

	runAt := now.Add(time.Duration(req.DelaySecs) * time.Second)
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	return &models.Job{
		TenantID:    req.TenantID,
		JobType:     req.JobType,
		Payload:     req.Payload,
		Status:      models.JobPending,
		RunAt:       runAt,
		MaxAttempts: req.MaxAttempts,
	}, nil
}

// IntakeHandler turns intake messages into jobs. Malformed messages are logged and
// dropped; store errors are returned so the message is redelivered.
func IntakeHandler(ctx context.Context, q *Queue) func([]byte) error {
	return func(body []byte) error {
		job, err := ParseRequest(body, q.now())
		if err != nil {
			log.WithError(err).WithField("body", string(body)).Error("Dropping job intake message")
			return nil
		}
		if err := q.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s job for tenant %s: %w", job.JobType, job.TenantID, err)
		}
		log.WithFields(log.Fields{
			"tenant_id": job.TenantID,
			"job_id":    job.ID,
			"job_type":  job.JobType,
			"run_at":    job.RunAt,
		}).Info("Job enqueued")
		return nil
	}
}
