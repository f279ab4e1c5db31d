package jobqueue

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/metrics"
	"signalcore/internal/models"
)

// ErrInvalidPayload marks a job that can never succeed; it is failed without retries.
var ErrInvalidPayload = errors.New("invalid job payload")

// Handler executes one claimed job.
type Handler func(ctx context.Context, job *models.Job) error

// Processor claims a tenant's due jobs and dispatches them by type.
type Processor struct {
	queue     *Queue
	handlers  map[models.JobType]Handler
	batchSize int
}

func NewProcessor(queue *Queue, batchSize int) *Processor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Processor{queue: queue, handlers: make(map[models.JobType]Handler), batchSize: batchSize}
}

func (p *Processor) Handle(jobType models.JobType, h Handler) {
	p.handlers[jobType] = h
}

// Drain claims one batch for the tenant and runs it. It returns the number of jobs completed.
func (p *Processor) Drain(ctx context.Context, tenantID string) (int, error) {
	jobs, err := p.queue.ClaimBatch(ctx, tenantID, p.batchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for i := range jobs {
		job := &jobs[i]
		logger := log.WithFields(log.Fields{"tenant_id": tenantID, "job_id": job.ID, "job_type": job.JobType})

		if err := p.run(ctx, job); err != nil {
			metrics.JobsProcessedTotal.WithLabelValues(string(job.JobType), "error").Inc()
			logger.WithError(err).Warn("Job failed")
			fail := p.queue.Fail
			if errors.Is(err, ErrInvalidPayload) {
				fail = p.queue.FailPermanently
			}
			if ferr := fail(ctx, job, err.Error()); ferr != nil {
				logger.WithError(ferr).Error("Failed to record job failure")
			}
			continue
		}

		if err := p.queue.Complete(ctx, job); err != nil {
			logger.WithError(err).Error("Failed to complete job")
			continue
		}
		metrics.JobsProcessedTotal.WithLabelValues(string(job.JobType), "completed").Inc()
		completed++
	}
	return completed, nil
}

func (p *Processor) run(ctx context.Context, job *models.Job) (err error) {
	h, ok := p.handlers[job.JobType]
	if !ok {
		return fmt.Errorf("%w: no handler for job type %q", ErrInvalidPayload, job.JobType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
