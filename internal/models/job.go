package models

import "time"

// JobStatus is the queue state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobType selects the handler a Job is dispatched to.
type JobType string

const (
	JobTypeDelayedMessage JobType = "delayed_message"
	JobTypeCrossPromotion JobType = "cross_promotion"
)

// DefaultJobMaxAttempts is applied when a producer does not set MaxAttempts.
const DefaultJobMaxAttempts = 5

// Job is one unit of deferred or queued work.
type Job struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	TenantID    string     `gorm:"column:tenant_id;size:64;not null;index:idx_jobs_claim,priority:1" json:"tenant_id"`
	JobType     JobType    `gorm:"column:job_type;size:32;not null" json:"job_type"`
	Payload     JSONMap    `gorm:"column:payload;type:jsonb" json:"payload"`
	Status      JobStatus  `gorm:"column:status;size:16;not null;default:'pending';index:idx_jobs_claim,priority:2" json:"status"`
	RunAt       time.Time  `gorm:"column:run_at;not null;index:idx_jobs_claim,priority:3" json:"run_at"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at" json:"claimed_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at"`
	Attempts    int        `gorm:"column:attempts;default:0" json:"attempts"`
	MaxAttempts int        `gorm:"column:max_attempts;default:5" json:"max_attempts"`
	LastError   string     `gorm:"column:last_error;type:text;default:''" json:"last_error"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}
