package domain

import (
	"time"
)

// JobType identifies the pipeline stage a job executes
type JobType string

const (
	JobTypeRecordingLookup JobType = "recording.lookup"
	JobTypeConsentRequest  JobType = "consent.request"
	JobTypeConsentReminder JobType = "consent.reminder"
	JobTypeConsentExpire   JobType = "consent.expire"
	JobTypeSTTRequest      JobType = "stt.request"
	JobTypeHubspotSync     JobType = "hubspot.sync"
)

// AllJobTypes lists the stages in pipeline order. The scheduler drains them
// independently so an outage in one stage never blocks another.
var AllJobTypes = []JobType{
	JobTypeRecordingLookup,
	JobTypeConsentRequest,
	JobTypeConsentReminder,
	JobTypeConsentExpire,
	JobTypeSTTRequest,
	JobTypeHubspotSync,
}

// JobStatus constants for job lifecycle
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status allows no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// DefaultMaxAttempts bounds retries per job unless the caller overrides it.
const DefaultMaxAttempts = 3

// Job is a typed, durable, retryable unit of deferred work tied to one call.
type Job struct {
	ID           string    `json:"id" gorm:"type:varchar(255);primaryKey"`
	JobType      JobType   `json:"job_type" gorm:"type:varchar(64);index:idx_pipeline_jobs_type_status;not null"`
	CallID       string    `json:"call_id" gorm:"type:varchar(255);index;not null"`
	OrgID        string    `json:"org_id" gorm:"type:varchar(255);not null"`
	Payload      string    `json:"payload" gorm:"type:text"`
	Status       JobStatus `json:"status" gorm:"type:varchar(32);index:idx_pipeline_jobs_type_status;default:pending"`
	Attempts     int       `json:"attempts" gorm:"default:0"`
	MaxAttempts  int       `json:"max_attempts" gorm:"default:3"`
	ScheduledAt  time.Time `json:"scheduled_at" gorm:"index"`
	ErrorMessage string    `json:"error_message" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for Job
func (Job) TableName() string {
	return "pipeline_jobs"
}

// ConsentJobPayload is the structured payload carried by consent.reminder and
// consent.expire jobs so they act on the exact request that scheduled them,
// not whatever request happens to be current when they fire.
type ConsentJobPayload struct {
	ConsentRequestID string `json:"consent_request_id"`
}
