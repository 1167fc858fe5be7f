package repository

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/pipeline"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultBackoffBase is the first retry delay; each further attempt doubles it.
const DefaultBackoffBase = 30 * time.Second

// JobRepository is the durable job queue. The table is the only
// synchronization point between webhook handlers and scheduler ticks.
type JobRepository struct {
	db          *gorm.DB
	backoffBase time.Duration
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db, backoffBase: DefaultBackoffBase}
}

// SetBackoffBase overrides the retry backoff base delay.
func (r *JobRepository) SetBackoffBase(base time.Duration) {
	if base > 0 {
		r.backoffBase = base
	}
}

// Enqueue creates a pending job. A zero scheduledAt means runnable now.
func (r *JobRepository) Enqueue(ctx context.Context, jobType domain.JobType, callID, orgID, payload string, scheduledAt time.Time) (*domain.Job, error) {
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}
	job := &domain.Job{
		ID:          uuid.New().String(),
		JobType:     jobType,
		CallID:      callID,
		OrgID:       orgID,
		Payload:     payload,
		Status:      domain.JobStatusPending,
		Attempts:    0,
		MaxAttempts: domain.DefaultMaxAttempts,
		ScheduledAt: scheduledAt,
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return job, nil
}

// HasActiveJob reports whether a non-terminal job of the same type already
// exists for the call.
func (r *JobRepository) HasActiveJob(ctx context.Context, jobType domain.JobType, callID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_type = ? AND call_id = ? AND status IN ?", jobType, callID,
			[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusInProgress}).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check active jobs: %w", err)
	}
	return count > 0, nil
}

// EnqueueUnique enqueues unless a non-terminal job of the same (type, call)
// already exists. The check-then-insert is best effort, not a storage
// constraint; duplicate survivors are absorbed by the workers' own state
// checks.
func (r *JobRepository) EnqueueUnique(ctx context.Context, jobType domain.JobType, callID, orgID, payload string, scheduledAt time.Time) (*domain.Job, bool, error) {
	exists, err := r.HasActiveJob(ctx, jobType, callID)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, false, nil
	}
	job, err := r.Enqueue(ctx, jobType, callID, orgID, payload, scheduledAt)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Dequeue returns up to limit pending jobs of one type that are due, oldest
// first. Jobs with a future scheduled_at are never returned.
func (r *JobRepository) Dequeue(ctx context.Context, jobType domain.JobType, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	if err := r.db.WithContext(ctx).
		Where("job_type = ? AND status = ? AND scheduled_at <= ?", jobType, domain.JobStatusPending, time.Now().UTC()).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to dequeue %s jobs: %w", jobType, err)
	}
	return jobs, nil
}

// Claim marks the job in progress and counts the attempt. The update is
// conditional on the row still being pending, so overlapping scheduler ticks
// cannot both run the same job; the loser sees zero affected rows.
func (r *JobRepository) Claim(ctx context.Context, job *domain.Job) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", job.ID, domain.JobStatusPending).
		Updates(map[string]interface{}{
			"status":   domain.JobStatusInProgress,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	job.Status = domain.JobStatusInProgress
	job.Attempts++
	return true, nil
}

// Complete marks the job terminally completed.
func (r *JobRepository) Complete(ctx context.Context, job *domain.Job) error {
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", job.ID).
		Update("status", domain.JobStatusCompleted).Error; err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	job.Status = domain.JobStatusCompleted
	return nil
}

// Fail records the failure. Downstream causes revert the job to pending with
// an exponential, jittered delay while attempts remain; exhausted jobs and
// configuration causes go terminally failed with the message retained.
func (r *JobRepository) Fail(ctx context.Context, job *domain.Job, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	terminal := job.Attempts >= job.MaxAttempts || pipeline.IsConfig(cause)
	updates := map[string]interface{}{
		"error_message": message,
	}
	if terminal {
		updates["status"] = domain.JobStatusFailed
	} else {
		retryAt := time.Now().UTC().Add(r.backoffDelay(job.Attempts))
		updates["status"] = domain.JobStatusPending
		updates["scheduled_at"] = retryAt
		job.ScheduledAt = retryAt
	}

	if err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", job.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	job.ErrorMessage = message
	if terminal {
		job.Status = domain.JobStatusFailed
	} else {
		job.Status = domain.JobStatusPending
	}
	return nil
}

// GetByID retrieves a job by id
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetLatestByTypeAndCall returns the most recent job of one type for a call,
// regardless of status.
func (r *JobRepository) GetLatestByTypeAndCall(ctx context.Context, jobType domain.JobType, callID string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).
		Where("job_type = ? AND call_id = ?", jobType, callID).
		Order("created_at DESC").
		First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return &job, nil
}

// backoffDelay computes base·2^attempts with ±20% jitter. The shift is capped
// so a misconfigured max_attempts cannot overflow the duration.
func (r *JobRepository) backoffDelay(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	delay := r.backoffBase * time.Duration(1<<uint(attempts))
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
