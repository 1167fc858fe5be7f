// Package scheduler drains the job queue. Every external trigger (the HTTP
// endpoint, the optional in-process cron) funnels into RunOnce.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/internal/workers"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
)

// ErrTickInProgress is returned when RunOnce is called while an earlier tick
// is still draining. Overlapping triggers are skipped, not queued.
var ErrTickInProgress = errors.New("scheduler tick already in progress")

// DefaultBatchSize bounds how many due jobs one tick takes per type.
const DefaultBatchSize = 10

// Result reports what one tick did, keyed by job type.
type Result struct {
	Processed map[domain.JobType]int `json:"processed"`
	Failed    map[domain.JobType]int `json:"failed"`
	Errors    []string               `json:"errors,omitempty"`
}

func newResult() *Result {
	return &Result{
		Processed: make(map[domain.JobType]int),
		Failed:    make(map[domain.JobType]int),
	}
}

// Scheduler claims due jobs and dispatches them to their stage workers. It
// holds no queue state of its own; the jobs table is the queue.
type Scheduler struct {
	repos     repository.RepositoryManager
	workers   map[domain.JobType]workers.Worker
	events    workers.EventPublisher
	batchSize int

	mu      sync.Mutex
	running bool
}

// New builds a scheduler over the given worker set. events may be nil.
func New(repos repository.RepositoryManager, workerSet []workers.Worker, events workers.EventPublisher, batchSize int) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	byType := make(map[domain.JobType]workers.Worker, len(workerSet))
	for _, w := range workerSet {
		byType[w.Type()] = w
	}
	return &Scheduler{
		repos:     repos,
		workers:   byType,
		events:    events,
		batchSize: batchSize,
	}
}

// RunOnce drains up to batchSize due jobs per type, types in pipeline order.
// Only one tick runs at a time; concurrent callers get ErrTickInProgress.
// Job failures land in the result, not in the returned error.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrTickInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	result := newResult()
	for _, jobType := range domain.AllJobTypes {
		worker, ok := s.workers[jobType]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		jobs, err := s.repos.Jobs().Dequeue(ctx, jobType, s.batchSize)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", jobType, err))
			continue
		}

		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			claimed, err := s.repos.Jobs().Claim(ctx, job)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: claim %s: %v", jobType, job.ID, err))
				continue
			}
			if !claimed {
				continue
			}

			if err := s.runJob(ctx, worker, job); err != nil {
				s.failJob(ctx, job, err)
				result.Failed[jobType]++
				continue
			}
			if err := s.repos.Jobs().Complete(ctx, job); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: complete %s: %v", jobType, job.ID, err))
				continue
			}
			result.Processed[jobType]++
		}
	}
	return result, nil
}

// runJob executes the worker with panic containment: one broken job must not
// take down the whole tick.
func (s *Scheduler) runJob(ctx context.Context, worker workers.Worker, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithJob(job.ID, string(job.JobType)).Error("Worker panicked",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return worker.Handle(ctx, job)
}

// failJob records the failure and, when the job went terminal, writes the
// message onto the call session and emits the pipeline failure event.
func (s *Scheduler) failJob(ctx context.Context, job *domain.Job, cause error) {
	log := logger.WithJob(job.ID, string(job.JobType))
	if err := s.repos.Jobs().Fail(ctx, job, cause); err != nil {
		log.Error("Failed to record job failure", zap.Error(err))
		return
	}
	if job.Status != domain.JobStatusFailed {
		log.Warn("Job failed, retry scheduled",
			zap.Int("attempts", job.Attempts),
			zap.Time("retry_at", job.ScheduledAt),
			zap.Error(cause))
		return
	}

	log.Error("Job terminally failed",
		zap.String("call_id", job.CallID),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
	if err := s.repos.CallSessions().SetLastError(ctx, job.CallID, cause.Error()); err != nil {
		log.Warn("Failed to record error on call session", zap.Error(err))
	}
	if s.events != nil {
		err := s.events.PublishPipelineEvent(ctx, pubsub.PipelineEvent{
			Name:   pubsub.EventPipelineFailed,
			OrgID:  job.OrgID,
			CallID: job.CallID,
			Detail: map[string]string{
				"job_type": string(job.JobType),
				"error":    cause.Error(),
			},
		})
		if err != nil {
			log.Warn("Failed to publish pipeline event", zap.Error(err))
		}
	}
}
