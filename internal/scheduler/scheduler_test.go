package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/pipeline"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/internal/workers"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
)

func newTestRepos(t *testing.T) repository.RepositoryManager {
	t.Helper()
	db, err := repository.NewDatabaseConnection(&repository.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "scheduler.db"),
	})
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	})
	return repository.NewGormRepositoryManager(db)
}

type stubWorker struct {
	jobType domain.JobType
	handle  func(ctx context.Context, job *domain.Job) error

	mu      sync.Mutex
	handled []string
}

func (w *stubWorker) Type() domain.JobType { return w.jobType }

func (w *stubWorker) Handle(ctx context.Context, job *domain.Job) error {
	w.mu.Lock()
	w.handled = append(w.handled, job.ID)
	w.mu.Unlock()
	if w.handle != nil {
		return w.handle(ctx, job)
	}
	return nil
}

func (w *stubWorker) handledCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handled)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []pubsub.PipelineEvent
}

func (p *capturingPublisher) PublishPipelineEvent(_ context.Context, event pubsub.PipelineEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) byName(name string) []pubsub.PipelineEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pubsub.PipelineEvent
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func TestScheduler_RunOnceProcessesDueJobsPerType(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	lookup := &stubWorker{jobType: domain.JobTypeRecordingLookup}
	stt := &stubWorker{jobType: domain.JobTypeSTTRequest}
	s := New(repos, []workers.Worker{lookup, stt}, nil, 10)

	_, err := repos.Jobs().Enqueue(ctx, domain.JobTypeRecordingLookup, "call-1", "org-1", "", time.Time{})
	require.NoError(t, err)
	_, err = repos.Jobs().Enqueue(ctx, domain.JobTypeRecordingLookup, "call-2", "org-1", "", time.Time{})
	require.NoError(t, err)
	job3, err := repos.Jobs().Enqueue(ctx, domain.JobTypeSTTRequest, "call-3", "org-1", "", time.Time{})
	require.NoError(t, err)

	result, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed[domain.JobTypeRecordingLookup])
	assert.Equal(t, 1, result.Processed[domain.JobTypeSTTRequest])
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, lookup.handledCount())
	assert.Equal(t, 1, stt.handledCount())

	reloaded, err := repos.Jobs().GetByID(ctx, job3.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, reloaded.Status)

	// A second tick finds nothing left.
	result, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Processed)
}

func TestScheduler_SkipsTypesWithoutWorkers(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	s := New(repos, []workers.Worker{&stubWorker{jobType: domain.JobTypeSTTRequest}}, nil, 10)

	job, err := repos.Jobs().Enqueue(ctx, domain.JobTypeHubspotSync, "call-1", "org-1", "", time.Time{})
	require.NoError(t, err)

	result, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Processed)

	reloaded, err := repos.Jobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, reloaded.Status, "jobs without a worker stay queued")
}

func TestScheduler_ConcurrentTickIsRejected(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	slow := &stubWorker{
		jobType: domain.JobTypeSTTRequest,
		handle: func(context.Context, *domain.Job) error {
			close(started)
			<-release
			return nil
		},
	}
	s := New(repos, []workers.Worker{slow}, nil, 10)

	_, err := repos.Jobs().Enqueue(ctx, domain.JobTypeSTTRequest, "call-1", "org-1", "", time.Time{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, runErr := s.RunOnce(ctx)
		done <- runErr
	}()

	<-started
	_, err = s.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	require.NoError(t, <-done)

	// The flag is released once the tick finishes.
	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
}

func TestScheduler_WorkerPanicIsContained(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	boom := &stubWorker{
		jobType: domain.JobTypeRecordingLookup,
		handle: func(context.Context, *domain.Job) error {
			panic("nil recording pointer")
		},
	}
	healthy := &stubWorker{jobType: domain.JobTypeSTTRequest}
	s := New(repos, []workers.Worker{boom, healthy}, nil, 10)

	job, err := repos.Jobs().Enqueue(ctx, domain.JobTypeRecordingLookup, "call-1", "org-1", "", time.Time{})
	require.NoError(t, err)
	_, err = repos.Jobs().Enqueue(ctx, domain.JobTypeSTTRequest, "call-2", "org-1", "", time.Time{})
	require.NoError(t, err)

	result, err := s.RunOnce(ctx)
	require.NoError(t, err, "a panicking worker must not abort the tick")
	assert.Equal(t, 1, result.Failed[domain.JobTypeRecordingLookup])
	assert.Equal(t, 1, result.Processed[domain.JobTypeSTTRequest])

	reloaded, err := repos.Jobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, reloaded.Status, "a panic is retryable")
	assert.Contains(t, reloaded.ErrorMessage, "worker panic")
}

func TestScheduler_TerminalFailureMarksSessionAndPublishes(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, created, err := repos.CallSessions().GetOrCreate(ctx, &domain.CallSession{
		ExternalCallID: "ext-1",
		OrgID:          "org-1",
	})
	require.NoError(t, err)
	require.True(t, created)

	broken := &stubWorker{
		jobType: domain.JobTypeHubspotSync,
		handle: func(context.Context, *domain.Job) error {
			return pipeline.Configf("org has no crm token")
		},
	}
	events := &capturingPublisher{}
	s := New(repos, []workers.Worker{broken}, events, 10)

	job, err := repos.Jobs().Enqueue(ctx, domain.JobTypeHubspotSync, "ext-1", "org-1", "", time.Time{})
	require.NoError(t, err)

	result, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed[domain.JobTypeHubspotSync])

	reloaded, err := repos.Jobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, reloaded.Status)

	session, err := repos.CallSessions().GetByExternalCallID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Contains(t, session.LastError, "org has no crm token")

	failures := events.byName(pubsub.EventPipelineFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "ext-1", failures[0].CallID)
	assert.Equal(t, string(domain.JobTypeHubspotSync), failures[0].Detail["job_type"])
}

func TestScheduler_RetryableFailureDoesNotPublish(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	flaky := &stubWorker{
		jobType: domain.JobTypeRecordingLookup,
		handle: func(context.Context, *domain.Job) error {
			return pipeline.Downstreamf("trunk api 503")
		},
	}
	events := &capturingPublisher{}
	s := New(repos, []workers.Worker{flaky}, events, 10)

	_, err := repos.Jobs().Enqueue(ctx, domain.JobTypeRecordingLookup, "ext-1", "org-1", "", time.Time{})
	require.NoError(t, err)

	result, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed[domain.JobTypeRecordingLookup])
	assert.Empty(t, events.byName(pubsub.EventPipelineFailed), "retries are not terminal failures")
}
