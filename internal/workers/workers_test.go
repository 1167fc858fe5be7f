package workers

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SableAI/sable-call-service/internal/cache"
	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/hubspot"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/slackmsg"
	"github.com/SableAI/sable-call-service/pkg/stt"
	"github.com/SableAI/sable-call-service/pkg/twilio"
)

func newTestRepos(t *testing.T) repository.RepositoryManager {
	t.Helper()
	db, err := repository.NewDatabaseConnection(&repository.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "workers.db"),
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

func testDeps(repos repository.RepositoryManager) Deps {
	cfg := config.DefaultPipelineConfig
	return Deps{
		Repos:    repos,
		Config:   &cfg,
		Mappings: cache.NewMappingCache(repos.AgentMappings(), 0),
	}
}

func seedOrg(t *testing.T, repos repository.RepositoryManager, org *domain.OrgSettings) *domain.OrgSettings {
	t.Helper()
	created, err := repos.OrgSettings().Create(context.Background(), org)
	require.NoError(t, err)
	return created
}

func seedSession(t *testing.T, repos repository.RepositoryManager, seed *domain.CallSession) *domain.CallSession {
	t.Helper()
	session, created, err := repos.CallSessions().GetOrCreate(context.Background(), seed)
	require.NoError(t, err)
	require.True(t, created)
	return session
}

func testJob(jobType domain.JobType, callID string) *domain.Job {
	return &domain.Job{
		JobType:     jobType,
		CallID:      callID,
		OrgID:       "org-1",
		Attempts:    1,
		MaxAttempts: domain.DefaultMaxAttempts,
	}
}

type fakeLocator struct {
	rec     *twilio.Recording
	err     error
	queries []twilio.CallQuery
}

func (f *fakeLocator) FindRecording(_ context.Context, _ twilio.Credentials, q twilio.CallQuery) (*twilio.Recording, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

type fakeStore struct {
	uploadErr error
	signErr   error
	uploads   []string
	signed    []string
}

func (f *fakeStore) Upload(_ context.Context, objectPath, _ string, content io.Reader) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	if _, err := io.Copy(io.Discard, content); err != nil {
		return "", err
	}
	f.uploads = append(f.uploads, objectPath)
	return "gs://recordings-test/" + objectPath, nil
}

func (f *fakeStore) Exists(context.Context, string) (bool, error) {
	return false, nil
}

func (f *fakeStore) GetPresignedURL(_ context.Context, gcsURI string, _ time.Time) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	f.signed = append(f.signed, gcsURI)
	return "https://signed.example" + strings.TrimPrefix(gcsURI, "gs:/"), nil
}

type fakeSubmitter struct {
	err       error
	audioURLs []string
	metadata  []map[string]string
}

func (f *fakeSubmitter) SubmitTranscription(_ context.Context, audioURL string, metadata map[string]string) (*stt.SubmitResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.audioURLs = append(f.audioURLs, audioURL)
	f.metadata = append(f.metadata, metadata)
	return &stt.SubmitResponse{JobID: "stt-job-1", Status: "queued"}, nil
}

type fakeMessenger struct {
	promptErr error
	prompts   []slackmsg.ConsentPrompt
	channels  []string
	reminders int
	resolved  []string
}

func (f *fakeMessenger) PostConsentPrompt(_ context.Context, channelID string, prompt slackmsg.ConsentPrompt) (string, string, error) {
	if f.promptErr != nil {
		return "", "", f.promptErr
	}
	f.prompts = append(f.prompts, prompt)
	f.channels = append(f.channels, channelID)
	return channelID, "1712345678.000100", nil
}

func (f *fakeMessenger) PostReminder(context.Context, string, string, string) error {
	f.reminders++
	return nil
}

func (f *fakeMessenger) UpdateResolved(_ context.Context, _, _, outcome string) error {
	f.resolved = append(f.resolved, outcome)
	return nil
}

type fakeCRM struct {
	contact   *hubspot.Contact
	searchErr error
	noteErr   error
	callErr   error
	searches  []string
	notes     []string
	calls     []hubspot.CallEngagement
}

func (f *fakeCRM) SearchContactByPhone(_ context.Context, _, phoneNumber string) (*hubspot.Contact, error) {
	f.searches = append(f.searches, phoneNumber)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.contact, nil
}

func (f *fakeCRM) CreateCall(_ context.Context, _ string, eng hubspot.CallEngagement) (string, error) {
	if f.callErr != nil {
		return "", f.callErr
	}
	f.calls = append(f.calls, eng)
	return "engagement-call-1", nil
}

func (f *fakeCRM) CreateNote(_ context.Context, _, _, body string, _ time.Time) (string, error) {
	if f.noteErr != nil {
		return "", f.noteErr
	}
	f.notes = append(f.notes, body)
	return "engagement-note-1", nil
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
