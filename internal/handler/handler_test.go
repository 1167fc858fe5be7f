package handler

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SableAI/sable-call-service/internal/analysis"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/redis"
)

func newTestRepos(t *testing.T) repository.RepositoryManager {
	t.Helper()
	db, err := repository.NewDatabaseConnection(&repository.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "handler.db"),
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

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]string)}
}

func (f *fakeRedis) GenerateKey(keyType redis.KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", keyType, identifier)
}

func (f *fakeRedis) GetValue(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	if !ok {
		return "", redis.ErrKeyNotExist
	}
	return v, nil
}

func (f *fakeRedis) SetValue(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = value
	return nil
}

func (f *fakeRedis) SetIfNotExists(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = value
	return true, nil
}

func (f *fakeRedis) DelValue(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type fakeAnalyzer struct {
	digest *analysis.Digest
	err    error
	calls  int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string, _ analysis.CallMeta) (*analysis.Digest, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.digest != nil {
		return f.digest, nil
	}
	return &analysis.Digest{
		Summary:            "Customer asked about pricing.",
		Sentiment:          "positive",
		Insights:           []string{"pricing question"},
		CompetitorMentions: []string{"Acme CRM"},
	}, nil
}

type fakeObjectStore struct {
	uploads []string
	objects map[string]bool
	deleted []string
}

func (f *fakeObjectStore) Upload(_ context.Context, objectPath, _ string, content io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, content); err != nil {
		return "", err
	}
	uri := "gs://artifacts-test/" + objectPath
	f.uploads = append(f.uploads, objectPath)
	if f.objects == nil {
		f.objects = make(map[string]bool)
	}
	f.objects[uri] = true
	return uri, nil
}

func (f *fakeObjectStore) Exists(_ context.Context, gcsURI string) (bool, error) {
	return f.objects[gcsURI], nil
}

func (f *fakeObjectStore) Delete(_ context.Context, gcsURL string) error {
	f.deleted = append(f.deleted, gcsURL)
	delete(f.objects, gcsURL)
	return nil
}

type fakePromptEditor struct {
	outcomes []string
}

func (f *fakePromptEditor) UpdateResolved(_ context.Context, _, _, outcome string) error {
	f.outcomes = append(f.outcomes, outcome)
	return nil
}
