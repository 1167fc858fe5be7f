package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/internal/telephony"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/redis"
)

const pbxTestSecret = "pbx-webhook-secret"

type pbxFixture struct {
	router *mux.Router
	repos  repository.RepositoryManager
	events *capturingPublisher
	cfg    *config.PipelineConfig
}

func newPbxFixture(t *testing.T, auth *telephony.Authenticator, redisSvc *fakeRedis) *pbxFixture {
	t.Helper()
	cfg := config.DefaultPipelineConfig
	f := &pbxFixture{
		router: mux.NewRouter(),
		repos:  newTestRepos(t),
		events: &capturingPublisher{},
		cfg:    &cfg,
	}
	var dedup redis.RedisServiceInterface
	if redisSvc != nil {
		dedup = redisSvc
	}
	NewPbxWebhookHandler(f.repos, auth, dedup, f.events, f.cfg).SetupPbxRoutes(f.router)
	return f
}

func enforcingAuth() *telephony.Authenticator {
	return telephony.NewAuthenticator(false, "development")
}

func (f *pbxFixture) deliver(t *testing.T, payload telephony.WebhookPayload, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.deliverRaw(t, body, bearer)
}

func (f *pbxFixture) deliverRaw(t *testing.T, body []byte, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/pbx", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestPbxWebhook_RejectsUnauthenticatedDelivery(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})

	rec := f.deliver(t, telephony.WebhookPayload{
		Event:    "ringing",
		UniqueID: "ext-1",
		OrgID:    "org-1",
		From:     "+15550100199",
		To:       "+15550100200",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The delivery is audit-logged even though it was rejected.
	count, err := f.repos.WebhookLogs().CountBySource(context.Background(), domain.WebhookSourcePBX)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	session, err := f.repos.CallSessions().GetByExternalCallID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestPbxWebhook_RefusesWhenAuthDisabledInProduction(t *testing.T) {
	f := newPbxFixture(t, telephony.NewAuthenticator(true, "production"), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})

	rec := f.deliver(t, telephony.WebhookPayload{
		Event:    "ringing",
		UniqueID: "ext-1",
		OrgID:    "org-1",
	}, pbxTestSecret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPbxWebhook_UnparseableBodyIsAuditedAndRejected(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)

	rec := f.deliverRaw(t, []byte("{not json"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	count, err := f.repos.WebhookLogs().CountBySource(context.Background(), domain.WebhookSourcePBX)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestPbxWebhook_UnknownEventAcknowledged(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})

	rec := f.deliver(t, telephony.WebhookPayload{
		Event:    "park",
		UniqueID: "ext-1",
		OrgID:    "org-1",
	}, pbxTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code, "unknown events are acked so the connector stops retrying")

	session, err := f.repos.CallSessions().GetByExternalCallID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Nil(t, session, "nothing beyond the audit row is recorded")
}

func TestPbxWebhook_DisabledOrgDropsEvent(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: false, WebhookSecret: pbxTestSecret})

	rec := f.deliver(t, telephony.WebhookPayload{
		Event:    "ringing",
		UniqueID: "ext-1",
		OrgID:    "org-1",
	}, pbxTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestPbxWebhook_BlockedNumberDropsEvent(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})
	_, err := f.repos.BlockedNumbers().Create(context.Background(), "org-1", "+1 (555) 010-0199", "spam caller")
	require.NoError(t, err)

	rec := f.deliver(t, telephony.WebhookPayload{
		Event:    "ringing",
		UniqueID: "ext-1",
		OrgID:    "org-1",
		From:     "15550100199",
		To:       "+15550100200",
	}, pbxTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestPbxWebhook_LifecycleEventsBuildSession(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})
	ctx := context.Background()

	base := telephony.WebhookPayload{
		UniqueID:  "ext-1",
		OrgID:     "org-1",
		Direction: "inbound",
		From:      "+15550100199",
		To:        "+15550100200",
		Agent:     "ext-204",
	}

	started := base
	started.Event = "ringing"
	started.Timestamp = 1767000000
	assert.Equal(t, http.StatusOK, f.deliver(t, started, pbxTestSecret).Code)

	answered := base
	answered.Event = "answer"
	answered.Timestamp = 1767000005
	assert.Equal(t, http.StatusOK, f.deliver(t, answered, pbxTestSecret).Code)

	ended := base
	ended.Event = "hangup"
	ended.Timestamp = 1767000090
	assert.Equal(t, http.StatusOK, f.deliver(t, ended, pbxTestSecret).Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(ctx, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, domain.DirectionInbound, session.Direction)
	assert.Equal(t, "ext-204", session.AgentRef)
	require.NotNil(t, session.StartedAt)
	require.NotNil(t, session.AnsweredAt)
	require.NotNil(t, session.EndedAt)
	assert.EqualValues(t, 1767000000, session.StartedAt.Unix())
	assert.EqualValues(t, 1767000005, session.AnsweredAt.Unix())
	assert.EqualValues(t, 1767000090, session.EndedAt.Unix())

	created := f.events.byName(pubsub.EventSessionCreated)
	assert.Len(t, created, 1, "only the first event creates the session")

	// No recording URL on hangup: the lookup runs later, after the trunk has
	// had time to finalize the file.
	lookup, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeRecordingLookup, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, lookup)
	assert.True(t, lookup.ScheduledAt.After(time.Now().UTC().Add(30*time.Second)))
}

func TestPbxWebhook_RecordingOnHangupSkipsLookup(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})
	ctx := context.Background()

	rec := f.deliver(t, telephony.WebhookPayload{
		Event:        "hangup",
		UniqueID:     "ext-1",
		OrgID:        "org-1",
		Direction:    "inbound",
		From:         "+15550100199",
		To:           "+15550100200",
		RecordingURL: "https://pbx.example/recordings/ext-1.mp3",
		Timestamp:    1767000090,
	}, pbxTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusAvailable, session.RecordingStatus)
	assert.Equal(t, "https://pbx.example/recordings/ext-1.mp3", session.RecordingURL)
	assert.Equal(t, domain.ConsentStatusNotRequired, session.ConsentStatus)

	sttJob, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeSTTRequest, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, sttJob)
	lookup, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeRecordingLookup, "ext-1")
	require.NoError(t, err)
	assert.Nil(t, lookup)
}

func TestPbxWebhook_ConsentRequiredRoutesToPrompt(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), nil)
	seedOrg(t, f.repos, &domain.OrgSettings{
		OrgID:           "org-1",
		Enabled:         true,
		WebhookSecret:   pbxTestSecret,
		ConsentRequired: true,
	})
	ctx := context.Background()

	rec := f.deliver(t, telephony.WebhookPayload{
		Event:        "recording-ready",
		UniqueID:     "ext-1",
		OrgID:        "org-1",
		From:         "+15550100199",
		To:           "+15550100200",
		RecordingURL: "https://pbx.example/recordings/ext-1.mp3",
	}, pbxTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	consentJob, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeConsentRequest, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, consentJob)
	sttJob, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeSTTRequest, "ext-1")
	require.NoError(t, err)
	assert.Nil(t, sttJob, "transcription waits for the consent gate")
}

func TestPbxWebhook_FailedDeliveryIsRetriableDespiteSuppression(t *testing.T) {
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

	cfg := config.DefaultPipelineConfig
	f := &pbxFixture{
		router: mux.NewRouter(),
		repos:  repository.NewGormRepositoryManager(db),
		events: &capturingPublisher{},
		cfg:    &cfg,
	}
	NewPbxWebhookHandler(f.repos, enforcingAuth(), newFakeRedis(), f.events, f.cfg).SetupPbxRoutes(f.router)
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})
	ctx := context.Background()

	payload := telephony.WebhookPayload{
		Event:     "hangup",
		UniqueID:  "ext-1",
		OrgID:     "org-1",
		From:      "+15550100199",
		To:        "+15550100200",
		Timestamp: 1767000090,
	}

	// The jobs table goes away mid-delivery, so the enqueue fails and the
	// handler answers 500. The connector will redeliver the same payload.
	require.NoError(t, db.Migrator().DropTable(&domain.Job{}))
	assert.Equal(t, http.StatusInternalServerError, f.deliver(t, payload, pbxTestSecret).Code)

	require.NoError(t, repository.AutoMigrate(db))
	assert.Equal(t, http.StatusOK, f.deliver(t, payload, pbxTestSecret).Code)

	lookup, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeRecordingLookup, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, lookup, "the retried delivery must not be suppressed as a replay")
	assert.Equal(t, domain.JobStatusPending, lookup.Status)
}

func TestPbxWebhook_ReplaySuppressionStopsReEnqueue(t *testing.T) {
	f := newPbxFixture(t, enforcingAuth(), newFakeRedis())
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, WebhookSecret: pbxTestSecret})
	ctx := context.Background()

	payload := telephony.WebhookPayload{
		Event:        "hangup",
		UniqueID:     "ext-1",
		OrgID:        "org-1",
		From:         "+15550100199",
		To:           "+15550100200",
		RecordingURL: "https://pbx.example/recordings/ext-1.mp3",
		Timestamp:    1767000090,
	}
	assert.Equal(t, http.StatusOK, f.deliver(t, payload, pbxTestSecret).Code)

	// Run the enqueued transcription job to completion, then replay the exact
	// same delivery. Without suppression the replay would enqueue it again.
	jobs, err := f.repos.Jobs().Dequeue(ctx, domain.JobTypeSTTRequest, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	claimed, err := f.repos.Jobs().Claim(ctx, jobs[0])
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.repos.Jobs().Complete(ctx, jobs[0]))

	assert.Equal(t, http.StatusOK, f.deliver(t, payload, pbxTestSecret).Code)

	latest, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeSTTRequest, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, latest.Status, "the replayed delivery must not restart the pipeline")
}
