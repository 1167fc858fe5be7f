package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/stt"
)

const sttCallbackSecret = "stt-callback-secret"

type sttFixture struct {
	router   *mux.Router
	repos    repository.RepositoryManager
	events   *capturingPublisher
	analyzer *fakeAnalyzer
	store    *fakeObjectStore
}

func newSttFixture(t *testing.T) *sttFixture {
	t.Helper()
	f := &sttFixture{
		router:   mux.NewRouter(),
		repos:    newTestRepos(t),
		events:   &capturingPublisher{},
		analyzer: &fakeAnalyzer{},
		store:    &fakeObjectStore{},
	}
	NewTranscriptionWebhookHandler(f.repos, sttCallbackSecret, f.analyzer, f.store, f.events).SetupTranscriptionRoutes(f.router)
	return f
}

// seedTranscribingCall puts one call mid-transcription for an org that syncs
// to the CRM.
func (f *sttFixture) seedTranscribingCall(t *testing.T) {
	t.Helper()
	seedOrg(t, f.repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, HubspotAccessToken: "hs-token"})
	seedSession(t, f.repos, &domain.CallSession{
		ExternalCallID: "ext-1",
		OrgID:          "org-1",
		Direction:      domain.DirectionInbound,
		FromNumber:     "+15550100199",
		ToNumber:       "+15550100200",
		AgentRef:       "ext-204",
	})
}

func (f *sttFixture) callback(t *testing.T, payload stt.CallbackPayload, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/transcription", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(stt.SignatureHeader, stt.SignPayload(body, secret, time.Now()))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func completedCallback(callID string) stt.CallbackPayload {
	return stt.CallbackPayload{
		JobID:  "stt-job-1",
		Status: stt.CallbackStatusCompleted,
		Turns: []stt.TranscriptTurn{
			{Speaker: "Agent", Text: "Hello.", StartMS: 0},
			{Speaker: "Customer", Text: "I have a question about pricing.", StartMS: 2400},
		},
		Metadata: map[string]string{"call_id": callID, "org_id": "org-1"},
	}
}

func TestTranscriptionWebhook_CompletionRunsInsightPipeline(t *testing.T) {
	f := newSttFixture(t)
	f.seedTranscribingCall(t)
	ctx := context.Background()

	rec := f.callback(t, completedCallback("ext-1"), sttCallbackSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TranscriptionStatusCompleted, session.TranscriptionStatus)
	assert.Equal(t, "Agent: Hello.\nCustomer: I have a question about pricing.", session.Transcript,
		"diarized turns keep their speaker labels")
	assert.Equal(t, "Customer asked about pricing.", session.Summary)
	assert.Equal(t, "positive", session.Sentiment)
	assert.JSONEq(t, `["pricing question"]`, session.Insights)
	assert.JSONEq(t, `["Acme CRM"]`, session.CompetitorMentions)
	assert.Equal(t, "gs://artifacts-test/transcripts/org-1/ext-1.pdf", session.TranscriptPDFObject)

	assert.Equal(t, []string{"transcripts/org-1/ext-1.pdf"}, f.store.uploads)

	sync, err := f.repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeHubspotSync, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, sync)
	assert.Equal(t, domain.JobStatusPending, sync.Status)

	transcribed := f.events.byName(pubsub.EventTranscriptCompleted)
	require.Len(t, transcribed, 1)
	assert.Equal(t, "stt-job-1", transcribed[0].Detail["stt_job_id"])
	analyzed := f.events.byName(pubsub.EventAnalysisCompleted)
	require.Len(t, analyzed, 1)
	assert.Equal(t, "positive", analyzed[0].Detail["sentiment"])
}

func TestTranscriptionWebhook_RedeliveryFinishesNothingTwice(t *testing.T) {
	f := newSttFixture(t)
	f.seedTranscribingCall(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusOK, f.callback(t, completedCallback("ext-1"), sttCallbackSecret).Code)
	assert.Equal(t, http.StatusOK, f.callback(t, completedCallback("ext-1"), sttCallbackSecret).Code)

	assert.Equal(t, 1, f.analyzer.calls)
	assert.Len(t, f.store.uploads, 1)
	assert.Len(t, f.events.byName(pubsub.EventTranscriptCompleted), 1)

	// One pending sync job covers both deliveries.
	jobs, err := f.repos.Jobs().Dequeue(ctx, domain.JobTypeHubspotSync, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestTranscriptionWebhook_LostPDFIsReuploadedOnRedelivery(t *testing.T) {
	f := newSttFixture(t)
	f.seedTranscribingCall(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusOK, f.callback(t, completedCallback("ext-1"), sttCallbackSecret).Code)
	require.NoError(t, f.store.Delete(ctx, "gs://artifacts-test/transcripts/org-1/ext-1.pdf"))

	assert.Equal(t, http.StatusOK, f.callback(t, completedCallback("ext-1"), sttCallbackSecret).Code)
	assert.Len(t, f.store.uploads, 2)
	assert.Equal(t, 1, f.analyzer.calls, "analysis is never re-run for a rebuilt document")
}

func TestTranscriptionWebhook_BadSignatureUnauthorized(t *testing.T) {
	f := newSttFixture(t)
	f.seedTranscribingCall(t)
	ctx := context.Background()

	rec := f.callback(t, completedCallback("ext-1"), "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	count, err := f.repos.WebhookLogs().CountBySource(ctx, domain.WebhookSourceSTT)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	session, err := f.repos.CallSessions().GetByExternalCallID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Empty(t, session.Transcript)
}

func TestTranscriptionWebhook_FailureMarksSession(t *testing.T) {
	f := newSttFixture(t)
	f.seedTranscribingCall(t)

	rec := f.callback(t, stt.CallbackPayload{
		JobID:    "stt-job-1",
		Status:   stt.CallbackStatusFailed,
		Error:    "audio unreadable",
		Metadata: map[string]string{"call_id": "ext-1", "org_id": "org-1"},
	}, sttCallbackSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TranscriptionStatusFailed, session.TranscriptionStatus)
	assert.Contains(t, session.LastError, "audio unreadable")
	assert.Empty(t, f.store.uploads)
}

func TestTranscriptionWebhook_UnknownCallAcknowledged(t *testing.T) {
	f := newSttFixture(t)

	rec := f.callback(t, completedCallback("ghost"), sttCallbackSecret)
	assert.Equal(t, http.StatusOK, rec.Code, "acked so the provider stops redelivering")
	assert.Equal(t, 0, f.analyzer.calls)
}

func TestTranscriptionWebhook_MissingCallIDRejected(t *testing.T) {
	f := newSttFixture(t)

	rec := f.callback(t, stt.CallbackPayload{
		JobID:    "stt-job-1",
		Status:   stt.CallbackStatusCompleted,
		Metadata: map[string]string{"org_id": "org-1"},
	}, sttCallbackSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranscriptionWebhook_CompletedWithoutTranscriptRejected(t *testing.T) {
	f := newSttFixture(t)
	f.seedTranscribingCall(t)

	rec := f.callback(t, stt.CallbackPayload{
		JobID:    "stt-job-1",
		Status:   stt.CallbackStatusCompleted,
		Metadata: map[string]string{"call_id": "ext-1", "org_id": "org-1"},
	}, sttCallbackSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.NotEqual(t, domain.TranscriptionStatusCompleted, session.TranscriptionStatus)
}

func TestTranscriptionWebhook_InterimStatusIgnored(t *testing.T) {
	f := newSttFixture(t)
	f.seedTranscribingCall(t)

	rec := f.callback(t, stt.CallbackPayload{
		JobID:    "stt-job-1",
		Status:   "processing",
		Metadata: map[string]string{"call_id": "ext-1", "org_id": "org-1"},
	}, sttCallbackSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := f.repos.CallSessions().GetByExternalCallID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TranscriptionStatusPending, session.TranscriptionStatus)
	assert.Empty(t, f.events.byName(pubsub.EventTranscriptCompleted))
}

func TestTranscriptionWebhook_WithoutAnalyzerStillStoresAndSyncs(t *testing.T) {
	repos := newTestRepos(t)
	events := &capturingPublisher{}
	router := mux.NewRouter()
	NewTranscriptionWebhookHandler(repos, sttCallbackSecret, nil, nil, events).SetupTranscriptionRoutes(router)

	seedOrg(t, repos, &domain.OrgSettings{OrgID: "org-1", Enabled: true, HubspotAccessToken: "hs-token"})
	seedSession(t, repos, &domain.CallSession{ExternalCallID: "ext-1", OrgID: "org-1"})
	ctx := context.Background()

	body, err := json.Marshal(completedCallback("ext-1"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/transcription", bytes.NewReader(body))
	req.Header.Set(stt.SignatureHeader, stt.SignPayload(body, sttCallbackSecret, time.Now()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := repos.CallSessions().GetByExternalCallID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TranscriptionStatusCompleted, session.TranscriptionStatus)
	assert.Empty(t, session.Summary)
	assert.Empty(t, session.TranscriptPDFObject)

	sync, err := repos.Jobs().GetLatestByTypeAndCall(ctx, domain.JobTypeHubspotSync, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, sync)
	assert.Empty(t, events.byName(pubsub.EventAnalysisCompleted))
}
