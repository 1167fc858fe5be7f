package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
)

const crmClientSecret = "hubspot-client-secret"

func newCRMRouter(t *testing.T, secret string) (*mux.Router, repository.RepositoryManager) {
	t.Helper()
	router := mux.NewRouter()
	repos := newTestRepos(t)
	NewCRMWebhookHandler(repos, secret).SetupCRMRoutes(router)
	return router, repos
}

// signCRMRequest computes the v3 signature the way HubSpot does: base64 HMAC
// over method, absolute uri, raw body and the millisecond timestamp header.
func signCRMRequest(secret string, body []byte, at time.Time) (signature, timestamp string) {
	timestamp = strconv.FormatInt(at.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "POST%s%s%s", "https://example.com/webhooks/hubspot", body, timestamp)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), timestamp
}

func postCRMWebhook(router *mux.Router, body []byte, signature, timestamp string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hubspot", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-HubSpot-Signature-v3", signature)
	req.Header.Set("X-HubSpot-Request-Timestamp", timestamp)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCRMWebhook_StoresSignedBatch(t *testing.T) {
	router, repos := newCRMRouter(t, crmClientSecret)
	ctx := context.Background()

	body := []byte(`[
		{"eventId": 1001, "portalId": 98, "objectId": 12345, "subscriptionType": "contact.propertyChange",
		 "occurredAt": 1767000000000, "propertyName": "hs_lead_status", "propertyValue": "customer", "changeSource": "CRM_UI"},
		{"eventId": 1002, "portalId": 98, "objectId": 67890, "subscriptionType": "deal.creation", "occurredAt": 1767000001000}
	]`)
	sig, ts := signCRMRequest(crmClientSecret, body, time.Now())

	rec := postCRMWebhook(router, body, sig, ts)
	assert.Equal(t, http.StatusOK, rec.Code)

	events, err := repos.CRMEvents().ListByObjectID(ctx, "12345")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "98", events[0].PortalID)
	assert.Equal(t, "contact", events[0].ObjectType)
	assert.Equal(t, "contact.propertyChange", events[0].EventType)
	assert.EqualValues(t, 1767000000, events[0].OccurredAt.Unix())
	assert.Equal(t, "hs_lead_status", events[0].Payload["property_name"])
	assert.Equal(t, "customer", events[0].Payload["property_value"])

	deals, err := repos.CRMEvents().ListByObjectID(ctx, "67890")
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, "deal", deals[0].ObjectType)
}

func TestCRMWebhook_RejectsTamperedBody(t *testing.T) {
	router, repos := newCRMRouter(t, crmClientSecret)

	signed := []byte(`[{"eventId": 1, "portalId": 98, "objectId": 12345, "subscriptionType": "contact.creation", "occurredAt": 1767000000000}]`)
	tampered := []byte(`[{"eventId": 1, "portalId": 98, "objectId": 99999, "subscriptionType": "contact.creation", "occurredAt": 1767000000000}]`)
	sig, ts := signCRMRequest(crmClientSecret, signed, time.Now())

	rec := postCRMWebhook(router, tampered, sig, ts)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	events, err := repos.CRMEvents().ListByObjectID(context.Background(), "99999")
	require.NoError(t, err)
	assert.Empty(t, events)

	// The rejected delivery still leaves an audit row.
	count, err := repos.WebhookLogs().CountBySource(context.Background(), domain.WebhookSourceHubspot)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestCRMWebhook_RejectsStaleTimestamp(t *testing.T) {
	router, _ := newCRMRouter(t, crmClientSecret)

	body := []byte(`[{"eventId": 1, "portalId": 98, "objectId": 12345, "subscriptionType": "contact.creation", "occurredAt": 1767000000000}]`)
	sig, ts := signCRMRequest(crmClientSecret, body, time.Now().Add(-10*time.Minute))

	rec := postCRMWebhook(router, body, sig, ts)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a correctly signed but stale delivery is a replay")
}

func TestCRMWebhook_NoSecretFailsClosed(t *testing.T) {
	router, _ := newCRMRouter(t, "")

	body := []byte(`[]`)
	sig, ts := signCRMRequest("", body, time.Now())

	rec := postCRMWebhook(router, body, sig, ts)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCRMWebhook_UnparseableBodyRejected(t *testing.T) {
	router, _ := newCRMRouter(t, crmClientSecret)

	body := []byte(`{"not": "a batch"}`)
	sig, ts := signCRMRequest(crmClientSecret, body, time.Now())

	rec := postCRMWebhook(router, body, sig, ts)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
