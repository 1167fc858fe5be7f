package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/logger"
)

// crmTimestampTolerance bounds how stale a signed CRM delivery may be.
const crmTimestampTolerance = 5 * time.Minute

// CRMWebhookHandler receives HubSpot object-change notifications. The rows it
// writes are audit-only; nothing in the call pipeline consumes them.
type CRMWebhookHandler struct {
	repos        repository.RepositoryManager
	clientSecret string
}

// NewCRMWebhookHandler creates a new CRM webhook handler
func NewCRMWebhookHandler(repos repository.RepositoryManager, clientSecret string) *CRMWebhookHandler {
	return &CRMWebhookHandler{
		repos:        repos,
		clientSecret: clientSecret,
	}
}

// SetupCRMRoutes registers the CRM webhook endpoint
func (h *CRMWebhookHandler) SetupCRMRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/hubspot", h.handleCRMWebhook).Methods("POST")
	logger.Base().Info("crm webhook route registered")
}

// crmEvent is one entry of the HubSpot webhook batch.
type crmEvent struct {
	EventID          int64  `json:"eventId"`
	PortalID         int64  `json:"portalId"`
	ObjectID         int64  `json:"objectId"`
	SubscriptionType string `json:"subscriptionType"`
	OccurredAt       int64  `json:"occurredAt"`
	PropertyName     string `json:"propertyName,omitempty"`
	PropertyValue    string `json:"propertyValue,omitempty"`
	ChangeSource     string `json:"changeSource,omitempty"`
}

func (h *CRMWebhookHandler) handleCRMWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Base().Error("Failed to read crm webhook body", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.repos.WebhookLogs().Append(ctx, domain.WebhookSourceHubspot, "", "object-change", string(body)); err != nil {
		logger.Base().Error("Failed to append webhook audit log", zap.Error(err))
	}

	if !h.verifySignature(r, body) {
		logger.Base().Warn("Rejected crm webhook signature")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var events []crmEvent
	if err := json.Unmarshal(body, &events); err != nil {
		logger.Base().Warn("Unparseable crm webhook body", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	for _, event := range events {
		record := &domain.CRMObjectEvent{
			ID:         uuid.New().String(),
			PortalID:   strconv.FormatInt(event.PortalID, 10),
			ObjectType: objectTypeOf(event.SubscriptionType),
			ObjectID:   strconv.FormatInt(event.ObjectID, 10),
			EventType:  event.SubscriptionType,
			OccurredAt: time.UnixMilli(event.OccurredAt).UTC(),
			Payload: domain.JSONB{
				"event_id":       event.EventID,
				"property_name":  event.PropertyName,
				"property_value": event.PropertyValue,
				"change_source":  event.ChangeSource,
			},
		}
		if _, err := h.repos.CRMEvents().Create(ctx, record); err != nil {
			logger.Base().Error("Failed to store crm object event",
				zap.String("object_id", record.ObjectID),
				zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	logger.Base().Info("Stored crm object events", zap.Int("count", len(events)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// verifySignature checks the v3 scheme: base64 HMAC-SHA256 of
// method+uri+body+timestamp with the app client secret, bounded by the
// timestamp tolerance.
func (h *CRMWebhookHandler) verifySignature(r *http.Request, body []byte) bool {
	if h.clientSecret == "" {
		return false
	}

	signature := r.Header.Get("X-HubSpot-Signature-v3")
	tsHeader := r.Header.Get("X-HubSpot-Request-Timestamp")
	if signature == "" || tsHeader == "" {
		return false
	}

	tsMillis, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	sent := time.UnixMilli(tsMillis)
	if d := time.Since(sent); d > crmTimestampTolerance || d < -crmTimestampTolerance {
		return false
	}

	uri := fmt.Sprintf("https://%s%s", r.Host, r.URL.RequestURI())
	mac := hmac.New(sha256.New, []byte(h.clientSecret))
	fmt.Fprintf(mac, "%s%s%s%s", r.Method, uri, body, tsHeader)

	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac.Sum(nil))
}

// objectTypeOf extracts the object family from a subscription type like
// "contact.propertyChange".
func objectTypeOf(subscriptionType string) string {
	objectType, _, ok := strings.Cut(subscriptionType, ".")
	if !ok {
		return subscriptionType
	}
	return objectType
}
