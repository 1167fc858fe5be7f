package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/internal/telephony"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/redis"
)

// replayWindow is the redis suppression TTL for re-delivered webhooks.
const replayWindow = 5 * time.Minute

// PbxWebhookHandler receives PBX connector lifecycle events. Handlers only
// record and enqueue; every provider call happens later in workers.
type PbxWebhookHandler struct {
	repos  repository.RepositoryManager
	auth   *telephony.Authenticator
	redis  redis.RedisServiceInterface
	events eventPublisher
	cfg    *config.PipelineConfig
}

// NewPbxWebhookHandler creates a new PBX webhook handler. redisSvc and events
// may be nil; replay suppression and event publishing degrade to off.
func NewPbxWebhookHandler(repos repository.RepositoryManager, auth *telephony.Authenticator, redisSvc redis.RedisServiceInterface, events eventPublisher, cfg *config.PipelineConfig) *PbxWebhookHandler {
	return &PbxWebhookHandler{
		repos:  repos,
		auth:   auth,
		redis:  redisSvc,
		events: events,
		cfg:    cfg,
	}
}

// SetupPbxRoutes registers the PBX webhook endpoint
func (h *PbxWebhookHandler) SetupPbxRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/pbx", h.handlePbxWebhook).Methods("POST")
	logger.Base().Info("pbx webhook route registered")
}

func (h *PbxWebhookHandler) handlePbxWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Base().Error("Failed to read pbx webhook body", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var payload telephony.WebhookPayload
	parseErr := json.Unmarshal(body, &payload)

	// The audit row is written before any gating; it is the only guaranteed
	// trace of a delivery.
	if err := h.repos.WebhookLogs().Append(ctx, domain.WebhookSourcePBX, payload.OrgID, payload.Event, string(body)); err != nil {
		logger.Base().Error("Failed to append webhook audit log", zap.Error(err))
	}

	if parseErr != nil {
		logger.Base().Warn("Unparseable pbx webhook body", zap.Error(parseErr))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if payload.OrgID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if h.auth.Misconfigured() {
		logger.Base().Error("Webhook auth disabled in production, refusing delivery")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	org, err := h.repos.OrgSettings().GetByOrgID(ctx, payload.OrgID)
	if err != nil {
		logger.Base().Error("Failed to load org settings", zap.String("org_id", payload.OrgID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	verifier, ok := h.auth.Authenticate(r, body, org)
	if !ok {
		logger.Base().Warn("Rejected pbx webhook", zap.String("org_id", payload.OrgID))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := telephony.Normalize(&payload)
	if err != nil {
		if errors.Is(err, telephony.ErrUnknownEvent) {
			// Outside the taxonomy: acknowledged so the connector stops
			// retrying, nothing recorded beyond the audit row.
			logger.Base().Info("Dropping unknown pbx event", zap.String("event", payload.Event), zap.String("org_id", payload.OrgID))
			h.ack(w)
			return
		}
		logger.Base().Warn("Invalid pbx webhook payload", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	log := logger.WithCall(event.CallID, event.OrgID).With(
		zap.String("event", string(event.Type)),
		zap.String("verifier", verifier),
	)

	// Gates: disabled orgs and blocked endpoints are acknowledged without any
	// session or job writes.
	if org == nil || !org.Enabled {
		log.Info("Org disabled, dropping event")
		h.ack(w)
		return
	}
	blocked, err := h.repos.BlockedNumbers().IsBlocked(ctx, org.OrgID, event.From, event.To)
	if err != nil {
		log.Error("Failed to check blocked numbers", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if blocked {
		log.Info("Endpoint blocked, dropping event")
		h.ack(w)
		return
	}

	dedupKey, duplicate := h.claimDelivery(ctx, event)
	if duplicate {
		log.Info("Duplicate delivery suppressed")
		h.ack(w)
		return
	}

	if err := h.processEvent(ctx, org, event, log); err != nil {
		// The connector retries on 500. Release the dedup key so the retry
		// is processed instead of being swallowed as a replay.
		h.releaseDelivery(ctx, dedupKey)
		log.Error("Failed to process pbx event", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.ack(w)
}

func (h *PbxWebhookHandler) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// claimDelivery marks the delivery seen inside the replay window so exact
// re-deliveries can be suppressed. The key guards against redundant
// redelivery only; a delivery that fails processing must release it again,
// otherwise the provider's retry is lost. Redis being down never blocks
// ingestion; the session upserts are idempotent anyway.
func (h *PbxWebhookHandler) claimDelivery(ctx context.Context, event *telephony.CallEvent) (string, bool) {
	if h.redis == nil {
		return "", false
	}
	identifier := fmt.Sprintf("%s:%s:%s:%d", event.OrgID, event.Type, event.CallID, event.OccurredAt.Unix())
	key := h.redis.GenerateKey(redis.WEBHOOK_EVENT, identifier)
	fresh, err := h.redis.SetIfNotExists(ctx, key, "1", replayWindow)
	if err != nil {
		logger.Base().Warn("Replay suppression unavailable", zap.Error(err))
		return "", false
	}
	return key, !fresh
}

// releaseDelivery drops the dedup key after a failed delivery so the exact
// same payload is accepted again on the connector's retry.
func (h *PbxWebhookHandler) releaseDelivery(ctx context.Context, key string) {
	if h.redis == nil || key == "" {
		return
	}
	if err := h.redis.DelValue(ctx, key); err != nil {
		logger.Base().Warn("Failed to release webhook dedup key", zap.Error(err))
	}
}

func (h *PbxWebhookHandler) processEvent(ctx context.Context, org *domain.OrgSettings, event *telephony.CallEvent, log *zap.Logger) error {
	session, created, err := h.repos.CallSessions().GetOrCreate(ctx, &domain.CallSession{
		ExternalCallID: event.CallID,
		OrgID:          event.OrgID,
		Direction:      event.Direction,
		FromNumber:     event.From,
		ToNumber:       event.To,
		AgentRef:       event.AgentRef,
	})
	if err != nil {
		return err
	}
	if !created {
		if err := h.repos.CallSessions().BackfillIdentity(ctx, event.CallID, event.Direction, event.From, event.To, event.AgentRef); err != nil {
			return err
		}
	}

	switch event.Type {
	case telephony.EventCallStarted:
		if err := h.repos.CallSessions().SetStartedAt(ctx, event.CallID, event.OccurredAt); err != nil {
			return err
		}

	case telephony.EventCallAnswered:
		if err := h.repos.CallSessions().SetAnsweredAt(ctx, event.CallID, event.OccurredAt); err != nil {
			return err
		}

	case telephony.EventCallEnded:
		if err := h.repos.CallSessions().SetEndedAt(ctx, event.CallID, event.OccurredAt); err != nil {
			return err
		}
		if event.RecordingURL != "" {
			if err := h.repos.CallSessions().SetRecordingAvailable(ctx, event.CallID, event.RecordingURL, ""); err != nil {
				return err
			}
			if err := h.advanceAfterRecording(ctx, org, session, log); err != nil {
				return err
			}
		} else {
			if err := h.enqueue(ctx, domain.JobTypeRecordingLookup, event.CallID, event.OrgID, time.Now().UTC().Add(h.cfg.RecordingLookupDelay), log); err != nil {
				return err
			}
		}

	case telephony.EventRecordingReady:
		if event.RecordingURL != "" {
			if err := h.repos.CallSessions().SetRecordingAvailable(ctx, event.CallID, event.RecordingURL, ""); err != nil {
				return err
			}
			if err := h.advanceAfterRecording(ctx, org, session, log); err != nil {
				return err
			}
		} else {
			// Ready without a URL: let the lookup worker find it on the trunk.
			if err := h.enqueue(ctx, domain.JobTypeRecordingLookup, event.CallID, event.OrgID, time.Time{}, log); err != nil {
				return err
			}
		}
	}

	if created && h.events != nil {
		if err := h.events.PublishPipelineEvent(ctx, pubsub.PipelineEvent{
			Name:   pubsub.EventSessionCreated,
			OrgID:  event.OrgID,
			CallID: event.CallID,
			Detail: map[string]string{"event": string(event.Type)},
		}); err != nil {
			log.Warn("Failed to publish session created event", zap.Error(err))
		}
	}
	return nil
}

// advanceAfterRecording enqueues the stage that follows an available
// recording: the consent prompt for orgs that require it, transcription
// otherwise. Terminal consent states stop the pipeline here.
func (h *PbxWebhookHandler) advanceAfterRecording(ctx context.Context, org *domain.OrgSettings, session *domain.CallSession, log *zap.Logger) error {
	callID := session.ExternalCallID
	switch session.ConsentStatus {
	case domain.ConsentStatusApproved, domain.ConsentStatusNotRequired:
		return h.enqueue(ctx, domain.JobTypeSTTRequest, callID, session.OrgID, time.Time{}, log)
	case domain.ConsentStatusDeclined, domain.ConsentStatusExpired:
		return nil
	default:
		if org.ConsentRequired {
			return h.enqueue(ctx, domain.JobTypeConsentRequest, callID, session.OrgID, time.Time{}, log)
		}
		if err := h.repos.CallSessions().SetConsentStatus(ctx, callID, domain.ConsentStatusNotRequired); err != nil {
			return err
		}
		return h.enqueue(ctx, domain.JobTypeSTTRequest, callID, session.OrgID, time.Time{}, log)
	}
}

func (h *PbxWebhookHandler) enqueue(ctx context.Context, jobType domain.JobType, callID, orgID string, scheduledAt time.Time, log *zap.Logger) error {
	_, enqueued, err := h.repos.Jobs().EnqueueUnique(ctx, jobType, callID, orgID, "", scheduledAt)
	if err != nil {
		return err
	}
	if enqueued {
		log.Info("Enqueued pipeline job", zap.String("job_type", string(jobType)))
	}
	return nil
}
