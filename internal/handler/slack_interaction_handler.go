package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/slackmsg"
)

// SlackInteractionHandler receives the consent button presses. Once the
// signature checks out every outcome is a 200; Slack does not retry block
// actions, and unresolved presses can simply be pressed again.
type SlackInteractionHandler struct {
	repos         repository.RepositoryManager
	signingSecret string
	prompts       promptEditor
	events        eventPublisher
}

// NewSlackInteractionHandler creates the handler. prompts and events may be
// nil; prompt edits and event publishing degrade to off.
func NewSlackInteractionHandler(repos repository.RepositoryManager, signingSecret string, prompts promptEditor, events eventPublisher) *SlackInteractionHandler {
	return &SlackInteractionHandler{
		repos:         repos,
		signingSecret: signingSecret,
		prompts:       prompts,
		events:        events,
	}
}

// SetupSlackRoutes registers the interaction callback endpoint
func (h *SlackInteractionHandler) SetupSlackRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/slack/interactions", h.handleInteraction).Methods("POST")
	logger.Base().Info("slack interaction route registered")
}

func (h *SlackInteractionHandler) handleInteraction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Base().Error("Failed to read slack interaction body", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.repos.WebhookLogs().Append(ctx, domain.WebhookSourceSlack, "", "interaction", string(body)); err != nil {
		logger.Base().Error("Failed to append webhook audit log", zap.Error(err))
	}

	if err := slackmsg.VerifyRequest(r.Header, body, h.signingSecret); err != nil {
		logger.Base().Warn("Rejected slack interaction", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Interactions arrive form-encoded with the JSON callback in `payload`.
	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &callback); err != nil {
		logger.Base().Warn("Unparseable slack interaction payload", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if callback.Type != slack.InteractionTypeBlockActions {
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		switch action.ActionID {
		case slackmsg.ActionApprove:
			h.resolveConsent(ctx, w, action.Value, callback.User.ID, true)
			return
		case slackmsg.ActionDecline:
			h.resolveConsent(ctx, w, action.Value, callback.User.ID, false)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// resolveConsent applies one button press. The conditional Resolve update is
// the arbiter: whichever press or expire job lands first wins, every later
// press sees !won.
func (h *SlackInteractionHandler) resolveConsent(ctx context.Context, w http.ResponseWriter, consentRequestID, actorID string, approve bool) {
	req, err := h.repos.ConsentRequests().GetByID(ctx, consentRequestID)
	if err != nil {
		logger.Base().Error("Failed to load consent request", zap.String("consent_request_id", consentRequestID), zap.Error(err))
		respondText(w, "Something went wrong, please try again.")
		return
	}
	if req == nil {
		logger.Base().Warn("Interaction for unknown consent request", zap.String("consent_request_id", consentRequestID))
		respondText(w, "This consent request no longer exists.")
		return
	}

	log := logger.WithCall(req.CallID, req.OrgID).With(
		zap.String("consent_request_id", req.ID),
		zap.String("actor", actorID),
	)

	// Only the agent who was on the call may decide.
	if req.SlackUserID != "" && actorID != req.SlackUserID {
		log.Warn("Consent decision by wrong user rejected")
		respondText(w, fmt.Sprintf("Only <@%s> can respond to this consent request.", req.SlackUserID))
		return
	}

	status := domain.ConsentRequestDeclined
	if approve {
		status = domain.ConsentRequestApproved
	}

	won, err := h.repos.ConsentRequests().Resolve(ctx, req.ID, status, time.Now().UTC())
	if err != nil {
		log.Error("Failed to resolve consent request", zap.Error(err))
		respondText(w, "Something went wrong, please try again.")
		return
	}
	if !won {
		log.Info("Consent request already resolved")
		h.editPrompt(ctx, req, "This consent request was already handled.", log)
		w.WriteHeader(http.StatusOK)
		return
	}

	if approve {
		h.applyApproval(ctx, req, actorID, log)
	} else {
		h.applyDecline(ctx, req, actorID, log)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *SlackInteractionHandler) applyApproval(ctx context.Context, req *domain.ConsentRequest, actorID string, log *zap.Logger) {
	if err := h.repos.CallSessions().SetConsentStatus(ctx, req.CallID, domain.ConsentStatusApproved); err != nil {
		log.Error("Failed to set consent status", zap.Error(err))
	}
	if _, _, err := h.repos.Jobs().EnqueueUnique(ctx, domain.JobTypeSTTRequest, req.CallID, req.OrgID, "", time.Time{}); err != nil {
		log.Error("Failed to enqueue transcription job", zap.Error(err))
	}
	h.editPrompt(ctx, req, fmt.Sprintf("Approved by <@%s>. Transcription is underway.", actorID), log)
	h.publishResolution(ctx, req, domain.ConsentStatusApproved, actorID, log)
	log.Info("Consent approved")
}

func (h *SlackInteractionHandler) applyDecline(ctx context.Context, req *domain.ConsentRequest, actorID string, log *zap.Logger) {
	if err := h.repos.CallSessions().SetConsentStatus(ctx, req.CallID, domain.ConsentStatusDeclined); err != nil {
		log.Error("Failed to set consent status", zap.Error(err))
	}
	if err := h.repos.CallSessions().SetTranscriptionFailed(ctx, req.CallID, "consent declined by agent"); err != nil {
		log.Error("Failed to mark transcription failed", zap.Error(err))
	}
	h.editPrompt(ctx, req, fmt.Sprintf("Declined by <@%s>. The recording will not be transcribed.", actorID), log)
	h.publishResolution(ctx, req, domain.ConsentStatusDeclined, actorID, log)
	log.Info("Consent declined")
}

func (h *SlackInteractionHandler) editPrompt(ctx context.Context, req *domain.ConsentRequest, outcome string, log *zap.Logger) {
	if h.prompts == nil || req.ChannelID == "" || req.MessageTS == "" {
		return
	}
	if err := h.prompts.UpdateResolved(ctx, req.ChannelID, req.MessageTS, outcome); err != nil {
		log.Warn("Failed to edit consent prompt", zap.Error(err))
	}
}

func (h *SlackInteractionHandler) publishResolution(ctx context.Context, req *domain.ConsentRequest, status domain.ConsentStatus, actorID string, log *zap.Logger) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishPipelineEvent(ctx, pubsub.PipelineEvent{
		Name:   pubsub.EventConsentResolved,
		OrgID:  req.OrgID,
		CallID: req.CallID,
		Detail: map[string]string{"status": string(status), "actor": actorID},
	}); err != nil {
		log.Warn("Failed to publish pipeline event", zap.Error(err))
	}
}

// respondText answers an interaction with ephemeral-style feedback without
// touching the original prompt.
func respondText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"response_type": "ephemeral",
		"text":          text,
	})
}
