package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/analysis"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/internal/storage"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/stt"
)

// TranscriptionWebhookHandler receives completion callbacks from the
// transcription provider. Completion drives the analysis and PDF steps
// inline; the handler is resumable, so a redelivered callback finishes
// whatever an earlier delivery left undone and nothing twice.
type TranscriptionWebhookHandler struct {
	repos          repository.RepositoryManager
	callbackSecret string
	analyzer       transcriptAnalyzer
	store          objectStore
	events         eventPublisher
}

// NewTranscriptionWebhookHandler creates the handler. analyzer, store and
// events may be nil; the corresponding steps are skipped.
func NewTranscriptionWebhookHandler(repos repository.RepositoryManager, callbackSecret string, analyzer transcriptAnalyzer, store objectStore, events eventPublisher) *TranscriptionWebhookHandler {
	return &TranscriptionWebhookHandler{
		repos:          repos,
		callbackSecret: callbackSecret,
		analyzer:       analyzer,
		store:          store,
		events:         events,
	}
}

// SetupTranscriptionRoutes registers the transcription callback endpoint
func (h *TranscriptionWebhookHandler) SetupTranscriptionRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/transcription", h.handleTranscriptionWebhook).Methods("POST")
	logger.Base().Info("transcription webhook route registered")
}

func (h *TranscriptionWebhookHandler) handleTranscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Base().Error("Failed to read transcription webhook body", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var payload stt.CallbackPayload
	parseErr := json.Unmarshal(body, &payload)

	if err := h.repos.WebhookLogs().Append(ctx, domain.WebhookSourceSTT, payload.Metadata["org_id"], payload.Status, string(body)); err != nil {
		logger.Base().Error("Failed to append webhook audit log", zap.Error(err))
	}

	if !stt.VerifySignature(r.Header.Get(stt.SignatureHeader), body, h.callbackSecret, time.Now()) {
		logger.Base().Warn("Rejected transcription callback signature")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if parseErr != nil {
		logger.Base().Warn("Unparseable transcription callback", zap.Error(parseErr))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	callID := payload.Metadata["call_id"]
	if callID == "" {
		logger.Base().Error("Transcription callback without call_id metadata", zap.String("stt_job_id", payload.JobID))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	session, err := h.repos.CallSessions().GetByExternalCallID(ctx, callID)
	if err != nil {
		logger.Base().Error("Failed to load call session", zap.String("call_id", callID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if session == nil {
		logger.Base().Warn("Transcription callback for unknown call", zap.String("call_id", callID))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	log := logger.WithCall(callID, session.OrgID).With(zap.String("stt_job_id", payload.JobID))

	switch payload.Status {
	case stt.CallbackStatusFailed:
		reason := payload.Error
		if reason == "" {
			reason = "transcription provider reported failure"
		}
		if err := h.repos.CallSessions().SetTranscriptionFailed(ctx, callID, reason); err != nil {
			log.Error("Failed to mark transcription failed", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		log.Warn("Transcription failed", zap.String("reason", reason))

	case stt.CallbackStatusCompleted:
		if payload.TranscriptText() == "" {
			log.Error("Completed transcription callback without transcript")
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if err := h.handleCompleted(ctx, session, &payload, log); err != nil {
			log.Error("Failed to process transcription completion", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

	default:
		// Interim statuses are acknowledged and ignored.
		log.Info("Ignoring transcription callback status", zap.String("status", payload.Status))
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleCompleted runs the completion sequence, skipping steps an earlier
// delivery already finished: store transcript, analyze, render the PDF,
// enqueue the CRM sync. An error leaves the remaining steps for the
// provider's redelivery.
func (h *TranscriptionWebhookHandler) handleCompleted(ctx context.Context, session *domain.CallSession, payload *stt.CallbackPayload, log *zap.Logger) error {
	callID := session.ExternalCallID

	if session.TranscriptionStatus != domain.TranscriptionStatusCompleted || session.Transcript == "" {
		transcript := payload.TranscriptText()
		if err := h.repos.CallSessions().SetTranscriptCompleted(ctx, callID, transcript); err != nil {
			return err
		}
		session.Transcript = transcript
		session.TranscriptionStatus = domain.TranscriptionStatusCompleted
		h.publish(ctx, pubsub.EventTranscriptCompleted, session, map[string]string{"stt_job_id": payload.JobID}, log)
		log.Info("Transcript stored", zap.Int("chars", len(transcript)))
	}

	if session.Summary == "" && h.analyzer != nil {
		digest, err := h.analyzer.Analyze(ctx, session.Transcript, analysis.CallMeta{
			Direction:      string(session.Direction),
			AgentName:      session.AgentRef,
			CustomerNumber: session.CustomerNumber(),
		})
		if err != nil {
			return fmt.Errorf("failed to analyze transcript: %w", err)
		}
		insights, err := json.Marshal(digest.Insights)
		if err != nil {
			return fmt.Errorf("failed to encode insights: %w", err)
		}
		mentions, err := json.Marshal(digest.CompetitorMentions)
		if err != nil {
			return fmt.Errorf("failed to encode competitor mentions: %w", err)
		}
		if err := h.repos.CallSessions().SetAnalysis(ctx, callID, digest.Summary, digest.Sentiment, string(insights), string(mentions)); err != nil {
			return err
		}
		session.Summary = digest.Summary
		session.Sentiment = digest.Sentiment
		session.Insights = string(insights)
		session.CompetitorMentions = string(mentions)
		h.publish(ctx, pubsub.EventAnalysisCompleted, session, map[string]string{"sentiment": digest.Sentiment}, log)
		log.Info("Transcript analyzed", zap.String("sentiment", digest.Sentiment))
	}

	if h.store != nil {
		if err := h.ensureTranscriptPDF(ctx, session, log); err != nil {
			return err
		}
	}

	org, err := h.repos.OrgSettings().GetByOrgID(ctx, session.OrgID)
	if err != nil {
		return err
	}
	if org != nil && org.HubspotAccessToken != "" {
		_, enqueued, err := h.repos.Jobs().EnqueueUnique(ctx, domain.JobTypeHubspotSync, callID, session.OrgID, "", time.Time{})
		if err != nil {
			return err
		}
		if enqueued {
			log.Info("Enqueued pipeline job", zap.String("job_type", string(domain.JobTypeHubspotSync)))
		}
	}
	return nil
}

// ensureTranscriptPDF renders and uploads the transcript document unless the
// stored object is still present from an earlier delivery.
func (h *TranscriptionWebhookHandler) ensureTranscriptPDF(ctx context.Context, session *domain.CallSession, log *zap.Logger) error {
	if session.TranscriptPDFObject != "" {
		exists, err := h.store.Exists(ctx, session.TranscriptPDFObject)
		if err != nil {
			return fmt.Errorf("failed to stat transcript pdf: %w", err)
		}
		if exists {
			return nil
		}
	}

	var insights []string
	if session.Insights != "" {
		if err := json.Unmarshal([]byte(session.Insights), &insights); err != nil {
			insights = []string{session.Insights}
		}
	}
	var mentions []string
	if session.CompetitorMentions != "" {
		if err := json.Unmarshal([]byte(session.CompetitorMentions), &mentions); err != nil {
			mentions = []string{session.CompetitorMentions}
		}
	}

	var buf bytes.Buffer
	err := storage.BuildTranscriptPDF(storage.TranscriptDocument{
		Title:              "Call Transcript",
		OrgID:              session.OrgID,
		Direction:          string(session.Direction),
		From:               session.FromNumber,
		To:                 session.ToNumber,
		AgentName:          session.AgentRef,
		StartedAt:          session.StartedAt,
		Duration:           sessionDuration(session),
		Sentiment:          session.Sentiment,
		Summary:            session.Summary,
		Insights:           insights,
		CompetitorMentions: mentions,
		Transcript:         session.Transcript,
	}, &buf)
	if err != nil {
		return fmt.Errorf("failed to render transcript pdf: %w", err)
	}

	objectPath := fmt.Sprintf("transcripts/%s/%s.pdf", session.OrgID, session.ExternalCallID)
	uri, err := h.store.Upload(ctx, objectPath, "application/pdf", &buf)
	if err != nil {
		return fmt.Errorf("failed to upload transcript pdf: %w", err)
	}
	if err := h.repos.CallSessions().SetTranscriptPDFObject(ctx, session.ExternalCallID, uri); err != nil {
		return err
	}
	session.TranscriptPDFObject = uri
	log.Info("Transcript PDF uploaded", zap.String("object", uri))
	return nil
}

func (h *TranscriptionWebhookHandler) publish(ctx context.Context, name string, session *domain.CallSession, detail map[string]string, log *zap.Logger) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishPipelineEvent(ctx, pubsub.PipelineEvent{
		Name:   name,
		OrgID:  session.OrgID,
		CallID: session.ExternalCallID,
		Detail: detail,
	}); err != nil {
		log.Warn("Failed to publish pipeline event", zap.String("name", name), zap.Error(err))
	}
}

// sessionDuration measures answer-to-end, falling back to start-to-end.
func sessionDuration(session *domain.CallSession) time.Duration {
	if session.EndedAt == nil {
		return 0
	}
	start := session.AnsweredAt
	if start == nil {
		start = session.StartedAt
	}
	if start == nil {
		return 0
	}
	d := session.EndedAt.Sub(*start)
	if d < 0 {
		return 0
	}
	return d
}
