package workers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/pipeline"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/stt"
)

// STTRequestWorker submits the recording for transcription. Trunk media is
// mirrored into owned storage first so the provider fetches a signed URL
// instead of anything carrying Twilio credentials.
type STTRequestWorker struct {
	repos  repository.RepositoryManager
	stt    TranscriptionSubmitter
	store  RecordingStore
	media  *http.Client
	events EventPublisher
	cfg    *config.PipelineConfig
}

func NewSTTRequestWorker(deps Deps) *STTRequestWorker {
	return &STTRequestWorker{
		repos:  deps.Repos,
		stt:    deps.STT,
		store:  deps.Store,
		media:  &http.Client{Timeout: 60 * time.Second},
		events: deps.Events,
		cfg:    deps.Config,
	}
}

func (w *STTRequestWorker) Type() domain.JobType {
	return domain.JobTypeSTTRequest
}

func (w *STTRequestWorker) Handle(ctx context.Context, job *domain.Job) error {
	session, err := w.repos.CallSessions().GetByExternalCallID(ctx, job.CallID)
	if err != nil {
		return pipeline.WrapDownstream("load call session", err)
	}
	if session == nil {
		return pipeline.Configf("call session %s not found", job.CallID)
	}

	switch session.TranscriptionStatus {
	case domain.TranscriptionStatusCompleted:
		return nil
	case domain.TranscriptionStatusInProgress:
		if session.SttJobID != "" {
			// Submitted by an earlier attempt; the callback will land.
			return nil
		}
	}
	if session.ConsentStatus != domain.ConsentStatusApproved && session.ConsentStatus != domain.ConsentStatusNotRequired {
		return nil
	}

	org, err := w.repos.OrgSettings().GetByOrgID(ctx, session.OrgID)
	if err != nil {
		return pipeline.WrapDownstream("load org settings", err)
	}
	if org == nil {
		return pipeline.Configf("org %s has no settings", session.OrgID)
	}

	audioURL, err := w.audioURL(ctx, session, org)
	if err != nil {
		return err
	}

	resp, err := w.stt.SubmitTranscription(ctx, audioURL, map[string]string{
		"call_id": session.ExternalCallID,
		"org_id":  session.OrgID,
	})
	if errors.Is(err, stt.ErrNotConfigured) {
		return pipeline.Configf("transcription provider not configured")
	}
	if err != nil {
		return pipeline.WrapDownstream("submit transcription", err)
	}

	if err := w.repos.CallSessions().SetTranscriptionInProgress(ctx, session.ExternalCallID, resp.JobID); err != nil {
		return pipeline.WrapDownstream("persist transcription state", err)
	}
	logger.WithCall(session.ExternalCallID, session.OrgID).Info("Transcription submitted",
		zap.String("stt_job_id", resp.JobID))
	return nil
}

// audioURL resolves what the provider will fetch: a signed URL over the
// mirrored object when storage is configured, otherwise the recording URL
// itself. Auth-protected trunk media is never handed out unmirrored: the
// provider must not receive the org's trunk credentials in any form.
func (w *STTRequestWorker) audioURL(ctx context.Context, session *domain.CallSession, org *domain.OrgSettings) (string, error) {
	object := session.RecordingObject
	if object == "" && w.store != nil && session.RecordingURL != "" {
		mirrored, err := w.mirror(ctx, session, org)
		if err != nil {
			return "", pipeline.WrapDownstream("mirror recording", err)
		}
		object = mirrored
	}

	if object != "" && w.store != nil {
		signed, err := w.store.GetPresignedURL(ctx, object, time.Now().Add(w.cfg.SignedURLTTL))
		if err != nil {
			return "", pipeline.WrapDownstream("sign recording url", err)
		}
		return signed, nil
	}

	if session.RecordingURL == "" {
		return "", pipeline.Configf("call %s has no recording to transcribe", session.ExternalCallID)
	}
	if isTwilioHost(session.RecordingURL) {
		return "", pipeline.Configf("recording for call %s sits behind trunk auth and no storage mirror is configured", session.ExternalCallID)
	}
	return session.RecordingURL, nil
}

// mirror copies the recording into owned storage and records the object on
// the session. Re-runs skip it via the recording_object check upstream.
func (w *STTRequestWorker) mirror(ctx context.Context, session *domain.CallSession, org *domain.OrgSettings) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", session.RecordingURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create media request: %w", err)
	}
	if isTwilioHost(session.RecordingURL) && org.TwilioAccountSID != "" {
		req.SetBasicAuth(org.TwilioAccountSID, org.TwilioAuthToken)
	}

	resp, err := w.media.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch recording media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}

	objectPath := fmt.Sprintf("recordings/%s/%s.mp3", session.OrgID, session.ExternalCallID)
	uri, err := w.store.Upload(ctx, objectPath, "audio/mpeg", resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to upload recording: %w", err)
	}
	if err := w.repos.CallSessions().SetRecordingObject(ctx, session.ExternalCallID, uri); err != nil {
		return "", err
	}
	session.RecordingObject = uri

	publishEvent(ctx, w.events, pubsub.EventRecordingMirrored, session.OrgID, session.ExternalCallID,
		map[string]string{"object": uri})
	return uri, nil
}

func isTwilioHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Host == "api.twilio.com"
}
