package workers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/pipeline"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/twilio"
)

// lookupWindow bounds the trunk call-log search around the session start.
const lookupWindow = 15 * time.Minute

// RecordingLookupWorker resolves where the call's recording lives. Events
// sometimes carry the URL directly; otherwise the org's trunk is queried.
// Completion hands the call to the consent stage or straight to
// transcription.
type RecordingLookupWorker struct {
	repos   repository.RepositoryManager
	locator RecordingLocator
	events  EventPublisher
	cfg     *config.PipelineConfig
}

func NewRecordingLookupWorker(deps Deps) *RecordingLookupWorker {
	return &RecordingLookupWorker{
		repos:   deps.Repos,
		locator: deps.Recordings,
		events:  deps.Events,
		cfg:     deps.Config,
	}
}

func (w *RecordingLookupWorker) Type() domain.JobType {
	return domain.JobTypeRecordingLookup
}

func (w *RecordingLookupWorker) Handle(ctx context.Context, job *domain.Job) error {
	session, err := w.repos.CallSessions().GetByExternalCallID(ctx, job.CallID)
	if err != nil {
		return pipeline.WrapDownstream("load call session", err)
	}
	if session == nil {
		return pipeline.Configf("call session %s not found", job.CallID)
	}

	org, err := w.repos.OrgSettings().GetByOrgID(ctx, session.OrgID)
	if err != nil {
		return pipeline.WrapDownstream("load org settings", err)
	}
	if org == nil {
		return pipeline.Configf("org %s has no settings", session.OrgID)
	}

	if session.RecordingStatus != domain.RecordingStatusAvailable {
		if session.RecordingURL != "" {
			// The provider event carried the URL; just promote the status.
			if err := w.repos.CallSessions().SetRecordingAvailable(ctx, job.CallID, session.RecordingURL, session.ProviderCallSID); err != nil {
				return pipeline.WrapDownstream("persist recording", err)
			}
		} else {
			done, err := w.locateOnTrunk(ctx, job, session, org)
			if err != nil || done {
				return err
			}
		}
	}

	return w.advance(ctx, session, org)
}

// locateOnTrunk searches the org's Twilio call log. Returns done=true when
// the job finished without a recording (lookup exhausted).
func (w *RecordingLookupWorker) locateOnTrunk(ctx context.Context, job *domain.Job, session *domain.CallSession, org *domain.OrgSettings) (bool, error) {
	if org.TwilioAccountSID == "" || org.TwilioAuthToken == "" {
		return false, pipeline.Configf("org %s has no trunk credentials for recording lookup", org.OrgID)
	}

	around := time.Now().UTC()
	if session.EndedAt != nil {
		around = *session.EndedAt
	} else if session.StartedAt != nil {
		around = *session.StartedAt
	}

	rec, err := w.locator.FindRecording(ctx,
		twilio.Credentials{AccountSID: org.TwilioAccountSID, AuthToken: org.TwilioAuthToken},
		twilio.CallQuery{
			From:   session.FromNumber,
			To:     session.ToNumber,
			Around: around,
			Window: lookupWindow,
		})
	if errors.Is(err, twilio.ErrRecordingNotFound) {
		if job.Attempts >= job.MaxAttempts {
			// The trunk never produced a recording for this call. Terminal
			// for the pipeline, but not a job failure.
			if err := w.repos.CallSessions().SetRecordingNotFound(ctx, job.CallID); err != nil {
				return false, pipeline.WrapDownstream("persist recording not found", err)
			}
			logger.WithCall(job.CallID, session.OrgID).Info("Recording lookup exhausted, no recording on trunk")
			return true, nil
		}
		return false, pipeline.Downstreamf("recording not available yet for call %s", job.CallID)
	}
	if err != nil {
		return false, pipeline.WrapDownstream("locate trunk recording", err)
	}

	if err := w.repos.CallSessions().SetRecordingAvailable(ctx, job.CallID, rec.MediaURL, rec.CallSID); err != nil {
		return false, pipeline.WrapDownstream("persist recording", err)
	}
	session.RecordingURL = rec.MediaURL
	session.ProviderCallSID = rec.CallSID
	return false, nil
}

// advance enqueues the next stage based on the consent track.
func (w *RecordingLookupWorker) advance(ctx context.Context, session *domain.CallSession, org *domain.OrgSettings) error {
	switch session.ConsentStatus {
	case domain.ConsentStatusApproved, domain.ConsentStatusNotRequired:
		return w.enqueueNext(ctx, domain.JobTypeSTTRequest, session)
	case domain.ConsentStatusDeclined, domain.ConsentStatusExpired:
		// Consent already closed the pipeline for this call.
		return nil
	}

	if org.ConsentRequired {
		return w.enqueueNext(ctx, domain.JobTypeConsentRequest, session)
	}

	if err := w.repos.CallSessions().SetConsentStatus(ctx, session.ExternalCallID, domain.ConsentStatusNotRequired); err != nil {
		return pipeline.WrapDownstream("set consent not required", err)
	}
	return w.enqueueNext(ctx, domain.JobTypeSTTRequest, session)
}

func (w *RecordingLookupWorker) enqueueNext(ctx context.Context, jobType domain.JobType, session *domain.CallSession) error {
	_, created, err := w.repos.Jobs().EnqueueUnique(ctx, jobType, session.ExternalCallID, session.OrgID, "", time.Time{})
	if err != nil {
		return pipeline.WrapDownstream("enqueue next stage", err)
	}
	if created {
		logger.WithCall(session.ExternalCallID, session.OrgID).Info("Recording resolved, next stage enqueued",
			zap.String("next", string(jobType)),
			zap.String("recording_url", session.RecordingURL))
	}
	return nil
}
