// Package workers holds the stage executors behind the job queue. Each
// worker owns one job type; the scheduler claims jobs and dispatches here.
//
// Error contract: a nil return completes the job. Errors wrapped as
// configuration failures fail the job immediately; everything else goes
// through the retry backoff.
package workers

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/analysis"
	"github.com/SableAI/sable-call-service/internal/cache"
	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/hubspot"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/slackmsg"
	"github.com/SableAI/sable-call-service/pkg/stt"
	"github.com/SableAI/sable-call-service/pkg/twilio"
)

// Worker executes one claimed job.
type Worker interface {
	Type() domain.JobType
	Handle(ctx context.Context, job *domain.Job) error
}

// RecordingLocator finds trunk recordings for a call.
type RecordingLocator interface {
	FindRecording(ctx context.Context, creds twilio.Credentials, q twilio.CallQuery) (*twilio.Recording, error)
}

// RecordingStore mirrors media and issues signed access URLs.
type RecordingStore interface {
	Upload(ctx context.Context, objectPath string, contentType string, content io.Reader) (string, error)
	Exists(ctx context.Context, objectPath string) (bool, error)
	GetPresignedURL(ctx context.Context, gcsURI string, expiresAt time.Time) (string, error)
}

// TranscriptionSubmitter hands audio to the transcription provider.
type TranscriptionSubmitter interface {
	SubmitTranscription(ctx context.Context, audioURL string, metadata map[string]string) (*stt.SubmitResponse, error)
}

// ConsentMessenger posts and edits the Slack consent prompts.
type ConsentMessenger interface {
	PostConsentPrompt(ctx context.Context, channelID string, prompt slackmsg.ConsentPrompt) (string, string, error)
	PostReminder(ctx context.Context, channelID, threadTS, slackUserID string) error
	UpdateResolved(ctx context.Context, channelID, ts, outcome string) error
}

// CRMClient writes engagements into the org's CRM portal.
type CRMClient interface {
	SearchContactByPhone(ctx context.Context, token, phoneNumber string) (*hubspot.Contact, error)
	CreateCall(ctx context.Context, token string, eng hubspot.CallEngagement) (string, error)
	CreateNote(ctx context.Context, token, contactID, body string, at time.Time) (string, error)
}

// TranscriptAnalyzer produces the digest for a transcript.
type TranscriptAnalyzer interface {
	Analyze(ctx context.Context, transcript string, meta analysis.CallMeta) (*analysis.Digest, error)
}

// EventPublisher emits pipeline stage events. Publishing is advisory; no
// worker fails a job over it.
type EventPublisher interface {
	PublishPipelineEvent(ctx context.Context, event pubsub.PipelineEvent) error
}

// Deps carries everything the workers share. Events and Store may be nil
// when the deployment runs without Pub/Sub or GCS.
type Deps struct {
	Repos      repository.RepositoryManager
	Config     *config.PipelineConfig
	Mappings   *cache.MappingCache
	Recordings RecordingLocator
	Store      RecordingStore
	STT        TranscriptionSubmitter
	Slack      ConsentMessenger
	CRM        CRMClient
	Events     EventPublisher
}

// New builds the full worker set, one per job type.
func New(deps Deps) []Worker {
	return []Worker{
		NewRecordingLookupWorker(deps),
		NewConsentRequestWorker(deps),
		NewConsentReminderWorker(deps),
		NewConsentExpireWorker(deps),
		NewSTTRequestWorker(deps),
		NewHubspotSyncWorker(deps),
	}
}

// publishEvent fires a stage event when a publisher is wired.
func publishEvent(ctx context.Context, events EventPublisher, name, orgID, callID string, detail map[string]string) {
	if events == nil {
		return
	}
	if err := events.PublishPipelineEvent(ctx, pubsub.PipelineEvent{
		Name:   name,
		OrgID:  orgID,
		CallID: callID,
		Detail: detail,
	}); err != nil {
		logger.Base().Warn("Failed to publish pipeline event", zap.String("name", name), zap.String("call_id", callID), zap.Error(err))
	}
}
