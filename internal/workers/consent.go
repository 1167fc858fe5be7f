package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/cache"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/pipeline"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/slackmsg"
)

// ConsentRequestWorker opens the approval cycle for a call: it resolves the
// agent to a Slack user and posts the interactive prompt. Agents without a
// mapping get a deterministic decline; transcription never proceeds on an
// unanswerable ask.
type ConsentRequestWorker struct {
	repos    repository.RepositoryManager
	mappings *cache.MappingCache
	slack    ConsentMessenger
	crm      CRMClient
	events   EventPublisher
}

func NewConsentRequestWorker(deps Deps) *ConsentRequestWorker {
	return &ConsentRequestWorker{
		repos:    deps.Repos,
		mappings: deps.Mappings,
		slack:    deps.Slack,
		crm:      deps.CRM,
		events:   deps.Events,
	}
}

func (w *ConsentRequestWorker) Type() domain.JobType {
	return domain.JobTypeConsentRequest
}

func (w *ConsentRequestWorker) Handle(ctx context.Context, job *domain.Job) error {
	session, err := w.repos.CallSessions().GetByExternalCallID(ctx, job.CallID)
	if err != nil {
		return pipeline.WrapDownstream("load call session", err)
	}
	if session == nil {
		return pipeline.Configf("call session %s not found", job.CallID)
	}
	if session.ConsentStatus != domain.ConsentStatusPending {
		// Already resolved by an earlier run or the callback.
		return nil
	}

	org, err := w.repos.OrgSettings().GetByOrgID(ctx, session.OrgID)
	if err != nil {
		return pipeline.WrapDownstream("load org settings", err)
	}
	if org == nil {
		return pipeline.Configf("org %s has no settings", session.OrgID)
	}
	if !org.ConsentRequired {
		if err := w.repos.CallSessions().SetConsentStatus(ctx, job.CallID, domain.ConsentStatusNotRequired); err != nil {
			return pipeline.WrapDownstream("set consent not required", err)
		}
		return w.enqueueTranscription(ctx, session)
	}

	if org.ConsentAutoApproveKnown && w.knownContact(ctx, org, session) {
		if err := w.repos.CallSessions().SetConsentStatus(ctx, job.CallID, domain.ConsentStatusNotRequired); err != nil {
			return pipeline.WrapDownstream("set consent not required", err)
		}
		publishEvent(ctx, w.events, pubsub.EventConsentResolved, session.OrgID, job.CallID,
			map[string]string{"status": "not_required", "reason": "known contact"})
		return w.enqueueTranscription(ctx, session)
	}

	if session.AgentRef == "" {
		return w.declineFailClosed(ctx, session, "no agent on call session")
	}
	mapping, err := w.mappings.Lookup(ctx, session.OrgID, session.AgentRef)
	if err != nil {
		return pipeline.WrapDownstream("resolve agent mapping", err)
	}
	if mapping == nil {
		return w.declineFailClosed(ctx, session, fmt.Sprintf("agent %s has no slack mapping", session.AgentRef))
	}

	if org.SlackChannelID == "" {
		return pipeline.Configf("org %s requires consent but has no slack channel", org.OrgID)
	}

	request, err := w.pendingRequest(ctx, session, org, mapping.SlackUserID)
	if err != nil {
		return err
	}
	if request == nil {
		// Prompt already posted; waiting on the agent.
		return nil
	}

	channel, ts, err := w.slack.PostConsentPrompt(ctx, org.SlackChannelID, slackmsg.ConsentPrompt{
		ConsentRequestID: request.ID,
		SlackUserID:      mapping.SlackUserID,
		AgentName:        mapping.AgentName,
		CustomerNumber:   session.CustomerNumber(),
		Direction:        string(session.Direction),
		ExpiresAt:        derefTime(request.ExpiresAt),
	})
	if err != nil {
		return pipeline.WrapDownstream("post consent prompt", err)
	}
	if err := w.repos.ConsentRequests().SetMessageCoordinates(ctx, request.ID, channel, ts); err != nil {
		return pipeline.WrapDownstream("persist message coordinates", err)
	}

	logger.WithCall(job.CallID, session.OrgID).Info("Consent prompt posted",
		zap.String("consent_request_id", request.ID),
		zap.String("slack_user_id", mapping.SlackUserID),
		zap.String("channel", channel))
	return nil
}

// pendingRequest returns the request to prompt for, creating it and
// scheduling its expire/reminder jobs when none is open. A pending request
// that already has message coordinates means the prompt is out; nil is
// returned so the worker no-ops.
func (w *ConsentRequestWorker) pendingRequest(ctx context.Context, session *domain.CallSession, org *domain.OrgSettings, slackUserID string) (*domain.ConsentRequest, error) {
	latest, err := w.repos.ConsentRequests().GetLatestByCallID(ctx, session.ExternalCallID)
	if err != nil {
		return nil, pipeline.WrapDownstream("load consent request", err)
	}
	if latest != nil && !latest.Resolved() {
		if latest.MessageTS != "" {
			return nil, nil
		}
		// Created on an earlier attempt whose Slack post failed.
		return latest, nil
	}

	expiresAt := time.Now().UTC().Add(org.ConsentTTL())
	request := &domain.ConsentRequest{
		CallID:      session.ExternalCallID,
		OrgID:       session.OrgID,
		AgentRef:    session.AgentRef,
		SlackUserID: slackUserID,
		ExpiresAt:   &expiresAt,
	}
	if _, err := w.repos.ConsentRequests().Create(ctx, request); err != nil {
		return nil, pipeline.WrapDownstream("create consent request", err)
	}

	payload, err := json.Marshal(domain.ConsentJobPayload{ConsentRequestID: request.ID})
	if err != nil {
		return nil, pipeline.Configf("marshal consent payload: %v", err)
	}
	if _, err := w.repos.Jobs().Enqueue(ctx, domain.JobTypeConsentExpire, session.ExternalCallID, session.OrgID, string(payload), expiresAt); err != nil {
		return nil, pipeline.WrapDownstream("schedule consent expire", err)
	}
	if delay := org.ReminderDelay(); delay > 0 {
		if _, err := w.repos.Jobs().Enqueue(ctx, domain.JobTypeConsentReminder, session.ExternalCallID, session.OrgID, string(payload), time.Now().UTC().Add(delay)); err != nil {
			return nil, pipeline.WrapDownstream("schedule consent reminder", err)
		}
	}
	return request, nil
}

// knownContact reports whether the customer already exists in the org's CRM.
// Lookup failures fall through to the prompt; auto-approve only
// short-circuits on a positive match.
func (w *ConsentRequestWorker) knownContact(ctx context.Context, org *domain.OrgSettings, session *domain.CallSession) bool {
	if w.crm == nil || org.HubspotAccessToken == "" {
		return false
	}
	customer := session.CustomerNumber()
	if customer == "" {
		return false
	}
	contact, err := w.crm.SearchContactByPhone(ctx, org.HubspotAccessToken, customer)
	if err != nil {
		logger.WithCall(session.ExternalCallID, session.OrgID).Warn("CRM lookup for auto-approve failed", zap.Error(err))
		return false
	}
	return contact != nil
}

// declineFailClosed closes the consent track without ever prompting. The
// decline is recorded as a resolved request for audit.
func (w *ConsentRequestWorker) declineFailClosed(ctx context.Context, session *domain.CallSession, reason string) error {
	now := time.Now().UTC()
	request := &domain.ConsentRequest{
		CallID:      session.ExternalCallID,
		OrgID:       session.OrgID,
		AgentRef:    session.AgentRef,
		Status:      domain.ConsentRequestDeclined,
		RespondedAt: &now,
	}
	if _, err := w.repos.ConsentRequests().Create(ctx, request); err != nil {
		return pipeline.WrapDownstream("record declined consent", err)
	}
	if err := w.repos.CallSessions().SetConsentStatus(ctx, session.ExternalCallID, domain.ConsentStatusDeclined); err != nil {
		return pipeline.WrapDownstream("set consent declined", err)
	}
	if err := w.repos.CallSessions().SetTranscriptionFailed(ctx, session.ExternalCallID, reason); err != nil {
		return pipeline.WrapDownstream("close transcription", err)
	}
	publishEvent(ctx, w.events, pubsub.EventConsentResolved, session.OrgID, session.ExternalCallID,
		map[string]string{"status": "declined", "reason": reason})
	logger.WithCall(session.ExternalCallID, session.OrgID).Warn("Consent declined without prompt", zap.String("reason", reason))
	return nil
}

func (w *ConsentRequestWorker) enqueueTranscription(ctx context.Context, session *domain.CallSession) error {
	if _, _, err := w.repos.Jobs().EnqueueUnique(ctx, domain.JobTypeSTTRequest, session.ExternalCallID, session.OrgID, "", time.Time{}); err != nil {
		return pipeline.WrapDownstream("enqueue transcription", err)
	}
	return nil
}

// ConsentReminderWorker nudges the agent once while a prompt is unanswered.
type ConsentReminderWorker struct {
	repos repository.RepositoryManager
	slack ConsentMessenger
}

func NewConsentReminderWorker(deps Deps) *ConsentReminderWorker {
	return &ConsentReminderWorker{repos: deps.Repos, slack: deps.Slack}
}

func (w *ConsentReminderWorker) Type() domain.JobType {
	return domain.JobTypeConsentReminder
}

func (w *ConsentReminderWorker) Handle(ctx context.Context, job *domain.Job) error {
	request, err := w.loadRequest(ctx, job.Payload)
	if err != nil {
		return err
	}
	if request == nil || request.Resolved() || request.MessageTS == "" {
		return nil
	}

	// Claim the reminder before posting so duplicate jobs cannot double-ping.
	sent, err := w.repos.ConsentRequests().SetReminderSent(ctx, request.ID, time.Now().UTC())
	if err != nil {
		return pipeline.WrapDownstream("mark reminder sent", err)
	}
	if !sent {
		return nil
	}
	if err := w.slack.PostReminder(ctx, request.ChannelID, request.MessageTS, request.SlackUserID); err != nil {
		return pipeline.WrapDownstream("post consent reminder", err)
	}
	return nil
}

func (w *ConsentReminderWorker) loadRequest(ctx context.Context, payload string) (*domain.ConsentRequest, error) {
	id, err := consentRequestID(payload)
	if err != nil {
		return nil, err
	}
	request, err := w.repos.ConsentRequests().GetByID(ctx, id)
	if err != nil {
		return nil, pipeline.WrapDownstream("load consent request", err)
	}
	return request, nil
}

// ConsentExpireWorker enforces the approval deadline. Winning the resolve
// race against a late button press is what makes "no response counts as
// declined" hold.
type ConsentExpireWorker struct {
	repos  repository.RepositoryManager
	slack  ConsentMessenger
	events EventPublisher
}

func NewConsentExpireWorker(deps Deps) *ConsentExpireWorker {
	return &ConsentExpireWorker{repos: deps.Repos, slack: deps.Slack, events: deps.Events}
}

func (w *ConsentExpireWorker) Type() domain.JobType {
	return domain.JobTypeConsentExpire
}

func (w *ConsentExpireWorker) Handle(ctx context.Context, job *domain.Job) error {
	id, err := consentRequestID(job.Payload)
	if err != nil {
		return err
	}
	request, err := w.repos.ConsentRequests().GetByID(ctx, id)
	if err != nil {
		return pipeline.WrapDownstream("load consent request", err)
	}
	if request == nil || request.Resolved() {
		return nil
	}

	won, err := w.repos.ConsentRequests().Resolve(ctx, request.ID, domain.ConsentRequestExpired, time.Now().UTC())
	if err != nil {
		return pipeline.WrapDownstream("expire consent request", err)
	}
	if !won {
		return nil
	}

	if err := w.repos.CallSessions().SetConsentStatus(ctx, request.CallID, domain.ConsentStatusExpired); err != nil {
		return pipeline.WrapDownstream("set consent expired", err)
	}
	if err := w.repos.CallSessions().SetTranscriptionFailed(ctx, request.CallID, "consent request expired"); err != nil {
		return pipeline.WrapDownstream("close transcription", err)
	}

	if request.MessageTS != "" {
		if err := w.slack.UpdateResolved(ctx, request.ChannelID, request.MessageTS,
			fmt.Sprintf("Expired without a response from <@%s>. The recording will not be transcribed.", request.SlackUserID)); err != nil {
			// The state change already happened; a stale prompt is cosmetic.
			logger.WithCall(request.CallID, request.OrgID).Warn("Failed to edit expired consent prompt", zap.Error(err))
		}
	}

	publishEvent(ctx, w.events, pubsub.EventConsentResolved, request.OrgID, request.CallID,
		map[string]string{"status": "expired"})
	logger.WithCall(request.CallID, request.OrgID).Info("Consent request expired", zap.String("consent_request_id", request.ID))
	return nil
}

func consentRequestID(payload string) (string, error) {
	var p domain.ConsentJobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", pipeline.Configf("bad consent job payload: %v", err)
	}
	if p.ConsentRequestID == "" {
		return "", pipeline.Configf("consent job payload missing request id")
	}
	return p.ConsentRequestID, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
