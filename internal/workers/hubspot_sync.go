package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/pipeline"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/pkg/hubspot"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
)

// pdfLinkTTL is how long the transcript link in the CRM note stays valid.
// V4 signing tops out at seven days.
const pdfLinkTTL = 7 * 24 * time.Hour

// HubspotSyncWorker is the last stage: it attaches the digest to the CRM
// contact. The engagement id on the session is the idempotency guard.
type HubspotSyncWorker struct {
	repos  repository.RepositoryManager
	crm    CRMClient
	store  RecordingStore
	events EventPublisher
	cfg    *config.PipelineConfig
}

func NewHubspotSyncWorker(deps Deps) *HubspotSyncWorker {
	return &HubspotSyncWorker{
		repos:  deps.Repos,
		crm:    deps.CRM,
		store:  deps.Store,
		events: deps.Events,
		cfg:    deps.Config,
	}
}

func (w *HubspotSyncWorker) Type() domain.JobType {
	return domain.JobTypeHubspotSync
}

func (w *HubspotSyncWorker) Handle(ctx context.Context, job *domain.Job) error {
	session, err := w.repos.CallSessions().GetByExternalCallID(ctx, job.CallID)
	if err != nil {
		return pipeline.WrapDownstream("load call session", err)
	}
	if session == nil {
		return pipeline.Configf("call session %s not found", job.CallID)
	}
	if session.EngagementID != "" {
		return nil
	}
	if session.Transcript == "" {
		return pipeline.Configf("call %s has no transcript to sync", job.CallID)
	}

	org, err := w.repos.OrgSettings().GetByOrgID(ctx, session.OrgID)
	if err != nil {
		return pipeline.WrapDownstream("load org settings", err)
	}
	if org == nil {
		return pipeline.Configf("org %s has no settings", session.OrgID)
	}
	if org.HubspotAccessToken == "" {
		return pipeline.Configf("org %s has no hubspot token", org.OrgID)
	}

	customer := session.CustomerNumber()
	if customer == "" {
		return pipeline.Configf("call %s has no customer number", job.CallID)
	}

	contact, err := w.crm.SearchContactByPhone(ctx, org.HubspotAccessToken, customer)
	if err != nil {
		return w.mapCRMError("search contact", err)
	}
	if contact == nil {
		// Nothing to attach to. Completed, not failed; most orgs get calls
		// from numbers outside their CRM.
		logger.WithCall(job.CallID, session.OrgID).Info("No CRM contact for customer number, skipping sync")
		return nil
	}

	noteBody := w.buildNoteBody(ctx, session)
	occurredAt := time.Now().UTC()
	if session.EndedAt != nil {
		occurredAt = *session.EndedAt
	}

	engagementID, err := w.crm.CreateNote(ctx, org.HubspotAccessToken, contact.ID, noteBody, occurredAt)
	if err != nil {
		return w.mapCRMError("create note", err)
	}

	if org.HubspotLogCalls {
		callID, err := w.crm.CreateCall(ctx, org.HubspotAccessToken, hubspot.CallEngagement{
			ContactID:      contact.ID,
			Title:          fmt.Sprintf("%s call with %s", titleDirection(session.Direction), customer),
			Body:           session.Summary,
			FromNumber:     session.FromNumber,
			ToNumber:       session.ToNumber,
			Direction:      string(session.Direction),
			DurationMillis: callDurationMillis(session),
			RecordingURL:   w.recordingLink(ctx, session),
			OccurredAt:     occurredAt,
		})
		if err != nil {
			return w.mapCRMError("create call engagement", err)
		}
		engagementID = callID
	}

	if err := w.repos.CallSessions().SetCRMLink(ctx, job.CallID, contact.ID, engagementID); err != nil {
		return pipeline.WrapDownstream("persist crm link", err)
	}

	publishEvent(ctx, w.events, pubsub.EventPipelineCompleted, session.OrgID, job.CallID,
		map[string]string{"contact_id": contact.ID, "engagement_id": engagementID})
	logger.WithCall(job.CallID, session.OrgID).Info("CRM sync completed",
		zap.String("contact_id", contact.ID),
		zap.String("engagement_id", engagementID))
	return nil
}

// mapCRMError folds client sentinels into the retry taxonomy: rejected
// tokens cannot be retried into working, rate limits can.
func (w *HubspotSyncWorker) mapCRMError(op string, err error) error {
	if errors.Is(err, hubspot.ErrUnauthorized) {
		return pipeline.Configf("%s: hubspot token rejected", op)
	}
	return pipeline.WrapDownstream(op, err)
}

func (w *HubspotSyncWorker) buildNoteBody(ctx context.Context, session *domain.CallSession) string {
	var b strings.Builder
	b.WriteString("<b>Call insights</b><br/><br/>")
	if session.Summary != "" {
		b.WriteString(fmt.Sprintf("<p>%s</p>", session.Summary))
	}
	if session.Sentiment != "" {
		b.WriteString(fmt.Sprintf("<p>Customer sentiment: %s</p>", session.Sentiment))
	}
	if insights := decodeStringList(session.Insights); len(insights) > 0 {
		b.WriteString("<ul>")
		for _, insight := range insights {
			b.WriteString(fmt.Sprintf("<li>%s</li>", insight))
		}
		b.WriteString("</ul>")
	}
	if mentions := decodeStringList(session.CompetitorMentions); len(mentions) > 0 {
		b.WriteString(fmt.Sprintf("<p>Competitors mentioned: %s</p>", strings.Join(mentions, ", ")))
	}
	// The dashboard link outlives the signed PDF URL below.
	if w.cfg != nil && w.cfg.DashboardBaseURL != "" {
		b.WriteString(fmt.Sprintf(`<p><a href="%s/calls/%s">Open the full call record</a></p>`,
			strings.TrimSuffix(w.cfg.DashboardBaseURL, "/"), session.ExternalCallID))
	}
	if w.store != nil && session.TranscriptPDFObject != "" {
		if link, err := w.store.GetPresignedURL(ctx, session.TranscriptPDFObject, time.Now().Add(pdfLinkTTL)); err == nil {
			b.WriteString(fmt.Sprintf(`<p><a href="%s">Full transcript (PDF)</a></p>`, link))
		} else {
			logger.WithCall(session.ExternalCallID, session.OrgID).Warn("Failed to sign transcript link", zap.Error(err))
		}
	}
	return b.String()
}

// recordingLink prefers the signed mirror; a bare trunk URL needs
// credentials the CRM user does not have, but it still identifies the
// recording.
func (w *HubspotSyncWorker) recordingLink(ctx context.Context, session *domain.CallSession) string {
	if w.store != nil && session.RecordingObject != "" {
		if link, err := w.store.GetPresignedURL(ctx, session.RecordingObject, time.Now().Add(pdfLinkTTL)); err == nil {
			return link
		}
	}
	return session.RecordingURL
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return []string{raw}
	}
	return items
}

func titleDirection(d domain.CallDirection) string {
	s := string(d)
	if s == "" {
		return "Phone"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func callDurationMillis(session *domain.CallSession) int64 {
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
	return d.Milliseconds()
}
