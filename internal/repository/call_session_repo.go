package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallSessionRepository handles call session persistence
type CallSessionRepository struct {
	db *gorm.DB
}

// NewCallSessionRepository creates a new call session repository
func NewCallSessionRepository(db *gorm.DB) *CallSessionRepository {
	return &CallSessionRepository{db: db}
}

// GetByExternalCallID retrieves a call session by its external call identifier
func (r *CallSessionRepository) GetByExternalCallID(ctx context.Context, externalCallID string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := r.db.WithContext(ctx).Where("external_call_id = ?", externalCallID).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return &session, nil
}

// GetOrCreate returns the session for the seed's external call id, creating a
// minimal row when none exists yet; the bool reports whether this call created
// it. Events arrive in any order, so whichever event is first creates the row.
// Losing a create race to a concurrent delivery is tolerated by re-reading.
func (r *CallSessionRepository) GetOrCreate(ctx context.Context, seed *domain.CallSession) (*domain.CallSession, bool, error) {
	existing, err := r.GetByExternalCallID(ctx, seed.ExternalCallID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if seed.ID == "" {
		seed.ID = uuid.New().String()
	}
	if seed.RecordingStatus == "" {
		seed.RecordingStatus = domain.RecordingStatusPending
	}
	if seed.TranscriptionStatus == "" {
		seed.TranscriptionStatus = domain.TranscriptionStatusPending
	}
	if seed.ConsentStatus == "" {
		seed.ConsentStatus = domain.ConsentStatusPending
	}

	if err := r.db.WithContext(ctx).Create(seed).Error; err != nil {
		// A concurrent delivery may have created the row between the read
		// and the insert; the unique index makes that path safe.
		if existing, getErr := r.GetByExternalCallID(ctx, seed.ExternalCallID); getErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create call session: %w", err)
	}
	return seed, true, nil
}

// BackfillIdentity fills direction, endpoints and agent on sessions that were
// created by an event which did not carry them. Existing values are never
// overwritten.
func (r *CallSessionRepository) BackfillIdentity(ctx context.Context, externalCallID string, direction domain.CallDirection, fromNumber, toNumber, agentRef string) error {
	session, err := r.GetByExternalCallID(ctx, externalCallID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	updates := map[string]interface{}{}
	if session.Direction == "" && direction != "" {
		updates["direction"] = direction
	}
	if session.FromNumber == "" && fromNumber != "" {
		updates["from_number"] = fromNumber
	}
	if session.ToNumber == "" && toNumber != "" {
		updates["to_number"] = toNumber
	}
	if session.AgentRef == "" && agentRef != "" {
		updates["agent_ref"] = agentRef
	}
	if len(updates) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to backfill call session identity: %w", err)
	}
	return nil
}

// SetStartedAt records the start timestamp unless one is already present.
func (r *CallSessionRepository) SetStartedAt(ctx context.Context, externalCallID string, t time.Time) error {
	return r.setTimestampOnce(ctx, externalCallID, "started_at", t)
}

// SetAnsweredAt records the answer timestamp unless one is already present.
func (r *CallSessionRepository) SetAnsweredAt(ctx context.Context, externalCallID string, t time.Time) error {
	return r.setTimestampOnce(ctx, externalCallID, "answered_at", t)
}

// SetEndedAt records the end timestamp unless one is already present.
func (r *CallSessionRepository) SetEndedAt(ctx context.Context, externalCallID string, t time.Time) error {
	return r.setTimestampOnce(ctx, externalCallID, "ended_at", t)
}

// setTimestampOnce writes a timing column only while it is still NULL, which
// makes replayed deliveries no-ops.
func (r *CallSessionRepository) setTimestampOnce(ctx context.Context, externalCallID, column string, t time.Time) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ? AND "+column+" IS NULL", externalCallID).
		Update(column, t).Error; err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	return nil
}

// SetRecordingAvailable stores the located recording reference.
func (r *CallSessionRepository) SetRecordingAvailable(ctx context.Context, externalCallID, recordingURL, providerCallSID string) error {
	updates := map[string]interface{}{
		"recording_url":    recordingURL,
		"recording_status": domain.RecordingStatusAvailable,
	}
	if providerCallSID != "" {
		updates["provider_call_sid"] = providerCallSID
	}
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to set recording available: %w", err)
	}
	return nil
}

// SetRecordingNotFound marks the lookup as exhausted with no match.
func (r *CallSessionRepository) SetRecordingNotFound(ctx context.Context, externalCallID string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Update("recording_status", domain.RecordingStatusNotFound).Error; err != nil {
		return fmt.Errorf("failed to set recording not found: %w", err)
	}
	return nil
}

// SetRecordingObject stores the owned-storage object of the mirrored
// recording so a retried transcription request does not re-upload it.
func (r *CallSessionRepository) SetRecordingObject(ctx context.Context, externalCallID, object string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Update("recording_object", object).Error; err != nil {
		return fmt.Errorf("failed to set recording object: %w", err)
	}
	return nil
}

// SetConsentStatus updates the consent sub-track.
func (r *CallSessionRepository) SetConsentStatus(ctx context.Context, externalCallID string, status domain.ConsentStatus) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Update("consent_status", status).Error; err != nil {
		return fmt.Errorf("failed to set consent status: %w", err)
	}
	return nil
}

// SetTranscriptionInProgress stores the provider job id and moves the
// transcription sub-track forward.
func (r *CallSessionRepository) SetTranscriptionInProgress(ctx context.Context, externalCallID, sttJobID string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Updates(map[string]interface{}{
			"transcription_status": domain.TranscriptionStatusInProgress,
			"stt_job_id":           sttJobID,
		}).Error; err != nil {
		return fmt.Errorf("failed to set transcription in progress: %w", err)
	}
	return nil
}

// SetTranscriptionFailed marks the transcription sub-track failed and records
// the reason on the session.
func (r *CallSessionRepository) SetTranscriptionFailed(ctx context.Context, externalCallID, reason string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Updates(map[string]interface{}{
			"transcription_status": domain.TranscriptionStatusFailed,
			"last_error":           reason,
		}).Error; err != nil {
		return fmt.Errorf("failed to set transcription failed: %w", err)
	}
	return nil
}

// SetTranscriptCompleted stores the final transcript text.
func (r *CallSessionRepository) SetTranscriptCompleted(ctx context.Context, externalCallID, transcript string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Updates(map[string]interface{}{
			"transcription_status": domain.TranscriptionStatusCompleted,
			"transcript":           transcript,
		}).Error; err != nil {
		return fmt.Errorf("failed to set transcript: %w", err)
	}
	return nil
}

// SetAnalysis stores the derived digest fields.
func (r *CallSessionRepository) SetAnalysis(ctx context.Context, externalCallID, summary, sentiment, insights, competitorMentions string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Updates(map[string]interface{}{
			"summary":             summary,
			"sentiment":           sentiment,
			"insights":            insights,
			"competitor_mentions": competitorMentions,
		}).Error; err != nil {
		return fmt.Errorf("failed to set analysis: %w", err)
	}
	return nil
}

// SetTranscriptPDFObject stores the rendered transcript artifact location.
func (r *CallSessionRepository) SetTranscriptPDFObject(ctx context.Context, externalCallID, object string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Update("transcript_pdf_object", object).Error; err != nil {
		return fmt.Errorf("failed to set transcript pdf object: %w", err)
	}
	return nil
}

// SetCRMLink records the matched contact and created engagement. The
// engagement id is written only while absent; its presence is the idempotency
// guard for the CRM sync stage.
func (r *CallSessionRepository) SetCRMLink(ctx context.Context, externalCallID, contactID, engagementID string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ? AND (engagement_id IS NULL OR engagement_id = '')", externalCallID).
		Updates(map[string]interface{}{
			"contact_id":    contactID,
			"engagement_id": engagementID,
		}).Error; err != nil {
		return fmt.Errorf("failed to set crm link: %w", err)
	}
	return nil
}

// SetLastError keeps the most recent failure reason on the session for
// operator visibility.
func (r *CallSessionRepository) SetLastError(ctx context.Context, externalCallID, message string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Update("last_error", message).Error; err != nil {
		return fmt.Errorf("failed to set last error: %w", err)
	}
	return nil
}

// ClearTranscription resets the transcription sub-track and everything
// derived from the old transcript so a reprocess runs from scratch.
func (r *CallSessionRepository) ClearTranscription(ctx context.Context, externalCallID string) error {
	if err := r.db.WithContext(ctx).Model(&domain.CallSession{}).
		Where("external_call_id = ?", externalCallID).
		Updates(map[string]interface{}{
			"transcription_status":  domain.TranscriptionStatusPending,
			"stt_job_id":            "",
			"transcript":            "",
			"transcript_pdf_object": "",
			"summary":               "",
			"sentiment":             "",
			"insights":              "",
			"competitor_mentions":   "",
			"last_error":            "",
		}).Error; err != nil {
		return fmt.Errorf("failed to clear transcription: %w", err)
	}
	return nil
}
