package domain

import (
	"time"
)

// CallDirection represents which side originated the call
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// RecordingStatus constants for the recording sub-track
type RecordingStatus string

const (
	RecordingStatusPending   RecordingStatus = "pending"
	RecordingStatusAvailable RecordingStatus = "available"
	RecordingStatusNotFound  RecordingStatus = "not_found"
)

// TranscriptionStatus constants for the transcription sub-track
type TranscriptionStatus string

const (
	TranscriptionStatusPending    TranscriptionStatus = "pending"
	TranscriptionStatusInProgress TranscriptionStatus = "in_progress"
	TranscriptionStatusCompleted  TranscriptionStatus = "completed"
	TranscriptionStatusFailed     TranscriptionStatus = "failed"
)

// ConsentStatus constants for the consent sub-track
type ConsentStatus string

const (
	ConsentStatusPending     ConsentStatus = "pending"
	ConsentStatusApproved    ConsentStatus = "approved"
	ConsentStatusDeclined    ConsentStatus = "declined"
	ConsentStatusExpired     ConsentStatus = "expired"
	ConsentStatusNotRequired ConsentStatus = "not_required"
)

// CallSession is the canonical per-call record. One row per external call id,
// created lazily by whichever event arrives first and mutated incrementally by
// later events and workers. Four sub-tracks evolve independently on the same
// row: timing, recording, consent, transcription.
type CallSession struct {
	ID             string        `json:"id" gorm:"type:varchar(255);primaryKey"`
	ExternalCallID string        `json:"external_call_id" gorm:"type:varchar(255);uniqueIndex:uni_call_sessions_external_call_id;not null"`
	OrgID          string        `json:"org_id" gorm:"type:varchar(255);index;not null"`
	Direction      CallDirection `json:"direction" gorm:"type:varchar(16)"`
	FromNumber     string        `json:"from_number" gorm:"type:varchar(64)"`
	ToNumber       string        `json:"to_number" gorm:"type:varchar(64)"`
	AgentRef       string        `json:"agent_ref" gorm:"type:varchar(255)"`

	// Timing fields are set at most once and never overwritten once present.
	StartedAt  *time.Time `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at"`
	EndedAt    *time.Time `json:"ended_at"`

	RecordingURL    string          `json:"recording_url" gorm:"type:text"`
	RecordingStatus RecordingStatus `json:"recording_status" gorm:"type:varchar(32);default:pending"`
	RecordingObject string          `json:"recording_object" gorm:"type:text"`
	ProviderCallSID string          `json:"provider_call_sid" gorm:"column:provider_call_sid;type:varchar(64)"`

	ConsentStatus ConsentStatus `json:"consent_status" gorm:"type:varchar(32);default:pending"`

	TranscriptionStatus TranscriptionStatus `json:"transcription_status" gorm:"type:varchar(32);default:pending"`
	SttJobID            string              `json:"stt_job_id" gorm:"type:varchar(255)"`
	Transcript          string              `json:"transcript" gorm:"type:text"`
	TranscriptPDFObject string              `json:"transcript_pdf_object" gorm:"type:text"`
	Summary             string              `json:"summary" gorm:"type:text"`
	Sentiment           string              `json:"sentiment" gorm:"type:varchar(32)"`
	Insights            string              `json:"insights" gorm:"type:text"`
	CompetitorMentions  string              `json:"competitor_mentions" gorm:"type:text"`
	LastError           string              `json:"last_error" gorm:"type:text"`

	ContactID    string `json:"contact_id" gorm:"type:varchar(255)"`
	EngagementID string `json:"engagement_id" gorm:"type:varchar(255)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for CallSession
func (CallSession) TableName() string {
	return "call_sessions"
}

// CustomerNumber returns the non-agent endpoint of the call: the caller for
// inbound calls, the callee for outbound ones.
func (s *CallSession) CustomerNumber() string {
	if s.Direction == DirectionOutbound {
		return s.ToNumber
	}
	return s.FromNumber
}

// BusinessNumber returns the org-side endpoint of the call.
func (s *CallSession) BusinessNumber() string {
	if s.Direction == DirectionOutbound {
		return s.FromNumber
	}
	return s.ToNumber
}
