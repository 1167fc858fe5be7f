package domain

import (
	"time"
)

// ConsentRequestStatus constants for one approval cycle
type ConsentRequestStatus string

const (
	ConsentRequestPending  ConsentRequestStatus = "pending"
	ConsentRequestApproved ConsentRequestStatus = "approved"
	ConsentRequestDeclined ConsentRequestStatus = "declined"
	ConsentRequestExpired  ConsentRequestStatus = "expired"
)

// ConsentRequest is one approval cycle gating transcription behind agent
// sign-off. It is terminated exactly once, by the interaction callback or by
// the expire job, whichever fires first. Multiple historical rows may exist
// for one call across retries.
type ConsentRequest struct {
	ID          string               `json:"id" gorm:"type:varchar(255);primaryKey"`
	CallID      string               `json:"call_id" gorm:"type:varchar(255);index;not null"`
	OrgID       string               `json:"org_id" gorm:"type:varchar(255);not null"`
	AgentRef    string               `json:"agent_ref" gorm:"type:varchar(255)"`
	SlackUserID string               `json:"slack_user_id" gorm:"type:varchar(64)"`
	Status      ConsentRequestStatus `json:"status" gorm:"type:varchar(32);default:pending"`

	// Message coordinates let the original prompt be edited in place when
	// the request resolves.
	ChannelID string `json:"channel_id" gorm:"type:varchar(64)"`
	MessageTS string `json:"message_ts" gorm:"type:varchar(64)"`

	SentAt         *time.Time `json:"sent_at"`
	RespondedAt    *time.Time `json:"responded_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	ReminderSentAt *time.Time `json:"reminder_sent_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for ConsentRequest
func (ConsentRequest) TableName() string {
	return "consent_requests"
}

// Resolved reports whether the request has left the pending state.
func (r *ConsentRequest) Resolved() bool {
	return r.Status != ConsentRequestPending
}
