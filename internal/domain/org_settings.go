package domain

import (
	"time"
)

// OrgSettings holds per-organization pipeline configuration. Rows are loaded
// per invocation through the repository and passed down explicitly; nothing
// caches them process-wide, so tests and concurrent requests can see
// different flags for different orgs.
type OrgSettings struct {
	ID    string `json:"id" gorm:"type:varchar(255);primaryKey"`
	OrgID string `json:"org_id" gorm:"type:varchar(255);uniqueIndex:uni_org_settings_org_id;not null"`

	// Enabled gates all pipeline processing for the org. Disabled orgs still
	// get their webhooks audit-logged.
	Enabled       bool   `json:"enabled" gorm:"default:true"`
	WebhookSecret string `json:"-" gorm:"type:varchar(255)"`

	ConsentRequired bool `json:"consent_required" gorm:"default:false"`
	// ConsentAutoApproveKnown skips the consent prompt for callers that
	// already exist as CRM contacts. Off by default so the privacy gate is
	// only bypassed by explicit org choice.
	ConsentAutoApproveKnown bool `json:"consent_auto_approve_known" gorm:"default:false"`
	ConsentExpireMinutes    int  `json:"consent_expire_minutes" gorm:"default:240"`
	ConsentReminderMinutes  int  `json:"consent_reminder_minutes" gorm:"default:0"`

	SlackChannelID string `json:"slack_channel_id" gorm:"type:varchar(64)"`

	TwilioAccountSID string `json:"-" gorm:"type:varchar(64)"`
	TwilioAuthToken  string `json:"-" gorm:"type:varchar(64)"`

	HubspotAccessToken string `json:"-" gorm:"type:varchar(255)"`
	HubspotLogCalls    bool   `json:"hubspot_log_calls" gorm:"default:false"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for OrgSettings
func (OrgSettings) TableName() string {
	return "org_settings"
}

// ConsentTTL returns the approval deadline horizon.
func (s *OrgSettings) ConsentTTL() time.Duration {
	minutes := s.ConsentExpireMinutes
	if minutes <= 0 {
		minutes = 240
	}
	return time.Duration(minutes) * time.Minute
}

// ReminderDelay returns the reminder horizon, or zero when reminders are
// disabled for the org.
func (s *OrgSettings) ReminderDelay() time.Duration {
	if s.ConsentReminderMinutes <= 0 {
		return 0
	}
	return time.Duration(s.ConsentReminderMinutes) * time.Minute
}
