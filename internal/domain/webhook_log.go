package domain

import (
	"time"
)

// WebhookSource identifies which inbound surface received a delivery
type WebhookSource string

const (
	WebhookSourcePBX     WebhookSource = "pbx"
	WebhookSourceHubspot WebhookSource = "hubspot"
	WebhookSourceSTT     WebhookSource = "stt"
	WebhookSourceSlack   WebhookSource = "slack"
)

// WebhookLog is the append-only audit trail of every inbound delivery. Rows
// are written before any gating or processing decision, so a delivery that
// was dropped by the enabled flag or the blocklist still leaves a trace.
type WebhookLog struct {
	ID         string        `json:"id" gorm:"type:varchar(255);primaryKey"`
	Source     WebhookSource `json:"source" gorm:"type:varchar(32);index;not null"`
	OrgID      string        `json:"org_id" gorm:"type:varchar(255);index"`
	EventType  string        `json:"event_type" gorm:"type:varchar(128)"`
	Payload    string        `json:"payload" gorm:"type:text"`
	ReceivedAt time.Time     `json:"received_at" gorm:"autoCreateTime"`
}

// TableName sets the table name for WebhookLog
func (WebhookLog) TableName() string {
	return "webhook_logs"
}
