package domain

import (
	"time"
)

// CRMObjectEvent records an object-change notification from the CRM webhook.
// These rows are an audit association log only; nothing in the call pipeline
// consumes them.
type CRMObjectEvent struct {
	ID         string    `json:"id" gorm:"type:varchar(255);primaryKey"`
	PortalID   string    `json:"portal_id" gorm:"type:varchar(64);index"`
	ObjectType string    `json:"object_type" gorm:"type:varchar(64)"`
	ObjectID   string    `json:"object_id" gorm:"type:varchar(64);index"`
	EventType  string    `json:"event_type" gorm:"type:varchar(128)"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    JSONB     `json:"payload" gorm:"type:jsonb"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName sets the table name for CRMObjectEvent
func (CRMObjectEvent) TableName() string {
	return "crm_object_events"
}
