package domain

import (
	"time"
)

// AgentMapping resolves a PBX agent reference (extension or email) to the
// Slack identity that receives consent prompts for that agent's calls.
type AgentMapping struct {
	ID          string    `json:"id" gorm:"type:varchar(255);primaryKey"`
	OrgID       string    `json:"org_id" gorm:"type:varchar(255);uniqueIndex:uni_agent_mappings_org_agent;not null"`
	AgentRef    string    `json:"agent_ref" gorm:"type:varchar(255);uniqueIndex:uni_agent_mappings_org_agent;not null"`
	AgentName   string    `json:"agent_name" gorm:"type:varchar(255)"`
	SlackUserID string    `json:"slack_user_id" gorm:"type:varchar(64);not null"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for AgentMapping
func (AgentMapping) TableName() string {
	return "agent_mappings"
}
