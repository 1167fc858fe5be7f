package domain

import (
	"time"
)

// BlockedNumber excludes a phone number from all pipeline processing for an
// org. Numbers are stored in canonical form and matched against both call
// endpoints.
type BlockedNumber struct {
	ID        string    `json:"id" gorm:"type:varchar(255);primaryKey"`
	OrgID     string    `json:"org_id" gorm:"type:varchar(255);uniqueIndex:uni_blocked_numbers_org_number;not null"`
	Number    string    `json:"number" gorm:"type:varchar(64);uniqueIndex:uni_blocked_numbers_org_number;not null"`
	Label     string    `json:"label" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName sets the table name for BlockedNumber
func (BlockedNumber) TableName() string {
	return "blocked_numbers"
}
