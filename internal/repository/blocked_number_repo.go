package repository

import (
	"context"
	"fmt"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/phone"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BlockedNumberRepository handles the per-org number blocklist
type BlockedNumberRepository struct {
	db *gorm.DB
}

// NewBlockedNumberRepository creates a new blocked number repository
func NewBlockedNumberRepository(db *gorm.DB) *BlockedNumberRepository {
	return &BlockedNumberRepository{db: db}
}

// IsBlocked reports whether any of the given endpoints is on the org's
// blocklist. Inputs are canonicalized before matching.
func (r *BlockedNumberRepository) IsBlocked(ctx context.Context, orgID string, numbers ...string) (bool, error) {
	canonical := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if c := phone.Canonical(n); c != "" {
			canonical = append(canonical, c)
		}
	}
	if len(canonical) == 0 {
		return false, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.BlockedNumber{}).
		Where("org_id = ? AND number IN ?", orgID, canonical).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check blocklist: %w", err)
	}
	return count > 0, nil
}

// Create adds a number to the blocklist, storing it canonically
func (r *BlockedNumberRepository) Create(ctx context.Context, orgID, number, label string) (*domain.BlockedNumber, error) {
	blocked := &domain.BlockedNumber{
		ID:     uuid.New().String(),
		OrgID:  orgID,
		Number: phone.Canonical(number),
		Label:  label,
	}
	if err := r.db.WithContext(ctx).Create(blocked).Error; err != nil {
		return nil, fmt.Errorf("failed to create blocked number: %w", err)
	}
	return blocked, nil
}
