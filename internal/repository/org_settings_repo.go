package repository

import (
	"context"
	"fmt"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrgSettingsRepository handles per-org settings persistence. Settings are
// loaded fresh per invocation; nothing here caches.
type OrgSettingsRepository struct {
	db *gorm.DB
}

// NewOrgSettingsRepository creates a new org settings repository
func NewOrgSettingsRepository(db *gorm.DB) *OrgSettingsRepository {
	return &OrgSettingsRepository{db: db}
}

// GetByOrgID retrieves settings for an organization
func (r *OrgSettingsRepository) GetByOrgID(ctx context.Context, orgID string) (*domain.OrgSettings, error) {
	var settings domain.OrgSettings
	if err := r.db.WithContext(ctx).Where("org_id = ?", orgID).First(&settings).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get org settings: %w", err)
	}
	return &settings, nil
}

// Create persists settings for a new organization
func (r *OrgSettingsRepository) Create(ctx context.Context, settings *domain.OrgSettings) (*domain.OrgSettings, error) {
	if settings.ID == "" {
		settings.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(settings).Error; err != nil {
		return nil, fmt.Errorf("failed to create org settings: %w", err)
	}
	return settings, nil
}
