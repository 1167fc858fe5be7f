package repository

import (
	"context"
	"fmt"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CRMEventRepository stores CRM object-change notifications
type CRMEventRepository struct {
	db *gorm.DB
}

// NewCRMEventRepository creates a new CRM event repository
func NewCRMEventRepository(db *gorm.DB) *CRMEventRepository {
	return &CRMEventRepository{db: db}
}

// Create persists one object-change event
func (r *CRMEventRepository) Create(ctx context.Context, event *domain.CRMObjectEvent) (*domain.CRMObjectEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to create crm object event: %w", err)
	}
	return event, nil
}

// ListByObjectID returns every stored event for one CRM object, newest first,
// mostly for tests and ops queries.
func (r *CRMEventRepository) ListByObjectID(ctx context.Context, objectID string) ([]*domain.CRMObjectEvent, error) {
	var events []*domain.CRMObjectEvent
	if err := r.db.WithContext(ctx).
		Where("object_id = ?", objectID).
		Order("occurred_at DESC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list crm object events: %w", err)
	}
	return events, nil
}
