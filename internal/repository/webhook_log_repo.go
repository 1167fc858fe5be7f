package repository

import (
	"context"
	"fmt"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookLogRepository appends to the inbound delivery audit trail
type WebhookLogRepository struct {
	db *gorm.DB
}

// NewWebhookLogRepository creates a new webhook log repository
func NewWebhookLogRepository(db *gorm.DB) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

// Append writes one audit row. Callers log before gating so dropped
// deliveries still leave a trace.
func (r *WebhookLogRepository) Append(ctx context.Context, source domain.WebhookSource, orgID, eventType, payload string) error {
	entry := &domain.WebhookLog{
		ID:        uuid.New().String(),
		Source:    source,
		OrgID:     orgID,
		EventType: eventType,
		Payload:   payload,
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append webhook log: %w", err)
	}
	return nil
}

// CountBySource returns how many deliveries a source has logged, mostly for
// tests and ops queries.
func (r *WebhookLogRepository) CountBySource(ctx context.Context, source domain.WebhookSource) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.WebhookLog{}).
		Where("source = ?", source).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count webhook logs: %w", err)
	}
	return count, nil
}
