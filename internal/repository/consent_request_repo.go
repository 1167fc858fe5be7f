package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConsentRequestRepository handles consent request persistence
type ConsentRequestRepository struct {
	db *gorm.DB
}

// NewConsentRequestRepository creates a new consent request repository
func NewConsentRequestRepository(db *gorm.DB) *ConsentRequestRepository {
	return &ConsentRequestRepository{db: db}
}

// Create persists a new consent request
func (r *ConsentRequestRepository) Create(ctx context.Context, req *domain.ConsentRequest) (*domain.ConsentRequest, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = domain.ConsentRequestPending
	}
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fmt.Errorf("failed to create consent request: %w", err)
	}
	return req, nil
}

// GetByID retrieves a consent request by id
func (r *ConsentRequestRepository) GetByID(ctx context.Context, id string) (*domain.ConsentRequest, error) {
	var req domain.ConsentRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get consent request: %w", err)
	}
	return &req, nil
}

// GetLatestByCallID returns the most recent request for a call.
func (r *ConsentRequestRepository) GetLatestByCallID(ctx context.Context, callID string) (*domain.ConsentRequest, error) {
	var req domain.ConsentRequest
	if err := r.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("created_at DESC").
		First(&req).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest consent request: %w", err)
	}
	return &req, nil
}

// SetMessageCoordinates stores where the prompt was posted so it can be
// edited in place later, and stamps the send time.
func (r *ConsentRequestRepository) SetMessageCoordinates(ctx context.Context, id, channelID, messageTS string) error {
	if err := r.db.WithContext(ctx).Model(&domain.ConsentRequest{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"channel_id": channelID,
			"message_ts": messageTS,
			"sent_at":    time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("failed to set message coordinates: %w", err)
	}
	return nil
}

// Resolve terminates the request with the given status. The update only
// applies while the request is still pending, so the first resolution wins
// and duplicate callbacks or a racing expire job see false.
func (r *ConsentRequestRepository) Resolve(ctx context.Context, id string, status domain.ConsentRequestStatus, respondedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.ConsentRequest{}).
		Where("id = ? AND status = ?", id, domain.ConsentRequestPending).
		Updates(map[string]interface{}{
			"status":       status,
			"responded_at": respondedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to resolve consent request: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetReminderSent records the reminder timestamp, once, and only while the
// request is still pending.
func (r *ConsentRequestRepository) SetReminderSent(ctx context.Context, id string, t time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.ConsentRequest{}).
		Where("id = ? AND status = ? AND reminder_sent_at IS NULL", id, domain.ConsentRequestPending).
		Update("reminder_sent_at", t)
	if res.Error != nil {
		return false, fmt.Errorf("failed to set reminder sent: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
