package repository

import (
	"context"
	"fmt"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AgentMappingRepository handles agent to Slack identity mappings
type AgentMappingRepository struct {
	db *gorm.DB
}

// NewAgentMappingRepository creates a new agent mapping repository
func NewAgentMappingRepository(db *gorm.DB) *AgentMappingRepository {
	return &AgentMappingRepository{db: db}
}

// GetByOrgAndAgent resolves the mapping for one agent reference
func (r *AgentMappingRepository) GetByOrgAndAgent(ctx context.Context, orgID, agentRef string) (*domain.AgentMapping, error) {
	var mapping domain.AgentMapping
	if err := r.db.WithContext(ctx).Where("org_id = ? AND agent_ref = ?", orgID, agentRef).First(&mapping).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent mapping: %w", err)
	}
	return &mapping, nil
}

// ListByOrg returns every mapping configured for an organization
func (r *AgentMappingRepository) ListByOrg(ctx context.Context, orgID string) ([]*domain.AgentMapping, error) {
	var mappings []*domain.AgentMapping
	if err := r.db.WithContext(ctx).Where("org_id = ?", orgID).Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("failed to list agent mappings: %w", err)
	}
	return mappings, nil
}

// Create persists a new mapping
func (r *AgentMappingRepository) Create(ctx context.Context, mapping *domain.AgentMapping) (*domain.AgentMapping, error) {
	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(mapping).Error; err != nil {
		return nil, fmt.Errorf("failed to create agent mapping: %w", err)
	}
	return mapping, nil
}
