package repository

import (
	"context"

	"gorm.io/gorm"
)

// RepositoryManager combines all repositories
type RepositoryManager interface {
	CallSessions() *CallSessionRepository
	Jobs() *JobRepository
	ConsentRequests() *ConsentRequestRepository
	OrgSettings() *OrgSettingsRepository
	AgentMappings() *AgentMappingRepository
	BlockedNumbers() *BlockedNumberRepository
	WebhookLogs() *WebhookLogRepository
	CRMEvents() *CRMEventRepository

	// Transaction support
	WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error

	// Health check
	Ping(ctx context.Context) error

	// Close connection
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db              *gorm.DB
	callSessionRepo *CallSessionRepository
	jobRepo         *JobRepository
	consentRepo     *ConsentRequestRepository
	orgSettingsRepo *OrgSettingsRepository
	agentMapRepo    *AgentMappingRepository
	blockedRepo     *BlockedNumberRepository
	webhookLogRepo  *WebhookLogRepository
	crmEventRepo    *CRMEventRepository
}

// NewGormRepositoryManager creates a new GORM repository manager
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:              db,
		callSessionRepo: NewCallSessionRepository(db),
		jobRepo:         NewJobRepository(db),
		consentRepo:     NewConsentRequestRepository(db),
		orgSettingsRepo: NewOrgSettingsRepository(db),
		agentMapRepo:    NewAgentMappingRepository(db),
		blockedRepo:     NewBlockedNumberRepository(db),
		webhookLogRepo:  NewWebhookLogRepository(db),
		crmEventRepo:    NewCRMEventRepository(db),
	}
}

// CallSessions returns the call session repository
func (m *GormRepositoryManager) CallSessions() *CallSessionRepository {
	return m.callSessionRepo
}

// Jobs returns the pipeline job repository
func (m *GormRepositoryManager) Jobs() *JobRepository {
	return m.jobRepo
}

// ConsentRequests returns the consent request repository
func (m *GormRepositoryManager) ConsentRequests() *ConsentRequestRepository {
	return m.consentRepo
}

// OrgSettings returns the org settings repository
func (m *GormRepositoryManager) OrgSettings() *OrgSettingsRepository {
	return m.orgSettingsRepo
}

// AgentMappings returns the agent mapping repository
func (m *GormRepositoryManager) AgentMappings() *AgentMappingRepository {
	return m.agentMapRepo
}

// BlockedNumbers returns the blocked number repository
func (m *GormRepositoryManager) BlockedNumbers() *BlockedNumberRepository {
	return m.blockedRepo
}

// WebhookLogs returns the webhook audit log repository
func (m *GormRepositoryManager) WebhookLogs() *WebhookLogRepository {
	return m.webhookLogRepo
}

// CRMEvents returns the CRM object event repository
func (m *GormRepositoryManager) CRMEvents() *CRMEventRepository {
	return m.crmEventRepo
}

// WithTx executes a function within a database transaction
func (m *GormRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositoryManager(tx))
	})
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
