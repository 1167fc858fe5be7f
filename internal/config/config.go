package config

import "time"

// PipelineConfig holds the pipeline tuning knobs and global secrets. Org
// scoped settings (webhook secrets, consent policy, CRM tokens) live in the
// database, not here.
type PipelineConfig struct {
	Environment string

	// Port the HTTP server listens on.
	Port string

	// WebhookAuthDisabled skips PBX webhook verification. Ignored in
	// production.
	WebhookAuthDisabled bool

	// RecordingLookupDelay is how long after call.ended the first recording
	// lookup runs. Trunk recordings lag the hangup.
	RecordingLookupDelay time.Duration

	// DequeueBatchSize caps how many jobs of each type one scheduler pass
	// claims.
	DequeueBatchSize int

	// BackoffBase seeds the exponential retry delay.
	BackoffBase time.Duration

	// RecordingBucket is the GCS bucket recordings and transcript PDFs are
	// mirrored into. Empty disables mirroring.
	RecordingBucket string

	// SignedURLTTL bounds how long mirrored audio stays fetchable by the
	// transcription provider.
	SignedURLTTL time.Duration

	// DashboardBaseURL is where the admin dashboard serves call records.
	// CRM notes link back to it; empty drops the link.
	DashboardBaseURL string

	// SchedulerAPISecret signs the keys accepted by the job runner and
	// reprocess endpoints.
	SchedulerAPISecret string

	// HubspotClientSecret validates X-HubSpot-Signature-v3 on CRM webhooks.
	HubspotClientSecret string

	// CronSpec, when set, runs the scheduler in-process on this schedule in
	// addition to the HTTP trigger.
	CronSpec string
}

// DefaultPipelineConfig holds the default configuration values
var DefaultPipelineConfig = PipelineConfig{
	Environment:          "development",
	Port:                 "8080",
	RecordingLookupDelay: 60 * time.Second,
	DequeueBatchSize:     10,
	BackoffBase:          30 * time.Second,
	SignedURLTTL:         time.Hour,
}

// IsProduction reports whether the service runs with production hardening.
func (c *PipelineConfig) IsProduction() bool {
	return c.Environment == "production"
}
