package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// EventPrefix is prepended to the message name attribute to align with
	// subscription filters (e.g., "", "beta", "qa", "stage").
	EventPrefix string `mapstructure:"event_prefix"`
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// Pipeline event names emitted at stage transitions.
const (
	EventSessionCreated      = "call.session.created"
	EventRecordingMirrored   = "call.recording.mirrored"
	EventConsentResolved     = "call.consent.resolved"
	EventTranscriptCompleted = "call.transcript.completed"
	EventAnalysisCompleted   = "call.analysis.completed"
	EventPipelineCompleted   = "call.pipeline.completed"
	EventPipelineFailed      = "call.pipeline.failed"
)

// PipelineEvent is the envelope downstream consumers (billing, dashboards)
// subscribe to.
type PipelineEvent struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	OrgID      string            `json:"org_id"`
	CallID     string            `json:"call_id"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("📢 Topic does not exist, creating", zap.String("topicname", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topicname", cfg.TopicName))
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishPipelineEvent publishes one stage-transition event. The message
// name attribute carries the configured environment prefix so subscription
// filters keep working across deployments.
func (p *PubSubService) PublishPipelineEvent(ctx context.Context, event PipelineEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline event: %w", err)
	}

	namePrefix := strings.TrimSuffix(p.config.EventPrefix, ":")
	if namePrefix != "" {
		namePrefix += ":"
	}

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("%s%s", namePrefix, event.Name),
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish pipeline event", zap.String("name", event.Name), zap.String("org_id", event.OrgID), zap.String("call_id", event.CallID), zap.Error(err))
		return fmt.Errorf("failed to publish pipeline event: %w", err)
	}

	logger.Base().Info("Published pipeline event", zap.String("id", event.ID), zap.String("name", event.Name), zap.String("org_id", event.OrgID), zap.String("call_id", event.CallID))

	return nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
