package handler

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/analysis"
	"github.com/SableAI/sable-call-service/internal/cache"
	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/internal/scheduler"
	"github.com/SableAI/sable-call-service/internal/telephony"
	"github.com/SableAI/sable-call-service/internal/workers"
	"github.com/SableAI/sable-call-service/pkg/gcs"
	"github.com/SableAI/sable-call-service/pkg/hubspot"
	"github.com/SableAI/sable-call-service/pkg/logger"
	"github.com/SableAI/sable-call-service/pkg/pubsub"
	"github.com/SableAI/sable-call-service/pkg/redis"
	"github.com/SableAI/sable-call-service/pkg/slackmsg"
	"github.com/SableAI/sable-call-service/pkg/stt"
	"github.com/SableAI/sable-call-service/pkg/twilio"
)

// Handlers depend on these narrow views of the shared services so tests can
// swap in fakes. All of them tolerate a nil value: the deployment may run
// without Pub/Sub, GCS, Slack or the analyzer.

type eventPublisher interface {
	PublishPipelineEvent(ctx context.Context, event pubsub.PipelineEvent) error
}

type transcriptAnalyzer interface {
	Analyze(ctx context.Context, transcript string, meta analysis.CallMeta) (*analysis.Digest, error)
}

type objectStore interface {
	Upload(ctx context.Context, objectPath string, contentType string, content io.Reader) (string, error)
	Exists(ctx context.Context, gcsURI string) (bool, error)
	Delete(ctx context.Context, gcsURL string) error
}

type promptEditor interface {
	UpdateResolved(ctx context.Context, channelID, ts, outcome string) error
}

// HandlerManager wires the shared services and hands them to the route
// handlers and the worker set.
type HandlerManager struct {
	config        *config.PipelineConfig
	repoManager   repository.RepositoryManager
	authenticator *telephony.Authenticator
	redisSvc      redis.RedisServiceInterface
	gcsClient     *gcs.GCSClient
	pubsubSvc     *pubsub.PubSubService
	slackSvc      *slackmsg.SlackService
	sttConfig     *stt.STTConfig
	analyzer      *analysis.Analyzer
	scheduler     *scheduler.Scheduler

	slackSigningSecret string
}

// NewHandlerManager creates and initializes all shared services. Optional
// integrations degrade with a warning instead of failing startup; the
// database is the only hard dependency.
func NewHandlerManager(cfg *config.PipelineConfig) (*HandlerManager, error) {
	repoManager, err := repository.NewRepositoryManager()
	if err != nil {
		logger.Base().Error("failed to connect to database", zap.Error(err))
		return nil, err
	}
	repoManager.Jobs().SetBackoffBase(cfg.BackoffBase)

	// Redis backs webhook replay suppression. Without it every delivery is
	// treated as fresh, which the idempotent session writes absorb.
	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}
	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379"
	}
	redisConfig := &redis.RedisConfig{
		Host:     redisHost,
		Port:     redisPort,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	}

	var redisSvc redis.RedisServiceInterface
	if svc, redisErr := redis.NewRedisService(redisConfig); redisErr != nil {
		logger.Base().Warn("failed to initialize redis service, running without webhook replay suppression", zap.Error(redisErr))
	} else {
		redisSvc = svc
	}

	var gcsClient *gcs.GCSClient
	if cfg.RecordingBucket != "" {
		client, gcsErr := gcs.NewGCSClient(context.Background(), cfg.RecordingBucket)
		if gcsErr != nil {
			logger.Base().Warn("failed to initialize gcs client, recordings will not be mirrored", zap.Error(gcsErr))
		} else {
			gcsClient = client
			logger.Base().Info("gcs recording store initialized", zap.String("bucket", cfg.RecordingBucket))
		}
	} else {
		logger.Base().Info("recording bucket not configured, mirroring and pdf artifacts disabled")
	}

	var pubsubSvc *pubsub.PubSubService
	if projectID := os.Getenv("PUBSUB_PROJECT_ID"); projectID != "" {
		pubsubConfig := &pubsub.PubSubConfig{
			ProjectID:   projectID,
			TopicName:   os.Getenv("PUBSUB_TOPIC_NAME"),
			EventPrefix: os.Getenv("PUBSUB_EVENT_PREFIX"),
		}
		svc, pubsubErr := pubsub.NewPubSubService(context.Background(), pubsubConfig)
		if pubsubErr != nil {
			logger.Base().Warn("failed to initialize pubsub service, pipeline events disabled", zap.Error(pubsubErr))
		} else {
			pubsubSvc = svc
			logger.Base().Info("pubsub publisher initialized", zap.String("topic", pubsubConfig.TopicName))
		}
	}

	slackSigningSecret := os.Getenv("SLACK_SIGNING_SECRET")
	var slackSvc *slackmsg.SlackService
	if botToken := os.Getenv("SLACK_BOT_TOKEN"); botToken != "" {
		slackSvc = slackmsg.NewSlackService(&slackmsg.SlackConfig{
			BotToken:      botToken,
			SigningSecret: slackSigningSecret,
		})
	} else {
		logger.Base().Warn("SLACK_BOT_TOKEN not set, consent prompts disabled")
	}

	sttConfig := &stt.STTConfig{
		BaseURL:        os.Getenv("STT_BASE_URL"),
		APIKey:         os.Getenv("STT_API_KEY"),
		CallbackURL:    os.Getenv("STT_CALLBACK_URL"),
		CallbackSecret: os.Getenv("STT_CALLBACK_SECRET"),
	}
	sttService := stt.NewSTTService(sttConfig)

	var transcriptDigests *analysis.Analyzer
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		transcriptDigests = analysis.NewAnalyzer(apiKey, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL"))
	} else {
		logger.Base().Warn("OPENAI_API_KEY not set, transcript analysis disabled")
	}

	authenticator := telephony.NewAuthenticator(cfg.WebhookAuthDisabled, cfg.Environment)
	if authenticator.BypassActive() {
		logger.Base().Warn("webhook authentication bypass is ACTIVE, every PBX delivery will be accepted",
			zap.String("environment", cfg.Environment))
	}
	if authenticator.Misconfigured() {
		logger.Base().Error("WEBHOOK_AUTH_DISABLED is set in production, PBX webhooks will be rejected until it is removed")
	}

	deps := workers.Deps{
		Repos:      repoManager,
		Config:     cfg,
		Mappings:   cache.NewMappingCache(repoManager.AgentMappings(), 0),
		Recordings: twilio.NewRecordingService(),
		STT:        sttService,
		CRM:        hubspot.NewHubspotService(),
	}
	if gcsClient != nil {
		deps.Store = gcsClient
	}
	if slackSvc != nil {
		deps.Slack = slackSvc
	}
	if pubsubSvc != nil {
		deps.Events = pubsubSvc
	}

	workerSet := workers.New(deps)
	sched := scheduler.New(repoManager, workerSet, deps.Events, cfg.DequeueBatchSize)

	return &HandlerManager{
		config:             cfg,
		repoManager:        repoManager,
		authenticator:      authenticator,
		redisSvc:           redisSvc,
		gcsClient:          gcsClient,
		pubsubSvc:          pubsubSvc,
		slackSvc:           slackSvc,
		sttConfig:          sttConfig,
		analyzer:           transcriptDigests,
		scheduler:          sched,
		slackSigningSecret: slackSigningSecret,
	}, nil
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	// Apply global middleware
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	hm.SetupWebhookRoutes(router)
	hm.SetupAPIRoutes(router)

	logger.Base().Info("all application routes registered")
}

// SetupWebhookRoutes registers the four inbound webhook surfaces. Each one
// authenticates its own caller; none of them sit behind the ops API key.
func (hm *HandlerManager) SetupWebhookRoutes(router *mux.Router) {
	var events eventPublisher
	if hm.pubsubSvc != nil {
		events = hm.pubsubSvc
	}
	var store objectStore
	if hm.gcsClient != nil {
		store = hm.gcsClient
	}
	var digests transcriptAnalyzer
	if hm.analyzer != nil {
		digests = hm.analyzer
	}
	var prompts promptEditor
	if hm.slackSvc != nil {
		prompts = hm.slackSvc
	}

	pbxHandler := NewPbxWebhookHandler(hm.repoManager, hm.authenticator, hm.redisSvc, events, hm.config)
	pbxHandler.SetupPbxRoutes(router)

	transcriptionHandler := NewTranscriptionWebhookHandler(hm.repoManager, hm.sttConfig.CallbackSecret, digests, store, events)
	transcriptionHandler.SetupTranscriptionRoutes(router)

	slackHandler := NewSlackInteractionHandler(hm.repoManager, hm.slackSigningSecret, prompts, events)
	slackHandler.SetupSlackRoutes(router)

	crmHandler := NewCRMWebhookHandler(hm.repoManager, hm.config.HubspotClientSecret)
	crmHandler.SetupCRMRoutes(router)

	// Setup CORS preflight handling for all webhook routes
	router.PathPrefix("/webhooks/").HandlerFunc(handleCORS).Methods("OPTIONS")

	logger.Base().Info("webhook routes registered")
}

// SetupAPIRoutes sets up the operator API routes and middleware
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	// Create API subrouter with middleware
	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	// Apply middleware to all API routes
	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)
	apiRouter.Use(APIKeyMiddleware(hm.config.SchedulerAPISecret))

	var store objectStore
	if hm.gcsClient != nil {
		store = hm.gcsClient
	}
	opsHandler := NewOpsHandler(hm.repoManager, hm.scheduler, store)
	opsHandler.SetupOpsRoutes(apiRouter, router)

	// Setup CORS middleware for all API routes
	router.PathPrefix("/api/").HandlerFunc(handleCORS).Methods("OPTIONS")

	logger.Base().Info("ops api routes registered")
}

// GetRepoManager returns the repository manager
func (hm *HandlerManager) GetRepoManager() repository.RepositoryManager {
	return hm.repoManager
}

// GetScheduler returns the job scheduler
func (hm *HandlerManager) GetScheduler() *scheduler.Scheduler {
	return hm.scheduler
}

// Close releases the shared service connections. Called on shutdown after
// the HTTP server has drained.
func (hm *HandlerManager) Close() {
	if hm.pubsubSvc != nil {
		hm.pubsubSvc.Close()
	}
	if hm.gcsClient != nil {
		if err := hm.gcsClient.Close(); err != nil {
			logger.Base().Warn("failed to close gcs client", zap.Error(err))
		}
	}
	if err := hm.repoManager.Close(); err != nil {
		logger.Base().Warn("failed to close database connection", zap.Error(err))
	}
}

// handleCORS handles CORS preflight requests for API routes
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
	w.WriteHeader(http.StatusOK)
}
