package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/config"
	"github.com/SableAI/sable-call-service/internal/handler"
	"github.com/SableAI/sable-call-service/internal/scheduler"
	"github.com/SableAI/sable-call-service/pkg/logger"
)

// Server represents the call insights service
type Server struct {
	config         *config.PipelineConfig
	router         *mux.Router
	handlerManager *handler.HandlerManager
	cron           *cron.Cron
}

// NewServer creates a new call insights server
func NewServer(cfg *config.PipelineConfig) *Server {
	// Initialize zap logger and redirect stdlib log to it
	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		logger.Base().Error("Failed to initialize zap logger, falling back to std log")
	}

	// Create router
	router := mux.NewRouter()

	// Initialize handler manager - it will create all services internally
	handlerManager, err := handler.NewHandlerManager(cfg)
	if err != nil {
		logger.Base().Error("Failed to initialize handler manager", zap.Error(err))
		return nil
	}

	// Setup all routes through handler manager
	handlerManager.SetupAllRoutes(router)

	server := &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
	}

	if cfg.CronSpec != "" {
		if err := server.startCron(); err != nil {
			logger.Base().Error("Failed to start scheduler cron", zap.Error(err), zap.String("spec", cfg.CronSpec))
			return nil
		}
	} else {
		logger.Base().Info("scheduler cron not configured, jobs run only via the http trigger")
	}

	return server
}

// startCron drives the job scheduler in-process on the configured schedule.
// A tick that lands while the previous one still runs is skipped, not queued.
func (s *Server) startCron() error {
	c := cron.New()
	sched := s.handlerManager.GetScheduler()
	_, err := c.AddFunc(s.config.CronSpec, func() {
		result, err := sched.RunOnce(context.Background())
		if err != nil {
			if errors.Is(err, scheduler.ErrTickInProgress) {
				return
			}
			logger.Base().Error("scheduler tick failed", zap.Error(err))
			return
		}
		if len(result.Processed) > 0 || len(result.Failed) > 0 {
			logger.Base().Info("scheduler tick finished",
				zap.Any("processed", result.Processed),
				zap.Any("failed", result.Failed))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	logger.Base().Info("scheduler cron started", zap.String("spec", s.config.CronSpec))
	return nil
}

// Start starts the call insights server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Base().Info("Starting server", zap.String("addr", addr))
	return server.ListenAndServe()
}

// LoadConfigFromEnv loads the pipeline configuration from environment
func LoadConfigFromEnv() *config.PipelineConfig {
	cfg := config.DefaultPipelineConfig

	cfg.Environment = getEnvOrDefault("ENVIRONMENT", cfg.Environment)
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.WebhookAuthDisabled = getEnvAsBoolOrDefault("WEBHOOK_AUTH_DISABLED", false)
	cfg.RecordingLookupDelay = time.Duration(getEnvAsIntOrDefault("RECORDING_LOOKUP_DELAY_SECONDS", int(cfg.RecordingLookupDelay/time.Second))) * time.Second
	cfg.DequeueBatchSize = getEnvAsIntOrDefault("SCHEDULER_BATCH_SIZE", cfg.DequeueBatchSize)
	cfg.BackoffBase = time.Duration(getEnvAsIntOrDefault("JOB_BACKOFF_BASE_SECONDS", int(cfg.BackoffBase/time.Second))) * time.Second
	cfg.RecordingBucket = getEnvOrDefault("GCS_RECORDING_BUCKET", "")
	cfg.SignedURLTTL = time.Duration(getEnvAsIntOrDefault("SIGNED_URL_TTL_SECONDS", int(cfg.SignedURLTTL/time.Second))) * time.Second
	cfg.DashboardBaseURL = getEnvOrDefault("DASHBOARD_BASE_URL", "")
	cfg.SchedulerAPISecret = getEnvOrDefault("SCHEDULER_API_SECRET", "")
	cfg.HubspotClientSecret = getEnvOrDefault("HUBSPOT_CLIENT_SECRET", "")
	cfg.CronSpec = getEnvOrDefault("SCHEDULER_CRON", "")

	return &cfg
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func main() {
	// 0. Load .env file for local development if it exists
	// This will not override environment variables set by Helm/Docker
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	// 1. Load configuration from environment
	cfg := LoadConfigFromEnv()
	fmt.Printf("🚀 Starting Sable Call Service (env: %s)\n", cfg.Environment)

	// 2. Create the server
	server := NewServer(cfg)
	if server == nil {
		log.Fatal("❌ Failed to create server")
	}
	logger.Base().Info("✅ Server initialized successfully",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment))

	// 3. Start the server
	if err := server.Start(); err != nil {
		log.Fatalf("❌ Server failed to start: %v", err)
	}
}
