package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/internal/repository"
	"github.com/SableAI/sable-call-service/internal/scheduler"
	"github.com/SableAI/sable-call-service/pkg/logger"
)

// OpsHandler exposes the operational surface: the scheduler trigger, manual
// reprocessing, and liveness.
type OpsHandler struct {
	repos     repository.RepositoryManager
	scheduler *scheduler.Scheduler
	store     objectStore
}

// NewOpsHandler creates the operational endpoints handler. store may be nil.
func NewOpsHandler(repos repository.RepositoryManager, sched *scheduler.Scheduler, store objectStore) *OpsHandler {
	return &OpsHandler{
		repos:     repos,
		scheduler: sched,
		store:     store,
	}
}

// SetupOpsRoutes registers the trigger and reprocess endpoints on the
// API-key protected subrouter and health on the root.
func (h *OpsHandler) SetupOpsRoutes(apiRouter *mux.Router, root *mux.Router) {
	apiRouter.HandleFunc("/jobs/run", h.handleRunJobs).Methods("GET")
	apiRouter.HandleFunc("/calls/{callID}/reprocess", h.handleReprocess).Methods("POST")
	root.HandleFunc("/health", h.handleHealth).Methods("GET")
	logger.Base().Info("ops routes registered")
}

func (h *OpsHandler) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrTickInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "tick already in progress"})
			return
		}
		logger.Base().Error("Scheduler tick aborted", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "tick aborted"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// reprocessRequest names the stage to re-run. fresh additionally discards the
// transcript and everything derived from it.
type reprocessRequest struct {
	Stage string `json:"stage"`
	Fresh bool   `json:"fresh,omitempty"`
}

func (h *OpsHandler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := mux.Vars(r)["callID"]

	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	stage := domain.JobType(req.Stage)
	if !validStage(stage) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown stage"})
		return
	}

	session, err := h.repos.CallSessions().GetByExternalCallID(ctx, callID)
	if err != nil {
		logger.Base().Error("Failed to load call session", zap.String("call_id", callID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}

	log := logger.WithCall(callID, session.OrgID).With(zap.String("stage", string(stage)))

	if req.Fresh {
		if h.store != nil && session.TranscriptPDFObject != "" {
			if err := h.store.Delete(ctx, session.TranscriptPDFObject); err != nil {
				log.Warn("Failed to delete transcript pdf", zap.Error(err))
			}
		}
		if err := h.repos.CallSessions().ClearTranscription(ctx, callID); err != nil {
			log.Error("Failed to clear transcription state", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reset failed"})
			return
		}
	} else if session.LastError != "" {
		if err := h.repos.CallSessions().SetLastError(ctx, callID, ""); err != nil {
			log.Error("Failed to clear last error", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reset failed"})
			return
		}
	}

	_, enqueued, err := h.repos.Jobs().EnqueueUnique(ctx, stage, callID, session.OrgID, "", time.Time{})
	if err != nil {
		log.Error("Failed to enqueue reprocess job", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}

	log.Info("Reprocess requested", zap.Bool("enqueued", enqueued), zap.Bool("fresh", req.Fresh))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"call_id":  callID,
		"stage":    stage,
		"enqueued": enqueued,
	})
}

func (h *OpsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repos.Ping(r.Context()); err != nil {
		logger.Base().Error("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "up"})
}

func validStage(stage domain.JobType) bool {
	for _, t := range domain.AllJobTypes {
		if t == stage {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Base().Error("Failed to encode response", zap.Error(err))
	}
}
