package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

const (
	idempotencyHeader     = "Idempotency-Key"
	idempotencyKeyPrefix  = "sync:idempotency:"
	idempotencyPending    = "pending"
	defaultIdempotencyTTL = 24 * time.Hour
	defaultHistoryLimit   = 20
	maxHistoryLimit       = 100
)

// SyncRunner is the orchestrator surface the HTTP layer needs
type SyncRunner interface {
	TriggerManual(opts services.CycleOptions) int64
	GetRunStatus(ctx context.Context, runID int64) (*entities.RunStatus, bool)
	History(limit int) []*entities.CycleResult
	Stats() services.SyncStats
}

// SyncHandler exposes manual triggers and run inspection
type SyncHandler struct {
	sync           SyncRunner
	idempotency    providers.CacheProvider
	idempotencyTTL time.Duration
}

// NewSyncHandler creates a sync handler. idempotency may be nil, in which
// case the Idempotency-Key header is ignored.
func NewSyncHandler(sync SyncRunner, idempotency providers.CacheProvider) *SyncHandler {
	return &SyncHandler{
		sync:           sync,
		idempotency:    idempotency,
		idempotencyTTL: defaultIdempotencyTTL,
	}
}

// TriggerRun handles POST /api/sync/runs
func (h *SyncHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.LoggerFromContext(ctx)

	force, err := parseBoolParam(r, "force")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	refresh, err := parseBoolParam(r, "refresh")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idempotency != nil {
		reserved, err := h.idempotency.SetIfAbsent(ctx, idempotencyKeyPrefix+key, []byte(idempotencyPending), h.ttlSeconds())
		if err != nil {
			logger.Error().Err(err).Str("idempotency_key", key).Msg("failed to reserve idempotency key")
			respondWithAppError(w, err)
			return
		}
		if !reserved {
			h.respondDuplicate(w, r, key)
			return
		}
	}

	runID := h.sync.TriggerManual(services.CycleOptions{
		Trigger:      entities.SyncTriggerManual,
		ForceUpdate:  force,
		ForceRefresh: refresh,
	})

	if key != "" && h.idempotency != nil {
		value := []byte(strconv.FormatInt(runID, 10))
		if err := h.idempotency.Set(context.WithoutCancel(ctx), idempotencyKeyPrefix+key, value, h.ttlSeconds()); err != nil {
			logger.Warn().Err(err).Str("idempotency_key", key).Int64("run_id", runID).Msg("failed to record idempotency key")
		}
	}

	logger.Info().Int64("run_id", runID).Bool("force", force).Bool("refresh", refresh).Msg("manual sync triggered")
	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":     runID,
		"status_url": "/api/sync/runs/" + strconv.FormatInt(runID, 10),
	})
}

func (h *SyncHandler) respondDuplicate(w http.ResponseWriter, r *http.Request, key string) {
	raw, err := h.idempotency.Get(r.Context(), idempotencyKeyPrefix+key)
	if err != nil {
		if apperrors.IsNotFound(err) {
			respondWithError(w, http.StatusConflict, "idempotency key expired during request, retry")
			return
		}
		respondWithAppError(w, err)
		return
	}
	if string(raw) == idempotencyPending {
		respondWithError(w, http.StatusConflict, "a run for this idempotency key is still being started")
		return
	}
	runID, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":     runID,
		"status_url": "/api/sync/runs/" + string(raw),
		"duplicate":  true,
	})
}

// GetRun handles GET /api/sync/runs/{id}
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || runID <= 0 {
		respondWithError(w, http.StatusBadRequest, "run id must be a positive integer")
		return
	}

	status, ok := h.sync.GetRunStatus(r.Context(), runID)
	if !ok {
		respondWithError(w, http.StatusNotFound, "run not found or expired")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// GetStats handles GET /api/sync/stats
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.sync.Stats())
}

// GetHistory handles GET /api/sync/history
func (h *SyncHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs := h.sync.History(limit)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *SyncHandler) ttlSeconds() int {
	return int(h.idempotencyTTL / time.Second)
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.NewValidationError(name + " must be a boolean")
	}
	return v, nil
}
