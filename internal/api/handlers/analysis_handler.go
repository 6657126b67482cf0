package handlers

import (
	"net/http"
	"strings"

	"github.com/zatekoja/wardwatch/internal/adapters/cache"
	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
	"github.com/zatekoja/wardwatch/pkg/utils"
)

// AnalysisInspector is the clinical analysis surface the HTTP layer needs
type AnalysisInspector interface {
	Metrics() services.AnalysisMetrics
	CacheStats() cache.CacheStats
	InvalidatePatientCache(record *entities.PatientRecord) int
}

// AnalysisHandler exposes analysis metrics and cache administration
type AnalysisHandler struct {
	analysis AnalysisInspector
}

// NewAnalysisHandler creates an analysis handler
func NewAnalysisHandler(analysis AnalysisInspector) *AnalysisHandler {
	return &AnalysisHandler{analysis: analysis}
}

// GetMetrics handles GET /api/analysis/metrics
func (h *AnalysisHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.analysis.Metrics())
}

// GetCacheStats handles GET /api/analysis/cache/stats
func (h *AnalysisHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.analysis.CacheStats())
}

// InvalidateCache handles DELETE /api/analysis/cache
func (h *AnalysisHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	record := &entities.PatientRecord{
		EncounterCode: strings.TrimSpace(q.Get("encounter")),
		ID:            strings.TrimSpace(q.Get("record")),
		BedCode:       utils.NormalizeCode(q.Get("bed")),
	}
	if record.EncounterCode == "" && record.ID == "" && record.BedCode == "" {
		respondWithError(w, http.StatusBadRequest, "one of encounter, record or bed is required")
		return
	}

	removed := h.analysis.InvalidatePatientCache(record)
	observability.LoggerFromContext(r.Context()).Info().
		Str("encounter", record.EncounterCode).
		Str("record", record.ID).
		Str("bed", record.BedCode).
		Int("removed", removed).
		Msg("analysis cache invalidated")

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}
