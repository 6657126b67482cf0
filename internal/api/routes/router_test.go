package routes_test

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/internal/adapters/cache"
	"github.com/zatekoja/wardwatch/internal/api/handlers"
	"github.com/zatekoja/wardwatch/internal/api/routes"
	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
)

type fakeRunner struct{}

func (fakeRunner) TriggerManual(opts services.CycleOptions) int64 { return 7 }
func (fakeRunner) GetRunStatus(ctx context.Context, runID int64) (*entities.RunStatus, bool) {
	return &entities.RunStatus{RunID: runID, Phase: entities.RunPhaseComplete}, runID == 7
}
func (fakeRunner) History(limit int) []*entities.CycleResult { return nil }
func (fakeRunner) Stats() services.SyncStats                 { return services.SyncStats{} }

type fakeInspector struct{}

func (fakeInspector) Metrics() services.AnalysisMetrics                         { return services.AnalysisMetrics{} }
func (fakeInspector) CacheStats() cache.CacheStats                              { return cache.CacheStats{} }
func (fakeInspector) InvalidatePatientCache(record *entities.PatientRecord) int { return 1 }

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(db routes.Pinger) http.Handler {
	reg := prometheus.NewRegistry()
	observability.NewSyncMetrics(reg)
	router := routes.NewRouter(
		handlers.NewSyncHandler(fakeRunner{}, nil),
		handlers.NewAnalysisHandler(fakeInspector{}),
		db,
		reg,
		nil,
	)
	return router.SetupRoutes()
}

func TestRouter_Health(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(fakePinger{}).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = httptest.NewRecorder()
	newTestRouter(fakePinger{err: errors.New("connection refused")}).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "wardwatch_"))
}

func TestRouter_Routes(t *testing.T) {
	handler := newTestRouter(nil)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{"POST", "/api/sync/runs", http.StatusAccepted},
		{"GET", "/api/sync/runs/7", http.StatusOK},
		{"GET", "/api/sync/runs/8", http.StatusNotFound},
		{"GET", "/api/sync/stats", http.StatusOK},
		{"GET", "/api/sync/history", http.StatusOK},
		{"GET", "/api/analysis/metrics", http.StatusOK},
		{"GET", "/api/analysis/cache/stats", http.StatusOK},
		{"DELETE", "/api/analysis/cache?bed=10A-01", http.StatusOK},
		{"GET", "/api/sync/runs", http.StatusMethodNotAllowed},
		{"GET", "/api/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/api/sync/runs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key")

	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRouter_CompressesAPIResponses(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/sync/stats", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"totals"`)
}
