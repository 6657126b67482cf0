package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/internal/api/handlers"
	"github.com/zatekoja/wardwatch/internal/application/services"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

type stubSyncRunner struct {
	mu        sync.Mutex
	nextID    int64
	triggered []services.CycleOptions
	statuses  map[int64]*entities.RunStatus
	history   []*entities.CycleResult
	lastLimit int
}

func newStubSyncRunner() *stubSyncRunner {
	return &stubSyncRunner{statuses: map[int64]*entities.RunStatus{}}
}

func (s *stubSyncRunner) TriggerManual(opts services.CycleOptions) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.triggered = append(s.triggered, opts)
	s.statuses[s.nextID] = &entities.RunStatus{RunID: s.nextID, Trigger: opts.Trigger, Phase: entities.RunPhaseStarted}
	return s.nextID
}

func (s *stubSyncRunner) GetRunStatus(ctx context.Context, runID int64) (*entities.RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[runID]
	return st, ok
}

func (s *stubSyncRunner) History(limit int) []*entities.CycleResult {
	s.lastLimit = limit
	if limit < len(s.history) {
		return s.history[:limit]
	}
	return s.history
}

func (s *stubSyncRunner) Stats() services.SyncStats {
	return services.SyncStats{
		Totals:     entities.SyncTotals{Cycles: 3, Analyzed: 12},
		ActiveRuns: 1,
	}
}

// memoryCache is a CacheProvider backed by a map
type memoryCache struct {
	mu      sync.Mutex
	values  map[string][]byte
	failAll bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string][]byte{}}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("cache key not found")
	}
	return v, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *memoryCache) SetIfAbsent(ctx context.Context, key string, value []byte, expirationSeconds int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll {
		return false, apperrors.NewExternalError("redis unavailable", errors.New("dial tcp: refused"))
	}
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = value
	return true, nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *memoryCache) Increment(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("not used")
}

func (c *memoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok, nil
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestSyncHandler_TriggerRun_Accepted(t *testing.T) {
	runner := newStubSyncRunner()
	handler := handlers.NewSyncHandler(runner, nil)

	req := httptest.NewRequest("POST", "/api/sync/runs?force=true&refresh=1", nil)
	w := httptest.NewRecorder()
	handler.TriggerRun(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["run_id"])
	assert.Equal(t, "/api/sync/runs/1", body["status_url"])

	require.Len(t, runner.triggered, 1)
	assert.Equal(t, entities.SyncTriggerManual, runner.triggered[0].Trigger)
	assert.True(t, runner.triggered[0].ForceUpdate)
	assert.True(t, runner.triggered[0].ForceRefresh)
}

func TestSyncHandler_TriggerRun_InvalidFlag(t *testing.T) {
	runner := newStubSyncRunner()
	handler := handlers.NewSyncHandler(runner, nil)

	req := httptest.NewRequest("POST", "/api/sync/runs?force=maybe", nil)
	w := httptest.NewRecorder()
	handler.TriggerRun(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, runner.triggered)
}

func TestSyncHandler_TriggerRun_IdempotencyKeyReplaysRun(t *testing.T) {
	runner := newStubSyncRunner()
	cache := newMemoryCache()
	handler := handlers.NewSyncHandler(runner, cache)

	first := httptest.NewRequest("POST", "/api/sync/runs", nil)
	first.Header.Set("Idempotency-Key", "abc-123")
	w1 := httptest.NewRecorder()
	handler.TriggerRun(w1, first)
	require.Equal(t, http.StatusAccepted, w1.Code)

	second := httptest.NewRequest("POST", "/api/sync/runs", nil)
	second.Header.Set("Idempotency-Key", "abc-123")
	w2 := httptest.NewRecorder()
	handler.TriggerRun(w2, second)

	assert.Equal(t, http.StatusOK, w2.Code)
	body := decodeBody(t, w2)
	assert.Equal(t, float64(1), body["run_id"])
	assert.Equal(t, true, body["duplicate"])
	assert.Len(t, runner.triggered, 1)
}

func TestSyncHandler_TriggerRun_PendingIdempotencyKey(t *testing.T) {
	runner := newStubSyncRunner()
	cache := newMemoryCache()
	cache.values["sync:idempotency:abc"] = []byte("pending")
	handler := handlers.NewSyncHandler(runner, cache)

	req := httptest.NewRequest("POST", "/api/sync/runs", nil)
	req.Header.Set("Idempotency-Key", "abc")
	w := httptest.NewRecorder()
	handler.TriggerRun(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, runner.triggered)
}

func TestSyncHandler_TriggerRun_IdempotencyStoreDown(t *testing.T) {
	runner := newStubSyncRunner()
	cache := newMemoryCache()
	cache.failAll = true
	handler := handlers.NewSyncHandler(runner, cache)

	req := httptest.NewRequest("POST", "/api/sync/runs", nil)
	req.Header.Set("Idempotency-Key", "abc")
	w := httptest.NewRecorder()
	handler.TriggerRun(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, runner.triggered)
}

func TestSyncHandler_GetRun(t *testing.T) {
	runner := newStubSyncRunner()
	runner.TriggerManual(services.CycleOptions{Trigger: entities.SyncTriggerManual})
	handler := handlers.NewSyncHandler(runner, nil)

	tests := []struct {
		name   string
		id     string
		status int
	}{
		{"known run", "1", http.StatusOK},
		{"unknown run", "99", http.StatusNotFound},
		{"malformed id", "abc", http.StatusBadRequest},
		{"zero id", "0", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/sync/runs/"+tt.id, nil)
			req.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()
			handler.GetRun(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSyncHandler_GetHistory(t *testing.T) {
	runner := newStubSyncRunner()
	for i := int64(3); i >= 1; i-- {
		runner.history = append(runner.history, &entities.CycleResult{RunID: i})
	}
	handler := handlers.NewSyncHandler(runner, nil)

	req := httptest.NewRequest("GET", "/api/sync/history?limit=2", nil)
	w := httptest.NewRecorder()
	handler.GetHistory(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, 2, runner.lastLimit)

	req = httptest.NewRequest("GET", "/api/sync/history?limit=5000", nil)
	w = httptest.NewRecorder()
	handler.GetHistory(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, runner.lastLimit)

	req = httptest.NewRequest("GET", "/api/sync/history?limit=-1", nil)
	w = httptest.NewRecorder()
	handler.GetHistory(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncHandler_GetStats(t *testing.T) {
	handler := handlers.NewSyncHandler(newStubSyncRunner(), nil)

	req := httptest.NewRequest("GET", "/api/sync/stats", nil)
	w := httptest.NewRecorder()
	handler.GetStats(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var stats services.SyncStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Totals.Cycles)
	assert.Equal(t, 12, stats.Totals.Analyzed)
	assert.Equal(t, 1, stats.ActiveRuns)
}
