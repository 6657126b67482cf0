package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

// MockAnalysisProvider is a testify mock of providers.AnalysisProvider
type MockAnalysisProvider struct {
	mock.Mock
}

func (m *MockAnalysisProvider) AnalyzePatient(ctx context.Context, record *entities.PatientRecord) (*entities.RiskAssessment, error) {
	args := m.Called(ctx, record)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.RiskAssessment), args.Error(1)
}

func (m *MockAnalysisProvider) AnalyzePatients(ctx context.Context, records []*entities.PatientRecord) ([]entities.RiskAssessment, error) {
	args := m.Called(ctx, records)
	if fn, ok := args.Get(0).(func(context.Context, []*entities.PatientRecord) []entities.RiskAssessment); ok {
		return fn(ctx, records), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entities.RiskAssessment), args.Error(1)
}

// MockBedFeed is a testify mock of providers.BedFeedProvider
type MockBedFeed struct {
	mock.Mock
}

func (m *MockBedFeed) FetchBeds(ctx context.Context, wardFilter string, forceRefresh bool) ([]entities.RawBedRecord, error) {
	args := m.Called(ctx, wardFilter, forceRefresh)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entities.RawBedRecord), args.Error(1)
}

// MockEventBus records published events
type MockEventBus struct {
	mu     sync.Mutex
	events []*entities.SyncEvent
	sub    chan *entities.SyncEvent
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, event *entities.SyncEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.SyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		m.sub = make(chan *entities.SyncEvent, 8)
	}
	return m.sub, nil
}

func (m *MockEventBus) Unsubscribe(ctx context.Context, channel string) error { return nil }

func (m *MockEventBus) Close() error { return nil }

func (m *MockEventBus) Types() []entities.SyncEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entities.SyncEventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// memoryCacheProvider is an in-process providers.CacheProvider
type memoryCacheProvider struct {
	mu   sync.Mutex
	data map[string][]byte

	failIncrement bool
}

func newMemoryCacheProvider() *memoryCacheProvider {
	return &memoryCacheProvider{data: make(map[string][]byte)}
}

func (m *memoryCacheProvider) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("key not found: " + key)
	}
	return v, nil
}

func (m *memoryCacheProvider) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryCacheProvider) SetIfAbsent(ctx context.Context, key string, value []byte, expirationSeconds int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memoryCacheProvider) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryCacheProvider) Increment(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIncrement {
		return 0, errors.New("connection refused")
	}
	var n int64
	if v, ok := m.data[key]; ok {
		n, _ = strconv.ParseInt(string(v), 10, 64)
	}
	n++
	m.data[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *memoryCacheProvider) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

// memoryPatientRepo is an in-memory PatientRepository and BaselineRepository
// that enforces the same bed uniqueness as the database schema
type memoryPatientRepo struct {
	mu        sync.Mutex
	seq       int
	live      map[string]*entities.StoredPatient
	history   []*entities.PatientHistory
	baselines []*entities.SyncBaseline

	// failUpserts makes the next n upserts fail
	failUpserts int
}

func newMemoryPatientRepo() *memoryPatientRepo {
	return &memoryPatientRepo{live: make(map[string]*entities.StoredPatient)}
}

func (r *memoryPatientRepo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *memoryPatientRepo) upsert(match func(*entities.StoredPatient) bool, record *entities.PatientRecord, insights *entities.ClinicalInsights, hash string) (*entities.StoredPatient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failUpserts > 0 {
		r.failUpserts--
		return nil, apperrors.NewInternalError("database unavailable", nil)
	}

	var existing *entities.StoredPatient
	for _, p := range r.live {
		if match(p) {
			existing = p
			break
		}
	}
	for _, p := range r.live {
		if p != existing && p.BedCode == record.BedCode {
			return nil, apperrors.NewConflictError("bed " + record.BedCode + " is already occupied")
		}
	}

	now := time.Now().UTC()
	stored := &entities.StoredPatient{PatientRecord: *record, Insights: insights, ContentHash: hash, UpdatedAt: now}
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = r.nextID("patient")
		stored.CreatedAt = now
	}
	r.live[stored.ID] = stored
	cp := *stored
	return &cp, nil
}

func (r *memoryPatientRepo) UpsertByEncounterCode(ctx context.Context, record *entities.PatientRecord, insights *entities.ClinicalInsights, hash string) (*entities.StoredPatient, error) {
	return r.upsert(func(p *entities.StoredPatient) bool { return p.EncounterCode == record.EncounterCode }, record, insights, hash)
}

func (r *memoryPatientRepo) UpsertByBedCode(ctx context.Context, record *entities.PatientRecord, insights *entities.ClinicalInsights, hash string) (*entities.StoredPatient, error) {
	return r.upsert(func(p *entities.StoredPatient) bool { return p.EncounterCode == "" && p.BedCode == record.BedCode }, record, insights, hash)
}

func (r *memoryPatientRepo) ArchiveAndRemove(ctx context.Context, id string, reason entities.ArchiveReason, destinationBed string) (*entities.PatientHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("patient " + id + " not found")
	}
	snapshot, _ := json.Marshal(p)
	h := &entities.PatientHistory{
		ID:             r.nextID("history"),
		PatientID:      p.ID,
		EncounterCode:  p.EncounterCode,
		BedCode:        p.BedCode,
		WardCode:       p.WardCode,
		Reason:         reason,
		DestinationBed: destinationBed,
		Snapshot:       snapshot,
		ArchivedAt:     time.Now().UTC(),
	}
	r.history = append(r.history, h)
	delete(r.live, id)
	return h, nil
}

func (r *memoryPatientRepo) GetAll(ctx context.Context) ([]*entities.StoredPatient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entities.StoredPatient, 0, len(r.live))
	for _, p := range r.live {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BedCode < out[j].BedCode })
	return out, nil
}

func (r *memoryPatientRepo) FindOccupantOfBed(ctx context.Context, bedCode, excludingEncounterCode string) (*entities.StoredPatient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.live {
		if p.BedCode == bedCode && p.EncounterCode != excludingEncounterCode {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("no occupant")
}

func (r *memoryPatientRepo) FindHistoryByEncounterCode(ctx context.Context, encounterCode string) ([]*entities.PatientHistory, error) {
	return r.findHistory(func(h *entities.PatientHistory) bool { return h.EncounterCode == encounterCode }), nil
}

func (r *memoryPatientRepo) FindHistoryByBed(ctx context.Context, bedCode string) ([]*entities.PatientHistory, error) {
	return r.findHistory(func(h *entities.PatientHistory) bool { return h.BedCode == bedCode }), nil
}

func (r *memoryPatientRepo) findHistory(match func(*entities.PatientHistory) bool) []*entities.PatientHistory {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.PatientHistory
	for i := len(r.history) - 1; i >= 0; i-- {
		if match(r.history[i]) {
			out = append(out, r.history[i])
		}
	}
	return out
}

func (r *memoryPatientRepo) GetLatestBaseline(ctx context.Context) (*entities.SyncBaseline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.baselines) == 0 {
		return nil, apperrors.NewNotFoundError("no baseline")
	}
	return r.baselines[len(r.baselines)-1], nil
}

func (r *memoryPatientRepo) SaveBaseline(ctx context.Context, baseline *entities.SyncBaseline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines = append(r.baselines, baseline)
	return nil
}

func (r *memoryPatientRepo) liveByIdentity() map[string]*entities.StoredPatient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*entities.StoredPatient, len(r.live))
	for _, p := range r.live {
		out[p.Identity()] = p
	}
	return out
}

func (r *memoryPatientRepo) seed(t *testing.T, record entities.PatientRecord, insights *entities.ClinicalInsights) {
	t.Helper()
	var err error
	if record.EncounterCode != "" {
		_, err = r.UpsertByEncounterCode(context.Background(), &record, insights, "")
	} else {
		_, err = r.UpsertByBedCode(context.Background(), &record, insights, "")
	}
	require.NoError(t, err)
}
