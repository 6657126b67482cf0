package services

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

// DefaultRunStatusTTL is how long a status survives its last update
const DefaultRunStatusTTL = time.Hour

const (
	runStatusKeyPrefix = "sync:run:"
	runSequenceKey     = "sync:run_seq"
)

// RunTracker keeps pollable run statuses in process and, when a shared cache
// is configured, mirrors them so other replicas can answer status queries.
type RunTracker struct {
	mu     sync.Mutex
	local  *gocache.Cache
	shared providers.CacheProvider
	ttl    time.Duration
	now    func() time.Time

	// highest id seen; used alone when there is no shared counter
	lastID atomic.Int64
}

// NewRunTracker creates a tracker. shared may be nil.
func NewRunTracker(ttl time.Duration, shared providers.CacheProvider) *RunTracker {
	if ttl <= 0 {
		ttl = DefaultRunStatusTTL
	}
	return &RunTracker{
		local:  gocache.New(ttl, ttl/4),
		shared: shared,
		ttl:    ttl,
		now:    time.Now,
	}
}

// NextRunID allocates a run id. With a shared cache the id comes from one
// counter for every replica, so ids keep increasing across restarts and
// mirrored statuses never collide.
func (t *RunTracker) NextRunID(ctx context.Context) int64 {
	if t.shared != nil {
		id, err := t.shared.Increment(ctx, runSequenceKey)
		if err == nil {
			t.observe(id)
			return id
		}
		log.Warn().Err(err).Msg("shared run id counter unavailable, using local sequence")
	}
	return t.lastID.Add(1)
}

func (t *RunTracker) observe(id int64) {
	for {
		last := t.lastID.Load()
		if id <= last || t.lastID.CompareAndSwap(last, id) {
			return
		}
	}
}

// Start registers a run in the started phase
func (t *RunTracker) Start(ctx context.Context, runID int64, trigger entities.SyncTrigger) *entities.RunStatus {
	now := t.now().UTC()
	status := &entities.RunStatus{
		RunID:     runID,
		Trigger:   trigger,
		Phase:     entities.RunPhaseStarted,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.put(ctx, status)
	return status
}

// Update moves a run forward. Terminal runs are not modified.
func (t *RunTracker) Update(ctx context.Context, runID int64, phase entities.RunPhase, progress int, message string) {
	t.transition(ctx, runID, func(s *entities.RunStatus) {
		s.Phase = phase
		s.Progress = progress
		s.Message = message
	})
}

// Complete marks a run finished and attaches its result
func (t *RunTracker) Complete(ctx context.Context, runID int64, result *entities.CycleResult) {
	t.transition(ctx, runID, func(s *entities.RunStatus) {
		s.Phase = entities.RunPhaseComplete
		s.Progress = 100
		s.Message = ""
		s.Result = result
	})
}

// Fail marks a run as errored
func (t *RunTracker) Fail(ctx context.Context, runID int64, message string, result *entities.CycleResult) {
	t.transition(ctx, runID, func(s *entities.RunStatus) {
		s.Phase = entities.RunPhaseError
		s.Message = message
		s.Result = result
	})
}

func (t *RunTracker) transition(ctx context.Context, runID int64, apply func(*entities.RunStatus)) {
	t.mu.Lock()
	current, ok := t.local.Get(runKey(runID))
	if !ok {
		t.mu.Unlock()
		return
	}
	prev := current.(*entities.RunStatus)
	if prev.Phase.Terminal() {
		t.mu.Unlock()
		return
	}
	next := *prev
	apply(&next)
	next.UpdatedAt = t.now().UTC()
	t.local.Set(runKey(runID), &next, t.ttl)
	t.mu.Unlock()

	t.mirror(ctx, &next)
}

func (t *RunTracker) put(ctx context.Context, status *entities.RunStatus) {
	t.mu.Lock()
	t.local.Set(runKey(status.RunID), status, t.ttl)
	t.mu.Unlock()
	t.mirror(ctx, status)
}

func (t *RunTracker) mirror(ctx context.Context, status *entities.RunStatus) {
	if t.shared == nil {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := t.shared.Set(ctx, runKey(status.RunID), payload, int(t.ttl.Seconds())); err != nil {
		log.Debug().Err(err).Int64("run_id", status.RunID).Msg("failed to mirror run status")
	}
}

// Get returns a copy of the status for runID
func (t *RunTracker) Get(ctx context.Context, runID int64) (*entities.RunStatus, bool) {
	t.mu.Lock()
	current, ok := t.local.Get(runKey(runID))
	t.mu.Unlock()
	if ok {
		status := *current.(*entities.RunStatus)
		return &status, true
	}

	if t.shared == nil {
		return nil, false
	}
	payload, err := t.shared.Get(ctx, runKey(runID))
	if err != nil {
		if !apperrors.IsNotFound(err) {
			log.Debug().Err(err).Int64("run_id", runID).Msg("failed to read shared run status")
		}
		return nil, false
	}
	var status entities.RunStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, false
	}
	return &status, true
}

// Active counts runs that have not reached a terminal phase
func (t *RunTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, item := range t.local.Items() {
		if !item.Object.(*entities.RunStatus).Phase.Terminal() {
			n++
		}
	}
	return n
}

func runKey(runID int64) string {
	return runStatusKeyPrefix + strconv.FormatInt(runID, 10)
}
