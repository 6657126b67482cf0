package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/wardwatch/internal/adapters/cache"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
	"github.com/zatekoja/wardwatch/internal/domain/repositories"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults for the orchestrator
const (
	DefaultAbsoluteFloor = 5
	DefaultMinRatio      = 0.5
	DefaultHistorySize   = 100
)

// SyncConfig tunes one orchestrator instance
type SyncConfig struct {
	WardFilter    string
	AbsoluteFloor int
	MinRatio      float64
	HistorySize   int
}

// CycleOptions controls a single cycle
type CycleOptions struct {
	Trigger      entities.SyncTrigger
	ForceUpdate  bool
	ForceRefresh bool
}

// SyncStats is the aggregated query surface
type SyncStats struct {
	Totals     entities.SyncTotals   `json:"totals"`
	LastRun    *entities.CycleResult `json:"last_run,omitempty"`
	Analysis   AnalysisMetrics       `json:"analysis"`
	Cache      cache.CacheStats      `json:"cache"`
	Snapshots  int                   `json:"snapshots"`
	ActiveRuns int                   `json:"active_runs"`
}

// SyncService runs sync cycles: fetch, detect, analyze, persist, reconcile.
// Cycles started by the scheduler and by manual triggers may overlap; every
// shared store it touches is atomic per key.
type SyncService struct {
	feed      providers.BedFeedProvider
	mapper    *RecordMapper
	detector  *ChangeDetector
	analysis  *ClinicalAnalysisService
	patients  repositories.PatientRepository
	baselines repositories.BaselineRepository
	events    providers.EventBus
	tracker   *RunTracker
	metrics   *observability.SyncMetrics
	cfg       SyncConfig

	mu      sync.Mutex
	history []*entities.CycleResult
	totals  entities.SyncTotals

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncService wires the orchestrator. events and metrics may be nil.
func NewSyncService(
	feed providers.BedFeedProvider,
	mapper *RecordMapper,
	detector *ChangeDetector,
	analysis *ClinicalAnalysisService,
	patients repositories.PatientRepository,
	baselines repositories.BaselineRepository,
	events providers.EventBus,
	tracker *RunTracker,
	metrics *observability.SyncMetrics,
	cfg SyncConfig,
) *SyncService {
	if cfg.AbsoluteFloor < 0 {
		cfg.AbsoluteFloor = DefaultAbsoluteFloor
	}
	if cfg.MinRatio < 0 || cfg.MinRatio > 1 {
		cfg.MinRatio = DefaultMinRatio
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if tracker == nil {
		tracker = NewRunTracker(DefaultRunStatusTTL, nil)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &SyncService{
		feed:      feed,
		mapper:    mapper,
		detector:  detector,
		analysis:  analysis,
		patients:  patients,
		baselines: baselines,
		events:    events,
		tracker:   tracker,
		metrics:   metrics,
		cfg:       cfg,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
}

// RunCycle runs one cycle to completion and returns its result. It never
// returns an error: failures are counted in the result.
func (s *SyncService) RunCycle(ctx context.Context, opts CycleOptions) *entities.CycleResult {
	runID := s.tracker.NextRunID(ctx)
	s.tracker.Start(ctx, runID, opts.Trigger)
	return s.execute(ctx, runID, opts)
}

// TriggerManual starts a cycle in the background and returns its run id
func (s *SyncService) TriggerManual(opts CycleOptions) int64 {
	if opts.Trigger == "" {
		opts.Trigger = entities.SyncTriggerManual
	}
	runID := s.tracker.NextRunID(s.baseCtx)
	s.tracker.Start(s.baseCtx, runID, opts.Trigger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.baseCtx, runID, opts)
	}()
	return runID
}

// GetRunStatus returns the pollable status of a run
func (s *SyncService) GetRunStatus(ctx context.Context, runID int64) (*entities.RunStatus, bool) {
	return s.tracker.Get(ctx, runID)
}

// History returns up to limit results, newest first
func (s *SyncService) History(limit int) []*entities.CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*entities.CycleResult, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Stats returns running totals and the state of the caches
func (s *SyncService) Stats() SyncStats {
	s.mu.Lock()
	stats := SyncStats{Totals: s.totals}
	if n := len(s.history); n > 0 {
		stats.LastRun = s.history[n-1]
	}
	s.mu.Unlock()

	stats.Analysis = s.analysis.Metrics()
	stats.Cache = s.analysis.CacheStats()
	stats.Snapshots = s.detector.SnapshotCount()
	stats.ActiveRuns = s.tracker.Active()
	return stats
}

// SweepSnapshots drops change-detection snapshots older than maxAge
func (s *SyncService) SweepSnapshots(maxAge time.Duration) int {
	removed := s.detector.SweepSnapshots(maxAge)
	s.metrics.SetStoreSizes(s.analysis.CacheStats().Entries, s.detector.SnapshotCount())
	return removed
}

// Shutdown cancels background runs and waits for them to stop
func (s *SyncService) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cycleState carries the per-cycle working set between phases
type cycleState struct {
	result   *entities.CycleResult
	logger   zerolog.Logger
	raw      []entities.RawBedRecord
	accepted []*entities.PatientRecord
	hashes   map[string]string
	present  map[string]struct{}
	live     map[string]*entities.StoredPatient
	feed     feedIndex

	// identities archived by a bed conflict during this cycle
	displaced map[string]struct{}
}

func (s *SyncService) execute(ctx context.Context, runID int64, opts CycleOptions) *entities.CycleResult {
	ctx, span := observability.StartSpan(ctx, "sync.cycle",
		attribute.Int64("run_id", runID),
		attribute.String("trigger", string(opts.Trigger)),
	)
	defer span.End()

	ctx = log.With().
		Int64("run_id", runID).
		Str("trigger", string(opts.Trigger)).
		Logger().
		WithContext(ctx)
	logger := *observability.LoggerFromContext(ctx)

	st := &cycleState{
		result: &entities.CycleResult{
			RunID:      runID,
			Trigger:    opts.Trigger,
			StartedAt:  time.Now().UTC(),
			ArchivedBy: make(map[entities.ArchiveReason]int),
		},
		logger:    logger,
		hashes:    make(map[string]string),
		present:   make(map[string]struct{}),
		live:      make(map[string]*entities.StoredPatient),
		displaced: make(map[string]struct{}),
	}
	logger.Info().Bool("force_update", opts.ForceUpdate).Bool("force_refresh", opts.ForceRefresh).Msg("sync cycle started")

	s.tracker.Update(ctx, runID, entities.RunPhaseFetching, 10, "fetching bed feed")
	s.fetch(ctx, st, opts)

	if err := s.runPhases(ctx, runID, st, opts); err != nil {
		st.result.AddError("cycle", err.Error())
		observability.RecordError(span, err)
		s.finish(ctx, st)
		s.tracker.Fail(ctx, runID, err.Error(), st.result)
		logger.Error().Err(err).Msg("sync cycle aborted")
		return st.result
	}

	s.finish(ctx, st)
	s.tracker.Complete(ctx, runID, st.result)
	logger.Info().
		Int("total", st.result.Total).
		Int("new", st.result.New).
		Int("changed", st.result.Changed).
		Int("analysis_calls", st.result.AnalysisCalls).
		Int("archived", st.result.Archived).
		Int("errors", st.result.Errors).
		Dur("duration", st.result.Duration()).
		Msg("sync cycle complete")
	return st.result
}

func (s *SyncService) runPhases(ctx context.Context, runID int64, st *cycleState, opts CycleOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tracker.Update(ctx, runID, entities.RunPhaseProcessing, 30, "detecting changes")
	s.filter(ctx, st)
	s.loadLive(ctx, st)
	selected, moved := s.detect(st, opts)

	if err := ctx.Err(); err != nil {
		return err
	}
	s.tracker.Update(ctx, runID, entities.RunPhaseProcessing, 50, fmt.Sprintf("analyzing %d records", len(selected)))
	insights := s.analyze(ctx, st, selected)

	if err := ctx.Err(); err != nil {
		return err
	}
	s.tracker.Update(ctx, runID, entities.RunPhaseSaving, 70, "persisting records")
	for i, rec := range selected {
		s.persist(ctx, st, rec, insights[i])
	}
	for _, m := range moved {
		s.persist(ctx, st, m.record, m.insights)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.tracker.Update(ctx, runID, entities.RunPhaseSaving, 85, "reconciling live patients")
	s.reconcile(ctx, st)
	return nil
}

func (s *SyncService) fetch(ctx context.Context, st *cycleState, opts CycleOptions) {
	ctx, span := observability.StartSpan(ctx, "sync.fetch")
	defer span.End()

	raw, err := s.feed.FetchBeds(ctx, s.cfg.WardFilter, opts.ForceRefresh)
	if err != nil {
		observability.RecordError(span, err)
		st.result.FetchFailed = true
		st.result.AddError("feed", err.Error())
		st.logger.Error().Err(err).Msg("bed feed fetch failed, reconciliation will be skipped")
		return
	}
	st.raw = raw
	st.feed = indexFeed(raw)
	st.result.Total = len(raw)
}

func (s *SyncService) filter(ctx context.Context, st *cycleState) {
	seen := make(map[string]struct{}, len(st.raw))
	for i, raw := range st.raw {
		rec, err := s.mapper.Map(raw)
		if errors.Is(err, ErrWardFiltered) {
			st.result.Filtered++
			continue
		}
		if err != nil {
			identity := RawIdentity(raw)
			if identity == "" {
				identity = fmt.Sprintf("row:%d", i)
			} else {
				st.present[identity] = struct{}{}
			}
			st.result.AddError(identity, err.Error())
			st.logger.Warn().Err(err).Str("identity", identity).Msg("feed record rejected")
			continue
		}

		identity := rec.Identity()
		if _, dup := seen[identity]; dup {
			st.result.AddError(identity, "duplicate identity in feed")
			st.logger.Warn().Str("identity", identity).Msg("duplicate feed record ignored")
			continue
		}
		seen[identity] = struct{}{}
		st.present[identity] = struct{}{}
		st.accepted = append(st.accepted, rec)
	}
}

func (s *SyncService) loadLive(ctx context.Context, st *cycleState) {
	live, err := s.patients.GetAll(ctx)
	if err != nil {
		st.result.AddError("repository", err.Error())
		st.logger.Error().Err(err).Msg("failed to load live patients")
		return
	}
	for _, p := range live {
		st.live[p.Identity()] = p
	}
}

type movedRecord struct {
	record   *entities.PatientRecord
	insights *entities.ClinicalInsights
}

// detect runs change detection and picks the records that need analysis.
// Unchanged records are escalated when their stored counterpart is missing,
// carries no analyzed insights or was written from different content. Unchanged
// records that only moved bed or ward are re-persisted with their stored insights.
func (s *SyncService) detect(st *cycleState, opts CycleOptions) ([]*entities.PatientRecord, []movedRecord) {
	var (
		selected []*entities.PatientRecord
		moved    []movedRecord
	)
	for _, rec := range st.accepted {
		identity := rec.Identity()
		change := s.detector.DetectChanges(identity, rec.ClinicalFields())
		st.hashes[identity] = change.CurrentHash

		switch {
		case change.IsNew():
			st.result.New++
		case change.Changed:
			st.result.Changed++
		default:
			st.result.Unchanged++
		}

		stored := st.live[identity]
		switch {
		case opts.ForceUpdate, change.Changed:
			selected = append(selected, rec)
		case stored == nil || !stored.HasInsights():
			selected = append(selected, rec)
		case stored.ContentHash != "" && stored.ContentHash != change.CurrentHash:
			selected = append(selected, rec)
		case stored.BedCode != rec.BedCode || stored.WardCode != rec.WardCode:
			moved = append(moved, movedRecord{record: rec, insights: stored.Insights})
		}
	}
	return selected, moved
}

func (s *SyncService) analyze(ctx context.Context, st *cycleState, selected []*entities.PatientRecord) []*entities.ClinicalInsights {
	if len(selected) == 0 {
		st.result.CacheAvoided = len(st.accepted)
		return nil
	}
	batch := s.analysis.AnalyzeBatchDetailed(ctx, selected, BatchOptions{UseCache: true})
	st.result.AnalysisCalls = batch.Analyzed
	st.result.CacheAvoided = batch.CacheHits + len(st.accepted) - len(selected)
	for i, ins := range batch.Insights {
		if ins.IsDefault() {
			st.logger.Warn().Str("identity", selected[i].Identity()).Str("reason", ins.DefaultReason).Msg("using default insights")
		}
	}
	return batch.Insights
}

// persist upserts one record, first archiving any different patient that
// still holds the bed
func (s *SyncService) persist(ctx context.Context, st *cycleState, rec *entities.PatientRecord, insights *entities.ClinicalInsights) {
	identity := rec.Identity()

	occupant, err := s.patients.FindOccupantOfBed(ctx, rec.BedCode, rec.EncounterCode)
	switch {
	case err == nil:
		reason := entities.ArchiveReasonStaleRecord
		dest, moving := st.feed.destinationOf(occupant.EncounterCode, occupant.BedCode)
		if moving {
			reason = entities.ArchiveReasonBedTransfer
		}
		if !s.archive(ctx, st, occupant, reason, dest) {
			st.result.AddError(identity, "could not free bed "+rec.BedCode)
			s.detector.Forget(identity)
			return
		}
		st.displaced[occupant.Identity()] = struct{}{}
	case !apperrors.IsNotFound(err):
		st.result.AddError(identity, err.Error())
		st.logger.Warn().Err(err).Str("identity", identity).Msg("bed occupancy check failed")
		s.detector.Forget(identity)
		return
	}

	reactivated := s.isReactivation(ctx, st, rec)

	if rec.EncounterCode != "" {
		_, err = s.patients.UpsertByEncounterCode(ctx, rec, insights, st.hashes[identity])
	} else {
		_, err = s.patients.UpsertByBedCode(ctx, rec, insights, st.hashes[identity])
	}
	if err != nil {
		st.result.AddError(identity, err.Error())
		st.logger.Warn().Err(err).Str("identity", identity).Msg("failed to persist patient")
		// the snapshot already holds this content; drop it so the next cycle retries
		s.detector.Forget(identity)
		return
	}
	st.result.Persisted++

	if reactivated {
		st.result.Reactivated++
		s.publish(ctx, entities.SyncEventPatientReactivated, st.result.RunID, identity, map[string]any{
			"bed_code":  rec.BedCode,
			"ward_code": rec.WardCode,
		})
	}
}

// isReactivation reports whether a record that is not live now was archived
// before. History itself is never modified.
func (s *SyncService) isReactivation(ctx context.Context, st *cycleState, rec *entities.PatientRecord) bool {
	identity := rec.Identity()
	if _, live := st.live[identity]; live {
		return false
	}
	if _, displaced := st.displaced[identity]; displaced {
		return false
	}

	if rec.EncounterCode != "" {
		history, err := s.patients.FindHistoryByEncounterCode(ctx, rec.EncounterCode)
		return err == nil && len(history) > 0
	}
	history, err := s.patients.FindHistoryByBed(ctx, rec.BedCode)
	if err != nil {
		return false
	}
	for _, h := range history {
		if h.EncounterCode == "" {
			return true
		}
	}
	return false
}

func (s *SyncService) reconcile(ctx context.Context, st *cycleState) {
	if st.result.FetchFailed {
		st.result.SanityGate = entities.SanityGateResult{Reason: "feed unavailable"}
		return
	}

	ctx, span := observability.StartSpan(ctx, "sync.reconcile")
	defer span.End()

	var baseline *entities.SyncBaseline
	latest, err := s.baselines.GetLatestBaseline(ctx)
	switch {
	case err == nil:
		baseline = latest
	case !apperrors.IsNotFound(err):
		st.result.AddError("baseline", err.Error())
		st.result.SanityGate = entities.SanityGateResult{Accepted: len(st.accepted), Reason: "baseline unavailable"}
		st.logger.Error().Err(err).Msg("failed to load sync baseline, skipping removals")
		return
	}

	gate := evaluateSanityGate(len(st.accepted), baseline, s.cfg.AbsoluteFloor, s.cfg.MinRatio)
	st.result.SanityGate = gate
	if !gate.Passed {
		st.logger.Warn().
			Str("event", "sanity_gate_rejected").
			Int("accepted", gate.Accepted).
			Float64("threshold", gate.Threshold).
			Str("reason", gate.Reason).
			Msg("sanity gate rejected removals for this cycle")
		return
	}

	live, err := s.patients.GetAll(ctx)
	if err != nil {
		st.result.AddError("repository", err.Error())
		st.logger.Error().Err(err).Msg("failed to reload live patients, skipping removals")
		return
	}

	for _, d := range planReconciliation(live, st.present, st.feed) {
		if s.archive(ctx, st, d.Patient, d.Reason, d.DestinationBed) {
			s.detector.Forget(d.Patient.Identity())
		}
	}

	err = s.baselines.SaveBaseline(ctx, &entities.SyncBaseline{
		Total:      len(st.accepted),
		PerWard:    perWardCounts(st.accepted),
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		st.result.AddError("baseline", err.Error())
		st.logger.Error().Err(err).Msg("failed to save sync baseline")
	}
}

func (s *SyncService) archive(ctx context.Context, st *cycleState, p *entities.StoredPatient, reason entities.ArchiveReason, destination string) bool {
	_, err := s.patients.ArchiveAndRemove(ctx, p.ID, reason, destination)
	if err != nil {
		st.result.AddError(p.Identity(), err.Error())
		st.logger.Warn().Err(err).Str("identity", p.Identity()).Str("reason", string(reason)).Msg("failed to archive patient")
		return false
	}
	st.result.Archived++
	st.result.ArchivedBy[reason]++
	st.logger.Info().Str("identity", p.Identity()).Str("reason", string(reason)).Str("destination_bed", destination).Msg("patient archived")

	payload := map[string]any{
		"reason":         string(reason),
		"encounter_code": p.EncounterCode,
		"record_id":      p.ID,
		"bed_code":       p.BedCode,
		"ward_code":      p.WardCode,
	}
	if destination != "" {
		payload["destination_bed"] = destination
	}
	s.publish(ctx, entities.SyncEventPatientArchived, st.result.RunID, p.Identity(), payload)
	return true
}

func (s *SyncService) finish(ctx context.Context, st *cycleState) {
	r := st.result
	r.EstimatedTokensSaved, r.EstimatedCostSaved = s.analysis.EstimateSavings(r.CacheAvoided)
	r.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	s.history = append(s.history, r)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]*entities.CycleResult(nil), s.history[over:]...)
	}
	s.totals.Add(r)
	s.mu.Unlock()

	s.metrics.ObserveCycle(r)
	s.metrics.SetStoreSizes(s.analysis.CacheStats().Entries, s.detector.SnapshotCount())
	s.publish(ctx, entities.SyncEventCycleCompleted, r.RunID, "", map[string]any{
		"total":       r.Total,
		"persisted":   r.Persisted,
		"archived":    r.Archived,
		"reactivated": r.Reactivated,
		"errors":      r.Errors,
		"gate_passed": r.SanityGate.Passed,
	})
}

func (s *SyncService) publish(ctx context.Context, eventType entities.SyncEventType, runID int64, identity string, payload map[string]any) {
	if s.events == nil {
		return
	}
	event := entities.NewSyncEvent(eventType, runID, identity, payload)
	if err := s.events.Publish(context.WithoutCancel(ctx), providers.EventChannelSync, event); err != nil {
		observability.LoggerFromContext(ctx).Debug().Err(err).Str("event_type", string(eventType)).Msg("failed to publish sync event")
	}
}
