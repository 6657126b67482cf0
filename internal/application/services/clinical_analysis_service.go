package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zatekoja/wardwatch/internal/adapters/cache"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
	"github.com/zatekoja/wardwatch/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
	"github.com/zatekoja/wardwatch/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultAnalysisBatchSize is the number of records sent per provider call
const DefaultAnalysisBatchSize = 10

// InsightsCache is the result cache specialised for clinical insights
type InsightsCache = cache.ResultCache[*entities.ClinicalInsights]

// ClinicalAnalysisConfig tunes batching, retries and cost estimates
type ClinicalAnalysisConfig struct {
	BatchSize             int
	Retry                 retry.Config
	TokensPerRecord       int
	CostPerThousandTokens float64
}

// AnalyzeOptions controls the single-record path
type AnalyzeOptions struct {
	UseCache     bool
	ForceRefresh bool
}

// BatchOptions controls the batch path
type BatchOptions struct {
	UseCache bool
}

// AnalysisResult is the outcome of a single-record analysis
type AnalysisResult struct {
	Insights  *entities.ClinicalInsights `json:"insights"`
	FromCache bool                       `json:"from_cache"`
	CacheKey  string                     `json:"cache_key"`
}

// BatchResult is AnalyzeBatch plus per-call accounting
type BatchResult struct {
	Insights      []*entities.ClinicalInsights
	FromCache     []bool
	CacheHits     int
	ProviderCalls int
	Analyzed      int
	Fallbacks     int
}

// AnalysisMetrics are running totals since the service was created
type AnalysisMetrics struct {
	TotalRequests     int64   `json:"total_requests"`
	CacheHits         int64   `json:"cache_hits"`
	ProviderCalls     int64   `json:"provider_calls"`
	RecordsAnalyzed   int64   `json:"records_analyzed"`
	FallbackCount     int64   `json:"fallback_count"`
	TokensUsed        int64   `json:"tokens_used"`
	TokensSaved       int64   `json:"tokens_saved"`
	CostUsed          float64 `json:"cost_used"`
	CostSaved         float64 `json:"cost_saved"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	SavingsPercentage float64 `json:"savings_percentage"`
}

// ClinicalAnalysisService produces ClinicalInsights while keeping provider
// calls to a minimum. Single and batch paths share one cache keyed by
// CanonicalCacheKey.
type ClinicalAnalysisService struct {
	provider providers.AnalysisProvider
	cache    *InsightsCache
	cfg      ClinicalAnalysisConfig
	metrics  *observability.SyncMetrics

	mu    sync.Mutex
	stats AnalysisMetrics
}

// NewClinicalAnalysisService creates the service. A nil provider makes every
// miss resolve to default insights.
func NewClinicalAnalysisService(
	provider providers.AnalysisProvider,
	resultCache *InsightsCache,
	cfg ClinicalAnalysisConfig,
	metrics *observability.SyncMetrics,
) *ClinicalAnalysisService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultAnalysisBatchSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Config{
			MaxAttempts:     3,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        8 * time.Second,
			BackoffFactor:   2,
			MaxTotalTimeout: 90 * time.Second,
		}
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = apperrors.IsRetryable
	}
	if resultCache == nil {
		resultCache = cache.NewResultCache[*entities.ClinicalInsights](cache.DefaultMaxEntries)
	}
	return &ClinicalAnalysisService{
		provider: provider,
		cache:    resultCache,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Analyze returns insights for one record, from cache when allowed. Provider
// failures resolve to default insights, which are never cached.
func (s *ClinicalAnalysisService) Analyze(ctx context.Context, record *entities.PatientRecord, opts AnalyzeOptions) (*AnalysisResult, error) {
	if record == nil {
		return nil, apperrors.NewValidationError("patient record is required")
	}

	ctx, span := observability.StartSpan(ctx, "analysis.analyze")
	defer span.End()

	key := CanonicalCacheKey(record)
	hash := analysisContentHash(record)
	s.count(func(m *AnalysisMetrics) { m.TotalRequests++ })

	if opts.UseCache && !opts.ForceRefresh {
		if insights, ok := s.cache.Get(key, hash); ok {
			s.recordCacheHits(1)
			return &AnalysisResult{Insights: insights, FromCache: true, CacheKey: key}, nil
		}
	}

	if s.provider == nil {
		s.recordFallbacks(1)
		return &AnalysisResult{Insights: entities.DefaultInsights("analysis provider not configured"), CacheKey: key}, nil
	}

	var assessment *entities.RiskAssessment
	err := s.callProvider(ctx, "analyze_patient", func(callCtx context.Context) error {
		var callErr error
		assessment, callErr = s.provider.AnalyzePatient(callCtx, record)
		return callErr
	})
	s.recordProviderCall(1, err == nil)
	if err != nil {
		observability.RecordError(span, err)
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("cache_key", key).Msg("analysis failed, using default insights")
		s.recordFallbacks(1)
		return &AnalysisResult{Insights: entities.DefaultInsights(err.Error()), CacheKey: key}, nil
	}

	insights := entities.BuildInsights(*assessment)
	s.store(record, key, hash, insights)
	return &AnalysisResult{Insights: insights, CacheKey: key}, nil
}

// AnalyzeBatch returns one insights value per record in input order
func (s *ClinicalAnalysisService) AnalyzeBatch(ctx context.Context, records []*entities.PatientRecord, opts BatchOptions) []*entities.ClinicalInsights {
	return s.AnalyzeBatchDetailed(ctx, records, opts).Insights
}

// AnalyzeBatchDetailed resolves cache hits first, then sends the misses to the
// provider in sequential chunks. A failed chunk gets default insights and
// the next chunk still runs.
func (s *ClinicalAnalysisService) AnalyzeBatchDetailed(ctx context.Context, records []*entities.PatientRecord, opts BatchOptions) *BatchResult {
	ctx, span := observability.StartSpan(ctx, "analysis.analyze_batch", attribute.Int("records", len(records)))
	defer span.End()

	res := &BatchResult{
		Insights:  make([]*entities.ClinicalInsights, len(records)),
		FromCache: make([]bool, len(records)),
	}
	keys := make([]string, len(records))
	hashes := make([]string, len(records))
	var misses []int

	for i, r := range records {
		if r == nil {
			res.Insights[i] = entities.DefaultInsights("missing patient record")
			res.Fallbacks++
			continue
		}
		keys[i] = CanonicalCacheKey(r)
		hashes[i] = analysisContentHash(r)
		if opts.UseCache {
			if insights, ok := s.cache.Get(keys[i], hashes[i]); ok {
				res.Insights[i] = insights
				res.FromCache[i] = true
				res.CacheHits++
				continue
			}
		}
		misses = append(misses, i)
	}
	s.count(func(m *AnalysisMetrics) { m.TotalRequests += int64(len(records)) })
	s.recordCacheHits(res.CacheHits)

	logger := observability.LoggerFromContext(ctx)
	for start := 0; start < len(misses); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]

		if err := ctx.Err(); err != nil {
			s.fillDefaults(res, misses[start:], "analysis cancelled: "+err.Error())
			break
		}
		s.analyzeChunk(ctx, logger, records, keys, hashes, chunk, res)
	}

	s.recordFallbacks(res.Fallbacks)
	return res
}

func (s *ClinicalAnalysisService) analyzeChunk(
	ctx context.Context,
	logger *zerolog.Logger,
	records []*entities.PatientRecord,
	keys, hashes []string,
	chunk []int,
	res *BatchResult,
) {
	if s.provider == nil {
		s.fillDefaults(res, chunk, "analysis provider not configured")
		return
	}

	batch := make([]*entities.PatientRecord, len(chunk))
	for j, idx := range chunk {
		batch[j] = records[idx]
	}

	var assessments []entities.RiskAssessment
	err := s.callProvider(ctx, "analyze_patients", func(callCtx context.Context) error {
		var callErr error
		assessments, callErr = s.provider.AnalyzePatients(callCtx, batch)
		return callErr
	})
	if err == nil && len(assessments) != len(batch) {
		err = apperrors.NewParseError(fmt.Sprintf("provider returned %d assessments for %d records", len(assessments), len(batch)), nil)
	}
	res.ProviderCalls++
	s.recordProviderCall(1, err == nil)

	if err != nil {
		logger.Warn().Err(err).Int("chunk_size", len(chunk)).Msg("analysis chunk failed, using default insights")
		s.fillDefaults(res, chunk, err.Error())
		return
	}

	for j, idx := range chunk {
		insights := entities.BuildInsights(assessments[j])
		s.store(records[idx], keys[idx], hashes[idx], insights)
		res.Insights[idx] = insights
		res.Analyzed++
	}
}

func (s *ClinicalAnalysisService) fillDefaults(res *BatchResult, idxs []int, reason string) {
	for _, idx := range idxs {
		res.Insights[idx] = entities.DefaultInsights(reason)
		res.Fallbacks++
	}
}

// callProvider runs fn through the retry policy. Every attempt shares the
// deadline set by the overall call timeout.
func (s *ClinicalAnalysisService) callProvider(ctx context.Context, op string, fn func(context.Context) error) error {
	logger := observability.LoggerFromContext(ctx)
	err := retry.DoWithContext(ctx, s.cfg.Retry, "analysis provider", fn, func(attempt int, err error, nextDelay time.Duration) {
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("next_delay", nextDelay).Msg("analysis provider call failed, retrying")
	})
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// store caches analyzed insights under the canonical key and drops every
// legacy key for the same record
func (s *ClinicalAnalysisService) store(record *entities.PatientRecord, key, hash string, insights *entities.ClinicalInsights) {
	if insights == nil || insights.IsDefault() {
		return
	}
	ttl, criticality := cachePolicyFor(insights.RiskLevel)
	s.cache.Set(key, insights, cache.SetOptions{
		ContentHash: hash,
		TTL:         ttl,
		Criticality: criticality,
	})
	s.cache.InvalidateKeys(LegacyCacheKeys(record)...)

	s.count(func(m *AnalysisMetrics) {
		m.RecordsAnalyzed++
		m.TokensUsed += int64(s.cfg.TokensPerRecord)
		m.CostUsed += s.tokenCost(s.cfg.TokensPerRecord)
	})
}

func cachePolicyFor(level entities.RiskLevel) (time.Duration, cache.Criticality) {
	switch level {
	case entities.RiskLevelRed:
		return 15 * time.Minute, cache.CriticalityCritical
	case entities.RiskLevelYellow:
		return 60 * time.Minute, cache.CriticalityHigh
	default:
		return 240 * time.Minute, cache.CriticalityLow
	}
}

// InvalidatePatientCache drops the canonical and every legacy key for record,
// including the keys scoped to its bed
func (s *ClinicalAnalysisService) InvalidatePatientCache(record *entities.PatientRecord) int {
	if record == nil {
		return 0
	}
	keys := append([]string{CanonicalCacheKey(record)}, releasedBedCacheKeys(record)...)
	return s.cache.InvalidateKeys(keys...)
}

// CacheStats exposes the underlying result cache stats
func (s *ClinicalAnalysisService) CacheStats() cache.CacheStats {
	return s.cache.Stats()
}

// Metrics returns a snapshot of the running totals with derived rates
func (s *ClinicalAnalysisService) Metrics() AnalysisMetrics {
	s.mu.Lock()
	m := s.stats
	s.mu.Unlock()

	if m.TotalRequests > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(m.TotalRequests)
	}
	if total := m.TokensUsed + m.TokensSaved; total > 0 {
		m.SavingsPercentage = float64(m.TokensSaved) / float64(total) * 100
	}
	return m
}

// EstimateSavings converts avoided analyses into tokens and cost
func (s *ClinicalAnalysisService) EstimateSavings(avoided int) (int, float64) {
	tokens := avoided * s.cfg.TokensPerRecord
	return tokens, s.tokenCost(tokens)
}

func (s *ClinicalAnalysisService) tokenCost(tokens int) float64 {
	return float64(tokens) / 1000 * s.cfg.CostPerThousandTokens
}

func (s *ClinicalAnalysisService) recordCacheHits(n int) {
	if n == 0 {
		return
	}
	s.count(func(m *AnalysisMetrics) {
		m.CacheHits += int64(n)
		m.TokensSaved += int64(n * s.cfg.TokensPerRecord)
		m.CostSaved += s.tokenCost(n * s.cfg.TokensPerRecord)
	})
}

func (s *ClinicalAnalysisService) recordProviderCall(n int, ok bool) {
	s.count(func(m *AnalysisMetrics) { m.ProviderCalls += int64(n) })
	s.metrics.ObserveProviderCall(ok)
}

func (s *ClinicalAnalysisService) recordFallbacks(n int) {
	if n == 0 {
		return
	}
	s.count(func(m *AnalysisMetrics) { m.FallbackCount += int64(n) })
}

func (s *ClinicalAnalysisService) count(fn func(*AnalysisMetrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}
