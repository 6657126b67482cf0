package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/pkg/utils"
)

// SyncMetrics are the Prometheus series for the sync pipeline. A nil
// *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	records         *prometheus.CounterVec
	archives        *prometheus.CounterVec
	reactivations   prometheus.Counter
	gateRejections  prometheus.Counter
	providerCalls   *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheEntries    prometheus.Gauge
	snapshotEntries prometheus.Gauge
}

// NewSyncMetrics registers the sync series on reg
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	f := promauto.With(reg)
	return &SyncMetrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardwatch",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wardwatch",
			Name:      "sync_cycle_duration_seconds",
			Help:      "Wall time of a sync cycle.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardwatch",
			Name:      "sync_records_total",
			Help:      "Feed records by disposition.",
		}, []string{"disposition"}),
		archives: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardwatch",
			Name:      "sync_archives_total",
			Help:      "Archived patients by reason.",
		}, []string{"reason"}),
		reactivations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wardwatch",
			Name:      "sync_reactivations_total",
			Help:      "Previously archived patients seen again in the feed.",
		}),
		gateRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wardwatch",
			Name:      "sync_sanity_gate_rejections_total",
			Help:      "Cycles whose removals were skipped by the sanity gate.",
		}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardwatch",
			Name:      "analysis_provider_calls_total",
			Help:      "Analysis provider calls by result.",
		}, []string{"result"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wardwatch",
			Name:      "analysis_cache_hits_total",
			Help:      "Analyses served from the result cache.",
		}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardwatch",
			Name:      "analysis_cache_entries",
			Help:      "Entries currently held in the result cache.",
		}),
		snapshotEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardwatch",
			Name:      "change_snapshots",
			Help:      "Change-detection snapshots currently held.",
		}),
	}
}

// ObserveCycle records a finished cycle
func (m *SyncMetrics) ObserveCycle(r *entities.CycleResult) {
	if m == nil || r == nil {
		return
	}

	outcome := "ok"
	switch {
	case r.FetchFailed:
		outcome = "fetch_failed"
	case !r.SanityGate.Passed:
		outcome = "gate_rejected"
	case r.Errors > 0:
		outcome = "partial"
	}
	m.cycles.WithLabelValues(utils.NormalizeIdentifier(string(r.Trigger)), outcome).Inc()
	m.cycleDuration.Observe(r.Duration().Seconds())

	m.records.WithLabelValues("new").Add(float64(r.New))
	m.records.WithLabelValues("changed").Add(float64(r.Changed))
	m.records.WithLabelValues("unchanged").Add(float64(r.Unchanged))
	m.records.WithLabelValues("filtered").Add(float64(r.Filtered))
	m.records.WithLabelValues("error").Add(float64(r.Errors))

	for reason, n := range r.ArchivedBy {
		m.archives.WithLabelValues(string(reason)).Add(float64(n))
	}
	m.reactivations.Add(float64(r.Reactivated))
	if !r.FetchFailed && !r.SanityGate.Passed {
		m.gateRejections.Inc()
	}
	m.cacheHits.Add(float64(r.CacheAvoided))
}

// ObserveProviderCall counts one provider call
func (m *SyncMetrics) ObserveProviderCall(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fallback"
	}
	m.providerCalls.WithLabelValues(result).Inc()
}

// SetStoreSizes updates the cache and snapshot gauges
func (m *SyncMetrics) SetStoreSizes(cacheEntries, snapshots int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(cacheEntries))
	m.snapshotEntries.Set(float64(snapshots))
}
