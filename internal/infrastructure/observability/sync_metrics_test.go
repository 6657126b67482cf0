package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
)

func TestSyncMetrics_ObserveCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)

	start := time.Now()
	m.ObserveCycle(&entities.CycleResult{
		Trigger:      entities.SyncTriggerManual,
		StartedAt:    start,
		FinishedAt:   start.Add(3 * time.Second),
		New:          2,
		Changed:      1,
		Reactivated:  1,
		CacheAvoided: 4,
		ArchivedBy:   map[entities.ArchiveReason]int{entities.ArchiveReasonDischarge: 2},
		SanityGate:   entities.SanityGateResult{Passed: true},
	})
	m.ObserveCycle(&entities.CycleResult{
		Trigger:    entities.SyncTriggerScheduled,
		SanityGate: entities.SanityGateResult{Passed: false},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("manual", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("scheduled", "gate_rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues("new")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.archives.WithLabelValues("discharge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateRejections))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cacheHits))
}

func TestSyncMetrics_NilIsNoop(t *testing.T) {
	var m *SyncMetrics
	assert.NotPanics(t, func() {
		m.ObserveCycle(&entities.CycleResult{})
		m.ObserveProviderCall(true)
		m.SetStoreSizes(1, 2)
	})
}
