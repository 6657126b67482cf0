package services

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/pkg/utils"
)

// NewIdentityMarker is reported as the only changed field for an identity
// that has no snapshot yet.
const NewIdentityMarker = "__new_identity__"

// DefaultSnapshotRetention is how long a snapshot lives after it was taken
const DefaultSnapshotRetention = 24 * time.Hour

var criticalFields = map[string]struct{}{
	entities.FieldDiagnosis:     {},
	entities.FieldAllergies:     {},
	entities.FieldNotes:         {},
	entities.FieldRiskScale:     {},
	entities.FieldMobility:      {},
	entities.FieldDevices:       {},
	entities.FieldAntibiotics:   {},
	entities.FieldOxygenTherapy: {},
	entities.FieldSaturation:    {},
}

// ChangeResult describes how a record differs from its last snapshot
type ChangeResult struct {
	Changed          bool     `json:"changed"`
	ChangedFields    []string `json:"changed_fields"`
	PreviousHash     string   `json:"previous_hash,omitempty"`
	CurrentHash      string   `json:"current_hash"`
	ChangePercentage float64  `json:"change_percentage"`
}

// IsNew reports whether the identity had never been seen
func (r ChangeResult) IsNew() bool {
	return len(r.ChangedFields) == 1 && r.ChangedFields[0] == NewIdentityMarker
}

type changeSnapshot struct {
	Hash      string
	Fields    map[string]string
	CreatedAt time.Time
}

// ChangeDetector remembers the last clinically relevant state per identity
// and reports what changed since.
type ChangeDetector struct {
	mu        sync.Mutex
	snapshots *gocache.Cache
	retention time.Duration
	now       func() time.Time
}

// NewChangeDetector creates a detector whose snapshots expire retention after
// they were taken.
func NewChangeDetector(retention time.Duration) *ChangeDetector {
	if retention <= 0 {
		retention = DefaultSnapshotRetention
	}
	cleanup := retention / 4
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &ChangeDetector{
		snapshots: gocache.New(retention, cleanup),
		retention: retention,
		now:       time.Now,
	}
}

// DetectChanges compares fields with the identity's snapshot and replaces the
// snapshot when anything differs.
func (d *ChangeDetector) DetectChanges(identity string, fields map[string]string) ChangeResult {
	normalized := utils.NormalizeFields(fields)
	hash := utils.Fingerprint(normalized)

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, found := d.snapshots.Get(identity)
	if !found {
		d.store(identity, hash, normalized)
		return ChangeResult{
			Changed:          true,
			ChangedFields:    []string{NewIdentityMarker},
			CurrentHash:      hash,
			ChangePercentage: 100,
		}
	}

	snap := prev.(*changeSnapshot)
	if snap.Hash == hash {
		return ChangeResult{
			ChangedFields: []string{},
			PreviousHash:  snap.Hash,
			CurrentHash:   hash,
		}
	}

	changed := utils.DiffFields(snap.Fields, normalized)
	d.store(identity, hash, normalized)

	pct := 100.0
	if len(normalized) > 0 {
		pct = float64(len(changed)) / float64(len(normalized)) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return ChangeResult{
		Changed:          true,
		ChangedFields:    changed,
		PreviousHash:     snap.Hash,
		CurrentHash:      hash,
		ChangePercentage: pct,
	}
}

func (d *ChangeDetector) store(identity, hash string, fields map[string]string) {
	d.snapshots.Set(identity, &changeSnapshot{
		Hash:      hash,
		Fields:    fields,
		CreatedAt: d.now(),
	}, d.retention)
}

// IsCriticalChange reports whether any of the fields is on the critical list
func (d *ChangeDetector) IsCriticalChange(fields []string) bool {
	return IsCriticalChange(fields)
}

// IsCriticalChange reports whether any of the fields is on the critical list
func IsCriticalChange(fields []string) bool {
	for _, f := range fields {
		if _, ok := criticalFields[f]; ok {
			return true
		}
	}
	return false
}

// SweepSnapshots deletes snapshots taken more than maxAge ago
func (d *ChangeDetector) SweepSnapshots(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-maxAge)
	removed := 0
	for key, item := range d.snapshots.Items() {
		snap, ok := item.Object.(*changeSnapshot)
		if !ok || snap.CreatedAt.Before(cutoff) {
			d.snapshots.Delete(key)
			removed++
		}
	}
	return removed
}

// SnapshotCount returns the number of live snapshots
func (d *ChangeDetector) SnapshotCount() int {
	return d.snapshots.ItemCount()
}

// Forget drops the snapshot for identity
func (d *ChangeDetector) Forget(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots.Delete(identity)
}
