package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/pkg/utils"
)

const (
	insightsKeyPrefix  = "clinical_insights:"
	unknownInsightsKey = insightsKeyPrefix + "unknown"
	legacyBatchPrefix  = "ai_batch:"
	legacySinglePrefix = "ai_single:"
)

// cacheKeyStrategy derives one key shape from a record. ok is false when the
// record lacks the field the shape needs. Bed-scoped shapes name whoever holds
// the bed, so they only belong to records without an encounter code.
type cacheKeyStrategy struct {
	name      string
	bedScoped bool
	derive    func(r *entities.PatientRecord) (key string, ok bool)
}

// canonicalKeyStrategies are tried in order; the first that applies is the
// canonical key, the remaining applicable ones are legacy keys.
var canonicalKeyStrategies = []cacheKeyStrategy{
	{"encounter", false, func(r *entities.PatientRecord) (string, bool) {
		return insightsKeyPrefix + "encounter:" + r.EncounterCode, r.EncounterCode != ""
	}},
	{"record", false, func(r *entities.PatientRecord) (string, bool) {
		return insightsKeyPrefix + "record:" + r.ID, r.ID != ""
	}},
	{"bed", true, func(r *entities.PatientRecord) (string, bool) {
		return insightsKeyPrefix + "bed:" + r.BedCode, r.BedCode != ""
	}},
}

// historicalKeyStrategies are key shapes written by older batch and
// single-record code paths. They are only ever invalidated.
var historicalKeyStrategies = []cacheKeyStrategy{
	{"ai_batch", false, func(r *entities.PatientRecord) (string, bool) {
		if r.EncounterCode != "" {
			return legacyBatchPrefix + r.EncounterCode, true
		}
		return legacyBatchPrefix + r.BedCode, r.BedCode != ""
	}},
	{"ai_single", true, func(r *entities.PatientRecord) (string, bool) {
		return legacySinglePrefix + r.BedCode, r.BedCode != ""
	}},
}

// CanonicalCacheKey is the one key both the single and batch paths use
func CanonicalCacheKey(r *entities.PatientRecord) string {
	for _, s := range canonicalKeyStrategies {
		if key, ok := s.derive(r); ok {
			return key
		}
	}
	return unknownInsightsKey
}

// LegacyCacheKeys lists every other key under which a result for r may have
// been stored. Bed-scoped keys are left out for records with an encounter
// code, since another patient may own them.
func LegacyCacheKeys(r *entities.PatientRecord) []string {
	return legacyKeys(r, r.EncounterCode == "")
}

// releasedBedCacheKeys is LegacyCacheKeys plus the bed-scoped shapes. Use it
// once the record no longer holds its bed.
func releasedBedCacheKeys(r *entities.PatientRecord) []string {
	return legacyKeys(r, true)
}

func legacyKeys(r *entities.PatientRecord, includeBedScoped bool) []string {
	canonical := CanonicalCacheKey(r)
	seen := map[string]struct{}{canonical: {}}
	var keys []string

	add := func(strategies []cacheKeyStrategy) {
		for _, s := range strategies {
			if s.bedScoped && !includeBedScoped {
				continue
			}
			key, ok := s.derive(r)
			if !ok {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	add(canonicalKeyStrategies)
	add(historicalKeyStrategies)
	return keys
}

// analysisContentHash fingerprints the clinical fields for cache validity.
// It is deliberately separate from the change-detection hash.
func analysisContentHash(r *entities.PatientRecord) string {
	normalized := utils.NormalizeFields(r.ClinicalFields())
	b, err := json.Marshal(normalized)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
