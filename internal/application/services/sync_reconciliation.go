package services

import (
	"math"
	"strings"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/pkg/utils"
)

// feedIndex is what the raw feed says about encounters and beds, independent
// of whether a row passed mapping or the ward filter
type feedIndex struct {
	encounterBeds map[string]string
	beds          map[string]struct{}
}

func indexFeed(raw []entities.RawBedRecord) feedIndex {
	idx := feedIndex{
		encounterBeds: make(map[string]string),
		beds:          make(map[string]struct{}),
	}
	for _, r := range raw {
		if r.Fields == nil {
			continue
		}
		bed := utils.NormalizeCode(lookup(r.Fields, "bed_code"))
		if bed != "" {
			idx.beds[bed] = struct{}{}
		}
		if enc := strings.TrimSpace(lookup(r.Fields, "encounter_code")); enc != "" {
			if _, seen := idx.encounterBeds[enc]; !seen {
				idx.encounterBeds[enc] = bed
			}
		}
	}
	return idx
}

// destinationOf returns the bed the feed places encounter in when that bed
// differs from currentBed
func (f feedIndex) destinationOf(encounter, currentBed string) (string, bool) {
	if encounter == "" {
		return "", false
	}
	bed, ok := f.encounterBeds[encounter]
	if !ok || bed == "" || bed == currentBed {
		return "", false
	}
	return bed, true
}

type archiveDecision struct {
	Patient        *entities.StoredPatient
	Reason         entities.ArchiveReason
	DestinationBed string
}

// planReconciliation decides which live patients leave the live set. present
// holds the identities accepted this cycle plus those of rows that failed
// validation, so a malformed upstream row never archives anyone.
func planReconciliation(live []*entities.StoredPatient, present map[string]struct{}, feed feedIndex) []archiveDecision {
	var plan []archiveDecision
	for _, p := range live {
		if _, ok := present[p.Identity()]; ok {
			continue
		}

		if p.EncounterCode != "" {
			if dest, moved := feed.destinationOf(p.EncounterCode, p.BedCode); moved {
				plan = append(plan, archiveDecision{Patient: p, Reason: entities.ArchiveReasonBedTransfer, DestinationBed: dest})
				continue
			}
			plan = append(plan, archiveDecision{Patient: p, Reason: entities.ArchiveReasonDischarge})
			continue
		}

		if _, ok := feed.beds[p.BedCode]; !ok {
			plan = append(plan, archiveDecision{Patient: p, Reason: entities.ArchiveReasonStaleRecord})
		}
	}
	return plan
}

// evaluateSanityGate checks the accepted count against the absolute floor and
// the baseline ratio. Without a baseline only the floor applies.
func evaluateSanityGate(accepted int, baseline *entities.SyncBaseline, floor int, ratio float64) entities.SanityGateResult {
	res := entities.SanityGateResult{
		Accepted:  accepted,
		Threshold: float64(floor),
	}
	if baseline != nil {
		total := baseline.Total
		res.Baseline = &total
		res.Threshold = math.Max(float64(floor), ratio*float64(total))
	}

	res.Passed = float64(accepted) >= res.Threshold
	if !res.Passed {
		switch {
		case accepted < floor:
			res.Reason = "accepted records below absolute floor"
		default:
			res.Reason = "accepted records below baseline ratio"
		}
	}
	return res
}

func perWardCounts(records []*entities.PatientRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.WardCode]++
	}
	return counts
}
