package entities

import (
	"encoding/json"
	"time"
)

// ArchiveReason records why a patient left the live set
type ArchiveReason string

const (
	ArchiveReasonDischarge   ArchiveReason = "discharge"
	ArchiveReasonBedTransfer ArchiveReason = "bed_transfer"
	ArchiveReasonStaleRecord ArchiveReason = "stale_record"
)

// PatientHistory is an append-only archive row. Reconciliation never deletes
// or rewrites these.
type PatientHistory struct {
	ID             string          `json:"id" db:"id"`
	PatientID      string          `json:"patient_id" db:"patient_id"`
	EncounterCode  string          `json:"encounter_code,omitempty" db:"encounter_code"`
	BedCode        string          `json:"bed_code" db:"bed_code"`
	WardCode       string          `json:"ward_code" db:"ward_code"`
	Reason         ArchiveReason   `json:"reason" db:"reason"`
	DestinationBed string          `json:"destination_bed,omitempty" db:"destination_bed"`
	Snapshot       json.RawMessage `json:"snapshot" db:"snapshot"`
	ArchivedAt     time.Time       `json:"archived_at" db:"archived_at"`
}
