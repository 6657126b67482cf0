package entities

import (
	"encoding/json"
	"time"
)

// Clinical field names. These are the only fields that take part in change
// detection and analysis cache validity.
const (
	FieldDiagnosis          = "diagnosis"
	FieldSecondaryDiagnoses = "secondary_diagnoses"
	FieldAllergies          = "allergies"
	FieldMobility           = "mobility"
	FieldDevices            = "devices"
	FieldAntibiotics        = "antibiotics"
	FieldNotes              = "notes"
	FieldRiskScale          = "risk_scale"
	FieldOxygenTherapy      = "oxygen_therapy"
	FieldSaturation         = "saturation"
	FieldIsolation          = "isolation"
	FieldDiet               = "diet"
	FieldPainScore          = "pain_score"
)

// RawBedRecord is one per-bed row as delivered by the upstream feed.
type RawBedRecord struct {
	Fields  map[string]any  `json:"fields"`
	Payload json.RawMessage `json:"payload"`
}

// PatientRecord is a mapped feed row: who is in which bed, plus the clinical
// fields a nurse documents.
type PatientRecord struct {
	ID            string     `json:"id,omitempty" db:"id"`
	EncounterCode string     `json:"encounter_code,omitempty" db:"encounter_code"`
	BedCode       string     `json:"bed_code" db:"bed_code"`
	WardCode      string     `json:"ward_code" db:"ward_code"`
	PatientCode   string     `json:"patient_code,omitempty" db:"patient_code"`
	FullName      string     `json:"full_name,omitempty" db:"full_name"`
	AdmittedAt    *time.Time `json:"admitted_at,omitempty" db:"admitted_at"`

	Diagnosis          string `json:"diagnosis,omitempty" db:"diagnosis"`
	SecondaryDiagnoses string `json:"secondary_diagnoses,omitempty" db:"secondary_diagnoses"`
	Allergies          string `json:"allergies,omitempty" db:"allergies"`
	Mobility           string `json:"mobility,omitempty" db:"mobility"`
	Devices            string `json:"devices,omitempty" db:"devices"`
	Antibiotics        string `json:"antibiotics,omitempty" db:"antibiotics"`
	Notes              string `json:"notes,omitempty" db:"notes"`
	RiskScale          string `json:"risk_scale,omitempty" db:"risk_scale"`
	OxygenTherapy      string `json:"oxygen_therapy,omitempty" db:"oxygen_therapy"`
	Saturation         string `json:"saturation,omitempty" db:"saturation"`
	Isolation          string `json:"isolation,omitempty" db:"isolation"`
	Diet               string `json:"diet,omitempty" db:"diet"`
	PainScore          string `json:"pain_score,omitempty" db:"pain_score"`

	RawPayload json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
	SyncedAt   time.Time       `json:"synced_at" db:"synced_at"`
}

// Identity is the business key used by change detection: the encounter code
// when known, otherwise the bed. The prefixes keep an encounter "101" and a
// bed "101" apart.
func (p *PatientRecord) Identity() string {
	if p.EncounterCode != "" {
		return "encounter:" + p.EncounterCode
	}
	return "bed:" + p.BedCode
}

// ClinicalFields returns the clinically relevant subset of the record.
// Identity, audit and raw payload fields are never included.
func (p *PatientRecord) ClinicalFields() map[string]string {
	return map[string]string{
		FieldDiagnosis:          p.Diagnosis,
		FieldSecondaryDiagnoses: p.SecondaryDiagnoses,
		FieldAllergies:          p.Allergies,
		FieldMobility:           p.Mobility,
		FieldDevices:            p.Devices,
		FieldAntibiotics:        p.Antibiotics,
		FieldNotes:              p.Notes,
		FieldRiskScale:          p.RiskScale,
		FieldOxygenTherapy:      p.OxygenTherapy,
		FieldSaturation:         p.Saturation,
		FieldIsolation:          p.Isolation,
		FieldDiet:               p.Diet,
		FieldPainScore:          p.PainScore,
	}
}

// StoredPatient is a live patient row together with its latest insights.
type StoredPatient struct {
	PatientRecord
	Insights    *ClinicalInsights `json:"insights,omitempty" db:"-"`
	ContentHash string            `json:"content_hash,omitempty" db:"content_hash"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// HasInsights reports whether an analysis (not a placeholder) is attached.
func (s *StoredPatient) HasInsights() bool {
	return s.Insights != nil && s.Insights.Source == InsightsSourceAnalyzed
}
