package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
	"github.com/zatekoja/wardwatch/pkg/utils"
)

// ErrWardFiltered marks a record dropped by the ward inclusion pattern. It is
// a filter outcome, not a processing error.
var ErrWardFiltered = errors.New("ward excluded by inclusion pattern")

// feed column names, first match wins
var fieldAliases = map[string][]string{
	"encounter_code": {"encounter_code", "encounter", "admission_code", "visit_code"},
	"bed_code":       {"bed_code", "bed", "bed_id"},
	"ward_code":      {"ward_code", "ward", "department_code"},
	"patient_code":   {"patient_code", "patient_id", "mrn"},
	"full_name":      {"full_name", "patient_name", "name"},
	"admitted_at":    {"admitted_at", "admission_date", "admitted"},

	entities.FieldDiagnosis:          {"diagnosis", "primary_diagnosis"},
	entities.FieldSecondaryDiagnoses: {"secondary_diagnoses", "comorbidities"},
	entities.FieldAllergies:          {"allergies"},
	entities.FieldMobility:           {"mobility"},
	entities.FieldDevices:            {"devices", "lines"},
	entities.FieldAntibiotics:        {"antibiotics"},
	entities.FieldNotes:              {"notes", "nursing_notes"},
	entities.FieldRiskScale:          {"risk_scale", "news_score", "news2"},
	entities.FieldOxygenTherapy:      {"oxygen_therapy", "oxygen"},
	entities.FieldSaturation:         {"saturation", "spo2"},
	entities.FieldIsolation:          {"isolation"},
	entities.FieldDiet:               {"diet"},
	entities.FieldPainScore:          {"pain_score", "pain"},
}

var admittedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// RecordMapper validates raw feed rows and maps them onto PatientRecord
type RecordMapper struct {
	wardPattern *regexp.Regexp
	now         func() time.Time
}

// NewRecordMapper compiles the ward inclusion pattern. An empty pattern
// accepts every ward.
func NewRecordMapper(wardPattern string) (*RecordMapper, error) {
	m := &RecordMapper{now: time.Now}
	if strings.TrimSpace(wardPattern) == "" {
		return m, nil
	}
	re, err := regexp.Compile(wardPattern)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid ward pattern %q: %v", wardPattern, err))
	}
	m.wardPattern = re
	return m, nil
}

// Map converts one raw record. It returns ErrWardFiltered for excluded wards
// and a validation AppError for rows missing a bed or ward.
func (m *RecordMapper) Map(raw entities.RawBedRecord) (*entities.PatientRecord, error) {
	if raw.Fields == nil {
		return nil, apperrors.NewValidationError("feed row is not an object")
	}
	get := func(name string) string { return lookup(raw.Fields, name) }

	record := &entities.PatientRecord{
		EncounterCode: strings.TrimSpace(get("encounter_code")),
		BedCode:       utils.NormalizeCode(get("bed_code")),
		WardCode:      utils.NormalizeCode(get("ward_code")),
		PatientCode:   strings.TrimSpace(get("patient_code")),
		FullName:      strings.TrimSpace(get("full_name")),

		Diagnosis:          strings.TrimSpace(get(entities.FieldDiagnosis)),
		SecondaryDiagnoses: strings.TrimSpace(get(entities.FieldSecondaryDiagnoses)),
		Allergies:          strings.TrimSpace(get(entities.FieldAllergies)),
		Mobility:           strings.TrimSpace(get(entities.FieldMobility)),
		Devices:            strings.TrimSpace(get(entities.FieldDevices)),
		Antibiotics:        strings.TrimSpace(get(entities.FieldAntibiotics)),
		Notes:              strings.TrimSpace(get(entities.FieldNotes)),
		RiskScale:          strings.TrimSpace(get(entities.FieldRiskScale)),
		OxygenTherapy:      strings.TrimSpace(get(entities.FieldOxygenTherapy)),
		Saturation:         strings.TrimSpace(get(entities.FieldSaturation)),
		Isolation:          strings.TrimSpace(get(entities.FieldIsolation)),
		Diet:               strings.TrimSpace(get(entities.FieldDiet)),
		PainScore:          strings.TrimSpace(get(entities.FieldPainScore)),

		RawPayload: raw.Payload,
		SyncedAt:   m.now().UTC(),
	}

	if record.BedCode == "" {
		return nil, apperrors.NewValidationError("bed code is required")
	}
	if record.WardCode == "" {
		return nil, apperrors.NewValidationError("ward code is required")
	}
	if m.wardPattern != nil && !m.wardPattern.MatchString(record.WardCode) {
		return nil, ErrWardFiltered
	}

	if admitted := strings.TrimSpace(get("admitted_at")); admitted != "" {
		if t, ok := parseAdmitted(admitted); ok {
			record.AdmittedAt = &t
		}
	}
	return record, nil
}

// RawIdentity derives the change-detection identity straight from a raw row,
// so that rows failing validation can still be attributed.
func RawIdentity(raw entities.RawBedRecord) string {
	if raw.Fields == nil {
		return ""
	}
	if enc := strings.TrimSpace(lookup(raw.Fields, "encounter_code")); enc != "" {
		return "encounter:" + enc
	}
	if bed := utils.NormalizeCode(lookup(raw.Fields, "bed_code")); bed != "" {
		return "bed:" + bed
	}
	return ""
}

func lookup(fields map[string]any, name string) string {
	for _, alias := range fieldAliases[name] {
		if v, ok := fields[alias]; ok && v != nil {
			return stringify(v)
		}
	}
	return ""
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := strings.TrimSpace(stringify(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func parseAdmitted(value string) (time.Time, bool) {
	for _, layout := range admittedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
