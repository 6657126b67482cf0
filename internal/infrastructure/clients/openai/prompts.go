package openai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
)

const assessmentSchema = `{
  "alerts": [{"level": "RED"|"YELLOW"|"GREEN", "category": string, "message": string, "action": string}],
  "documentation_gaps": string[],
  "quality_score": integer 0-100,
  "recommendations": string[]
}`

const singleAssessmentSystemPrompt = `You are a nursing risk assistant reviewing one inpatient bed record. Return ONLY valid JSON with this schema:
` + assessmentSchema + `
Use RED only for findings that need action this shift. Keep messages short and factual. Do not invent data that is not in the record.`

const batchAssessmentSystemPrompt = `You are a nursing risk assistant reviewing several inpatient bed records. Return ONLY valid JSON of the form {"assessments": [...]} where every element has this schema plus an integer "index" matching the record number:
` + assessmentSchema + `
Return exactly one assessment per record, in the same order. Use RED only for findings that need action this shift. Do not invent data that is not in the record.`

var promptFieldLabels = map[string]string{
	entities.FieldDiagnosis:          "Diagnosis",
	entities.FieldSecondaryDiagnoses: "Secondary diagnoses",
	entities.FieldAllergies:          "Allergies",
	entities.FieldMobility:           "Mobility",
	entities.FieldDevices:            "Devices",
	entities.FieldAntibiotics:        "Antibiotics",
	entities.FieldNotes:              "Nursing notes",
	entities.FieldRiskScale:          "Risk scale",
	entities.FieldOxygenTherapy:      "Oxygen therapy",
	entities.FieldSaturation:         "SpO2",
	entities.FieldIsolation:          "Isolation",
	entities.FieldDiet:               "Diet",
	entities.FieldPainScore:          "Pain score",
}

// buildPatientPrompt renders the clinical fields only; names and codes are
// not sent to the provider.
func buildPatientPrompt(record *entities.PatientRecord) string {
	fields := record.ClinicalFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Ward: %s\n", record.WardCode)
	for _, name := range names {
		value := strings.TrimSpace(fields[name])
		if value == "" {
			value = "(not documented)"
		}
		fmt.Fprintf(&b, "%s: %s\n", promptFieldLabels[name], value)
	}
	return b.String()
}

func buildBatchPrompt(records []*entities.PatientRecord) string {
	var b strings.Builder
	for i, r := range records {
		fmt.Fprintf(&b, "### Record %d\n%s\n", i, buildPatientPrompt(r))
	}
	return b.String()
}

func parseAssessment(data []byte) (*entities.RiskAssessment, error) {
	var payload entities.RiskAssessment
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse assessment payload: %w", err)
	}
	return &payload, nil
}

type indexedAssessment struct {
	entities.RiskAssessment
	Index *int `json:"index"`
}

// parseBatchAssessments accepts {"assessments": [...]} or a bare array. When
// every element carries an index the result is reordered by it.
func parseBatchAssessments(data []byte, want int) ([]entities.RiskAssessment, error) {
	var items []indexedAssessment

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to parse assessment array: %w", err)
		}
	} else {
		var wrapper struct {
			Assessments []indexedAssessment `json:"assessments"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse assessment batch: %w", err)
		}
		items = wrapper.Assessments
	}

	if len(items) != want {
		return nil, fmt.Errorf("expected %d assessments, got %d", want, len(items))
	}

	out := make([]entities.RiskAssessment, want)
	if indexed(items, want) {
		for _, item := range items {
			out[*item.Index] = item.RiskAssessment
		}
		return out, nil
	}
	for i, item := range items {
		out[i] = item.RiskAssessment
	}
	return out, nil
}

// indexed reports whether items carry a complete permutation of 0..want-1
func indexed(items []indexedAssessment, want int) bool {
	seen := make([]bool, want)
	for _, item := range items {
		if item.Index == nil || *item.Index < 0 || *item.Index >= want || seen[*item.Index] {
			return false
		}
		seen[*item.Index] = true
	}
	return true
}
