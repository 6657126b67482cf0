package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

func TestRecordMapper_Map(t *testing.T) {
	m, err := NewRecordMapper("^10A")
	require.NoError(t, err)

	raw := entities.RawBedRecord{
		Fields: map[string]any{
			"encounter":   " A1 ",
			"bed":         "101 b",
			"ward":        "10a01",
			"diagnosis":   "Pneumonia ",
			"spo2":        json.Number("94"),
			"devices":     []any{"PIV", " foley "},
			"admitted_at": "2026-10-01T08:30:00Z",
			"unrelated":   "ignored",
			"oxygen":      true,
		},
		Payload: json.RawMessage(`{"encounter":"A1"}`),
	}

	rec, err := m.Map(raw)
	require.NoError(t, err)
	assert.Equal(t, "A1", rec.EncounterCode)
	assert.Equal(t, "101B", rec.BedCode)
	assert.Equal(t, "10A01", rec.WardCode)
	assert.Equal(t, "Pneumonia", rec.Diagnosis)
	assert.Equal(t, "94", rec.Saturation)
	assert.Equal(t, "PIV, foley", rec.Devices)
	assert.Equal(t, "true", rec.OxygenTherapy)
	require.NotNil(t, rec.AdmittedAt)
	assert.Equal(t, 2026, rec.AdmittedAt.Year())
	assert.Equal(t, "encounter:A1", rec.Identity())
	assert.JSONEq(t, `{"encounter":"A1"}`, string(rec.RawPayload))
}

func TestRecordMapper_Validation(t *testing.T) {
	m, err := NewRecordMapper("^10A")
	require.NoError(t, err)

	tests := []struct {
		name     string
		fields   map[string]any
		filtered bool
	}{
		{name: "not an object", fields: nil},
		{name: "missing bed", fields: map[string]any{"ward": "10A01"}},
		{name: "missing ward", fields: map[string]any{"bed": "1"}},
		{name: "excluded ward", fields: map[string]any{"bed": "1", "ward": "20B"}, filtered: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Map(entities.RawBedRecord{Fields: tt.fields})
			require.Error(t, err)
			if tt.filtered {
				assert.ErrorIs(t, err, ErrWardFiltered)
			} else {
				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
			}
		})
	}
}

func TestNewRecordMapper_InvalidPattern(t *testing.T) {
	_, err := NewRecordMapper("([")
	assert.Error(t, err)

	m, err := NewRecordMapper("")
	require.NoError(t, err)
	_, err = m.Map(entities.RawBedRecord{Fields: map[string]any{"bed": "1", "ward": "ANY"}})
	assert.NoError(t, err)
}

func TestRawIdentity(t *testing.T) {
	assert.Equal(t, "encounter:E9", RawIdentity(entities.RawBedRecord{Fields: map[string]any{"encounter_code": "E9", "bed": "3"}}))
	assert.Equal(t, "bed:3", RawIdentity(entities.RawBedRecord{Fields: map[string]any{"bed": " 3 "}}))
	assert.Equal(t, "", RawIdentity(entities.RawBedRecord{}))
}
