package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFields(t *testing.T) {
	got := NormalizeFields(map[string]string{" diagnosis ": "  Pneumonia ", "notes": "NPO"})
	assert.Equal(t, map[string]string{"diagnosis": "pneumonia", "notes": "npo"}, got)
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := map[string]string{"diagnosis": "x", "mobility": "bed rest"}
	b := map[string]string{"mobility": "bed rest", "diagnosis": "x"}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 64)

	b["mobility"] = "walking"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SeparatesNameAndValue(t *testing.T) {
	a := map[string]string{"ab": "c"}
	b := map[string]string{"a": "bc"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestDiffFields(t *testing.T) {
	prev := map[string]string{"diagnosis": "x", "notes": "a", "devices": "cvc"}
	cur := map[string]string{"diagnosis": "x", "notes": "b", "allergies": "pcn"}
	assert.Equal(t, []string{"allergies", "devices", "notes"}, DiffFields(prev, cur))
	assert.Empty(t, DiffFields(cur, cur))
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "10A01", NormalizeCode(" 10a 01 "))
	assert.Equal(t, "", NormalizeCode("   "))
}

func TestNormalizeIdentifier(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"Bed Transfer", "bed_transfer"},
		{"  stale--record ", "stale_record"},
		{"", ""},
		{"ICU/2", "icu_2"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, NormalizeIdentifier(tc.input))
	}
}
