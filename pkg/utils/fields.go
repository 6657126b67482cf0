package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// NormalizeValue is the comparison form of a clinical field value.
func NormalizeValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeFields returns a copy of fields with every value normalized.
// Keys are trimmed so " notes" and "notes" are the same field.
func NormalizeFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[strings.TrimSpace(k)] = NormalizeValue(v)
	}
	return out
}

// SortedKeys returns the map's keys in ascending order.
func SortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fingerprint hashes already-normalized fields as sorted name=value lines.
func Fingerprint(fields map[string]string) string {
	h := sha256.New()
	for _, k := range SortedKeys(fields) {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(fields[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DiffFields lists the names whose values differ between two normalized
// field sets, including names present on only one side. Output is sorted.
func DiffFields(previous, current map[string]string) []string {
	seen := make(map[string]struct{}, len(current))
	var changed []string
	for k, v := range current {
		seen[k] = struct{}{}
		if old, ok := previous[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range previous {
		if _, ok := seen[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// NormalizeCode canonicalises bed and ward codes: trimmed, upper case,
// inner whitespace removed.
func NormalizeCode(value string) string {
	return strings.ToUpper(strings.Join(strings.Fields(value), ""))
}

// NormalizeIdentifier converts a string to a normalized identifier
func NormalizeIdentifier(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	lastUnderscore := false
	for _, ch := range trimmed {
		isAlphaNum := (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9')
		if isAlphaNum {
			b.WriteRune(ch)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
