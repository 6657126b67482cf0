package entities

import (
	"sort"
	"time"
)

// RiskLevel is the coarse clinical urgency of a patient
type RiskLevel string

const (
	RiskLevelRed    RiskLevel = "RED"
	RiskLevelYellow RiskLevel = "YELLOW"
	RiskLevelGreen  RiskLevel = "GREEN"
)

func (l RiskLevel) severity() int {
	switch l {
	case RiskLevelRed:
		return 3
	case RiskLevelYellow:
		return 2
	case RiskLevelGreen:
		return 1
	}
	return 0
}

// QualityCategory buckets the documentation quality score
type QualityCategory string

const (
	QualityExcellent QualityCategory = "excellent"
	QualityGood      QualityCategory = "good"
	QualityFair      QualityCategory = "fair"
	QualityPoor      QualityCategory = "poor"
)

// InsightsSource tells consumers whether insights came from a real analysis.
type InsightsSource string

const (
	InsightsSourceAnalyzed InsightsSource = "analyzed"
	InsightsSourceDefault  InsightsSource = "default"
)

const (
	maxTopAlerts       = 5
	maxDocGaps         = 5
	maxRecommendations = 3
)

// Alert is a single finding from a risk assessment
type Alert struct {
	Level    RiskLevel `json:"level"`
	Category string    `json:"category"`
	Message  string    `json:"message"`
	Action   string    `json:"action,omitempty"`
}

// RiskAssessment is the structured answer returned by the analysis provider
// for one patient.
type RiskAssessment struct {
	Alerts            []Alert  `json:"alerts"`
	DocumentationGaps []string `json:"documentation_gaps"`
	QualityScore      int      `json:"quality_score"`
	Recommendations   []string `json:"recommendations"`
}

// AlertCounts counts alerts per level
type AlertCounts struct {
	Red    int `json:"red"`
	Yellow int `json:"yellow"`
	Green  int `json:"green"`
}

// ClinicalInsights is derived from a RiskAssessment and never edited in place.
type ClinicalInsights struct {
	RiskLevel         RiskLevel       `json:"risk_level"`
	AlertCounts       AlertCounts     `json:"alert_counts"`
	TopAlerts         []Alert         `json:"top_alerts"`
	DocumentationGaps []string        `json:"documentation_gaps"`
	QualityScore      int             `json:"quality_score"`
	QualityCategory   QualityCategory `json:"quality_category"`
	PriorityAction    *string         `json:"priority_action"`
	Recommendations   []string        `json:"recommendations"`
	Source            InsightsSource  `json:"source"`
	DefaultReason     string          `json:"default_reason,omitempty"`
	GeneratedAt       time.Time       `json:"generated_at"`
}

// IsDefault reports whether these are placeholder insights.
func (c *ClinicalInsights) IsDefault() bool {
	return c.Source == InsightsSourceDefault
}

// BuildInsights derives ClinicalInsights from a provider assessment.
func BuildInsights(a RiskAssessment) *ClinicalInsights {
	ins := &ClinicalInsights{
		RiskLevel:         RiskLevelGreen,
		DocumentationGaps: limitStrings(a.DocumentationGaps, maxDocGaps),
		QualityScore:      clampScore(a.QualityScore),
		Recommendations:   limitStrings(a.Recommendations, maxRecommendations),
		Source:            InsightsSourceAnalyzed,
		GeneratedAt:       time.Now().UTC(),
	}
	ins.QualityCategory = CategorizeQuality(ins.QualityScore)

	var firstRed, firstYellow *string
	for i := range a.Alerts {
		alert := a.Alerts[i]
		switch alert.Level {
		case RiskLevelRed:
			ins.AlertCounts.Red++
			if firstRed == nil && alert.Action != "" {
				firstRed = &a.Alerts[i].Action
			}
		case RiskLevelYellow:
			ins.AlertCounts.Yellow++
			if firstYellow == nil && alert.Action != "" {
				firstYellow = &a.Alerts[i].Action
			}
		case RiskLevelGreen:
			ins.AlertCounts.Green++
		}
	}

	switch {
	case ins.AlertCounts.Red > 0:
		ins.RiskLevel = RiskLevelRed
	case ins.AlertCounts.Yellow > 0:
		ins.RiskLevel = RiskLevelYellow
	}

	if firstRed != nil {
		action := *firstRed
		ins.PriorityAction = &action
	} else if firstYellow != nil {
		action := *firstYellow
		ins.PriorityAction = &action
	}

	sorted := make([]Alert, len(a.Alerts))
	copy(sorted, a.Alerts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Level.severity() > sorted[j].Level.severity()
	})
	if len(sorted) > maxTopAlerts {
		sorted = sorted[:maxTopAlerts]
	}
	ins.TopAlerts = sorted

	return ins
}

// DefaultInsights is the degraded result used when analysis could not be
// completed for a record.
func DefaultInsights(reason string) *ClinicalInsights {
	return &ClinicalInsights{
		RiskLevel:   RiskLevelYellow,
		AlertCounts: AlertCounts{Yellow: 1},
		TopAlerts: []Alert{{
			Level:    RiskLevelYellow,
			Category: "system",
			Message:  "Clinical analysis incomplete, review manually",
		}},
		DocumentationGaps: []string{},
		QualityScore:      50,
		QualityCategory:   QualityFair,
		Recommendations:   []string{},
		Source:            InsightsSourceDefault,
		DefaultReason:     reason,
		GeneratedAt:       time.Now().UTC(),
	}
}

// CategorizeQuality maps a 0-100 score onto a category
func CategorizeQuality(score int) QualityCategory {
	switch {
	case score >= 85:
		return QualityExcellent
	case score >= 70:
		return QualityGood
	case score >= 50:
		return QualityFair
	default:
		return QualityPoor
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func limitStrings(in []string, n int) []string {
	out := make([]string, 0, n)
	for _, s := range in {
		if s == "" {
			continue
		}
		if len(out) == n {
			break
		}
		out = append(out, s)
	}
	return out
}
