package providers

import (
	"context"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
)

// AnalysisProvider turns patient records into structured risk assessments
type AnalysisProvider interface {
	// AnalyzePatient assesses a single record
	AnalyzePatient(ctx context.Context, record *entities.PatientRecord) (*entities.RiskAssessment, error)

	// AnalyzePatients assesses a batch in one call. The result has the same
	// length and order as the input, or an error is returned.
	AnalyzePatients(ctx context.Context, records []*entities.PatientRecord) ([]entities.RiskAssessment, error)
}
