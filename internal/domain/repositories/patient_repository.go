package repositories

import (
	"context"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
)

// PatientRepository persists the live patient set and its archive.
// Every method is atomic on its own; callers never need multi-call
// transactions.
type PatientRepository interface {
	// UpsertByEncounterCode creates or updates the live row for record.EncounterCode
	UpsertByEncounterCode(ctx context.Context, record *entities.PatientRecord, insights *entities.ClinicalInsights, contentHash string) (*entities.StoredPatient, error)

	// UpsertByBedCode creates or updates the live row without an encounter at record.BedCode
	UpsertByBedCode(ctx context.Context, record *entities.PatientRecord, insights *entities.ClinicalInsights, contentHash string) (*entities.StoredPatient, error)

	// ArchiveAndRemove appends a history row and deletes the live row
	ArchiveAndRemove(ctx context.Context, id string, reason entities.ArchiveReason, destinationBed string) (*entities.PatientHistory, error)

	// GetAll returns every live patient
	GetAll(ctx context.Context) ([]*entities.StoredPatient, error)

	// FindOccupantOfBed returns the live patient in bed whose encounter differs
	// from excludingEncounterCode, or a NotFound error
	FindOccupantOfBed(ctx context.Context, bedCode, excludingEncounterCode string) (*entities.StoredPatient, error)

	// FindHistoryByEncounterCode returns archive rows for an encounter, newest first
	FindHistoryByEncounterCode(ctx context.Context, encounterCode string) ([]*entities.PatientHistory, error)

	// FindHistoryByBed returns archive rows for a bed, newest first
	FindHistoryByBed(ctx context.Context, bedCode string) ([]*entities.PatientHistory, error)
}

// BaselineRepository stores the sanity-gate baseline
type BaselineRepository interface {
	// GetLatestBaseline returns the most recent baseline, or a NotFound error
	GetLatestBaseline(ctx context.Context) (*entities.SyncBaseline, error)

	// SaveBaseline records a new baseline
	SaveBaseline(ctx context.Context, baseline *entities.SyncBaseline) error
}
