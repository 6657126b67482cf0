package database

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/repositories"
	"github.com/zatekoja/wardwatch/internal/infrastructure/clients/sqldb"
	apperrors "github.com/zatekoja/wardwatch/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

const (
	patientsTable  = "patients"
	historyTable   = "patient_history"
	baselinesTable = "sync_baselines"
)

var patientColumns = []any{
	"id", "encounter_code", "bed_code", "ward_code", "patient_code", "full_name", "admitted_at",
	"diagnosis", "secondary_diagnoses", "allergies", "mobility", "devices", "antibiotics",
	"notes", "risk_scale", "oxygen_therapy", "saturation", "isolation", "diet", "pain_score",
	"raw_payload", "insights", "content_hash", "synced_at", "created_at", "updated_at",
}

var historyColumns = []any{
	"id", "patient_id", "encounter_code", "bed_code", "ward_code",
	"reason", "destination_bed", "snapshot", "archived_at",
}

var (
	_ repositories.PatientRepository  = (*PatientAdapter)(nil)
	_ repositories.BaselineRepository = (*PatientAdapter)(nil)
)

// PatientAdapter implements PatientRepository and BaselineRepository on top
// of goqu. It speaks both the postgres and sqlite3 dialects.
type PatientAdapter struct {
	client *sqldb.Client
	db     *goqu.Database
	now    func() time.Time
}

// NewPatientAdapter creates a new patient adapter
func NewPatientAdapter(client *sqldb.Client) *PatientAdapter {
	return &PatientAdapter{
		client: client,
		db:     goqu.New(client.Dialect(), client.DB()),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnsureSchema creates the tables and indexes when they do not exist yet
func (a *PatientAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := a.client.DB().ExecContext(ctx, stmt); err != nil {
			return apperrors.NewInternalError("failed to apply schema", err)
		}
	}
	return nil
}

// UpsertByEncounterCode creates or updates the live row for the record's encounter
func (a *PatientAdapter) UpsertByEncounterCode(ctx context.Context, record *entities.PatientRecord, insights *entities.ClinicalInsights, contentHash string) (*entities.StoredPatient, error) {
	if record == nil || record.EncounterCode == "" {
		return nil, apperrors.NewValidationError("encounter code is required")
	}
	return a.upsert(ctx, goqu.Ex{"encounter_code": record.EncounterCode}, record, insights, contentHash)
}

// UpsertByBedCode creates or updates the encounter-less live row at the record's bed
func (a *PatientAdapter) UpsertByBedCode(ctx context.Context, record *entities.PatientRecord, insights *entities.ClinicalInsights, contentHash string) (*entities.StoredPatient, error) {
	if record == nil || record.BedCode == "" {
		return nil, apperrors.NewValidationError("bed code is required")
	}
	return a.upsert(ctx, goqu.Ex{"bed_code": record.BedCode, "encounter_code": nil}, record, insights, contentHash)
}

func (a *PatientAdapter) upsert(ctx context.Context, key goqu.Ex, record *entities.PatientRecord, insights *entities.ClinicalInsights, contentHash string) (*entities.StoredPatient, error) {
	values, err := patientValues(record, insights, contentHash)
	if err != nil {
		return nil, err
	}

	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query, args, err := a.db.From(patientsTable).Prepared(true).
		Select("id", "created_at").
		Where(key).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build lookup query", err)
	}

	var (
		id        string
		createdAt dbTime
	)
	now := a.now()
	values["updated_at"] = now

	err = tx.QueryRowContext(ctx, query, args...).Scan(&id, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		createdAt = dbTime{Time: now, Valid: true}
		values["id"] = id
		values["created_at"] = now
		query, args, err = a.db.Insert(patientsTable).Prepared(true).Rows(values).ToSQL()
	case err != nil:
		return nil, apperrors.NewInternalError("failed to look up patient", err)
	default:
		query, args, err = a.db.Update(patientsTable).Prepared(true).
			Set(values).
			Where(goqu.Ex{"id": id}).
			ToSQL()
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build upsert query", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.NewConflictError(fmt.Sprintf("bed %s is already occupied", record.BedCode))
		}
		return nil, apperrors.NewInternalError("failed to upsert patient", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewInternalError("failed to commit upsert", err)
	}

	stored := &entities.StoredPatient{
		PatientRecord: *record,
		Insights:      insights,
		ContentHash:   contentHash,
		CreatedAt:     createdAt.Time,
		UpdatedAt:     now,
	}
	stored.ID = id
	return stored, nil
}

// ArchiveAndRemove snapshots the live row into patient_history and deletes it
func (a *PatientAdapter) ArchiveAndRemove(ctx context.Context, id string, reason entities.ArchiveReason, destinationBed string) (*entities.PatientHistory, error) {
	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query, args, err := a.db.From(patientsTable).Prepared(true).
		Select(patientColumns...).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	patient, err := scanPatient(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("patient with id %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get patient", err)
	}

	snapshot, err := json.Marshal(patient)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to snapshot patient", err)
	}

	history := &entities.PatientHistory{
		ID:             uuid.NewString(),
		PatientID:      patient.ID,
		EncounterCode:  patient.EncounterCode,
		BedCode:        patient.BedCode,
		WardCode:       patient.WardCode,
		Reason:         reason,
		DestinationBed: destinationBed,
		Snapshot:       snapshot,
		ArchivedAt:     a.now(),
	}

	query, args, err = a.db.Insert(historyTable).Prepared(true).Rows(goqu.Record{
		"id":              history.ID,
		"patient_id":      history.PatientID,
		"encounter_code":  nullString(history.EncounterCode),
		"bed_code":        history.BedCode,
		"ward_code":       history.WardCode,
		"reason":          string(history.Reason),
		"destination_bed": nullString(history.DestinationBed),
		"snapshot":        string(history.Snapshot),
		"archived_at":     history.ArchivedAt,
	}).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build history insert", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to archive patient", err)
	}

	query, args, err = a.db.Delete(patientsTable).Prepared(true).Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build delete query", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to remove patient", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewInternalError("failed to commit archive", err)
	}
	return history, nil
}

// GetAll returns every live patient ordered by ward and bed
func (a *PatientAdapter) GetAll(ctx context.Context) ([]*entities.StoredPatient, error) {
	query, args, err := a.db.From(patientsTable).Prepared(true).
		Select(patientColumns...).
		Order(goqu.I("ward_code").Asc(), goqu.I("bed_code").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build list query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list patients", err)
	}
	defer rows.Close()

	patients := make([]*entities.StoredPatient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan patient", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate patients", err)
	}
	return patients, nil
}

// FindOccupantOfBed returns the live patient at bedCode whose encounter code
// differs from excludingEncounterCode. An empty exclusion matches occupants
// that do have an encounter code.
func (a *PatientAdapter) FindOccupantOfBed(ctx context.Context, bedCode, excludingEncounterCode string) (*entities.StoredPatient, error) {
	query, args, err := a.db.From(patientsTable).Prepared(true).
		Select(patientColumns...).
		Where(
			goqu.C("bed_code").Eq(bedCode),
			goqu.COALESCE(goqu.C("encounter_code"), "").Neq(excludingEncounterCode),
		).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build occupant query", err)
	}

	patient, err := scanPatient(a.client.DB().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("bed %s has no other occupant", bedCode))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to find bed occupant", err)
	}
	return patient, nil
}

// FindHistoryByEncounterCode returns archive rows for an encounter, newest first
func (a *PatientAdapter) FindHistoryByEncounterCode(ctx context.Context, encounterCode string) ([]*entities.PatientHistory, error) {
	return a.findHistory(ctx, goqu.Ex{"encounter_code": encounterCode})
}

// FindHistoryByBed returns archive rows for a bed, newest first
func (a *PatientAdapter) FindHistoryByBed(ctx context.Context, bedCode string) ([]*entities.PatientHistory, error) {
	return a.findHistory(ctx, goqu.Ex{"bed_code": bedCode})
}

func (a *PatientAdapter) findHistory(ctx context.Context, where goqu.Ex) ([]*entities.PatientHistory, error) {
	query, args, err := a.db.From(historyTable).Prepared(true).
		Select(historyColumns...).
		Where(where).
		Order(goqu.I("archived_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build history query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query history", err)
	}
	defer rows.Close()

	history := make([]*entities.PatientHistory, 0)
	for rows.Next() {
		var (
			h           entities.PatientHistory
			encounter   sql.NullString
			destination sql.NullString
			reason      string
			snapshot    string
			archivedAt  dbTime
		)
		if err := rows.Scan(&h.ID, &h.PatientID, &encounter, &h.BedCode, &h.WardCode,
			&reason, &destination, &snapshot, &archivedAt); err != nil {
			return nil, apperrors.NewInternalError("failed to scan history", err)
		}
		h.EncounterCode = encounter.String
		h.DestinationBed = destination.String
		h.Reason = entities.ArchiveReason(reason)
		h.Snapshot = json.RawMessage(snapshot)
		h.ArchivedAt = archivedAt.Time
		history = append(history, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate history", err)
	}
	return history, nil
}

// GetLatestBaseline returns the most recent sanity-gate baseline
func (a *PatientAdapter) GetLatestBaseline(ctx context.Context) (*entities.SyncBaseline, error) {
	query, args, err := a.db.From(baselinesTable).Prepared(true).
		Select("total", "per_ward", "recorded_at").
		Order(goqu.I("recorded_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build baseline query", err)
	}

	var (
		baseline   entities.SyncBaseline
		perWard    string
		recordedAt dbTime
	)
	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(&baseline.Total, &perWard, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("no sync baseline recorded")
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get baseline", err)
	}
	if err := json.Unmarshal([]byte(perWard), &baseline.PerWard); err != nil {
		return nil, apperrors.NewInternalError("failed to decode baseline wards", err)
	}
	baseline.RecordedAt = recordedAt.Time
	return &baseline, nil
}

// SaveBaseline records a new baseline
func (a *PatientAdapter) SaveBaseline(ctx context.Context, baseline *entities.SyncBaseline) error {
	if baseline == nil {
		return apperrors.NewValidationError("baseline is required")
	}
	perWard, err := json.Marshal(baseline.PerWard)
	if err != nil {
		return apperrors.NewInternalError("failed to encode baseline wards", err)
	}
	recordedAt := baseline.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = a.now()
	}

	query, args, err := a.db.Insert(baselinesTable).Prepared(true).Rows(goqu.Record{
		"id":          uuid.NewString(),
		"total":       baseline.Total,
		"per_ward":    string(perWard),
		"recorded_at": recordedAt.UTC(),
	}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build baseline insert", err)
	}
	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to save baseline", err)
	}
	return nil
}

func patientValues(record *entities.PatientRecord, insights *entities.ClinicalInsights, contentHash string) (goqu.Record, error) {
	var insightsJSON sql.NullString
	if insights != nil {
		b, err := json.Marshal(insights)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode insights", err)
		}
		insightsJSON = sql.NullString{String: string(b), Valid: true}
	}

	var admittedAt sql.NullTime
	if record.AdmittedAt != nil {
		admittedAt = sql.NullTime{Time: record.AdmittedAt.UTC(), Valid: true}
	}

	syncedAt := record.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	return goqu.Record{
		"encounter_code":      nullString(record.EncounterCode),
		"bed_code":            record.BedCode,
		"ward_code":           record.WardCode,
		"patient_code":        nullString(record.PatientCode),
		"full_name":           nullString(record.FullName),
		"admitted_at":         admittedAt,
		"diagnosis":           record.Diagnosis,
		"secondary_diagnoses": record.SecondaryDiagnoses,
		"allergies":           record.Allergies,
		"mobility":            record.Mobility,
		"devices":             record.Devices,
		"antibiotics":         record.Antibiotics,
		"notes":               record.Notes,
		"risk_scale":          record.RiskScale,
		"oxygen_therapy":      record.OxygenTherapy,
		"saturation":          record.Saturation,
		"isolation":           record.Isolation,
		"diet":                record.Diet,
		"pain_score":          record.PainScore,
		"raw_payload":         nullString(string(record.RawPayload)),
		"insights":            insightsJSON,
		"content_hash":        contentHash,
		"synced_at":           syncedAt.UTC(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (*entities.StoredPatient, error) {
	var (
		p                                  entities.StoredPatient
		encounter, patientCode, fullName   sql.NullString
		rawPayload, insights               sql.NullString
		admittedAt, syncedAt, created, upd dbTime
	)
	err := row.Scan(
		&p.ID, &encounter, &p.BedCode, &p.WardCode, &patientCode, &fullName, &admittedAt,
		&p.Diagnosis, &p.SecondaryDiagnoses, &p.Allergies, &p.Mobility, &p.Devices, &p.Antibiotics,
		&p.Notes, &p.RiskScale, &p.OxygenTherapy, &p.Saturation, &p.Isolation, &p.Diet, &p.PainScore,
		&rawPayload, &insights, &p.ContentHash, &syncedAt, &created, &upd,
	)
	if err != nil {
		return nil, err
	}

	p.EncounterCode = encounter.String
	p.PatientCode = patientCode.String
	p.FullName = fullName.String
	if admittedAt.Valid {
		t := admittedAt.Time
		p.AdmittedAt = &t
	}
	if rawPayload.Valid && rawPayload.String != "" {
		p.RawPayload = json.RawMessage(rawPayload.String)
	}
	if insights.Valid && insights.String != "" {
		var ins entities.ClinicalInsights
		if err := json.Unmarshal([]byte(insights.String), &ins); err != nil {
			return nil, fmt.Errorf("decode insights for %s: %w", p.ID, err)
		}
		p.Insights = &ins
	}
	p.SyncedAt = syncedAt.Time
	p.CreatedAt = created.Time
	p.UpdatedAt = upd.Time
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
