package pg

import (
	"context"
	"database/sql"
	"errors"

	"clinigate.org/internal/patient"
)

// Patients implements patient.Store. Clinical lists are jsonb columns with
// SQL null for absent lists.
type Patients struct {
	db *sql.DB
}

var _ patient.Store = (*Patients)(nil)

const patientColumns = `id, name, dob, allergies, medication, diagnoses, last_updated, updated_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (patient.Record, error) {
	var (
		rec       patient.Record
		updatedAt sql.NullTime
		updatedBy sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.DOB, &rec.Allergies, &rec.Medication, &rec.Diagnoses, &updatedAt, &updatedBy); err != nil {
		return patient.Record{}, err
	}
	rec.LastUpdated = timePtr(updatedAt)
	if updatedBy.Valid {
		by := updatedBy.Int64
		rec.UpdatedBy = &by
	}
	return rec, nil
}

func (p *Patients) Get(ctx context.Context, id string) (patient.Record, error) {
	rec, err := scanPatient(p.db.QueryRowContext(ctx, `select `+patientColumns+` from patients where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return patient.Record{}, patient.ErrNotFound
	}
	if err != nil {
		return patient.Record{}, persistence("patients.get", err)
	}
	return rec, nil
}

// Update locks the row, applies u and writes every column back in one
// transaction.
func (p *Patients) Update(ctx context.Context, id string, u patient.Update, s patient.Stamp) (patient.Record, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return patient.Record{}, persistence("patients.update", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanPatient(tx.QueryRowContext(ctx, `select `+patientColumns+` from patients where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return patient.Record{}, patient.ErrNotFound
	}
	if err != nil {
		return patient.Record{}, persistence("patients.update", err)
	}

	next := patient.Apply(current, u, s)
	if _, err := tx.ExecContext(ctx, `
		update patients
		set name = $2, dob = $3, allergies = $4, medication = $5, diagnoses = $6,
		    last_updated = $7, updated_by = $8
		where id = $1
	`, next.ID, next.Name, next.DOB, next.Allergies, next.Medication, next.Diagnoses,
		nullTime(next.LastUpdated), *next.UpdatedBy); err != nil {
		return patient.Record{}, persistence("patients.update", err)
	}
	if err := tx.Commit(); err != nil {
		return patient.Record{}, persistence("patients.update", err)
	}
	return next, nil
}
