package pg

import (
	"context"
	"database/sql"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/fault"
)

// AuditLog is the database audit sink. Rows are append-only and hold the
// clinician and patient ids without foreign keys.
type AuditLog struct {
	db *sql.DB
}

var _ audit.Sink = (*AuditLog)(nil)

func (a *AuditLog) Append(ctx context.Context, e audit.Entry) error {
	var requestID sql.NullString
	if e.RequestID != "" {
		requestID = sql.NullString{String: e.RequestID, Valid: true}
	}
	_, err := a.db.ExecContext(ctx, `
		insert into audit_logs(id, doctor_id, patient_id, action, reason, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ClinicianID, e.PatientID, string(e.Action), e.Reason, requestID, e.OccurredAt)
	if err != nil {
		return fault.E(fault.AuditFailure, "audit_logs.append", err)
	}
	return nil
}
