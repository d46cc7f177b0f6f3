package pg

import (
	"context"
	"database/sql"
	"errors"

	"clinigate.org/internal/clinician"
)

// Clinicians implements clinician.Store. Uniqueness of principal_id is the
// clinicians_principal_id_key constraint.
type Clinicians struct {
	db *sql.DB
}

var _ clinician.Store = (*Clinicians)(nil)

func (c *Clinicians) ByPrincipal(ctx context.Context, principalID string) (clinician.Clinician, error) {
	var out clinician.Clinician
	err := c.db.QueryRowContext(ctx, `
		select id, name, email, department, principal_id, created_at
		from clinicians
		where principal_id = $1
	`, principalID).Scan(&out.ID, &out.Name, &out.Email, &out.Department, &out.PrincipalID, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return clinician.Clinician{}, clinician.ErrNotFound
	}
	if err != nil {
		return clinician.Clinician{}, persistence("clinicians.by_principal", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

func (c *Clinicians) Create(ctx context.Context, cl *clinician.Clinician) error {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		insert into clinicians(name, email, department, principal_id, created_at)
		values ($1, $2, $3, $4, $5)
		returning id
	`, cl.Name, cl.Email, cl.Department, cl.PrincipalID, cl.CreatedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return clinician.ErrDuplicate
		}
		return persistence("clinicians.create", err)
	}
	cl.ID = id
	return nil
}
