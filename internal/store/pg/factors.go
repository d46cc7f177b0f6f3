package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinigate.org/internal/mfa"
)

// Factors implements mfa.FactorStore. The mfa_factors_one_verified partial
// unique index allows one verified factor per principal.
type Factors struct {
	db *sql.DB
}

var _ mfa.FactorStore = (*Factors)(nil)

const factorColumns = `id, principal_id, factor_type, status, friendly_name, secret, created_at, updated_at, last_challenged_at`

func scanFactor(row rowScanner) (mfa.Factor, error) {
	var (
		f          mfa.Factor
		challenged sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.PrincipalID, &f.Kind, &f.Status, &f.FriendlyName, &f.Secret, &f.CreatedAt, &f.UpdatedAt, &challenged); err != nil {
		return mfa.Factor{}, err
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	f.LastChallengedAt = timePtr(challenged)
	return f, nil
}

func (s *Factors) Create(ctx context.Context, f mfa.Factor) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_factors(id, principal_id, factor_type, status, friendly_name, secret, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, f.ID, f.PrincipalID, string(f.Kind), string(f.Status), f.FriendlyName, f.Secret, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return mfa.ErrAlreadyEnrolled
		}
		return persistence("factors.create", err)
	}
	return nil
}

func (s *Factors) Get(ctx context.Context, id string) (mfa.Factor, error) {
	f, err := scanFactor(s.db.QueryRowContext(ctx, `select `+factorColumns+` from mfa_factors where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return mfa.Factor{}, mfa.ErrFactorNotFound
	}
	if err != nil {
		return mfa.Factor{}, persistence("factors.get", err)
	}
	return f, nil
}

func (s *Factors) ListByPrincipal(ctx context.Context, principalID string) ([]mfa.Factor, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+factorColumns+`
		from mfa_factors
		where principal_id = $1
		order by created_at asc, id asc
	`, principalID)
	if err != nil {
		return nil, persistence("factors.list", err)
	}
	defer rows.Close()

	var out []mfa.Factor
	for rows.Next() {
		f, err := scanFactor(rows)
		if err != nil {
			return nil, persistence("factors.list", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("factors.list", err)
	}
	return out, nil
}

func (s *Factors) MarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update mfa_factors
		set status = 'verified', updated_at = $2
		where id = $1 and status = 'pending'
	`, id, at)
	if err != nil {
		if isUniqueViolation(err) {
			return false, mfa.ErrAlreadyEnrolled
		}
		return false, persistence("factors.mark_verified", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistence("factors.mark_verified", err)
	}
	if n == 1 {
		return true, nil
	}
	// Nothing pending: either already verified or gone.
	var status string
	err = s.db.QueryRowContext(ctx, `select status from mfa_factors where id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, mfa.ErrFactorNotFound
	}
	if err != nil {
		return false, persistence("factors.mark_verified", err)
	}
	return false, nil
}

func (s *Factors) TouchChallenged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update mfa_factors set last_challenged_at = $2, updated_at = $2 where id = $1
	`, id, at)
	if err != nil {
		return persistence("factors.touch", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mfa.ErrFactorNotFound
	}
	return nil
}

func (s *Factors) DiscardPending(ctx context.Context, principalID, keep string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from mfa_factors
		where principal_id = $1 and status = 'pending' and id <> $2
	`, principalID, keep)
	if err != nil {
		return 0, persistence("factors.discard_pending", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistence("factors.discard_pending", err)
	}
	return int(n), nil
}
