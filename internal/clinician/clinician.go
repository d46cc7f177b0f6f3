// Package clinician binds authenticated principals to internal clinician
// identities.
package clinician

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinigate.org/internal/fault"
)

const (
	DefaultDepartment = "General Medicine"
	defaultLocalPart  = "Doctor"
)

var (
	ErrNotFound    = fault.Sentinel(fault.NotFound, "clinician not found")
	ErrDuplicate   = fault.Sentinel(fault.Conflict, "clinician already exists for principal")
	ErrNoPrincipal = fault.Sentinel(fault.Validation, "principal id is required")
)

type Clinician struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Department  string    `json:"department"`
	PrincipalID string    `json:"principal_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists clinicians. The principal id is unique; Create reports a
// uniqueness violation as ErrDuplicate and leaves c untouched.
type Store interface {
	ByPrincipal(ctx context.Context, principalID string) (Clinician, error)
	Create(ctx context.Context, c *Clinician) error
}

// Principal is the subset of an authenticated identity needed here.
type Principal struct {
	ID    string
	Email string
}

// DefaultName derives "Dr. <local-part>" from an email address.
func DefaultName(email string) string {
	local := strings.TrimSpace(email)
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	if local == "" {
		local = defaultLocalPart
	}
	return "Dr. " + local
}

type Provisioner struct {
	store      Store
	department string
	now        func() time.Time
}

type Option func(*Provisioner)

func WithDepartment(d string) Option {
	return func(p *Provisioner) {
		if strings.TrimSpace(d) != "" {
			p.department = strings.TrimSpace(d)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProvisioner(store Store, opts ...Option) *Provisioner {
	p := &Provisioner{store: store, department: DefaultDepartment, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResolveOrCreate returns the clinician bound to principal, creating it on
// first sight. A concurrent creator winning the insert is not an error: the
// row it wrote is fetched and returned.
func (p *Provisioner) ResolveOrCreate(ctx context.Context, pr Principal) (Clinician, error) {
	if strings.TrimSpace(pr.ID) == "" {
		return Clinician{}, ErrNoPrincipal
	}
	c, err := p.store.ByPrincipal(ctx, pr.ID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Clinician{}, fmt.Errorf("lookup clinician: %w", err)
	}

	c = Clinician{
		Name:        DefaultName(pr.Email),
		Email:       strings.TrimSpace(pr.Email),
		Department:  p.department,
		PrincipalID: pr.ID,
		CreatedAt:   p.now().UTC(),
	}
	switch err := p.store.Create(ctx, &c); {
	case err == nil:
		return c, nil
	case errors.Is(err, ErrDuplicate):
		existing, err := p.store.ByPrincipal(ctx, pr.ID)
		if err != nil {
			return Clinician{}, fmt.Errorf("refetch clinician: %w", err)
		}
		return existing, nil
	default:
		return Clinician{}, fmt.Errorf("create clinician: %w", err)
	}
}
