// Package auth issues and validates session tokens. A session records the
// authenticated principal, its clinician identity and whether the second
// factor was completed.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer = "clinigate"
	defaultTTL    = 30 * time.Minute
	clockSkew     = 5 * time.Second
)

// Assurance is the authenticator assurance level of a session.
type Assurance string

const (
	// AAL1 sessions passed password verification only.
	AAL1 Assurance = "aal1"
	// AAL2 sessions also completed a TOTP challenge.
	AAL2 Assurance = "aal2"
)

func (a Assurance) valid() bool { return a == AAL1 || a == AAL2 }

// Session is the verified content of a token.
type Session struct {
	ID          string
	PrincipalID string
	Email       string
	ClinicianID int64
	Assurance   Assurance
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// MFAComplete reports whether the session passed the second factor.
func (s Session) MFAComplete() bool { return s.Assurance == AAL2 }

// Claims represents JWT claims used across the service.
type Claims struct {
	Email       string `json:"email"`
	ClinicianID int64  `json:"cid"`
	AAL         string `json:"aal"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Issuer behavior.
type Option func(*Issuer) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(iss string) Option {
	return func(i *Issuer) error {
		if iss = strings.TrimSpace(iss); iss != "" {
			i.issuer = iss
		}
		return nil
	}
}

// WithTTL configures session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) error {
		if ttl < 0 {
			return errors.New("auth: ttl must not be negative")
		}
		if ttl > 0 {
			i.ttl = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewIssuer builds an Issuer around secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	i := &Issuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// Issue signs a token for s. ID, IssuedAt and ExpiresAt are assigned here.
func (i *Issuer) Issue(s Session) (string, Session, error) {
	if strings.TrimSpace(s.PrincipalID) == "" {
		return "", Session{}, errors.New("auth: principal id is required")
	}
	if !s.Assurance.valid() {
		return "", Session{}, fmt.Errorf("auth: unknown assurance level %q", s.Assurance)
	}
	now := i.now().UTC().Truncate(time.Second)
	s.ID = uuid.NewString()
	s.IssuedAt = now
	s.ExpiresAt = now.Add(i.ttl)

	claims := Claims{
		Email:       s.Email,
		ClinicianID: s.ClinicianID,
		AAL:         string(s.Assurance),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   s.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
			ID:        s.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, s, nil
}

// Upgrade re-issues s at a new assurance level with a fresh lifetime.
func (i *Issuer) Upgrade(s Session, level Assurance, clinicianID int64) (string, Session, error) {
	s.Assurance = level
	if clinicianID != 0 {
		s.ClinicianID = clinicianID
	}
	return i.Issue(s)
}

// Parse verifies the token signature and required claims.
func (i *Issuer) Parse(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithLeeway(clockSkew))
	if err != nil {
		return Session{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	if err := i.validateClaims(claims); err != nil {
		return Session{}, ErrInvalidToken
	}
	return Session{
		ID:          claims.ID,
		PrincipalID: claims.Subject,
		Email:       claims.Email,
		ClinicianID: claims.ClinicianID,
		Assurance:   Assurance(claims.AAL),
		IssuedAt:    claims.IssuedAt.Time.UTC(),
		ExpiresAt:   claims.ExpiresAt.Time.UTC(),
	}, nil
}

func (i *Issuer) validateClaims(claims *Claims) error {
	if claims.Issuer != i.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if !Assurance(claims.AAL).valid() {
		return errors.New("assurance level missing")
	}
	now := i.now().UTC()
	if claims.IssuedAt.Time.After(now.Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
