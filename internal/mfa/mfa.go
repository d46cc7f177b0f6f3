// Package mfa implements TOTP second-factor enrollment and challenge
// verification for authenticated principals.
package mfa

import (
	"context"
	"time"

	"clinigate.org/internal/fault"
)

// FactorKind enumerates supported second factors.
type FactorKind string

const KindTOTP FactorKind = "totp"

// FactorStatus is the enrollment state of a factor.
type FactorStatus string

const (
	StatusPending  FactorStatus = "pending"
	StatusVerified FactorStatus = "verified"
)

// Factor is an enrolled (or enrolling) second factor. Secret is kept in its
// sealed form and never serialized.
type Factor struct {
	ID               string       `json:"id"`
	PrincipalID      string       `json:"-"`
	Kind             FactorKind   `json:"factor_type"`
	Status           FactorStatus `json:"status"`
	FriendlyName     string       `json:"friendly_name"`
	Secret           string       `json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	LastChallengedAt *time.Time   `json:"last_challenged_at,omitempty"`
}

func (f Factor) Verified() bool { return f.Status == StatusVerified }

// Challenge is a single verification attempt. It is consumed exactly once.
type Challenge struct {
	ID          string    `json:"challenge_id"`
	FactorID    string    `json:"factor_id"`
	PrincipalID string    `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Enrollment is what a client needs to register the factor in an
// authenticator app.
type Enrollment struct {
	FactorID string `json:"factor_id"`
	Secret   string `json:"secret"`
	URI      string `json:"uri"`
	QRCode   string `json:"qr_code"`
}

// Outcome of a verification attempt.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
)

type Result struct {
	ChallengeID       string  `json:"challenge_id"`
	FactorID          string  `json:"factor_id"`
	Outcome           Outcome `json:"outcome"`
	FirstVerification bool    `json:"first_verification"`
	State             State   `json:"state"`
}

// State is the principal-level MFA state.
type State string

const (
	StateUnenrolled           State = "unenrolled"
	StateEnrolling            State = "enrolling"
	StateAwaitingVerification State = "awaiting_verification"
	StateActive               State = "active"
)

// Route tells a freshly authenticated caller where to go next.
type Route string

const (
	RouteEnroll    Route = "enroll"
	RouteChallenge Route = "challenge"
)

var (
	ErrAlreadyEnrolled   = fault.Sentinel(fault.Conflict, "mfa: principal already has a verified factor")
	ErrFactorNotFound    = fault.Sentinel(fault.NotFound, "mfa: factor not found")
	ErrChallengeNotFound = fault.Sentinel(fault.NotFound, "mfa: challenge not found or already used")
	ErrCodeRejected      = fault.Sentinel(fault.Authentication, "mfa: invalid code")
	ErrLockedOut         = fault.Sentinel(fault.Authentication, "mfa: too many failed attempts")
	ErrMalformedCode     = fault.Sentinel(fault.Validation, "mfa: code must be 6 digits")
	ErrNoPrincipal       = fault.Sentinel(fault.Validation, "mfa: principal id is required")
)

// FactorStore persists factors.
type FactorStore interface {
	Create(ctx context.Context, f Factor) error
	Get(ctx context.Context, id string) (Factor, error)
	// ListByPrincipal returns factors oldest first.
	ListByPrincipal(ctx context.Context, principalID string) ([]Factor, error)
	// MarkVerified transitions a pending factor. It reports false when the
	// factor was already verified and ErrAlreadyEnrolled when another factor
	// of the principal is.
	MarkVerified(ctx context.Context, id string, at time.Time) (bool, error)
	TouchChallenged(ctx context.Context, id string, at time.Time) error
	// DiscardPending removes the principal's pending factors except keep.
	DiscardPending(ctx context.Context, principalID, keep string) (int, error)
}

// ChallengeStore holds outstanding challenges until expiry.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge) error
	// Put rejects a challenge that is already expired with ErrChallengeNotFound.
	// Take removes and returns the challenge. Missing, expired and already
	// taken challenges all report ErrChallengeNotFound.
	Take(ctx context.Context, id string) (Challenge, error)
}

// FailureCounter counts verification attempts inside a fixed window.
// Incr must be atomic across replicas; Decr never goes below zero.
type FailureCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int, error)
	Decr(ctx context.Context, key string) error
	Count(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}
