// Package idp verifies credentials against an identity provider and maps
// provider failures onto a fixed set of user-facing categories.
package idp

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"clinigate.org/internal/fault"
)

// Principal is an authenticated identity issued by the provider.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Category is the closed set of authentication failure causes.
type Category uint8

const (
	CategoryOther Category = iota
	CategoryInvalidCredentials
	CategoryEmailNotConfirmed
	CategoryRateLimited
)

func (c Category) String() string {
	switch c {
	case CategoryInvalidCredentials:
		return "invalid_credentials"
	case CategoryEmailNotConfirmed:
		return "email_not_confirmed"
	case CategoryRateLimited:
		return "rate_limited"
	default:
		return "other"
	}
}

// Message is the only text shown to users for the category.
func (c Category) Message() string {
	switch c {
	case CategoryInvalidCredentials:
		return "Invalid email or password."
	case CategoryEmailNotConfirmed:
		return "Please confirm your email address before signing in."
	case CategoryRateLimited:
		return "Too many attempts. Please wait a moment and try again."
	default:
		return "Sign-in failed. Please try again or contact support."
	}
}

// AuthenticationError is the error returned for every failed sign-in.
// Error never includes provider text; Err keeps it for logs.
type AuthenticationError struct {
	Category Category
	Err      error
}

func (e *AuthenticationError) Error() string { return e.Category.Message() }

func (e *AuthenticationError) Unwrap() error {
	return fault.E(fault.Authentication, "idp."+e.Category.String(), e.Err)
}

func authError(c Category, err error) error {
	return &AuthenticationError{Category: c, Err: err}
}

// CategoryOf extracts the category from err, CategoryOther when err is not
// an AuthenticationError.
func CategoryOf(err error) Category {
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return CategoryOther
}

// SignUpResult describes a freshly registered principal.
type SignUpResult struct {
	Principal            Principal `json:"principal"`
	ConfirmationRequired bool      `json:"confirmation_required"`
}

// Provider is an identity backend. SignIn failures must already be
// AuthenticationErrors.
type Provider interface {
	SignIn(ctx context.Context, c Credentials) (Principal, error)
	SignUp(ctx context.Context, c Credentials) (SignUpResult, error)
}

const MinPasswordLength = 6

var (
	ErrInvalidEmail      = fault.Sentinel(fault.Validation, "email address is invalid")
	ErrWeakPassword      = fault.Sentinel(fault.Validation, "password must be at least 6 characters")
	ErrAlreadyRegistered = fault.Sentinel(fault.Conflict, "email already registered")
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" || !strings.Contains(email, "@") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
