package auth

import (
	"errors"

	"clinigate.org/internal/fault"
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = fault.Sentinel(fault.Authentication, "invalid token")
	// ErrUnauthenticated means no session was presented.
	ErrUnauthenticated = fault.Sentinel(fault.Authentication, "authentication required")
	// ErrMFARequired means the session has not completed the second factor.
	ErrMFARequired = fault.Sentinel(fault.Authorization, "second factor verification required")
	// ErrNoClinician means the session is not bound to a clinician identity.
	ErrNoClinician = fault.Sentinel(fault.Authorization, "session has no clinician identity")
)
