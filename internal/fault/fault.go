// Package fault classifies errors crossing component boundaries.
//
// Components keep their own sentinel errors; fault only attaches a Kind so the
// HTTP layer can choose a status code and message without inspecting text.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories.
type Kind uint8

const (
	Unknown Kind = iota
	Authentication
	Authorization
	Validation
	NotFound
	Conflict
	Persistence
	AuditFailure
)

func (k Kind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case Authorization:
		return "authorization"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Persistence:
		return "persistence"
	case AuditFailure:
		return "audit_failure"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, fault.NotFound) style checks work through Kind values.
func (e *Error) Is(target error) bool {
	var k kindTarget
	if errors.As(target, &k) {
		return e.Kind == Kind(k)
	}
	return false
}

// E wraps err with kind and op. A nil err yields a kind-only error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// New creates a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// KindOf returns the first Kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var kt kindTarget
	if errors.As(err, &kt) {
		return Kind(kt)
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Target returns an error value usable with errors.Is to match a Kind.
func Target(kind Kind) error { return kindTarget(kind) }

// Sentinel builds a package-level sentinel that carries a kind.
// errors.Is(err, sentinel) matches the exact value and fault.KindOf reports kind.
func Sentinel(kind Kind, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }

func (s *sentinel) As(target any) bool {
	if kt, ok := target.(*kindTarget); ok {
		*kt = kindTarget(s.kind)
		return true
	}
	return false
}

type kindTarget Kind

func (k kindTarget) Error() string { return Kind(k).String() }
