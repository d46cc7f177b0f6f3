// Package audit records patient-record access. Writes are dispatched
// asynchronously and their failure never reaches the caller.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"clinigate.org/internal/fault"
)

// Action is the kind of access being recorded.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

func (a Action) Valid() bool { return a == ActionRead || a == ActionWrite }

// Entry is one immutable access record.
type Entry struct {
	ID          string    `json:"id"`
	ClinicianID int64     `json:"doctor_id"`
	PatientID   string    `json:"patient_id"`
	Action      Action    `json:"action"`
	Reason      string    `json:"reason"`
	RequestID   string    `json:"request_id,omitempty"`
	OccurredAt  time.Time `json:"timestamp"`
}

var (
	ErrMissingReason    = fault.Sentinel(fault.Validation, "audit: reason is required")
	ErrInvalidAction    = fault.Sentinel(fault.Validation, "audit: action must be read or write")
	ErrMissingClinician = fault.Sentinel(fault.Validation, "audit: clinician id is required")
	ErrMissingPatient   = fault.Sentinel(fault.Validation, "audit: patient id is required")
	ErrClosed           = errors.New("audit: recorder closed")
)

// Validate checks the fields every entry must carry.
func (e Entry) Validate() error {
	switch {
	case e.ClinicianID <= 0:
		return ErrMissingClinician
	case strings.TrimSpace(e.PatientID) == "":
		return ErrMissingPatient
	case !e.Action.Valid():
		return ErrInvalidAction
	case strings.TrimSpace(e.Reason) == "":
		return ErrMissingReason
	}
	return nil
}

// Sink appends entries to durable storage.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// LogRequest is the body accepted by the internal log endpoint.
type LogRequest struct {
	DoctorID  int64  `json:"doctorId"`
	PatientID string `json:"patientId"`
	Action    Action `json:"action"`
	Reason    string `json:"reason"`
}

func (r LogRequest) Entry() Entry {
	return Entry{
		ClinicianID: r.DoctorID,
		PatientID:   strings.TrimSpace(r.PatientID),
		Action:      r.Action,
		Reason:      strings.TrimSpace(r.Reason),
	}
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
