// Package gateway is the reason-gated read/write facade over patient
// records. Every successful operation requests one audit entry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/clinician"
	"clinigate.org/internal/fault"
	"clinigate.org/internal/patient"
)

var (
	ErrReasonRequired    = fault.Sentinel(fault.Validation, "a reason is required to access patient records")
	ErrClinicianRequired = fault.Sentinel(fault.Validation, "a resolved clinician is required")
	ErrEmptyUpdate       = fault.Sentinel(fault.Validation, "update has no fields")
)

// Auditor is the subset of audit.Recorder used here.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) *audit.Task
}

// Result carries the record and the dispatched audit write.
type Result struct {
	Record patient.Record
	Audit  *audit.Task
}

type Gateway struct {
	records patient.Store
	auditor Auditor
	now     func() time.Time
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func New(records patient.Store, auditor Auditor, opts ...Option) *Gateway {
	g := &Gateway{records: records, auditor: auditor, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Read fetches a record on behalf of c.
func (g *Gateway) Read(ctx context.Context, patientID, reason string, c clinician.Clinician) (Result, error) {
	id, reason, err := checkRequest(patientID, reason, c)
	if err != nil {
		return Result{}, err
	}
	rec, err := g.records.Get(ctx, id)
	if err != nil {
		return Result{}, classify("gateway.read", err)
	}
	task := g.auditor.Record(ctx, audit.Entry{
		ClinicianID: c.ID,
		PatientID:   rec.ID,
		Action:      audit.ActionRead,
		Reason:      reason,
	})
	return Result{Record: rec, Audit: task}, nil
}

// Write applies u on behalf of c, stamping last_updated and updated_by in
// the same store call.
func (g *Gateway) Write(ctx context.Context, patientID string, u patient.Update, reason string, c clinician.Clinician) (Result, error) {
	id, reason, err := checkRequest(patientID, reason, c)
	if err != nil {
		return Result{}, err
	}
	if u.IsEmpty() {
		return Result{}, ErrEmptyUpdate
	}
	rec, err := g.records.Update(ctx, id, u, patient.Stamp{At: g.now(), By: c.ID})
	if err != nil {
		return Result{}, classify("gateway.write", err)
	}
	task := g.auditor.Record(ctx, audit.Entry{
		ClinicianID: c.ID,
		PatientID:   rec.ID,
		Action:      audit.ActionWrite,
		Reason:      reason,
	})
	return Result{Record: rec, Audit: task}, nil
}

func checkRequest(patientID, reason string, c clinician.Clinician) (string, string, error) {
	if c.ID <= 0 {
		return "", "", ErrClinicianRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", "", ErrReasonRequired
	}
	id, err := patient.NormalizeID(patientID)
	if err != nil {
		return "", "", err
	}
	return id, reason, nil
}

// classify keeps not-found as is and reports anything unclassified as a
// persistence failure.
func classify(op string, err error) error {
	if errors.Is(err, patient.ErrNotFound) {
		return err
	}
	if fault.KindOf(err) != fault.Unknown {
		return err
	}
	return fault.E(fault.Persistence, op, fmt.Errorf("record store: %w", err))
}
