// Package patient models patient records and their partial updates.
package patient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"clinigate.org/internal/fault"
)

var (
	ErrNotFound  = fault.Sentinel(fault.NotFound, "patient not found")
	ErrInvalidID = fault.Sentinel(fault.Validation, "patient id is required")
)

// Record is a patient record. LastUpdated and UpdatedBy are set together,
// only through Apply.
type Record struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	DOB         Date         `json:"dob"`
	Allergies   ClinicalList `json:"allergies"`
	Medication  ClinicalList `json:"medication"`
	Diagnoses   ClinicalList `json:"diagnoses"`
	LastUpdated *time.Time   `json:"last_updated"`
	UpdatedBy   *int64       `json:"updated_by"`
}

// Stamp identifies who changed a record and when.
type Stamp struct {
	At time.Time
	By int64
}

// Store is the record repository used by the gateway.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	// Update applies u and s in one atomic step and returns the stored record.
	Update(ctx context.Context, id string, u Update, s Stamp) (Record, error)
}

// NormalizeID trims and upper-cases a government identity number.
func NormalizeID(id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return "", ErrInvalidID
	}
	return id, nil
}

// Update is a partial change. Nil fields are left untouched; a non-nil
// absent list clears the field.
type Update struct {
	Name       *string
	DOB        *Date
	Allergies  *ClinicalList
	Medication *ClinicalList
	Diagnoses  *ClinicalList
}

func (u Update) IsEmpty() bool {
	return u.Name == nil && u.DOB == nil && u.Allergies == nil && u.Medication == nil && u.Diagnoses == nil
}

// Fields lists the JSON names of the fields u changes, sorted.
func (u Update) Fields() []string {
	var out []string
	if u.Name != nil {
		out = append(out, "name")
	}
	if u.DOB != nil {
		out = append(out, "dob")
	}
	if u.Allergies != nil {
		out = append(out, "allergies")
	}
	if u.Medication != nil {
		out = append(out, "medication")
	}
	if u.Diagnoses != nil {
		out = append(out, "diagnoses")
	}
	sort.Strings(out)
	return out
}

var managedFields = map[string]bool{"id": true, "last_updated": true, "updated_by": true}

// ParseUpdate decodes a JSON object into an Update.
func ParseUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		if fault.KindOf(err) == fault.Validation {
			return Update{}, err
		}
		return Update{}, fault.E(fault.Validation, "patient.update", fmt.Errorf("invalid update body: %w", err))
	}
	return u, nil
}

func (u *Update) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return invalid("update must be a JSON object")
	}
	var out Update
	for key, val := range raw {
		switch key {
		case "name":
			var name *string
			if err := json.Unmarshal(val, &name); err != nil || name == nil {
				return invalid("name must be a string")
			}
			trimmed := strings.TrimSpace(*name)
			if trimmed == "" {
				return invalid("name must not be empty")
			}
			out.Name = &trimmed
		case "dob":
			var d Date
			if err := json.Unmarshal(val, &d); err != nil {
				return invalid(err.Error())
			}
			if d.IsZero() {
				return invalid("dob must not be null")
			}
			out.DOB = &d
		case "allergies", "medication", "diagnoses":
			var l ClinicalList
			if err := json.Unmarshal(val, &l); err != nil {
				return invalid(key + ": " + err.Error())
			}
			switch key {
			case "allergies":
				out.Allergies = &l
			case "medication":
				out.Medication = &l
			default:
				out.Diagnoses = &l
			}
		default:
			if managedFields[key] {
				return invalid(key + " is managed by the gateway")
			}
			return invalid("unknown field " + key)
		}
	}
	*u = out
	return nil
}

func invalid(msg string) error {
	return fault.New(fault.Validation, "patient.update", msg)
}

// Apply returns rec with u applied and stamped by s. The stamp never moves
// backwards: it is at least one microsecond after the previous one.
func Apply(rec Record, u Update, s Stamp) Record {
	if u.Name != nil {
		rec.Name = *u.Name
	}
	if u.DOB != nil {
		rec.DOB = *u.DOB
	}
	if u.Allergies != nil {
		rec.Allergies = *u.Allergies
	}
	if u.Medication != nil {
		rec.Medication = *u.Medication
	}
	if u.Diagnoses != nil {
		rec.Diagnoses = *u.Diagnoses
	}
	at := NextStamp(rec.LastUpdated, s.At)
	by := s.By
	rec.LastUpdated = &at
	rec.UpdatedBy = &by
	return rec
}

// NextStamp returns now in UTC at microsecond precision, bumped past prev.
func NextStamp(prev *time.Time, now time.Time) time.Time {
	at := now.UTC().Truncate(time.Microsecond)
	if prev != nil && !at.After(*prev) {
		at = prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return at
}
