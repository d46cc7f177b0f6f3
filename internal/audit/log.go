package audit

import (
	"context"
	"errors"
	"strings"

	"clinigate.org/internal/auth"
	"clinigate.org/internal/obs"
)

// LogEvent writes a security event (sign-in, MFA transitions) to the
// structured log, enriched with request and session context. These events
// complement access entries; they are not written to a Sink.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	ev := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	if s, ok := auth.SessionFromContext(ctx); ok {
		ev = ev.Str("principal_id", s.PrincipalID).Str("aal", string(s.Assurance))
		if s.ClinicianID != 0 {
			ev = ev.Int64("clinician_id", s.ClinicianID)
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	ev.Interface("fields", fields).Send()
	return nil
}
