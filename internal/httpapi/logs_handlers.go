package httpapi

import (
	"net/http"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/ids"
)

// handleLogs appends an access entry posted by a gateway replica.
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireInternal(w, r) {
		return
	}
	if a.deps.AuditStore == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	var req audit.LogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	now := a.now().UTC()
	e := req.Entry()
	e.ID = ids.NewAt(now)
	e.OccurredAt = now
	e.RequestID = RequestIDFromContext(r.Context())
	if err := e.Validate(); err != nil {
		writeFault(w, r, err)
		return
	}
	if err := a.deps.AuditStore.Append(r.Context(), e); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": e.ID})
}
