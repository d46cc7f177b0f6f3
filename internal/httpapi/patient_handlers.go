package httpapi

import (
	"io"
	"net/http"
	"strings"

	"clinigate.org/internal/patient"
)

const (
	reasonHeader = "X-Access-Reason"
	// defaultReason is recorded for reads without a stated reason unless
	// strict mode is on.
	defaultReason = "no reason inputted"
)

func (a *API) handlePatient(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/patients/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.readPatient(w, r, id)
	case http.MethodPut:
		a.writePatient(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) readPatient(w http.ResponseWriter, r *http.Request, id string) {
	c, ok := requireClinician(w, r)
	if !ok {
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" && !a.deps.StrictReason {
		reason = defaultReason
	}
	res, err := a.deps.Gateway.Read(r.Context(), id, reason, c)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Record)
}

func (a *API) writePatient(w http.ResponseWriter, r *http.Request, id string) {
	c, ok := requireClinician(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "request body too large or unreadable")
		return
	}
	u, err := patient.ParseUpdate(body)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reason := r.URL.Query().Get("reason")
	if strings.TrimSpace(reason) == "" {
		reason = r.Header.Get(reasonHeader)
	}
	res, err := a.deps.Gateway.Write(r.Context(), id, u, reason, c)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Record)
}
