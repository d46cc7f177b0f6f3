package httpapi

import (
	"errors"
	"net/http"
	"time"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/auth"
	"clinigate.org/internal/clinician"
	"clinigate.org/internal/idp"
	"clinigate.org/internal/mfa"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpResponse struct {
	ID                   string `json:"id"`
	Email                string `json:"email"`
	ConfirmationRequired bool   `json:"confirmation_required"`
}

type loginResponse struct {
	Token     string              `json:"token"`
	ExpiresAt time.Time           `json:"expires_at"`
	Next      mfa.Route           `json:"next"`
	Clinician clinician.Clinician `json:"clinician"`
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Verifier.SignUp(r.Context(), idp.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.signup", map[string]any{
		"principal_id":          res.Principal.ID,
		"confirmation_required": res.ConfirmationRequired,
	})
	writeJSON(w, http.StatusCreated, signUpResponse{
		ID:                   res.Principal.ID,
		Email:                res.Principal.Email,
		ConfirmationRequired: res.ConfirmationRequired,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	principal, err := a.deps.Verifier.Verify(r.Context(), idp.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		var authErr *idp.AuthenticationError
		if errors.As(err, &authErr) {
			writeErrorWith(w, r, http.StatusUnauthorized, authErr.Error(), map[string]any{
				"category": authErr.Category.String(),
			})
			return
		}
		writeFault(w, r, err)
		return
	}

	c, err := a.deps.Provisioner.ResolveOrCreate(r.Context(), clinician.Principal{ID: principal.ID, Email: principal.Email})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	next, err := a.deps.MFA.Route(r.Context(), principal.ID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	token, session, err := a.deps.Sessions.Issue(auth.Session{
		PrincipalID: principal.ID,
		Email:       principal.Email,
		ClinicianID: c.ID,
		Assurance:   auth.AAL1,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}

	_ = audit.LogEvent(auth.ContextWithSession(r.Context(), session), "auth.login", map[string]any{
		"next": string(next),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		Next:      next,
		Clinician: c,
	})
}
