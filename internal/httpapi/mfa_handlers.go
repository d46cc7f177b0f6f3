package httpapi

import (
	"errors"
	"net/http"
	"time"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/auth"
	"clinigate.org/internal/mfa"
)

type challengeRequest struct {
	FactorID string `json:"factor_id"`
}

type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

type verifyResponse struct {
	Token             string    `json:"token"`
	ExpiresAt         time.Time `json:"expires_at"`
	State             mfa.State `json:"state"`
	FirstVerification bool      `json:"first_verification"`
}

func (a *API) handleFactors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	s, ok := requireSession(w, r)
	if !ok {
		return
	}
	factors, err := a.deps.MFA.ListFactors(r.Context(), s.PrincipalID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if factors == nil {
		factors = []mfa.Factor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"factors": factors})
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	s, ok := requireSession(w, r)
	if !ok {
		return
	}
	enr, err := a.deps.MFA.StartEnrollment(r.Context(), s.PrincipalID, s.Email)
	if err != nil {
		if errors.Is(err, mfa.ErrAlreadyEnrolled) {
			writeErrorWith(w, r, http.StatusConflict, err.Error(), map[string]any{"next": mfa.RouteChallenge})
			return
		}
		writeFault(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.enroll.started", map[string]any{"factor_id": enr.FactorID})
	writeJSON(w, http.StatusCreated, enr)
}

func (a *API) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	s, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req challengeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ch, err := a.deps.MFA.IssueChallenge(r.Context(), s.PrincipalID, req.FactorID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	s, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.deps.MFA.VerifyChallenge(r.Context(), s.PrincipalID, req.ChallengeID, req.Code)
	if err != nil {
		fields := map[string]any{"challenge_id": req.ChallengeID, "error": err.Error()}
		_ = audit.LogEvent(r.Context(), "mfa.verify.failed", fields)
		if res.Outcome == mfa.Rejected {
			writeFaultWith(w, r, err, map[string]any{"outcome": res.Outcome})
			return
		}
		writeFault(w, r, err)
		return
	}

	token, upgraded, err := a.deps.Sessions.Upgrade(s, auth.AAL2, 0)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithSession(r.Context(), upgraded), "mfa.verify.accepted", map[string]any{
		"factor_id":          res.FactorID,
		"first_verification": res.FirstVerification,
	})
	writeJSON(w, http.StatusOK, verifyResponse{
		Token:             token,
		ExpiresAt:         upgraded.ExpiresAt,
		State:             res.State,
		FirstVerification: res.FirstVerification,
	})
}

func (a *API) handleMFAState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	s, ok := requireSession(w, r)
	if !ok {
		return
	}
	state, err := a.deps.MFA.State(r.Context(), s.PrincipalID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	route, err := a.deps.MFA.Route(r.Context(), s.PrincipalID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "route": route})
}
