package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/auth"
	"clinigate.org/internal/clinician"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/auth/signup",
	"/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	// internal endpoints check X-Internal-Token themselves
	"/logs",
	"/audit/events",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.deps.Sessions == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		session, err := a.deps.Sessions.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithSession(r.Context(), session)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSession returns the session attached by withAuth, at any assurance.
func requireSession(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	s, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeFault(w, r, auth.ErrUnauthenticated)
		return auth.Session{}, false
	}
	return s, true
}

// requireClinician returns the acting clinician of an aal2 session.
func requireClinician(w http.ResponseWriter, r *http.Request) (clinician.Clinician, bool) {
	s, err := auth.RequireMFA(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return clinician.Clinician{}, false
	}
	return clinician.Clinician{ID: s.ClinicianID, Email: s.Email, PrincipalID: s.PrincipalID}, true
}

// requireInternal checks the shared token guarding service-internal routes.
func (a *API) requireInternal(w http.ResponseWriter, r *http.Request) bool {
	if !a.internalAuthorized(r) {
		writeError(w, r, http.StatusUnauthorized, "invalid internal token")
		return false
	}
	return true
}

func (a *API) internalAuthorized(r *http.Request) bool {
	want := a.deps.InternalToken
	got := r.Header.Get(audit.InternalTokenHeader)
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// exemptInternal routes token-authenticated audit posts around the limiter.
// Replicas in http sink mode post every access entry from the same address.
func (a *API) exemptInternal(direct, limited http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/logs" && a.internalAuthorized(r) {
			direct.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
