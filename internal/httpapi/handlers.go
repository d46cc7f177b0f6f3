package httpapi

import (
	"context"
	"net/http"
	"time"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/auth"
	"clinigate.org/internal/clinician"
	"clinigate.org/internal/gateway"
	"clinigate.org/internal/idp"
	"clinigate.org/internal/mfa"
	"clinigate.org/internal/obs"
	"clinigate.org/internal/stream"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every configured dependency.
type ReadyProbe struct {
	Pingers []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, p := range rp.Pingers {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps wires the domain services into the HTTP layer.
type Deps struct {
	Verifier    *idp.Verifier
	Provisioner *clinician.Provisioner
	MFA         *mfa.Service
	Sessions    *auth.Issuer
	Gateway     *gateway.Gateway
	// AuditStore receives entries posted to /logs.
	AuditStore audit.Sink
	Events     *stream.Stream[audit.Event]
	Ready      readinessChecker

	InternalToken string
	StrictReason  bool
	Version       string
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	version string
	now     func() time.Time

	rateBurst  int
	ratePerSec float64
	maxBody    int64
}

func New(d Deps) *API {
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		deps:       d,
		version:    d.Version,
		now:        time.Now,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/auth/signup", a.handleSignUp)
	a.mux.HandleFunc("/auth/login", a.handleLogin)

	a.mux.HandleFunc("/mfa/factors", a.handleFactors)
	a.mux.HandleFunc("/mfa/enroll", a.handleEnroll)
	a.mux.HandleFunc("/mfa/challenge", a.handleChallenge)
	a.mux.HandleFunc("/mfa/verify", a.handleVerify)
	a.mux.HandleFunc("/mfa/state", a.handleMFAState)

	a.mux.HandleFunc("/patients/", a.handlePatient)

	a.mux.HandleFunc("/logs", a.handleLogs)
	a.mux.HandleFunc("/audit/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// SetRateLimit overrides the per-IP token bucket.
func (a *API) SetRateLimit(perSecond float64, burst int) {
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
	if burst > 0 {
		a.rateBurst = burst
	}
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = a.exemptInternal(h, RateLimit(h, a.rateBurst, a.ratePerSec))
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Logger().Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
