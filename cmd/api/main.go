package main

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/auth"
	"clinigate.org/internal/clinician"
	"clinigate.org/internal/config"
	"clinigate.org/internal/gateway"
	"clinigate.org/internal/httpapi"
	"clinigate.org/internal/idp"
	"clinigate.org/internal/mfa"
	"clinigate.org/internal/obs"
	"clinigate.org/internal/patient"
	"clinigate.org/internal/store/pg"
	"clinigate.org/internal/store/redisstore"
	"clinigate.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal().Err(err).Msg("clinigate stopped")
	}
}

// stores groups the repository implementations selected by configuration.
type stores struct {
	patients   patient.Store
	clinicians clinician.Store
	factors    mfa.FactorStore
	challenges mfa.ChallengeStore
	failures   mfa.FailureCounter
	auditLog   audit.Sink
	pingers    []httpapi.Pinger
	closers    []func() error
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.SetBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(st.closers) - 1; i >= 0; i-- {
			_ = st.closers[i]()
		}
	}()

	var provider idp.Provider
	switch cfg.IDPMode {
	case "gotrue":
		provider = idp.NewGoTrue(cfg.IDPURL, cfg.IDPAPIKey, &http.Client{Timeout: 10 * time.Second})
	default:
		log.Warn().Msg("using in-process identity directory; accounts are lost on restart")
		provider = idp.NewDirectory(idp.WithAutoConfirm())
	}
	verifier := idp.NewVerifier(provider, idp.WithLoginRate(cfg.LoginRatePerMinute))

	mfaOpts := []mfa.ServiceOption{
		mfa.WithIssuer(cfg.MFAIssuer),
		mfa.WithChallengeTTL(cfg.MFAChallengeTTL),
		mfa.WithLockout(st.failures, cfg.MFAMaxFailedAttempts, cfg.MFALockoutWindow),
	}
	if cfg.MFASecretKey != "" {
		key, err := hex.DecodeString(cfg.MFASecretKey)
		if err != nil {
			return err
		}
		mfaOpts = append(mfaOpts, mfa.WithSecretKey(key))
	}
	mfaSvc, err := mfa.NewService(st.factors, st.challenges, mfaOpts...)
	if err != nil {
		return err
	}

	sessions, err := auth.NewIssuer(cfg.SessionSecret, auth.WithTTL(cfg.SessionTTL))
	if err != nil {
		return err
	}

	var sink audit.Sink = st.auditLog
	if cfg.AuditSink == "http" {
		sink = audit.NewHTTPSink(cfg.BaseURL, cfg.InternalToken, &http.Client{Timeout: cfg.AuditTimeout})
	}
	events := stream.New[audit.Event](64)
	recorder := audit.NewRecorder(sink, audit.WithWriteTimeout(cfg.AuditTimeout), audit.WithEvents(events))

	probe := httpapi.ReadyProbe{Pingers: st.pingers}
	api := httpapi.New(httpapi.Deps{
		Verifier:      verifier,
		Provisioner:   clinician.NewProvisioner(st.clinicians),
		MFA:           mfaSvc,
		Sessions:      sessions,
		Gateway:       gateway.New(st.patients, recorder),
		AuditStore:    st.auditLog,
		Events:        events,
		Ready:         probe,
		InternalToken: cfg.InternalToken,
		StrictReason:  cfg.StrictReason,
		Version:       version,
	})
	api.SetRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCHealth(probe)
	health.Register(grpcSrv)
	go health.Run(ctx, 15*time.Second)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	drainErr := shutdown(shutdownCtx, cfg.AuditSink == "http", srv.Shutdown, recorder.Close)
	grpcSrv.GracefulStop()
	if drainErr != nil {
		log.Warn().Err(drainErr).Msg("audit writes still pending at shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}

// shutdown stops the HTTP server and drains the audit recorder. When the
// recorder posts entries back to this server it drains first, while the
// listener still accepts its requests. It returns the drain error.
func shutdown(ctx context.Context, selfPosting bool, stopHTTP, drain func(context.Context) error) error {
	if selfPosting {
		err := drain(ctx)
		_ = stopHTTP(ctx)
		return err
	}
	_ = stopHTTP(ctx)
	return drain(ctx)
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	log := obs.Logger()
	st := &stores{}

	if cfg.DatabaseURL != "" {
		db, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		st.pingers = append(st.pingers, db)
		st.patients = db.Patients()
		st.clinicians = db.Clinicians()
		st.factors = db.Factors()
		st.auditLog = db.AuditLog()
	} else {
		log.Warn().Msg("DATABASE_URL not set; using in-memory stores")
		st.patients = patient.NewInMemory(demoPatients()...)
		st.clinicians = clinician.NewInMemory()
		st.factors = mfa.NewMemoryFactors()
		st.auditLog = audit.NewMemorySink()
	}

	if cfg.RedisURL != "" {
		rdb, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, rdb.Close)
		st.pingers = append(st.pingers, rdb)
		st.challenges = rdb.Challenges()
		st.failures = rdb.Failures()
	} else {
		st.challenges = mfa.NewMemoryChallenges(time.Now)
		st.failures = mfa.NewMemoryFailures(time.Now)
	}
	return st, nil
}

func demoPatients() []patient.Record {
	return []patient.Record{
		{
			ID:         "S1234567A",
			Name:       "John Tan",
			DOB:        patient.NewDate(1980, time.April, 12),
			Allergies:  patient.ListOf("Penicillin"),
			Medication: patient.ListOf("Amlodipine 5mg"),
			Diagnoses:  patient.ListOf("Hypertension"),
		},
		{
			ID:        "S7654321B",
			Name:      "Mary Lim",
			DOB:       patient.NewDate(1992, time.November, 3),
			Diagnoses: patient.ListOf("Asthma"),
		},
	}
}
