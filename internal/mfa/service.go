package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinigate.org/internal/obs"
)

const (
	defaultIssuer       = "Clinigate"
	defaultChallengeTTL = 5 * time.Minute
	friendlyName        = "Authenticator app"
)

// Service runs the enrollment and challenge state machine. Routing and state
// are always derived from stored factors.
type Service struct {
	factors    FactorStore
	challenges ChallengeStore

	failures      FailureCounter
	maxFailures   int
	lockoutWindow time.Duration

	sealer       Sealer
	issuer       string
	challengeTTL time.Duration
	now          func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer sets the issuer label shown in authenticator apps.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return nil
		}
		if strings.Contains(issuer, ":") {
			return errors.New("mfa: issuer must not contain a colon")
		}
		s.issuer = issuer
		return nil
	}
}

// WithChallengeTTL sets how long an issued challenge stays usable.
func WithChallengeTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
		return nil
	}
}

// WithLockout rejects verification once limit codes were rejected inside
// window. A limit of 0 disables it.
func WithLockout(counter FailureCounter, limit int, window time.Duration) ServiceOption {
	return func(s *Service) error {
		if limit <= 0 {
			return nil
		}
		if counter == nil {
			return errors.New("mfa: lockout requires a failure counter")
		}
		if window <= 0 {
			return errors.New("mfa: lockout window must be positive")
		}
		s.failures = counter
		s.maxFailures = limit
		s.lockoutWindow = window
		return nil
	}
}

// WithSecretKey seals factor secrets with AES-256-GCM. An empty key keeps
// secrets unsealed.
func WithSecretKey(key []byte) ServiceOption {
	return func(s *Service) error {
		if len(key) == 0 {
			return nil
		}
		sealer, err := NewAESSealer(key)
		if err != nil {
			return err
		}
		s.sealer = sealer
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func NewService(factors FactorStore, challenges ChallengeStore, opts ...ServiceOption) (*Service, error) {
	if factors == nil || challenges == nil {
		return nil, errors.New("mfa: factor and challenge stores are required")
	}
	svc := &Service{
		factors:      factors,
		challenges:   challenges,
		sealer:       noSeal{},
		issuer:       defaultIssuer,
		challengeTTL: defaultChallengeTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// ListFactors returns the principal's factors, oldest first.
func (s *Service) ListFactors(ctx context.Context, principalID string) ([]Factor, error) {
	if principalID == "" {
		return nil, ErrNoPrincipal
	}
	return s.factors.ListByPrincipal(ctx, principalID)
}

// Route decides between enrollment and challenge for a principal.
func (s *Service) Route(ctx context.Context, principalID string) (Route, error) {
	factors, err := s.ListFactors(ctx, principalID)
	if err != nil {
		return "", err
	}
	if _, ok := verifiedFactor(factors); ok {
		return RouteChallenge, nil
	}
	return RouteEnroll, nil
}

// State derives the principal-level state from stored factors.
func (s *Service) State(ctx context.Context, principalID string) (State, error) {
	factors, err := s.ListFactors(ctx, principalID)
	if err != nil {
		return "", err
	}
	if _, ok := verifiedFactor(factors); ok {
		return StateActive, nil
	}
	pending, ok := latestPending(factors)
	switch {
	case !ok:
		return StateUnenrolled, nil
	case pending.LastChallengedAt != nil:
		return StateAwaitingVerification, nil
	default:
		return StateEnrolling, nil
	}
}

// StartEnrollment creates a pending TOTP factor for the principal.
// account is the label shown in the authenticator app, usually the email.
func (s *Service) StartEnrollment(ctx context.Context, principalID, account string) (Enrollment, error) {
	factors, err := s.ListFactors(ctx, principalID)
	if err != nil {
		return Enrollment{}, err
	}
	if _, ok := verifiedFactor(factors); ok {
		return Enrollment{}, ErrAlreadyEnrolled
	}

	account = strings.ReplaceAll(strings.TrimSpace(account), ":", "")
	if account == "" {
		account = principalID
	}
	key, err := generateKey(s.issuer, account)
	if err != nil {
		return Enrollment{}, err
	}
	qr, err := qrDataURI(key)
	if err != nil {
		return Enrollment{}, err
	}
	sealed, err := s.sealer.Seal(key.Secret())
	if err != nil {
		return Enrollment{}, err
	}

	now := s.now().UTC()
	f := Factor{
		ID:           uuid.NewString(),
		PrincipalID:  principalID,
		Kind:         KindTOTP,
		Status:       StatusPending,
		FriendlyName: friendlyName,
		Secret:       sealed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.factors.Create(ctx, f); err != nil {
		return Enrollment{}, fmt.Errorf("mfa: create factor: %w", err)
	}
	return Enrollment{
		FactorID: f.ID,
		Secret:   key.Secret(),
		URI:      key.URL(),
		QRCode:   qr,
	}, nil
}

// IssueChallenge opens a verification attempt against factorID. With an
// empty factorID the verified factor, or else the newest pending one, is used.
func (s *Service) IssueChallenge(ctx context.Context, principalID, factorID string) (Challenge, error) {
	f, err := s.resolveFactor(ctx, principalID, strings.TrimSpace(factorID))
	if err != nil {
		return Challenge{}, err
	}
	now := s.now().UTC()
	ch := Challenge{
		ID:          uuid.NewString(),
		FactorID:    f.ID,
		PrincipalID: principalID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.challengeTTL),
	}
	if err := s.challenges.Put(ctx, ch); err != nil {
		return Challenge{}, fmt.Errorf("mfa: store challenge: %w", err)
	}
	if err := s.factors.TouchChallenged(ctx, f.ID, now); err != nil {
		return Challenge{}, fmt.Errorf("mfa: touch factor: %w", err)
	}
	return ch, nil
}

// VerifyChallenge consumes the challenge and checks code against its factor.
// A malformed code or an active lockout fails before the challenge is
// consumed. A wrong code returns a Rejected result with ErrCodeRejected.
//
// With a lockout configured every attempt reserves a slot in the failure
// window before the challenge is taken. Only a rejected code keeps its slot.
func (s *Service) VerifyChallenge(ctx context.Context, principalID, challengeID, code string) (Result, error) {
	if principalID == "" {
		return Result{}, ErrNoPrincipal
	}
	code = strings.TrimSpace(code)
	if !wellFormed(code) {
		obs.MFAVerification("malformed")
		return Result{}, ErrMalformedCode
	}
	reserved, err := s.reserveAttempt(ctx, principalID)
	if err != nil {
		return Result{}, err
	}
	keep := false
	defer func() {
		if reserved && !keep {
			s.releaseAttempt(ctx, principalID)
		}
	}()

	ch, err := s.challenges.Take(ctx, strings.TrimSpace(challengeID))
	if err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	if ch.PrincipalID != principalID || !now.Before(ch.ExpiresAt) {
		return Result{}, ErrChallengeNotFound
	}
	f, err := s.factors.Get(ctx, ch.FactorID)
	if err != nil {
		return Result{}, err
	}
	if f.PrincipalID != principalID {
		return Result{}, ErrFactorNotFound
	}
	secret, err := s.sealer.Open(f.Secret)
	if err != nil {
		return Result{}, err
	}

	res := Result{ChallengeID: ch.ID, FactorID: f.ID}
	ok, err := validateCode(code, secret, now)
	if err != nil {
		return Result{}, fmt.Errorf("mfa: validate code: %w", err)
	}
	if !ok {
		res.Outcome = Rejected
		if f.Verified() {
			res.State = StateActive
		} else {
			res.State = StateAwaitingVerification
		}
		keep = true
		obs.MFAVerification(string(Rejected))
		return res, ErrCodeRejected
	}

	if !f.Verified() {
		first, err := s.factors.MarkVerified(ctx, f.ID, now)
		if err != nil {
			return Result{}, err
		}
		res.FirstVerification = first
		if first {
			if _, err := s.factors.DiscardPending(ctx, principalID, f.ID); err != nil {
				obs.Logger().Warn().Err(err).Str("principal_id", principalID).Msg("mfa_discard_pending_failed")
			}
		}
	}
	keep = true
	s.resetFailures(ctx, principalID)
	res.Outcome = Accepted
	res.State = StateActive
	obs.MFAVerification(string(Accepted))
	return res, nil
}

func (s *Service) resolveFactor(ctx context.Context, principalID, factorID string) (Factor, error) {
	if principalID == "" {
		return Factor{}, ErrNoPrincipal
	}
	if factorID != "" {
		f, err := s.factors.Get(ctx, factorID)
		if err != nil {
			return Factor{}, err
		}
		if f.PrincipalID != principalID {
			return Factor{}, ErrFactorNotFound
		}
		return f, nil
	}
	factors, err := s.factors.ListByPrincipal(ctx, principalID)
	if err != nil {
		return Factor{}, err
	}
	if f, ok := verifiedFactor(factors); ok {
		return f, nil
	}
	if f, ok := latestPending(factors); ok {
		return f, nil
	}
	return Factor{}, ErrFactorNotFound
}

func lockoutKey(principalID string) string { return "mfa:failures:" + principalID }

// reserveAttempt counts the attempt up front so concurrent verifies cannot
// all pass a stale count. It reports whether a slot is held.
func (s *Service) reserveAttempt(ctx context.Context, principalID string) (bool, error) {
	if s.maxFailures <= 0 {
		return false, nil
	}
	n, err := s.failures.Incr(ctx, lockoutKey(principalID), s.lockoutWindow)
	if err != nil {
		return false, fmt.Errorf("mfa: reserve attempt: %w", err)
	}
	if n > s.maxFailures {
		s.releaseAttempt(ctx, principalID)
		obs.MFAVerification("locked_out")
		return false, ErrLockedOut
	}
	return true, nil
}

func (s *Service) releaseAttempt(ctx context.Context, principalID string) {
	if err := s.failures.Decr(ctx, lockoutKey(principalID)); err != nil {
		obs.Logger().Warn().Err(err).Str("principal_id", principalID).Msg("mfa_failure_release_failed")
	}
}

func (s *Service) resetFailures(ctx context.Context, principalID string) {
	if s.maxFailures <= 0 {
		return
	}
	if err := s.failures.Reset(ctx, lockoutKey(principalID)); err != nil {
		obs.Logger().Warn().Err(err).Str("principal_id", principalID).Msg("mfa_failure_reset_failed")
	}
}

func verifiedFactor(factors []Factor) (Factor, bool) {
	for _, f := range factors {
		if f.Verified() {
			return f, true
		}
	}
	return Factor{}, false
}

func latestPending(factors []Factor) (Factor, bool) {
	for i := len(factors) - 1; i >= 0; i-- {
		if factors[i].Status == StatusPending {
			return factors[i], true
		}
	}
	return Factor{}, false
}
