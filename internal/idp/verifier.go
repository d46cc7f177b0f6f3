package idp

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clinigate.org/internal/obs"
)

const (
	defaultLoginsPerMinute = 10
	limiterTTL             = 10 * time.Minute
)

// Verifier authenticates credentials through a Provider. Attempts are
// throttled per email before the provider is contacted.
type Verifier struct {
	provider Provider
	limit    rate.Limit
	burst    int
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	swept    time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type VerifierOption func(*Verifier)

// WithLoginRate allows perMinute attempts per email, bursting to the same amount.
func WithLoginRate(perMinute int) VerifierOption {
	return func(v *Verifier) {
		if perMinute > 0 {
			v.limit = rate.Limit(float64(perMinute) / 60)
			v.burst = perMinute
		}
	}
}

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVerifier(p Provider, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		provider: p,
		limit:    rate.Limit(float64(defaultLoginsPerMinute) / 60),
		burst:    defaultLoginsPerMinute,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the principal for c or an *AuthenticationError.
func (v *Verifier) Verify(ctx context.Context, c Credentials) (Principal, error) {
	email := normalizeEmail(c.Email)
	if !validEmail(email) || c.Password == "" {
		obs.Login(CategoryInvalidCredentials.String())
		return Principal{}, authError(CategoryInvalidCredentials, errors.New("malformed credentials"))
	}
	if !v.allow(email) {
		obs.Login(CategoryRateLimited.String())
		return Principal{}, authError(CategoryRateLimited, errors.New("local login rate exceeded"))
	}

	p, err := v.provider.SignIn(ctx, Credentials{Email: email, Password: c.Password})
	if err != nil {
		var ae *AuthenticationError
		if !errors.As(err, &ae) {
			err = authError(CategoryOther, err)
		}
		obs.Login(CategoryOf(err).String())
		return Principal{}, err
	}
	obs.Login("ok")
	return p, nil
}

// SignUp registers a new principal.
func (v *Verifier) SignUp(ctx context.Context, c Credentials) (SignUpResult, error) {
	email := normalizeEmail(c.Email)
	if !validEmail(email) {
		return SignUpResult{}, ErrInvalidEmail
	}
	if len(c.Password) < MinPasswordLength {
		return SignUpResult{}, ErrWeakPassword
	}
	if !v.allow(email) {
		return SignUpResult{}, authError(CategoryRateLimited, errors.New("local signup rate exceeded"))
	}
	return v.provider.SignUp(ctx, Credentials{Email: email, Password: c.Password})
}

func (v *Verifier) allow(email string) bool {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	if now.Sub(v.swept) > limiterTTL {
		for k, e := range v.limiters {
			if now.Sub(e.seen) > limiterTTL {
				delete(v.limiters, k)
			}
		}
		v.swept = now
	}
	e, ok := v.limiters[email]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(v.limit, v.burst)}
		v.limiters[email] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
