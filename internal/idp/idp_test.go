package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"clinigate.org/internal/fault"
)

type countingProvider struct {
	Provider
	calls atomic.Int32
}

func (c *countingProvider) SignIn(ctx context.Context, cr Credentials) (Principal, error) {
	c.calls.Add(1)
	return c.Provider.SignIn(ctx, cr)
}

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	d := NewDirectory(WithBcryptCost(bcrypt.MinCost))
	_, err := d.SignUp(context.Background(), Credentials{Email: "doc@example.org", Password: "hunter22"})
	require.NoError(t, err)
	return d
}

func TestCategoryMessagesAreFixed(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range []Category{CategoryInvalidCredentials, CategoryEmailNotConfirmed, CategoryRateLimited, CategoryOther} {
		msg := c.Message()
		assert.NotEmpty(t, msg)
		assert.False(t, seen[msg], "duplicate message %q", msg)
		seen[msg] = true
	}
	err := authError(CategoryOther, errors.New("pq: relation users does not exist"))
	assert.Equal(t, CategoryOther.Message(), err.Error())
	assert.Equal(t, fault.Authentication, fault.KindOf(err))
}

func TestVerifyDirectory(t *testing.T) {
	ctx := context.Background()
	d := newDirectory(t)
	v := NewVerifier(d)

	_, err := v.Verify(ctx, Credentials{Email: "doc@example.org", Password: "hunter22"})
	assert.Equal(t, CategoryEmailNotConfirmed, CategoryOf(err))

	require.True(t, d.Confirm("DOC@example.org"))
	p, err := v.Verify(ctx, Credentials{Email: " Doc@Example.org ", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "doc@example.org", p.Email)
	assert.NotEmpty(t, p.ID)

	_, err = v.Verify(ctx, Credentials{Email: "doc@example.org", Password: "wrong-pass"})
	assert.Equal(t, CategoryInvalidCredentials, CategoryOf(err))
	_, err = v.Verify(ctx, Credentials{Email: "nobody@example.org", Password: "hunter22"})
	assert.Equal(t, CategoryInvalidCredentials, CategoryOf(err))
}

func TestVerifyMalformedSkipsProvider(t *testing.T) {
	cp := &countingProvider{Provider: newDirectory(t)}
	v := NewVerifier(cp)
	for _, c := range []Credentials{
		{Email: "", Password: "x"},
		{Email: "no-at-sign", Password: "x"},
		{Email: "doc@example.org", Password: ""},
	} {
		_, err := v.Verify(context.Background(), c)
		var ae *AuthenticationError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, CategoryInvalidCredentials, ae.Category)
	}
	assert.EqualValues(t, 0, cp.calls.Load())
}

func TestVerifyRateLimited(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cp := &countingProvider{Provider: newDirectory(t)}
	v := NewVerifier(cp, WithLoginRate(2), WithVerifierClock(func() time.Time { return now }))
	creds := Credentials{Email: "doc@example.org", Password: "bad-password"}

	for i := 0; i < 2; i++ {
		_, err := v.Verify(context.Background(), creds)
		assert.Equal(t, CategoryInvalidCredentials, CategoryOf(err))
	}
	_, err := v.Verify(context.Background(), creds)
	assert.Equal(t, CategoryRateLimited, CategoryOf(err))
	assert.EqualValues(t, 2, cp.calls.Load())

	// Other emails keep their own budget.
	_, err = v.Verify(context.Background(), Credentials{Email: "other@example.org", Password: "x"})
	assert.Equal(t, CategoryInvalidCredentials, CategoryOf(err))

	now = now.Add(time.Minute)
	_, err = v.Verify(context.Background(), creds)
	assert.Equal(t, CategoryInvalidCredentials, CategoryOf(err))
}

func TestSignUpValidation(t *testing.T) {
	v := NewVerifier(NewDirectory(WithBcryptCost(bcrypt.MinCost), WithAutoConfirm()))
	ctx := context.Background()

	_, err := v.SignUp(ctx, Credentials{Email: "bad", Password: "longenough"})
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = v.SignUp(ctx, Credentials{Email: "a@example.org", Password: "12345"})
	assert.ErrorIs(t, err, ErrWeakPassword)

	res, err := v.SignUp(ctx, Credentials{Email: "a@example.org", Password: "123456"})
	require.NoError(t, err)
	assert.False(t, res.ConfirmationRequired)
	_, err = v.SignUp(ctx, Credentials{Email: "A@example.org", Password: "123456"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	p, err := v.Verify(ctx, Credentials{Email: "a@example.org", Password: "123456"})
	require.NoError(t, err)
	assert.Equal(t, res.Principal.ID, p.ID)
}

func TestGoTrueSignIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		var c Credentials
		_ = json.NewDecoder(r.Body).Decode(&c)
		w.Header().Set("Content-Type", "application/json")
		switch c.Email {
		case "doc@example.org":
			_, _ = w.Write([]byte(`{"access_token":"t","user":{"id":"11111111-2222-3333-4444-555555555555","email":"doc@example.org"}}`))
		case "unconfirmed@example.org":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":400,"error_code":"email_not_confirmed","msg":"Email not confirmed"}`))
		case "legacy@example.org":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
		case "busy@example.org":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"msg":"slow down"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"msg":"database is down"}`))
		}
	}))
	defer srv.Close()

	g := NewGoTrue(srv.URL+"/", "anon-key", srv.Client())
	ctx := context.Background()

	p, err := g.SignIn(ctx, Credentials{Email: "doc@example.org", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", p.ID)

	cases := map[string]Category{
		"unconfirmed@example.org": CategoryEmailNotConfirmed,
		"legacy@example.org":      CategoryInvalidCredentials,
		"busy@example.org":        CategoryRateLimited,
		"broken@example.org":      CategoryOther,
	}
	for email, want := range cases {
		_, err := g.SignIn(ctx, Credentials{Email: email, Password: "pw"})
		assert.Equal(t, want, CategoryOf(err), email)
		assert.NotContains(t, err.Error(), "database", "provider text must not leak")
	}
}

func TestGoTrueSignUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/signup", r.URL.Path)
		var c Credentials
		_ = json.NewDecoder(r.Body).Decode(&c)
		switch c.Email {
		case "taken@example.org":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error_code":"user_already_exists","msg":"User already registered"}`))
		case "auto@example.org":
			_, _ = w.Write([]byte(`{"access_token":"t","user":{"id":"u-2","email":"auto@example.org","email_confirmed_at":"2024-01-01T00:00:00Z"}}`))
		default:
			_, _ = w.Write([]byte(`{"id":"u-1","email":"new@example.org","confirmation_sent_at":"2024-01-01T00:00:00Z"}`))
		}
	}))
	defer srv.Close()

	g := NewGoTrue(srv.URL, "k", nil)
	ctx := context.Background()

	res, err := g.SignUp(ctx, Credentials{Email: "new@example.org", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", res.Principal.ID)
	assert.True(t, res.ConfirmationRequired)

	res, err = g.SignUp(ctx, Credentials{Email: "auto@example.org", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "u-2", res.Principal.ID)
	assert.False(t, res.ConfirmationRequired)

	_, err = g.SignUp(ctx, Credentials{Email: "taken@example.org", Password: "secret1"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestGoTrueUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := NewVerifier(NewGoTrue(url, "k", nil))
	_, err := v.Verify(context.Background(), Credentials{Email: "doc@example.org", Password: "pw"})
	assert.Equal(t, CategoryOther, CategoryOf(err))
	assert.Equal(t, CategoryOther.Message(), err.Error())
}
