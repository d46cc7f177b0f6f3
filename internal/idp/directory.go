package idp

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Directory is an in-process Provider backed by bcrypt hashes. It serves
// local development and tests.
type Directory struct {
	mu          sync.RWMutex
	autoConfirm bool
	cost        int
	users       map[string]*account
}

type account struct {
	id        string
	email     string
	hash      []byte
	confirmed bool
}

type DirectoryOption func(*Directory)

// WithAutoConfirm marks new sign-ups as confirmed immediately.
func WithAutoConfirm() DirectoryOption {
	return func(d *Directory) { d.autoConfirm = true }
}

// WithBcryptCost overrides the hashing cost; tests use bcrypt.MinCost.
func WithBcryptCost(cost int) DirectoryOption {
	return func(d *Directory) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			d.cost = cost
		}
	}
}

func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{cost: bcrypt.DefaultCost, users: make(map[string]*account)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) SignUp(_ context.Context, c Credentials) (SignUpResult, error) {
	email := normalizeEmail(c.Email)
	if len(c.Password) < MinPasswordLength {
		return SignUpResult{}, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), d.cost)
	if err != nil {
		return SignUpResult{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.users[email]; exists {
		return SignUpResult{}, ErrAlreadyRegistered
	}
	acc := &account{id: uuid.NewString(), email: email, hash: hash, confirmed: d.autoConfirm}
	d.users[email] = acc
	return SignUpResult{
		Principal:            Principal{ID: acc.id, Email: email},
		ConfirmationRequired: !acc.confirmed,
	}, nil
}

// Confirm marks the account confirmed, as following an email link would.
func (d *Directory) Confirm(email string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.users[normalizeEmail(email)]
	if !ok {
		return false
	}
	acc.confirmed = true
	return true
}

func (d *Directory) SignIn(_ context.Context, c Credentials) (Principal, error) {
	d.mu.RLock()
	acc, ok := d.users[normalizeEmail(c.Email)]
	var (
		hash      []byte
		confirmed bool
		p         Principal
	)
	if ok {
		hash, confirmed = acc.hash, acc.confirmed
		p = Principal{ID: acc.id, Email: acc.email}
	}
	d.mu.RUnlock()

	if !ok {
		return Principal{}, authError(CategoryInvalidCredentials, errors.New("unknown email"))
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(c.Password)); err != nil {
		return Principal{}, authError(CategoryInvalidCredentials, err)
	}
	if !confirmed {
		return Principal{}, authError(CategoryEmailNotConfirmed, errors.New("email not confirmed"))
	}
	return p, nil
}
