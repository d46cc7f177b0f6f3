package mfa

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryFactors is an in-process FactorStore.
type MemoryFactors struct {
	mu      sync.Mutex
	factors map[string]Factor
}

func NewMemoryFactors() *MemoryFactors {
	return &MemoryFactors{factors: make(map[string]Factor)}
}

func (m *MemoryFactors) Create(_ context.Context, f Factor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factors[f.ID] = f
	return nil
}

func (m *MemoryFactors) Get(_ context.Context, id string) (Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[id]
	if !ok {
		return Factor{}, ErrFactorNotFound
	}
	return f, nil
}

func (m *MemoryFactors) ListByPrincipal(_ context.Context, principalID string) ([]Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Factor
	for _, f := range m.factors {
		if f.PrincipalID == principalID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryFactors) MarkVerified(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[id]
	if !ok {
		return false, ErrFactorNotFound
	}
	if f.Verified() {
		return false, nil
	}
	for _, other := range m.factors {
		if other.ID != id && other.PrincipalID == f.PrincipalID && other.Verified() {
			return false, ErrAlreadyEnrolled
		}
	}
	f.Status = StatusVerified
	f.UpdatedAt = at
	m.factors[id] = f
	return true, nil
}

func (m *MemoryFactors) TouchChallenged(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[id]
	if !ok {
		return ErrFactorNotFound
	}
	t := at
	f.LastChallengedAt = &t
	f.UpdatedAt = at
	m.factors[id] = f
	return nil
}

func (m *MemoryFactors) DiscardPending(_ context.Context, principalID, keep string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, f := range m.factors {
		if id != keep && f.PrincipalID == principalID && f.Status == StatusPending {
			delete(m.factors, id)
			n++
		}
	}
	return n, nil
}

// MemoryChallenges is an in-process ChallengeStore.
type MemoryChallenges struct {
	mu         sync.Mutex
	now        func() time.Time
	challenges map[string]Challenge
}

func NewMemoryChallenges(now func() time.Time) *MemoryChallenges {
	if now == nil {
		now = time.Now
	}
	return &MemoryChallenges{now: now, challenges: make(map[string]Challenge)}
}

func (m *MemoryChallenges) Put(_ context.Context, c Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.now().Before(c.ExpiresAt) {
		return ErrChallengeNotFound
	}
	m.challenges[c.ID] = c
	return nil
}

func (m *MemoryChallenges) Take(_ context.Context, id string) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	delete(m.challenges, id)
	if !m.now().Before(c.ExpiresAt) {
		return Challenge{}, ErrChallengeNotFound
	}
	return c, nil
}

// MemoryFailures is a fixed-window FailureCounter.
type MemoryFailures struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]failureWindow
}

type failureWindow struct {
	count   int
	expires time.Time
}

func NewMemoryFailures(now func() time.Time) *MemoryFailures {
	if now == nil {
		now = time.Now
	}
	return &MemoryFailures{now: now, windows: make(map[string]failureWindow)}
}

func (m *MemoryFailures) Incr(_ context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.expires) {
		w = failureWindow{expires: now.Add(window)}
	}
	w.count++
	m.windows[key] = w
	return w.count, nil
}

func (m *MemoryFailures) Decr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || w.count == 0 {
		return nil
	}
	w.count--
	m.windows[key] = w
	return nil
}

func (m *MemoryFailures) Count(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !m.now().Before(w.expires) {
		return 0, nil
	}
	return w.count, nil
}

func (m *MemoryFailures) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
	return nil
}
