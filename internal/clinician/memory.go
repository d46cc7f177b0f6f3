package clinician

import (
	"context"
	"sync"
)

// InMemory enforces principal uniqueness the way the database constraint does.
type InMemory struct {
	mu          sync.Mutex
	nextID      int64
	byPrincipal map[string]Clinician
}

func NewInMemory() *InMemory {
	return &InMemory{byPrincipal: make(map[string]Clinician)}
}

func (m *InMemory) ByPrincipal(_ context.Context, principalID string) (Clinician, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byPrincipal[principalID]
	if !ok {
		return Clinician{}, ErrNotFound
	}
	return c, nil
}

func (m *InMemory) Create(_ context.Context, c *Clinician) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPrincipal[c.PrincipalID]; exists {
		return ErrDuplicate
	}
	m.nextID++
	c.ID = m.nextID
	m.byPrincipal[c.PrincipalID] = *c
	return nil
}

// Len reports the number of stored clinicians.
func (m *InMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPrincipal)
}
