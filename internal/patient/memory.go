package patient

import (
	"context"
	"sync"
)

// InMemory is a Store backed by a map.
type InMemory struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewInMemory(seed ...Record) *InMemory {
	m := &InMemory{records: make(map[string]Record)}
	for _, r := range seed {
		m.Put(r)
	}
	return m
}

// Put inserts or replaces a record as-is, for seeding.
func (m *InMemory) Put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
}

func (m *InMemory) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *InMemory) Update(_ context.Context, id string, u Update, s Stamp) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	r = Apply(r, u, s)
	m.records[id] = r
	return r, nil
}
