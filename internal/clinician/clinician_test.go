package clinician

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultName(t *testing.T) {
	cases := map[string]string{
		"doc@example.org": "Dr. doc",
		" jane.tan@x.sg ": "Dr. jane.tan",
		"@example.org":    "Dr. Doctor",
		"":                "Dr. Doctor",
		"no-at-sign":      "Dr. no-at-sign",
	}
	for email, want := range cases {
		assert.Equal(t, want, DefaultName(email), email)
	}
}

func TestResolveOrCreateFirstLogin(t *testing.T) {
	store := NewInMemory()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewProvisioner(store, WithClock(func() time.Time { return fixed }))

	c, err := p.ResolveOrCreate(context.Background(), Principal{ID: "p-1", Email: "doc@example.org"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.ID)
	assert.Equal(t, "Dr. doc", c.Name)
	assert.Equal(t, DefaultDepartment, c.Department)
	assert.Equal(t, "p-1", c.PrincipalID)
	assert.Equal(t, fixed, c.CreatedAt)

	again, err := p.ResolveOrCreate(context.Background(), Principal{ID: "p-1", Email: "doc@example.org"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, 1, store.Len())
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	store := NewInMemory()
	p := NewProvisioner(store)

	const n = 16
	ids := make([]int64, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c, err := p.ResolveOrCreate(context.Background(), Principal{ID: "p-race", Email: "race@example.org"})
			if err == nil {
				ids[i] = c.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, store.Len())
	for _, id := range ids {
		assert.EqualValues(t, 1, id)
	}
}

// racingStore reports not-found once, then loses the insert to another writer.
type racingStore struct {
	winner    Clinician
	lookups   int
	creates   int
	lookupErr error
}

func (s *racingStore) ByPrincipal(context.Context, string) (Clinician, error) {
	s.lookups++
	if s.lookupErr != nil {
		return Clinician{}, s.lookupErr
	}
	if s.lookups == 1 {
		return Clinician{}, ErrNotFound
	}
	return s.winner, nil
}

func (s *racingStore) Create(context.Context, *Clinician) error {
	s.creates++
	return ErrDuplicate
}

func TestResolveOrCreateRefetchesOnDuplicate(t *testing.T) {
	store := &racingStore{winner: Clinician{ID: 42, PrincipalID: "p-2", Name: "Dr. other"}}
	c, err := NewProvisioner(store).ResolveOrCreate(context.Background(), Principal{ID: "p-2", Email: "x@y.z"})
	require.NoError(t, err)
	assert.EqualValues(t, 42, c.ID)
	assert.Equal(t, 2, store.lookups)
	assert.Equal(t, 1, store.creates)
}

func TestResolveOrCreateErrors(t *testing.T) {
	_, err := NewProvisioner(NewInMemory()).ResolveOrCreate(context.Background(), Principal{Email: "a@b.c"})
	assert.ErrorIs(t, err, ErrNoPrincipal)

	boom := errors.New("connection reset")
	store := &racingStore{lookupErr: boom}
	_, err = NewProvisioner(store).ResolveOrCreate(context.Background(), Principal{ID: "p", Email: "a@b.c"})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, store.creates)
}

func TestWithDepartment(t *testing.T) {
	p := NewProvisioner(NewInMemory(), WithDepartment("Cardiology"))
	c, err := p.ResolveOrCreate(context.Background(), Principal{ID: "p-3", Email: "h@example.org"})
	require.NoError(t, err)
	assert.Equal(t, "Cardiology", c.Department)
}
