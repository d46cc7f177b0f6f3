// Package redisstore keeps short-lived MFA state in Redis so challenges and
// lockout counters are shared across gateway replicas.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"clinigate.org/internal/fault"
	"clinigate.org/internal/mfa"
)

const keyPrefix = "clinigate:"

// commander is the subset of redis.Cmdable used here.
type commander interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

type Store struct {
	rdb   commander
	close func() error
	now   func() time.Time
}

// Open parses a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{rdb: client, close: client.Close, now: time.Now}, nil
}

func newStore(rdb commander, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{rdb: rdb, close: func() error { return nil }, now: now}
}

func (s *Store) Close() error { return s.close() }

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) Challenges() *Challenges { return &Challenges{s: s} }
func (s *Store) Failures() *Failures     { return &Failures{s: s} }

func unavailable(op string, err error) error {
	return fault.E(fault.Persistence, op, err)
}

// Challenges implements mfa.ChallengeStore. Each challenge lives under its
// own key with a TTL matching its expiry; GETDEL makes consumption atomic.
type Challenges struct {
	s *Store
}

var _ mfa.ChallengeStore = (*Challenges)(nil)

type storedChallenge struct {
	ID          string    `json:"id"`
	FactorID    string    `json:"factor_id"`
	PrincipalID string    `json:"principal_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func challengeKey(id string) string { return keyPrefix + "mfa:challenge:" + id }

func (c *Challenges) Put(ctx context.Context, ch mfa.Challenge) error {
	ttl := ch.ExpiresAt.Sub(c.s.now())
	if ttl <= 0 {
		return mfa.ErrChallengeNotFound
	}
	raw, err := json.Marshal(storedChallenge(ch))
	if err != nil {
		return err
	}
	if err := c.s.rdb.Set(ctx, challengeKey(ch.ID), raw, ttl).Err(); err != nil {
		return unavailable("redis.challenge_put", err)
	}
	return nil
}

func (c *Challenges) Take(ctx context.Context, id string) (mfa.Challenge, error) {
	raw, err := c.s.rdb.GetDel(ctx, challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return mfa.Challenge{}, mfa.ErrChallengeNotFound
	}
	if err != nil {
		return mfa.Challenge{}, unavailable("redis.challenge_take", err)
	}
	var stored storedChallenge
	if err := json.Unmarshal(raw, &stored); err != nil {
		return mfa.Challenge{}, unavailable("redis.challenge_take", err)
	}
	if !c.s.now().Before(stored.ExpiresAt) {
		return mfa.Challenge{}, mfa.ErrChallengeNotFound
	}
	return mfa.Challenge(stored), nil
}

// Failures implements mfa.FailureCounter as a fixed window: the first
// increment sets the expiry.
type Failures struct {
	s *Store
}

var _ mfa.FailureCounter = (*Failures)(nil)

const incrScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`

func (f *Failures) Incr(ctx context.Context, key string, window time.Duration) (int, error) {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1000
	}
	n, err := f.s.rdb.Eval(ctx, incrScript, []string{keyPrefix + key}, ms).Int64()
	if err != nil {
		return 0, unavailable("redis.failures_incr", err)
	}
	return int(n), nil
}

const decrScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`

// Decr gives back a reserved attempt without touching the window expiry.
func (f *Failures) Decr(ctx context.Context, key string) error {
	if err := f.s.rdb.Eval(ctx, decrScript, []string{keyPrefix + key}).Err(); err != nil {
		return unavailable("redis.failures_decr", err)
	}
	return nil
}

func (f *Failures) Count(ctx context.Context, key string) (int, error) {
	n, err := f.s.rdb.Get(ctx, keyPrefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("redis.failures_count", err)
	}
	return n, nil
}

func (f *Failures) Reset(ctx context.Context, key string) error {
	if err := f.s.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return unavailable("redis.failures_reset", err)
	}
	return nil
}
