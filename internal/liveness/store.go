package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"presence/internal/apperr"
)

// Store persists liveness state by subject id. Implementations need not be
// safe for concurrent read-modify-write of one key; the Tracker serializes
// access per subject within the process, and through Locker across processes
// when the store implements it.
type Store interface {
	Load(ctx context.Context, subject string) (*State, bool, error)
	Save(ctx context.Context, subject string, s *State) error
	Delete(ctx context.Context, subject string) error
}

// Locker is implemented by stores shared between processes. Lock holds the
// subject exclusively until the returned func is called.
type Locker interface {
	Lock(ctx context.Context, subject string) (unlock func(), err error)
}

// MemoryStore keeps state in process memory. State is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Load(_ context.Context, subject string) (*State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[subject]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *MemoryStore) Save(_ context.Context, subject string, s *State) error {
	m.mu.Lock()
	m.states[subject] = *s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, subject string) error {
	m.mu.Lock()
	delete(m.states, subject)
	m.mu.Unlock()
	return nil
}

// Sweep drops states last seen before cutoff and returns how many were
// removed and how many remain.
func (m *MemoryStore) Sweep(cutoff time.Time) (removed, remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.states {
		if s.LastSeen.Before(cutoff) {
			delete(m.states, k)
			removed++
		}
	}
	return removed, len(m.states)
}

// Len returns the number of tracked subjects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

const (
	redisKeyPrefix  = "presence:liveness:"
	redisLockPrefix = "presence:liveness-lock:"
)

// Lock timing for RedisStore. A holder that dies releases after LockLease.
const (
	DefaultLockLease = 5 * time.Second
	DefaultLockWait  = 3 * time.Second
	lockPoll         = 10 * time.Millisecond
)

// unlockScript deletes the lock only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps state as JSON in Redis; idle keys expire after ttl. It is
// a Locker, so replicas sharing one Redis do not lose each other's updates.
type RedisStore struct {
	rdb       redis.Cmdable
	ttl       time.Duration
	lockLease time.Duration
	lockWait  time.Duration
}

type RedisOption func(*RedisStore)

// WithLockTiming sets how long a lock is leased and how long Lock waits for it.
func WithLockTiming(lease, wait time.Duration) RedisOption {
	return func(r *RedisStore) {
		if lease > 0 {
			r.lockLease = lease
		}
		if wait > 0 {
			r.lockWait = wait
		}
	}
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration, opts ...RedisOption) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &RedisStore{rdb: rdb, ttl: ttl, lockLease: DefaultLockLease, lockWait: DefaultLockWait}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock takes the subject's lock with SET NX and a lease, polling until
// lockWait runs out.
func (r *RedisStore) Lock(ctx context.Context, subject string) (func(), error) {
	key := redisLockPrefix + subject
	token := uuid.NewString()
	deadline := time.Now().Add(r.lockWait)
	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.lockLease).Result()
		if err != nil {
			return nil, fmt.Errorf("lock liveness state: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, apperr.New(apperr.StorageUnavailable, "liveness state for %s is busy, please retry", subject)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = unlockScript.Run(unlockCtx, r.rdb, []string{key}, token).Err()
	}, nil
}

func (r *RedisStore) Load(ctx context.Context, subject string) (*State, bool, error) {
	raw, err := r.rdb.Get(ctx, redisKeyPrefix+subject).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load liveness state: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("decode liveness state: %w", err)
	}
	return &s, true, nil
}

func (r *RedisStore) Save(ctx context.Context, subject string, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode liveness state: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+subject, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("save liveness state: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, subject string) error {
	if err := r.rdb.Del(ctx, redisKeyPrefix+subject).Err(); err != nil {
		return fmt.Errorf("delete liveness state: %w", err)
	}
	return nil
}
