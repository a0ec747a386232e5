package liveness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"presence/internal/metrics"
)

const DefaultTTL = 10 * time.Minute

// Tracker owns liveness state for all subjects. Read-modify-write cycles are
// serialized per subject; different subjects proceed in parallel.
type Tracker struct {
	store Store
	now   func() time.Time
	ttl   time.Duration
	log   *zap.Logger
	locks keyedMutex
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTTL sets how long an idle subject keeps its state.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		ttl:   DefaultTTL,
		log:   zap.NewNop(),
		locks: keyedMutex{locks: make(map[string]*refLock)},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe folds one attempt into the subject's state and returns the
// resulting status.
func (t *Tracker) Observe(ctx context.Context, subject string, obs Observation) (Status, error) {
	unlock, err := t.lock(ctx, subject)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	now := t.now()
	s, err := t.load(ctx, subject, now)
	if err != nil {
		return Status{}, err
	}
	if s == nil {
		s = &State{}
		t.log.Debug("liveness tracking started", zap.String("subject", subject))
	}
	before := s.BlinkCount
	s.apply(obs, now)
	if s.BlinkCount > before {
		t.log.Debug("blink detected", zap.String("subject", subject), zap.Int("blinks", s.BlinkCount))
	}
	if err := t.store.Save(ctx, subject, s); err != nil {
		return Status{}, err
	}
	return s.status(now), nil
}

// IsVerified reports whether the subject currently satisfies the liveness policy.
func (t *Tracker) IsVerified(ctx context.Context, subject string) (bool, error) {
	st, err := t.Status(ctx, subject)
	if err != nil {
		return false, err
	}
	return st.LivenessVerified, nil
}

func (t *Tracker) Status(ctx context.Context, subject string) (Status, error) {
	unlock, err := t.lock(ctx, subject)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	now := t.now()
	s, err := t.load(ctx, subject, now)
	if err != nil {
		return Status{}, err
	}
	return s.status(now), nil
}

// State returns a copy of the subject's raw state, or nil when untracked.
func (t *Tracker) State(ctx context.Context, subject string) (*State, error) {
	unlock, err := t.lock(ctx, subject)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return t.load(ctx, subject, t.now())
}

// Reset discards the subject's state, returning it to NEW.
func (t *Tracker) Reset(ctx context.Context, subject string) error {
	unlock, err := t.lock(ctx, subject)
	if err != nil {
		return err
	}
	defer unlock()
	return t.store.Delete(ctx, subject)
}

// Sweep removes idle states from an in-memory store. Stores that expire keys
// on their own are left alone.
func (t *Tracker) Sweep() int {
	ms, ok := t.store.(*MemoryStore)
	if !ok {
		return 0
	}
	removed, remaining := ms.Sweep(t.now().Add(-t.ttl))
	metrics.LivenessSubjects.Set(float64(remaining))
	if removed > 0 {
		t.log.Debug("liveness states expired", zap.Int("removed", removed), zap.Int("remaining", remaining))
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// lock serializes the subject in this process and, for shared stores, across
// processes.
func (t *Tracker) lock(ctx context.Context, subject string) (func(), error) {
	release := t.locks.lock(subject)
	locker, ok := t.store.(Locker)
	if !ok {
		return release, nil
	}
	unlock, err := locker.Lock(ctx, subject)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}

func (t *Tracker) load(ctx context.Context, subject string, now time.Time) (*State, error) {
	s, ok, err := t.store.Load(ctx, subject)
	if err != nil || !ok {
		return nil, err
	}
	if now.Sub(s.LastSeen) > t.ttl {
		if err := t.store.Delete(ctx, subject); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s, nil
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
