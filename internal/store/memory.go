package store

import (
	"context"
	"sync"
	"time"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/identity"
	"github.com/halverin/gatekeep/internal/types"
)

type record struct {
	count       int64
	windowStart time.Time
	window      time.Duration
	exceeded    bool
}

func (r *record) expired(now time.Time) bool {
	return !now.Before(r.windowStart.Add(r.window))
}

// streak tracks consecutive violations for a key. It outlives the
// counter window on purpose: only a window that completes without being
// exceeded, an explicit reset or the TTL cap ends it.
type streak struct {
	violations int64
	expireAt   time.Time
}

// MemoryStore is the single-process CounterStore. Expiry is lazy: every
// access treats an elapsed window as absent. The optional janitor sweep
// only bounds memory under key churn, it is not needed for correctness.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*record
	streaks  map[string]*streak
	stop     chan struct{}
	stopOnce sync.Once
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	sweepInterval time.Duration
}

// WithSweepInterval enables the background janitor.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.sweepInterval = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	var o memoryOptions
	for _, opt := range opts {
		opt(&o)
	}
	m := &MemoryStore{
		counters: make(map[string]*record),
		streaks:  make(map[string]*streak),
		stop:     make(chan struct{}),
	}
	if o.sweepInterval > 0 {
		go m.sweep(o.sweepInterval)
	}
	return m
}

func (m *MemoryStore) Increment(ctx context.Context, rc identity.Context, limit config.Limit) (types.Decision, error) {
	if err := ctx.Err(); err != nil {
		return types.Decision{}, err
	}

	now := time.Now()
	key := rc.CounterKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.counters[key]
	if !ok || rec.expired(now) {
		if ok && !rec.exceeded {
			// The previous window completed without being exceeded,
			// which ends the violation streak.
			delete(m.streaks, key)
		}
		m.counters[key] = &record{count: 1, windowStart: now, window: limit.Window()}
		return decide(1, 0, limit.Window(), limit, now), nil
	}

	rec.count++
	var violations int64
	if rec.count > limit.MaxRequests {
		rec.exceeded = true
		violations = m.bumpStreak(key, now, streakTTL(limit))
	}
	remaining := rec.windowStart.Add(rec.window).Sub(now)
	return decide(rec.count, violations, remaining, limit, now), nil
}

// bumpStreak advances the violation streak for key, starting a fresh one
// if none is live. Caller holds mu.
func (m *MemoryStore) bumpStreak(key string, now time.Time, ttl time.Duration) int64 {
	st, ok := m.streaks[key]
	if !ok || now.After(st.expireAt) {
		st = &streak{}
		m.streaks[key] = st
	}
	st.violations++
	st.expireAt = now.Add(ttl)
	return st.violations
}

func (m *MemoryStore) Reset(ctx context.Context, rc identity.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, rc.CounterKey())
	delete(m.streaks, rc.CounterKey())
	return nil
}

func (m *MemoryStore) Peek(ctx context.Context, rc identity.Context) (*types.CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.counters[rc.CounterKey()]
	if !ok || rec.expired(now) {
		return nil, nil
	}
	return &types.CounterRecord{
		Count:       rec.count,
		WindowStart: rec.windowStart,
		TTL:         rec.windowStart.Add(rec.window).Sub(now),
	}, nil
}

// Close stops the janitor, if any.
func (m *MemoryStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, rec := range m.counters {
				if rec.expired(now) {
					if !rec.exceeded {
						delete(m.streaks, key)
					}
					delete(m.counters, key)
				}
			}
			for key, st := range m.streaks {
				if now.After(st.expireAt) {
					delete(m.streaks, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
