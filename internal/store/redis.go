package store

import (
	"context"
	"errors"
	"net"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/errs"
	"github.com/halverin/gatekeep/internal/identity"
	"github.com/halverin/gatekeep/internal/repo"
	"github.com/halverin/gatekeep/internal/types"
)

// RedisStore is the distributed CounterStore. Atomicity of "create with
// TTL or increment" is delegated to the repo's single Lua round trip, so
// concurrent increments across processes are linearized by the backend.
type RedisStore struct {
	repo repo.Repo
}

func NewRedisStore(r repo.Repo) *RedisStore {
	if r == nil {
		panic("store: nil repo")
	}
	return &RedisStore{repo: r}
}

func (s *RedisStore) Increment(ctx context.Context, rc identity.Context, limit config.Limit) (types.Decision, error) {
	key := rc.CounterKey()
	count, remaining, streak, err := s.repo.IncrWindow(ctx, key, limit.Window(), streakTTL(limit), limit.MaxRequests)
	if err != nil {
		return types.Decision{}, classify("counter increment failed", err)
	}
	if remaining <= 0 {
		// PTTL can report -1 in the unlikely case the record lost its TTL;
		// fall back to a full window rather than an immediate reset.
		remaining = limit.Window()
	}
	return decide(count, streak, remaining, limit, time.Now()), nil
}

func (s *RedisStore) Reset(ctx context.Context, rc identity.Context) error {
	key := rc.CounterKey()
	keys := []string{s.repo.KeyCounter(key), s.repo.KeyStreak(key), s.repo.KeyExceeded(key)}
	if err := s.repo.Delete(ctx, keys...); err != nil {
		return classify("counter reset failed", err)
	}
	return nil
}

func (s *RedisStore) Peek(ctx context.Context, rc identity.Context) (*types.CounterRecord, error) {
	key := s.repo.KeyCounter(rc.CounterKey())
	count, remaining, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, classify("counter peek failed", err)
	}
	if !ok {
		return nil, nil
	}
	// The backend persists only count and TTL; the window start is not
	// recoverable without knowing the original window length.
	return &types.CounterRecord{
		Count: count,
		TTL:   remaining,
	}, nil
}

// classify maps backend failures onto the error taxonomy: unreachability
// and timeouts are the distinguished StoreUnavailable condition, anything
// else is a plain StoreError. The caller's fail policy decides what
// happens next; the store itself never silently allows or denies.
func classify(message string, err error) *errs.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.StoreUnavailable(message+": operation timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.StoreUnavailable(message+": backend unreachable", err)
	}
	if errors.Is(err, redis.ErrClosed) {
		return errs.StoreUnavailable(message+": connection closed", err)
	}
	return errs.StoreError(message, err)
}
