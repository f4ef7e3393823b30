// Package store implements the per-identity counter against which
// admission decisions are made. Two backends are provided: a
// single-process in-memory map and a distributed implementation on the
// Redis repo. Both are selected at construction time behind CounterStore.
package store

import (
	"context"
	"time"
)

import (
	"github.com/halverin/gatekeep/internal/backoff"
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/identity"
	"github.com/halverin/gatekeep/internal/types"
)

// Decision reasons.
const (
	ReasonAllowed     = "allowed"
	ReasonRateLimited = "rate_limited"
)

// CounterStore is the atomic counter bound to a key and window.
//
// Increment must be atomic across all concurrent callers for the same
// key: N concurrent increments on an empty key yield final count exactly
// N, one window creation, and each caller sees a distinct monotonically
// increasing count.
type CounterStore interface {
	Increment(ctx context.Context, rc identity.Context, limit config.Limit) (types.Decision, error)
	// Reset deletes the live record; the next increment starts a fresh window.
	Reset(ctx context.Context, rc identity.Context) error
	// Peek reads the live record without side effects. A nil record means
	// the key is absent or its window has elapsed.
	Peek(ctx context.Context, rc identity.Context) (*types.CounterRecord, error)
}

// decide synthesizes a Decision from an observed count, the live
// violation streak and the remaining window. Shared by both backends so
// allow/deny semantics cannot drift.
func decide(count, streak int64, remainingWindow time.Duration, limit config.Limit, now time.Time) types.Decision {
	resetAt := now.Add(remainingWindow)
	dec := types.Decision{
		Allowed:   count <= limit.MaxRequests,
		Remaining: maxInt64(limit.MaxRequests-count, 0),
		Limit:     limit.MaxRequests,
		ResetAt:   resetAt,
		Reason:    ReasonAllowed,
	}
	if !dec.Allowed {
		dec.Reason = ReasonRateLimited
		dec.RetryAfter = remainingWindow
		if dec.RetryAfter <= 0 {
			dec.RetryAfter = limit.Window()
		}
		// An escalation sequence overrides the window-based estimate.
		if delay, ok := backoff.Next(streak-1, limit.Backoff()); ok {
			dec.RetryAfter = delay
		}
	}
	return dec
}

// streakTTL bounds how long a violation streak may outlive its last
// violation. The streak ends when a window completes without being
// exceeded; the TTL only caps memory for keys that go quiet while still
// in the penalty box.
func streakTTL(limit config.Limit) time.Duration {
	ttl := 2 * limit.Window()
	if delays := limit.Backoff(); len(delays) > 0 && delays[len(delays)-1] > ttl {
		ttl = delays[len(delays)-1]
	}
	return ttl
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
