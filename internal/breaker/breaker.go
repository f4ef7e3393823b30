// Package breaker guards the distributed counter store with a circuit
// breaker. When the backend is faulting, an open circuit short-circuits
// store calls into StoreUnavailable immediately instead of burning the
// per-operation timeout on every request; the engine's fail policy then
// applies as usual.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

import (
	sentinel "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/errs"
	"github.com/halverin/gatekeep/internal/identity"
	"github.com/halverin/gatekeep/internal/store"
	"github.com/halverin/gatekeep/internal/types"
)

var initOnce sync.Once

// Guarded wraps a CounterStore with a sentinel error-count breaker.
type Guarded struct {
	inner    store.CounterStore
	resource string
	logger   *slog.Logger
}

// Wrap installs breaker rules for resource and returns the guarded store.
func Wrap(inner store.CounterStore, resource string, cfg config.BreakerCfg, logger *slog.Logger) (*Guarded, error) {
	if inner == nil {
		panic("breaker: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var initErr error
	initOnce.Do(func() {
		initErr = sentinel.InitDefault()
	})
	if initErr != nil {
		return nil, initErr
	}

	rule := &circuitbreaker.Rule{
		Resource:         resource,
		Strategy:         circuitbreaker.ErrorCount,
		Threshold:        float64(intOrDefault(cfg.ErrorThreshold, 5)),
		MinRequestAmount: uint64(intOrDefault(cfg.MinRequests, 10)),
		StatIntervalMs:   uint32(intOrDefault(cfg.StatIntervalMs, 10000)),
		RetryTimeoutMs:   uint32(intOrDefault(cfg.RetryTimeoutMs, 3000)),
	}
	if _, err := circuitbreaker.LoadRules([]*circuitbreaker.Rule{rule}); err != nil {
		return nil, err
	}

	return &Guarded{inner: inner, resource: resource, logger: logger}, nil
}

func (g *Guarded) Increment(ctx context.Context, rc identity.Context, limit config.Limit) (types.Decision, error) {
	var dec types.Decision
	err := g.guard(func() error {
		var innerErr error
		dec, innerErr = g.inner.Increment(ctx, rc, limit)
		return innerErr
	})
	return dec, err
}

func (g *Guarded) Reset(ctx context.Context, rc identity.Context) error {
	return g.guard(func() error {
		return g.inner.Reset(ctx, rc)
	})
}

func (g *Guarded) Peek(ctx context.Context, rc identity.Context) (*types.CounterRecord, error) {
	var rec *types.CounterRecord
	err := g.guard(func() error {
		var innerErr error
		rec, innerErr = g.inner.Peek(ctx, rc)
		return innerErr
	})
	return rec, err
}

// guard runs fn inside a sentinel entry. Only store faults feed the
// breaker; rate-limit denials are ordinary decisions, not failures.
func (g *Guarded) guard(fn func() error) error {
	entry, blockErr := sentinel.Entry(g.resource, sentinel.WithTrafficType(base.Outbound))
	if blockErr != nil {
		g.logger.Warn("circuit open, store call short-circuited", "resource", g.resource)
		return errs.StoreUnavailable("circuit breaker open for "+g.resource, nil)
	}
	defer entry.Exit()

	err := fn()
	if err != nil && isStoreFault(err) {
		sentinel.TraceError(entry, err)
	}
	return err
}

func isStoreFault(err error) bool {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Kind == errs.KindStoreError || e.Kind == errs.KindStoreUnavailable
	}
	return false
}

func intOrDefault(val, def int) int {
	if val > 0 {
		return val
	}
	return def
}
