// Package core orchestrates admission: key extraction has already
// produced an identity.Context, the engine validates an optional API key,
// increments the counter and synthesizes the decision, then observes the
// downstream outcome for the conditional reset.
package core

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

import (
	"github.com/halverin/gatekeep/internal/apikeys"
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/errs"
	"github.com/halverin/gatekeep/internal/identity"
	"github.com/halverin/gatekeep/internal/metrics"
	"github.com/halverin/gatekeep/internal/rcu"
	"github.com/halverin/gatekeep/internal/store"
	"github.com/halverin/gatekeep/internal/types"
)

// Decision reasons added by the engine on top of the store's.
const (
	ReasonFailOpen   = "fail_open"
	ReasonFailClosed = "fail_closed"
)

// Result is an admission outcome together with the limit that produced
// it, which the caller must feed back into ObserveOutcome so per-key
// overrides keep applying through the reset stage.
type Result struct {
	Decision types.Decision
	Limit    config.Limit
}

// Options wires the engine. Store and FailPolicy are required; the fail
// policy is an operator decision with no inferred default.
type Options struct {
	Store        store.CounterStore
	Directory    apikeys.Directory // optional; enables the API-key flow
	DefaultLimit config.Limit
	FailPolicy   string // config.FailOpen or config.FailClosed
	Metrics      metrics.Recorder
	Logger       *slog.Logger
}

// Engine makes per-request admission decisions. Construct once and pass
// explicitly; it holds no ambient global state.
type Engine struct {
	store      store.CounterStore
	directory  apikeys.Directory
	defaults   *rcu.Snapshot[config.Limit]
	failPolicy string
	metrics    metrics.Recorder
	logger     *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errs.Configuration("engine: counter store is required")
	}
	switch opts.FailPolicy {
	case config.FailOpen, config.FailClosed:
	default:
		return nil, errs.Configuration("engine: failPolicy must be fail-open or fail-closed")
	}
	if err := opts.DefaultLimit.Validate(); err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := opts.DefaultLimit
	return &Engine{
		store:      opts.Store,
		directory:  opts.Directory,
		defaults:   rcu.NewSnapshot(&limit),
		failPolicy: opts.FailPolicy,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}, nil
}

// DefaultLimit returns the currently published default limit.
func (e *Engine) DefaultLimit() config.Limit {
	return *e.defaults.Load()
}

// UpdateDefaultLimit hot-swaps the default limit for subsequent requests.
func (e *Engine) UpdateDefaultLimit(l config.Limit) error {
	if err := l.Validate(); err != nil {
		return err
	}
	next := l
	e.defaults.Replace(&next)
	return nil
}

// Admit runs the admission state machine for one request. A denied
// request yields a Decision with Allowed=false and a nil error; a non-nil
// error is always a typed *errs.Error for the boundary to render.
func (e *Engine) Admit(ctx context.Context, rc identity.Context) (Result, error) {
	if rc.Key.IsZero() {
		return Result{}, errs.RequestParsing("no extractable identity in request")
	}

	limit := *e.defaults.Load()

	// API-key flow: an unknown or invalid key is rejected before any
	// increment, and a found override replaces the static limit.
	if rc.Key.Kind == identity.KindAPIKey && e.directory != nil {
		rec, err := e.directory.Validate(ctx, rc.Key.ID)
		if err != nil {
			var typed *errs.Error
			if errors.As(err, &typed) {
				return Result{}, typed
			}
			return Result{}, errs.APIKeyValidationFailed("directory error", err)
		}
		if !rec.Valid {
			return Result{}, errs.InvalidAPIKey(rc.Key.ID)
		}
		if rec.Limit != nil {
			limit = *rec.Limit
		}
	}

	dec, err := e.store.Increment(ctx, rc, limit)
	if err != nil {
		return e.applyFailPolicy(rc, limit, err)
	}

	if dec.Allowed {
		e.metrics.Decision("allow")
	} else {
		e.metrics.Decision("deny")
	}
	return Result{Decision: dec, Limit: limit}, nil
}

// applyFailPolicy resolves a store failure into the operator-chosen
// behavior. The store never silently allows or denies; this is the one
// place that trade-off is decided.
func (e *Engine) applyFailPolicy(rc identity.Context, limit config.Limit, err error) (Result, error) {
	kind := errs.KindOf(err)
	if kind == "" {
		kind = errs.KindStoreError
	}
	e.metrics.StoreFault(string(kind))

	if e.failPolicy == config.FailOpen {
		e.logger.Warn("fail-open due to store error", "key", rc.Key.StorageKey(), "err", err)
		e.metrics.Decision(ReasonFailOpen)
		return Result{
			Decision: types.Decision{
				Allowed:   true,
				Remaining: limit.MaxRequests,
				Limit:     limit.MaxRequests,
				ResetAt:   time.Now().Add(limit.Window()),
				Reason:    ReasonFailOpen,
			},
			Limit: limit,
		}, nil
	}

	e.logger.Error("fail-closed due to store error", "key", rc.Key.StorageKey(), "err", err)
	e.metrics.Decision(ReasonFailClosed)
	var typed *errs.Error
	if errors.As(err, &typed) {
		return Result{}, typed
	}
	return Result{}, errs.StoreError("store failure", err)
}

// ObserveOutcome is the post-response stage: it evaluates the reset
// policy against the downstream outcome code and conditionally clears the
// counter. An aborted request never triggers a reset, and reset failures
// are logged without affecting the already-sent response.
func (e *Engine) ObserveOutcome(ctx context.Context, rc identity.Context, limit config.Limit, status int) {
	if limit.ResetOnSuccess.Mode == "" || limit.ResetOnSuccess.Mode == config.ResetNever {
		return
	}
	if ctx.Err() != nil {
		e.metrics.ResetOutcome("skipped")
		return
	}
	if !limit.ResetOnSuccess.ShouldReset(status) {
		return
	}

	// The request context may be torn down by the server right after the
	// handler returns; the reset gets its own short deadline instead.
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	if err := e.store.Reset(resetCtx, rc); err != nil {
		e.logger.Warn("post-response counter reset failed", "key", rc.Key.StorageKey(), "err", err)
		e.metrics.ResetOutcome("error")
		return
	}
	e.metrics.ResetOutcome("ok")
}

// ResetKey clears a counter administratively.
func (e *Engine) ResetKey(ctx context.Context, rc identity.Context) error {
	return e.store.Reset(ctx, rc)
}

// PeekKey inspects a live counter without side effects.
func (e *Engine) PeekKey(ctx context.Context, rc identity.Context) (*types.CounterRecord, error) {
	return e.store.Peek(ctx, rc)
}
