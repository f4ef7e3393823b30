package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/halverin/gatekeep/internal/apikeys"
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/core"
	"github.com/halverin/gatekeep/internal/errs"
	"github.com/halverin/gatekeep/internal/identity"
)

// Server exposes the admission engine over HTTP: a middleware for host
// pipelines plus standalone check, inspection and directory-admin routes.
type Server struct {
	cfg        config.ServerCfg
	engine     *core.Engine
	resolver   *identity.Resolver
	admin      *apikeys.RedisDirectory // optional, enables api-key admin routes
	metrics    http.Handler            // optional, mounted at /metrics
	guarded    http.Handler            // optional, mounted behind the middleware
	guardedAt  string
	requireKey bool
	logger     *slog.Logger
	srv        *http.Server
}

type ServerOption func(*Server)

// WithAdminDirectory enables the api-key admin routes.
func WithAdminDirectory(d *apikeys.RedisDirectory) ServerOption {
	return func(s *Server) { s.admin = d }
}

// WithMetricsHandler mounts a metrics endpoint.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithRequiredAPIKey makes the middleware reject requests that present no
// API-key credential instead of falling back to IP identity.
func WithRequiredAPIKey() ServerOption {
	return func(s *Server) { s.requireKey = true }
}

// WithGuardedHandler mounts handler under pathPrefix behind the admission
// middleware.
func WithGuardedHandler(pathPrefix string, h http.Handler) ServerOption {
	return func(s *Server) {
		s.guardedAt = pathPrefix
		s.guarded = h
	}
}

func NewServer(cfg config.ServerCfg, engine *core.Engine, resolver *identity.Resolver, logger *slog.Logger, opts ...ServerOption) *Server {
	if resolver == nil {
		resolver = identity.NewResolver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, engine: engine, resolver: resolver, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/check", s.checkHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/counters/{kind}/{id}", s.peekHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/counters/{kind}/{id}", s.resetHandler).Methods(http.MethodDelete)
	r.HandleFunc("/v1/limit", s.getLimitHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/limit", s.putLimitHandler).Methods(http.MethodPut)
	if s.admin != nil {
		r.HandleFunc("/v1/apikeys/{key}", s.saveAPIKeyHandler).Methods(http.MethodPut)
		r.HandleFunc("/v1/apikeys/{key}", s.deleteAPIKeyHandler).Methods(http.MethodDelete)
		r.HandleFunc("/v1/apikeys", s.invalidateAPIKeysHandler).Methods(http.MethodDelete)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	// Registered last so a broad prefix cannot shadow the service routes.
	if s.guarded != nil {
		r.PathPrefix(s.guardedAt).Handler(s.Middleware(s.guarded))
	}
}

func (s *Server) ListenAndServe() error {
	r := mux.NewRouter()
	r.Use(RequestID)
	s.RegisterRoutes(r)
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------- Middleware ----------------

// Middleware gates the wrapped handler through the engine. On allow it
// stamps the X-RateLimit-* headers, forwards the request, then feeds the
// downstream status back for the conditional reset. On deny it renders
// the typed error and never calls the handler.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := s.resolver.Resolve(r)
		if err != nil {
			writeError(w, errs.RequestParsing("no extractable identity in request"))
			return
		}
		if s.requireKey && rc.Key.Kind != identity.KindAPIKey {
			writeError(w, errs.APIKeyMissing())
			return
		}

		res, err := s.engine.Admit(r.Context(), rc)
		if err != nil {
			writeError(w, asTyped(err))
			return
		}

		dec := res.Decision
		if !dec.Allowed {
			s.logger.Debug("request denied",
				"request_id", RequestIDFrom(r.Context()),
				"key", rc.Key.StorageKey(),
				"retry_after", dec.RetryAfter)
			writeError(w, errs.RateLimitExceeded(dec.Remaining, dec.RetryAfter, dec.Limit, dec.ResetAt))
			return
		}

		setRateLimitHeaders(w.Header(), dec.Limit, dec.Remaining, dec.ResetAt)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.engine.ObserveOutcome(r.Context(), rc, res.Limit, rec.status)
	})
}

// statusRecorder captures the downstream outcome code for the
// post-response reset stage.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ---------------- Handlers ----------------

func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.RequestParsing("invalid request body: "+err.Error()))
		return
	}
	rc, err := contextFromRequest(req)
	if err != nil {
		writeError(w, err.(*errs.Error))
		return
	}

	res, admitErr := s.engine.Admit(r.Context(), rc)
	if admitErr != nil {
		writeError(w, asTyped(admitErr))
		return
	}

	dec := res.Decision
	if !dec.Allowed {
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(ceilSeconds(dec.RetryAfter), 10))
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}
	_ = json.NewEncoder(w).Encode(toCheckResponse(dec))
}

func (s *Server) peekHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rc, err := contextFromVars(mux.Vars(r), r.URL.Query().Get("method"), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err.(*errs.Error))
		return
	}

	rec, peekErr := s.engine.PeekKey(r.Context(), rc)
	if peekErr != nil {
		writeError(w, asTyped(peekErr))
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(statusResponse{Status: "no live counter"})
		return
	}
	_ = json.NewEncoder(w).Encode(toCounterResponse(rec))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rc, err := contextFromVars(mux.Vars(r), r.URL.Query().Get("method"), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err.(*errs.Error))
		return
	}
	if resetErr := s.engine.ResetKey(r.Context(), rc); resetErr != nil {
		writeError(w, asTyped(resetErr))
		return
	}
	_ = json.NewEncoder(w).Encode(statusResponse{Status: "reset"})
}

func (s *Server) getLimitHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.engine.DefaultLimit())
}

func (s *Server) putLimitHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var limit config.Limit
	if err := json.NewDecoder(r.Body).Decode(&limit); err != nil {
		writeError(w, errs.RequestParsing("invalid request body: "+err.Error()))
		return
	}
	if err := s.engine.UpdateDefaultLimit(limit); err != nil {
		writeError(w, asTyped(err))
		return
	}
	_ = json.NewEncoder(w).Encode(statusResponse{Status: "updated"})
}

func (s *Server) saveAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rawKey := mux.Vars(r)["key"]
	var req SaveAPIKeyRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.RequestParsing("invalid request body: "+err.Error()))
			return
		}
	}
	if err := s.admin.SaveKey(r.Context(), rawKey, req.Limit, req.TTL()); err != nil {
		writeError(w, asTyped(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(statusResponse{Status: "saved"})
}

func (s *Server) deleteAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.admin.DeleteKey(r.Context(), mux.Vars(r)["key"]); err != nil {
		writeError(w, asTyped(err))
		return
	}
	_ = json.NewEncoder(w).Encode(statusResponse{Status: "deleted"})
}

func (s *Server) invalidateAPIKeysHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	n, err := s.admin.InvalidateAll(r.Context())
	if err != nil {
		writeError(w, asTyped(err))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]int64{"invalidated": n})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{Status: "ok"})
}

// ---------------- Helpers ----------------

func contextFromRequest(req CheckRequest) (identity.Context, error) {
	return buildContext(req.Kind, req.ID, req.Method, req.Path)
}

func contextFromVars(vars map[string]string, method, path string) (identity.Context, error) {
	return buildContext(vars["kind"], vars["id"], method, path)
}

func buildContext(kind, id, method, path string) (identity.Context, error) {
	if id == "" {
		return identity.Context{}, errs.RequestParsing("id is required")
	}
	switch identity.Kind(kind) {
	case identity.KindIP, identity.KindEmail, identity.KindAPIKey, identity.KindCustom:
	default:
		return identity.Context{}, errs.RequestParsing("unknown identity kind: " + kind)
	}
	return identity.Context{
		Key:    identity.Key{Kind: identity.Kind(kind), ID: id},
		Method: method,
		Path:   path,
	}, nil
}

func setRateLimitHeaders(h http.Header, limit, remaining int64, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilSeconds(time.Until(resetAt)), 10))
}

// writeError renders a typed error as its protocol status plus JSON
// envelope, with retry metadata on rate-limit denials.
func writeError(w http.ResponseWriter, e *errs.Error) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if e.Kind == errs.KindRateLimitExceeded {
		h.Set("Retry-After", strconv.FormatInt(ceilSeconds(e.RetryAfter), 10))
		h.Set("X-RateLimit-Limit", strconv.FormatInt(e.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(e.Remaining, 10))
		// Reset reports when the window turns over, not when to retry;
		// backoff can push Retry-After past the window boundary.
		reset := ceilSeconds(time.Until(e.ResetAt))
		if e.ResetAt.IsZero() {
			reset = ceilSeconds(e.RetryAfter)
		}
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	}
	w.WriteHeader(e.StatusCode())
	_ = json.NewEncoder(w).Encode(e.ToEnvelope())
}

func asTyped(err error) *errs.Error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return typed
	}
	return errs.StoreError("internal failure", err)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
