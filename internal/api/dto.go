package api

import (
	"time"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/types"
)

// CheckRequest asks for a standalone admission decision, for callers that
// sit outside the middleware (e.g. sidecars checking on behalf of
// another service).
type CheckRequest struct {
	Kind   string `json:"kind"` // ip | email | api_key | custom
	ID     string `json:"id"`
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
}

type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int64  `json:"remaining"`
	Limit        int64  `json:"limit"`
	ResetAt      int64  `json:"resetAt"` // unix milliseconds
	RetryAfterMs int64  `json:"retryAfterMs"`
	Reason       string `json:"reason"`
}

func toCheckResponse(d types.Decision) CheckResponse {
	return CheckResponse{
		Allowed:      d.Allowed,
		Remaining:    d.Remaining,
		Limit:        d.Limit,
		ResetAt:      d.ResetAt.UnixMilli(),
		RetryAfterMs: d.RetryAfter.Milliseconds(),
		Reason:       d.Reason,
	}
}

// CounterResponse is the read-only view of a live counter.
type CounterResponse struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"windowStart,omitempty"` // unix milliseconds, 0 when unknown
	TTLMs       int64 `json:"ttlMs"`
}

func toCounterResponse(rec *types.CounterRecord) CounterResponse {
	out := CounterResponse{Count: rec.Count, TTLMs: rec.TTL.Milliseconds()}
	if !rec.WindowStart.IsZero() {
		out.WindowStart = rec.WindowStart.UnixMilli()
	}
	return out
}

// SaveAPIKeyRequest registers an API key, optionally with a limit
// override and record TTL.
type SaveAPIKeyRequest struct {
	TTLMs int64         `json:"ttlMs,omitempty"`
	Limit *config.Limit `json:"limit,omitempty"`
}

func (r SaveAPIKeyRequest) TTL() time.Duration {
	return time.Duration(r.TTLMs) * time.Millisecond
}

type statusResponse struct {
	Status string `json:"status"`
}
