package identity

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrNoIdentity is returned when no identity can be extracted from a request.
var ErrNoIdentity = errors.New("identity: no client identity found")

// PayloadKeyFunc extracts an identity from a request body, e.g. the email
// field of a login payload. Returning false falls through to header-based
// extraction.
type PayloadKeyFunc func(body []byte) (Key, bool)

// Resolver extracts a client identity from an HTTP request.
// Extraction order: payload hook -> api key header -> X-Forwarded-For ->
// X-Real-IP -> remote address.
type Resolver struct {
	APIKeyHeader string
	PayloadKey   PayloadKeyFunc
}

func NewResolver() *Resolver {
	return &Resolver{APIKeyHeader: "X-API-Key"}
}

// Resolve resolves the identity and route context for a request.
// When the payload hook is used, the consumed body is restored so the
// downstream handler still sees it.
func (r *Resolver) Resolve(req *http.Request) (Context, error) {
	if req == nil {
		return Context{}, ErrNoIdentity
	}

	rc := Context{Method: req.Method, Path: req.URL.Path}

	if r.PayloadKey != nil && req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err == nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			if key, ok := r.PayloadKey(body); ok && !key.IsZero() {
				rc.Key = key
				return rc, nil
			}
		} else {
			req.Body = http.NoBody
		}
	}

	if raw := strings.TrimSpace(req.Header.Get(r.APIKeyHeader)); raw != "" {
		rc.Key = APIKey(raw)
		return rc, nil
	}

	if ip := parseForwardedIP(req.Header.Get("X-Forwarded-For")); ip != "" {
		rc.Key = IP(ip)
		return rc, nil
	}

	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" && ip != "unknown" {
		rc.Key = IP(ip)
		return rc, nil
	}

	if ip := parseRemoteIP(req.RemoteAddr); ip != "" {
		rc.Key = IP(ip)
		return rc, nil
	}

	return Context{}, ErrNoIdentity
}

func parseForwardedIP(value string) string {
	if value == "" {
		return ""
	}
	first := strings.TrimSpace(strings.Split(value, ",")[0])
	if first == "unknown" {
		return ""
	}
	return first
}

func parseRemoteIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}
