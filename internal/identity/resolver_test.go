package identity

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResolveAPIKeyHeaderWins(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/v1/orders", nil)
	req.Header.Set("X-API-Key", "key-1")
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	resolver := NewResolver()
	rc, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rc.Key.Kind != KindAPIKey || rc.Key.ID != "key-1" {
		t.Fatalf("unexpected key: %#v", rc.Key)
	}
	if rc.Method != http.MethodGet || rc.Path != "/v1/orders" {
		t.Fatalf("unexpected route context: %#v", rc)
	}
}

func TestResolveCustomHeaderName(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-Tenant-Key", "key-2")

	resolver := &Resolver{APIKeyHeader: "X-Tenant-Key"}
	rc, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rc.Key.Kind != KindAPIKey || rc.Key.ID != "key-2" {
		t.Fatalf("unexpected key: %#v", rc.Key)
	}
}

func TestResolveForwardedIP(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")

	resolver := NewResolver()
	rc, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rc.Key.Kind != KindIP || rc.Key.ID != "10.0.0.1" {
		t.Fatalf("unexpected key: %#v", rc.Key)
	}
}

func TestResolveRealIPFallback(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-Forwarded-For", "unknown")
	req.Header.Set("X-Real-IP", "10.0.0.9")

	resolver := NewResolver()
	rc, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rc.Key.Kind != KindIP || rc.Key.ID != "10.0.0.9" {
		t.Fatalf("unexpected key: %#v", rc.Key)
	}
}

func TestResolveRemoteAddr(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.RemoteAddr = "192.168.1.1:1234"

	resolver := NewResolver()
	rc, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rc.Key.Kind != KindIP || rc.Key.ID != "192.168.1.1" {
		t.Fatalf("unexpected key: %#v", rc.Key)
	}
}

func TestResolvePayloadHookRestoresBody(t *testing.T) {
	body := `{"email":"a@b.com"}`
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/login", strings.NewReader(body))

	resolver := NewResolver()
	resolver.PayloadKey = func(b []byte) (Key, bool) {
		var payload struct {
			Email string `json:"email"`
		}
		if json.Unmarshal(b, &payload) != nil || payload.Email == "" {
			return Key{}, false
		}
		return Email(payload.Email), true
	}

	rc, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rc.Key.Kind != KindEmail || rc.Key.ID != "a@b.com" {
		t.Fatalf("unexpected key: %#v", rc.Key)
	}

	restored, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read restored body: %v", err)
	}
	if string(restored) != body {
		t.Fatalf("body not restored: %q", restored)
	}
}

func TestResolvePayloadHookFallsThrough(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", strings.NewReader("{}"))
	req.Header.Set("X-API-Key", "key-1")

	resolver := NewResolver()
	resolver.PayloadKey = func([]byte) (Key, bool) { return Key{}, false }

	rc, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rc.Key.Kind != KindAPIKey || rc.Key.ID != "key-1" {
		t.Fatalf("unexpected key: %#v", rc.Key)
	}
}

func TestResolveEmpty(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.RemoteAddr = ""

	resolver := NewResolver()
	if _, err := resolver.Resolve(req); err != ErrNoIdentity {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}
