package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeep.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  httpAddr: ":9090"
features:
  failPolicy: fail-closed
  store: redis
redis:
  addr: "127.0.0.1:6379"
  prefix: testns
defaultLimit:
  maxRequests: 10
  windowMs: 30000
  resetOnSuccess:
    mode: on_statuses
    statuses: [200, 204]
  backoffMs: [1000, 5000]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("httpAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.FailPolicy() != FailClosed {
		t.Errorf("failPolicy = %q", cfg.FailPolicy())
	}
	if cfg.DefaultLimit.Window() != 30*time.Second {
		t.Errorf("window = %v", cfg.DefaultLimit.Window())
	}
	if got := cfg.DefaultLimit.Backoff(); len(got) != 2 || got[1] != 5*time.Second {
		t.Errorf("backoff = %v", got)
	}
	if cfg.DefaultLimit.ResetOnSuccess.Mode != ResetOnStatuses {
		t.Errorf("reset mode = %q", cfg.DefaultLimit.ResetOnSuccess.Mode)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("GATEKEEP_TEST_ADDR", "10.1.2.3:6379")
	path := writeConfig(t, `
redis:
  addr: "${GATEKEEP_TEST_ADDR}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Redis.Addr != "10.1.2.3:6379" {
		t.Errorf("addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func validConfig() *Config {
	return &Config{
		Features:     Features{FailPolicy: FailOpen, Store: StoreMemory},
		DefaultLimit: Limit{MaxRequests: 10, WindowMs: 1000},
	}
}

func TestValidateRequiresFailPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Features.FailPolicy = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing failPolicy must be rejected")
	}

	cfg.Features.FailPolicy = "lenient"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown failPolicy must be rejected")
	}

	cfg.Features.FailPolicy = "  Fail-Open  "
	if err := cfg.Validate(); err != nil {
		t.Fatalf("case and whitespace should be tolerated: %v", err)
	}
	if cfg.FailPolicy() != FailOpen {
		t.Errorf("normalized policy = %q", cfg.FailPolicy())
	}
}

func TestValidateRedisAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Features.Store = StoreRedis
	if err := cfg.Validate(); err == nil {
		t.Fatal("redis store without addr must be rejected")
	}
	cfg.Redis.Addr = "127.0.0.1:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestValidateStaticKeyLimits(t *testing.T) {
	cfg := validConfig()
	cfg.APIKeys.Static = map[string]Limit{
		"bad-key": {MaxRequests: 0, WindowMs: 1000},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid static key limit must be rejected")
	}
}

func TestLimitValidate(t *testing.T) {
	cases := []struct {
		name  string
		limit Limit
		ok    bool
	}{
		{"valid", Limit{MaxRequests: 1, WindowMs: 1}, true},
		{"zero max", Limit{MaxRequests: 0, WindowMs: 1}, false},
		{"zero window", Limit{MaxRequests: 1, WindowMs: 0}, false},
		{"bad mode", Limit{MaxRequests: 1, WindowMs: 1, ResetOnSuccess: ResetPolicy{Mode: "sometimes"}}, false},
		{"negative backoff", Limit{MaxRequests: 1, WindowMs: 1, BackoffMs: []int64{-1}}, false},
		{"decreasing backoff", Limit{MaxRequests: 1, WindowMs: 1, BackoffMs: []int64{5000, 1000}}, false},
		{"ordered backoff", Limit{MaxRequests: 1, WindowMs: 1, BackoffMs: []int64{1000, 1000, 5000}}, true},
	}
	for _, c := range cases {
		if err := c.limit.Validate(); (err == nil) != c.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestShouldReset(t *testing.T) {
	never := ResetPolicy{Mode: ResetNever}
	if never.ShouldReset(200) {
		t.Error("never mode must not reset")
	}

	always := ResetPolicy{Mode: ResetAlways}
	if !always.ShouldReset(500) {
		t.Error("always mode resets on any status")
	}

	listed := ResetPolicy{Mode: ResetOnStatuses, Statuses: []int{200, 401}}
	if !listed.ShouldReset(401) || listed.ShouldReset(403) {
		t.Error("listed statuses must match exactly")
	}

	defaulted := ResetPolicy{Mode: ResetOnStatuses}
	if !defaulted.ShouldReset(204) || defaulted.ShouldReset(301) {
		t.Error("empty status set means any 2xx")
	}

	if (ResetPolicy{}).ShouldReset(200) {
		t.Error("zero policy must not reset")
	}
}
