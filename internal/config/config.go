package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/halverin/gatekeep/internal/errs"
)

// Reset policy modes for Limit.ResetOnSuccess.
const (
	ResetNever      = "never"
	ResetAlways     = "always"
	ResetOnStatuses = "on_statuses"
)

// Fail policies applied when the counter store is unreachable.
const (
	FailOpen   = "fail-open"
	FailClosed = "fail-closed"
)

// Store backends selectable at construction time.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ResetPolicy decides whether a downstream outcome clears the counter.
type ResetPolicy struct {
	Mode     string `yaml:"mode"     json:"mode"`               // never | always | on_statuses
	Statuses []int  `yaml:"statuses" json:"statuses,omitempty"` // outcome codes that reset; empty means any 2xx
}

// ShouldReset reports whether the observed outcome code clears the counter.
// With on_statuses and no explicit codes, any 2xx counts as success.
func (p ResetPolicy) ShouldReset(status int) bool {
	switch p.Mode {
	case ResetAlways:
		return true
	case ResetOnStatuses:
		if len(p.Statuses) == 0 {
			return status >= 200 && status < 300
		}
		for _, s := range p.Statuses {
			if s == status {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Limit is the per-identity admission configuration. It is a value type;
// the API-key directory may supply a per-key override that replaces it for
// the remainder of a request.
type Limit struct {
	MaxRequests    int64       `yaml:"maxRequests"    json:"maxRequests"`         // requests allowed per window (> 0)
	WindowMs       int64       `yaml:"windowMs"       json:"windowMs"`            // window length in milliseconds (> 0)
	ResetOnSuccess ResetPolicy `yaml:"resetOnSuccess" json:"resetOnSuccess"`      // post-response reset coupling
	BackoffMs      []int64     `yaml:"backoffMs"      json:"backoffMs,omitempty"` // escalating delays for repeated violations
}

func (l Limit) Window() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

// Backoff returns the configured escalation sequence as durations.
func (l Limit) Backoff() []time.Duration {
	if len(l.BackoffMs) == 0 {
		return nil
	}
	out := make([]time.Duration, len(l.BackoffMs))
	for i, ms := range l.BackoffMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func (l Limit) Validate() error {
	if l.MaxRequests <= 0 {
		return errs.Configuration("limit: maxRequests must be > 0")
	}
	if l.WindowMs <= 0 {
		return errs.Configuration("limit: windowMs must be > 0")
	}
	switch l.ResetOnSuccess.Mode {
	case "", ResetNever, ResetAlways, ResetOnStatuses:
	default:
		return errs.Configuration("limit: unknown resetOnSuccess mode: " + l.ResetOnSuccess.Mode)
	}
	prev := int64(0)
	for _, ms := range l.BackoffMs {
		if ms <= 0 {
			return errs.Configuration("limit: backoff delays must be > 0")
		}
		if ms < prev {
			return errs.Configuration("limit: backoff delays must be non-decreasing")
		}
		prev = ms
	}
	return nil
}

// ServerCfg holds the HTTP listen address.
type ServerCfg struct {
	HTTPAddr string `yaml:"httpAddr"` // listen address, e.g. ":8080"
}

// RedisCfg holds connection and namespace settings for the counter backend.
type RedisCfg struct {
	Addr           string `yaml:"addr"`           // redis address, e.g. "127.0.0.1:6379"
	Password       string `yaml:"password"`       // optional password
	DB             int    `yaml:"db"`             // database index
	Prefix         string `yaml:"prefix"`         // key namespace prefix
	PoolSize       int    `yaml:"poolSize"`       // connection pool size
	MinIdleConns   int    `yaml:"minIdleConns"`   // minimum idle connections
	DialTimeoutMs  int    `yaml:"dialTimeoutMs"`  // dial timeout (ms)
	ReadTimeoutMs  int    `yaml:"readTimeoutMs"`  // read timeout (ms)
	WriteTimeoutMs int    `yaml:"writeTimeoutMs"` // write timeout (ms)
	OpTimeoutMs    int    `yaml:"opTimeoutMs"`    // per-operation deadline (ms)
}

// BreakerCfg tunes the circuit breaker guarding the distributed store.
type BreakerCfg struct {
	Enabled        bool `yaml:"enabled"`
	ErrorThreshold int  `yaml:"errorThreshold"` // store faults within the interval that open the circuit
	MinRequests    int  `yaml:"minRequests"`    // minimum calls before the breaker may trip
	StatIntervalMs int  `yaml:"statIntervalMs"` // sliding stat window (ms)
	RetryTimeoutMs int  `yaml:"retryTimeoutMs"` // open-state cooldown before probing (ms)
}

// Features are the operator-chosen behavior switches. FailPolicy has no
// default: the availability/strictness trade-off is an explicit decision.
type Features struct {
	FailPolicy string `yaml:"failPolicy"` // fail-open | fail-closed, required
	Store      string `yaml:"store"`      // memory | redis
}

// APIKeysCfg configures the API-key admission flow.
type APIKeysCfg struct {
	Enabled    bool             `yaml:"enabled"`
	HeaderName string           `yaml:"headerName"` // credential header, default X-API-Key
	Require    bool             `yaml:"require"`    // reject requests without a credential
	CacheTTLMs int64            `yaml:"cacheTtlMs"` // TTL for keys cached by the fallback validator
	Static     map[string]Limit `yaml:"static"`     // static key -> limit override table
}

func (a APIKeysCfg) CacheTTL() time.Duration {
	if a.CacheTTLMs <= 0 {
		return time.Hour
	}
	return time.Duration(a.CacheTTLMs) * time.Millisecond
}

// Config is the full service configuration.
type Config struct {
	Server       ServerCfg  `yaml:"server"`
	Redis        RedisCfg   `yaml:"redis"`
	Features     Features   `yaml:"features"`
	Breaker      BreakerCfg `yaml:"breaker"`
	APIKeys      APIKeysCfg `yaml:"apiKeys"`
	DefaultLimit Limit      `yaml:"defaultLimit"`
}

// Load reads a YAML config file, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks everything that must hold before serving traffic.
// Failures here are fatal at startup and never occur per-request.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Features.FailPolicy)) {
	case FailOpen, FailClosed:
	case "":
		return errs.Configuration("features.failPolicy is required (fail-open or fail-closed)")
	default:
		return errs.Configuration("features.failPolicy must be fail-open or fail-closed, got " + c.Features.FailPolicy)
	}

	switch c.Features.Store {
	case StoreMemory:
	case StoreRedis, "":
		if c.Redis.Addr == "" {
			return errs.Configuration("redis.addr is required for the redis store")
		}
	default:
		return errs.Configuration("features.store must be memory or redis, got " + c.Features.Store)
	}

	if err := c.DefaultLimit.Validate(); err != nil {
		return err
	}
	for key, l := range c.APIKeys.Static {
		if err := l.Validate(); err != nil {
			return errs.Configuration(fmt.Sprintf("apiKeys.static[%s]: %v", key, err))
		}
	}
	return nil
}

// FailPolicy returns the normalized policy string.
func (c *Config) FailPolicy() string {
	return strings.ToLower(strings.TrimSpace(c.Features.FailPolicy))
}
