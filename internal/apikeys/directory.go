// Package apikeys looks up presented API keys in a namespace separate
// from the rate-limit counters. A found record may carry a per-key limit
// override that replaces the statically configured one for the remainder
// of the request. Validation itself never touches any counter.
package apikeys

import (
	"context"
	"strings"
	"unicode"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/errs"
)

// Record is the result of validating a presented key.
type Record struct {
	Valid bool
	KeyID string
	Limit *config.Limit // optional per-key override
}

func Invalid() Record {
	return Record{}
}

// Directory validates API keys. Implementations must not have counter
// side effects.
type Directory interface {
	Validate(ctx context.Context, rawKey string) (Record, error)
}

const maxKeyLength = 512

// checkFormat rejects malformed credentials before any lookup happens.
func checkFormat(rawKey string) *errs.Error {
	if strings.TrimSpace(rawKey) == "" {
		return errs.APIKeyMissing()
	}
	if len(rawKey) > maxKeyLength {
		return errs.InvalidAPIKey(rawKey)
	}
	for _, r := range rawKey {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errs.InvalidAPIKey(rawKey)
		}
	}
	return nil
}

// StaticDirectory serves a fixed key table known at construction time.
type StaticDirectory struct {
	limits map[string]config.Limit
}

func NewStaticDirectory(limits map[string]config.Limit) *StaticDirectory {
	if limits == nil {
		limits = make(map[string]config.Limit)
	}
	return &StaticDirectory{limits: limits}
}

func (d *StaticDirectory) Validate(_ context.Context, rawKey string) (Record, error) {
	if err := checkFormat(rawKey); err != nil {
		return Invalid(), err
	}
	limit, ok := d.limits[rawKey]
	if !ok {
		return Invalid(), nil
	}
	out := limit
	return Record{Valid: true, KeyID: rawKey, Limit: &out}, nil
}
