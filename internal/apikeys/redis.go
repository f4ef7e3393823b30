package apikeys

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/errs"
	"github.com/halverin/gatekeep/internal/repo"
)

// Validator is an external lookup (e.g. a database) consulted when a key
// is not present in the directory. It returns the key id and whether the
// key is valid.
type Validator func(ctx context.Context, rawKey string) (keyID string, ok bool, err error)

// RedisDirectory reads key validity and per-key limit overrides from the
// shared backend. Layout: {prefix}:apikeys:{key} holds the validity flag,
// {prefix}:apikeys:config:{key} holds the JSON-encoded override.
type RedisDirectory struct {
	repo     repo.Repo
	cacheTTL time.Duration
	logger   *slog.Logger
}

func NewRedisDirectory(r repo.Repo, cacheTTL time.Duration, logger *slog.Logger) *RedisDirectory {
	if r == nil {
		panic("apikeys: nil repo")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &RedisDirectory{repo: r, cacheTTL: cacheTTL, logger: logger}
}

func (d *RedisDirectory) Validate(ctx context.Context, rawKey string) (Record, error) {
	if err := checkFormat(rawKey); err != nil {
		return Invalid(), err
	}

	exists, err := d.repo.Exists(ctx, d.repo.KeyAPIKey(rawKey))
	if err != nil {
		return Invalid(), errs.APIKeyValidationFailed("directory lookup failed", err)
	}
	if !exists {
		return Invalid(), nil
	}

	rec := Record{Valid: true, KeyID: rawKey}

	// A broken or missing override degrades to the static config rather
	// than failing an otherwise valid key.
	raw, ok, err := d.repo.GetString(ctx, d.repo.KeyAPIKeyConfig(rawKey))
	if err != nil {
		d.logger.Warn("api key override lookup failed, using static limit", "err", err)
		return rec, nil
	}
	if ok {
		var override config.Limit
		if err := json.Unmarshal([]byte(raw), &override); err != nil {
			d.logger.Warn("api key override is malformed, using static limit", "err", err)
			return rec, nil
		}
		if err := override.Validate(); err != nil {
			d.logger.Warn("api key override is invalid, using static limit", "err", err)
			return rec, nil
		}
		rec.Limit = &override
	}
	return rec, nil
}

// ValidateWithFallback consults the directory first, then the external
// validator. Keys the validator accepts are cached so subsequent requests
// skip the external round trip.
func (d *RedisDirectory) ValidateWithFallback(ctx context.Context, rawKey string, validator Validator) (Record, error) {
	rec, err := d.Validate(ctx, rawKey)
	if err != nil || rec.Valid || validator == nil {
		return rec, err
	}

	keyID, ok, err := validator(ctx, rawKey)
	if err != nil {
		return Invalid(), errs.APIKeyValidationFailed("external validator failed", err)
	}
	if !ok {
		return Invalid(), nil
	}

	if err := d.cacheKey(ctx, rawKey); err != nil {
		// Best effort: the key is valid regardless of whether caching worked.
		d.logger.Warn("failed to cache validated api key", "err", err)
	}
	return Record{Valid: true, KeyID: keyID}, nil
}

// cacheKey writes the validity flag only if absent, so an
// administratively saved record and its TTL are never clobbered.
func (d *RedisDirectory) cacheKey(ctx context.Context, rawKey string) error {
	_, err := d.repo.SetNX(ctx, d.repo.KeyAPIKey(rawKey), "1", d.cacheTTL)
	return err
}

// SaveKey administratively registers a key, optionally with a limit
// override. A ttl of zero falls back to the directory default.
func (d *RedisDirectory) SaveKey(ctx context.Context, rawKey string, override *config.Limit, ttl time.Duration) error {
	if err := checkFormat(rawKey); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = d.cacheTTL
	}
	if err := d.repo.Set(ctx, d.repo.KeyAPIKey(rawKey), "1", ttl); err != nil {
		return errs.StoreError("failed to save api key", err)
	}
	if override != nil {
		if err := override.Validate(); err != nil {
			return err
		}
		b, err := json.Marshal(override)
		if err != nil {
			return errs.StoreError("failed to encode limit override", err)
		}
		if err := d.repo.Set(ctx, d.repo.KeyAPIKeyConfig(rawKey), string(b), ttl); err != nil {
			return errs.StoreError("failed to save limit override", err)
		}
	}
	return nil
}

// DeleteKey removes a key and its override.
func (d *RedisDirectory) DeleteKey(ctx context.Context, rawKey string) error {
	if err := checkFormat(rawKey); err != nil {
		return err
	}
	if err := d.repo.Delete(ctx, d.repo.KeyAPIKey(rawKey), d.repo.KeyAPIKeyConfig(rawKey)); err != nil {
		return errs.StoreError("failed to delete api key", err)
	}
	return nil
}

// InvalidateAll drops every cached key and override, e.g. after a bulk
// change in the system of record.
func (d *RedisDirectory) InvalidateAll(ctx context.Context) (int64, error) {
	n, err := d.repo.ScanDelete(ctx, d.repo.KeyAPIKey("*"))
	if err != nil {
		return n, errs.StoreError("failed to invalidate api keys", err)
	}
	return n, nil
}
