package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/util"
)

// Key templates for the persisted namespaces.
const (
	keyCounterTmpl      = "%s:counter:%s"
	keyStreakTmpl       = "%s:streak:%s"
	keyExceededTmpl     = "%s:exceeded:%s"
	keyAPIKeyTmpl       = "%s:apikeys:%s"
	keyAPIKeyConfigTmpl = "%s:apikeys:config:%s"
)

// incrWindowScript atomically increments a counter, stamps its TTL on
// the count==1 transition and maintains the violation streak. The streak
// key deliberately outlives the counter: it is cleared only when a fresh
// window starts after a window that was never exceeded, and the exceeded
// marker is what carries that verdict across the window boundary.
// Returning the remaining PTTL alongside the count means no caller can
// ever observe an untimed record.
//
// KEYS: counter, streak, exceeded marker.
// ARGV: window ms, max requests, streak TTL ms.
var incrWindowScript = redis.NewScript(`
	local max = tonumber(ARGV[2])
	local cnt = redis.call('INCR', KEYS[1])
	if cnt == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		if redis.call('GET', KEYS[3]) ~= '1' then
			redis.call('DEL', KEYS[2])
		end
		redis.call('DEL', KEYS[3])
	end
	local streak = 0
	if cnt > max then
		streak = redis.call('INCR', KEYS[2])
		redis.call('PEXPIRE', KEYS[2], ARGV[3])
		redis.call('SET', KEYS[3], '1', 'PX', ARGV[3])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {cnt, ttl, streak}
`)

// Repo is the protocol-agnostic backend boundary used by the distributed
// counter store and the API-key directory.
type Repo interface {
	KeyCounter(storageKey string) string
	KeyStreak(storageKey string) string
	KeyExceeded(storageKey string) string
	KeyAPIKey(rawKey string) string
	KeyAPIKeyConfig(rawKey string) string

	// IncrWindow increments the counter for storageKey and returns the new
	// count, the remaining window TTL and the violation streak. A fresh
	// counter receives window exactly once; the streak advances on every
	// count above max and survives window turnover until a window completes
	// without a violation.
	IncrWindow(ctx context.Context, storageKey string, window, streakTTL time.Duration, max int64) (count int64, remaining time.Duration, streak int64, err error)
	// Get returns the counter value and remaining TTL; ok is false when the
	// key is absent or already expired.
	Get(ctx context.Context, key string) (count int64, remaining time.Duration, ok bool, err error)
	Delete(ctx context.Context, keys ...string) error

	// SetNX writes a value only if the key is absent, with a TTL.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// ScanDelete removes all keys matching pattern and returns how many.
	ScanDelete(ctx context.Context, pattern string) (int64, error)

	Close() error
}

type RedisRepo struct {
	Prefix         string
	Cli            *redis.Client
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Option customizes a RedisRepo.
type Option func(*RedisRepo)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.defaultTimeout = d }
}

// NewRedis connects to the backend and verifies reachability once at
// startup so misconfiguration fails fast.
func NewRedis(cfg config.RedisCfg, logger *slog.Logger, opts ...Option) (*RedisRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		return nil, errors.New("no redis address configured")
	}

	r := &RedisRepo{
		Prefix:         cfg.Prefix,
		logger:         logger,
		defaultTimeout: 100 * time.Millisecond,
	}
	if cfg.OpTimeoutMs > 0 {
		r.defaultTimeout = time.Duration(cfg.OpTimeoutMs) * time.Millisecond
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Prefix == "" {
		r.Prefix = "gatekeep"
	}

	r.Cli = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     maxInt(cfg.PoolSize, 10),
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:  durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout: durationOrDefault(cfg.WriteTimeoutMs, 800),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "addr", cfg.Addr, "err", err)
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	return r, nil
}

// withTimeout bounds every backend call; a deadline hit is reported by the
// caller as store unavailability.
func (r *RedisRepo) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.defaultTimeout)
}

func (r *RedisRepo) KeyCounter(storageKey string) string {
	return fmt.Sprintf(keyCounterTmpl, r.Prefix, storageKey)
}

func (r *RedisRepo) KeyStreak(storageKey string) string {
	return fmt.Sprintf(keyStreakTmpl, r.Prefix, storageKey)
}

func (r *RedisRepo) KeyExceeded(storageKey string) string {
	return fmt.Sprintf(keyExceededTmpl, r.Prefix, storageKey)
}

func (r *RedisRepo) KeyAPIKey(rawKey string) string {
	return fmt.Sprintf(keyAPIKeyTmpl, r.Prefix, rawKey)
}

func (r *RedisRepo) KeyAPIKeyConfig(rawKey string) string {
	return fmt.Sprintf(keyAPIKeyConfigTmpl, r.Prefix, rawKey)
}

func (r *RedisRepo) IncrWindow(parentCtx context.Context, storageKey string, window, streakTTL time.Duration, max int64) (int64, time.Duration, int64, error) {
	ctx, cancel := r.withTimeout(parentCtx)
	defer cancel()

	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	streakMs := streakTTL.Milliseconds()
	if streakMs < windowMs {
		streakMs = windowMs
	}
	keys := []string{r.KeyCounter(storageKey), r.KeyStreak(storageKey), r.KeyExceeded(storageKey)}
	res, err := incrWindowScript.Run(ctx, r.Cli, keys, windowMs, max, streakMs).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("incr script failed for key %s: %w", storageKey, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return 0, 0, 0, fmt.Errorf("incr script returned unexpected reply for key %s", storageKey)
	}
	count := util.ToInt64(vals[0])
	remaining := time.Duration(util.ToInt64(vals[1])) * time.Millisecond
	return count, remaining, util.ToInt64(vals[2]), nil
}

func (r *RedisRepo) Get(parentCtx context.Context, key string) (int64, time.Duration, bool, error) {
	ctx, cancel := r.withTimeout(parentCtx)
	defer cancel()

	pipe := r.Cli.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, false, fmt.Errorf("get pipeline failed for key %s: %w", key, err)
	}

	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("get failed for key %s: %w", key, err)
	}
	remaining := ttlCmd.Val()
	if remaining < 0 {
		remaining = 0
	}
	return count, remaining, true, nil
}

func (r *RedisRepo) Delete(parentCtx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(parentCtx)
	defer cancel()
	if err := r.Cli.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

func (r *RedisRepo) SetNX(parentCtx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.withTimeout(parentCtx)
	defer cancel()
	ok, err := r.Cli.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed for key %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisRepo) Set(parentCtx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parentCtx)
	defer cancel()
	if err := r.Cli.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set failed for key %s: %w", key, err)
	}
	return nil
}

func (r *RedisRepo) GetString(parentCtx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.withTimeout(parentCtx)
	defer cancel()
	val, err := r.Cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get failed for key %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisRepo) Exists(parentCtx context.Context, key string) (bool, error) {
	ctx, cancel := r.withTimeout(parentCtx)
	defer cancel()
	n, err := r.Cli.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed for key %s: %w", key, err)
	}
	return n > 0, nil
}

// ScanDelete walks the keyspace with SCAN rather than KEYS so large
// invalidations do not block the backend.
func (r *RedisRepo) ScanDelete(parentCtx context.Context, pattern string) (int64, error) {
	var deleted int64
	cursor := uint64(0)
	for {
		ctx, cancel := r.withTimeout(parentCtx)
		keys, next, err := r.Cli.Scan(ctx, cursor, pattern, 100).Result()
		cancel()
		if err != nil {
			return deleted, fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.Delete(parentCtx, keys...); err != nil {
				return deleted, err
			}
			deleted += int64(len(keys))
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (r *RedisRepo) Close() error {
	return r.Cli.Close()
}

func maxInt(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
