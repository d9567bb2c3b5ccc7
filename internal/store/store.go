// Package store provides a connection-pooled, circuit-breaker-guarded
// client for the shared coordinating store (Redis) that the rate limiter's
// sliding-window counter, health service, and abuse-suppression subsystem
// all read and write through.
//
// Every call carries an independent deadline and is wrapped by a circuit
// breaker: while the breaker is OPEN, calls fail immediately with
// ErrUnavailable instead of touching the network. Callers on the rate-limit
// path interpret ErrUnavailable as fail-open; callers on the health path
// interpret it as "assume NORMAL" — see internal/ratelimit and
// internal/health.
package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saidutt46/tollbooth/internal/breaker"
	"github.com/saidutt46/tollbooth/internal/logging"
)

// ErrUnavailable is returned for any operation attempted while the circuit
// breaker is open, or that exceeds its per-call deadline. It is the
// "StoreUnavailable" error kind from spec.md 7.
var ErrUnavailable = errors.New("store: unavailable")

// Client is the interface the rest of the engine depends on, so that the
// sliding-window counter, health service, and abuse subsystem never import
// github.com/redis/go-redis/v9 directly.
type Client interface {
	RunScript(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}

// Config holds connection and resilience parameters for the shared store.
type Config struct {
	// URL is the Redis connection string, e.g. redis://host:port/db.
	URL string

	// MaxConnections bounds the connection pool size.
	MaxConnections int

	// CallTimeout is the per-operation deadline (spec.md default: 5ms).
	CallTimeout time.Duration

	Breaker breaker.Config
}

// DefaultConfig returns the defaults named in spec.md 4.1.
func DefaultConfig() Config {
	return Config{
		URL:            "redis://localhost:6379/0",
		MaxConnections: 50,
		CallTimeout:    5 * time.Millisecond,
		Breaker:        breaker.DefaultConfig(),
	}
}

// RedisStore is the Client implementation backed by Redis.
type RedisStore struct {
	client  *redis.Client
	config  Config
	breaker *breaker.Breaker

	scriptsMu sync.Mutex
	scripts   map[string]string // script body -> SHA1
}

// New creates a RedisStore and verifies connectivity with a short-lived
// ping. Call Close when done.
func New(config Config) (*RedisStore, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis URL: %w", err)
	}
	opt.PoolSize = config.MaxConnections

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}

	logging.WithComponent("store").Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Int("pool_size", config.MaxConnections).
		Msg("shared store connected")

	return &RedisStore{
		client:  client,
		config:  config,
		breaker: breaker.New("shared-store", config.Breaker),
		scripts: make(map[string]string),
	}, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// BreakerState exposes the current circuit state for admin/observability.
func (s *RedisStore) BreakerState() breaker.State {
	return s.breaker.State()
}

// guard wraps fn with the circuit breaker and a per-call deadline. It
// records the outcome against the breaker and translates breaker-open and
// deadline-exceeded into ErrUnavailable.
func (s *RedisStore) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.breaker.Allow(); err != nil {
		return ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		s.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrUnavailable
		}
		return err
	}

	s.breaker.RecordSuccess()
	return nil
}

// RunScript executes a Lua script atomically, uploading and caching it by
// hash. On "script not loaded" it re-uploads and retries exactly once, per
// spec.md 4.1.
func (s *RedisStore) RunScript(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var result interface{}
	err := s.guard(ctx, func(ctx context.Context) error {
		sha := s.scriptSHA(script)

		res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
		if err != nil && isNoScriptErr(err) {
			loadedSHA, loadErr := s.client.ScriptLoad(ctx, script).Result()
			if loadErr != nil {
				return fmt.Errorf("store: script load failed: %w", loadErr)
			}
			s.cacheScriptSHA(script, loadedSHA)
			res, err = s.client.EvalSha(ctx, loadedSHA, keys, args...).Result()
		}
		if err != nil {
			return fmt.Errorf("store: script eval failed: %w", err)
		}
		result = res
		return nil
	})
	return result, err
}

func isNoScriptErr(err error) bool {
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func (s *RedisStore) scriptSHA(script string) string {
	s.scriptsMu.Lock()
	defer s.scriptsMu.Unlock()
	if sha, ok := s.scripts[script]; ok {
		return sha
	}
	sum := sha1.Sum([]byte(script))
	sha := hex.EncodeToString(sum[:])
	s.scripts[script] = sha
	return sha
}

func (s *RedisStore) cacheScriptSHA(script, sha string) {
	s.scriptsMu.Lock()
	defer s.scriptsMu.Unlock()
	s.scripts[script] = sha
}

// Get returns the string value at key, and whether it existed.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.guard(ctx, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: GET failed: %w", err)
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// Set stores value at key with an optional TTL (0 means no expiry).
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.guard(ctx, func(ctx context.Context) error {
		if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return fmt.Errorf("store: SET failed: %w", err)
		}
		return nil
	})
}

// IncrementWithExpiry atomically increments key and (re)sets its TTL,
// returning the new count. Used by the abuse-suppression subsystem.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	err := s.guard(ctx, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store: INCR+EXPIRE failed: %w", err)
		}
		count = incr.Val()
		return nil
	})
	return count, err
}

// TTL returns the remaining time-to-live of key, per Redis TTL semantics:
// a negative duration with a nil error means the key has no expiry or does
// not exist. Used by the abuse subsystem to report an accurate Retry-After
// for an in-progress block instead of its original configured duration.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.guard(ctx, func(ctx context.Context) error {
		d, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("store: TTL failed: %w", err)
		}
		ttl = d
		return nil
	})
	return ttl, err
}

// Ping checks connectivity, subject to the same breaker and deadline as
// every other call.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.guard(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}
