// Package ratelimit implements the sliding-window-log counting algorithm
// described in spec.md 4.2: an atomic script executed server-side against
// the shared store that, given (bucket key, window size, limit, now),
// returns (allowed, limit, remaining, reset-at).
//
// The trim-count-insert-expire sequence runs as one atomic Lua script so
// that two concurrent admissions for the same user never both observe
// "under limit" and both get admitted past it.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/saidutt46/tollbooth/internal/logging"
	"github.com/saidutt46/tollbooth/internal/store"
)

// ErrUnavailable is returned when the shared store cannot be reached
// (circuit open or deadline exceeded). Callers on the rate-limit path must
// treat this as fail-open, per spec.md 4.1 and 4.7 step 10.
var ErrUnavailable = store.ErrUnavailable

// Result is the outcome of a sliding-window admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Counter executes the sliding-window-log algorithm against a shared store.
type Counter struct {
	client store.Client
}

// NewCounter creates a sliding-window counter backed by the given store.
func NewCounter(client store.Client) *Counter {
	return &Counter{client: client}
}

// Allow runs the atomic check-and-admit operation for userID under the
// given window and limit, evaluated at now.
//
// A limit of 0 never admits, even without a store round-trip: a zero limit
// is equivalent to a populated window, so consulting the store would always
// return the same "denied" answer. Negative limits are rejected at
// configuration-validation time (internal/config), never reach here.
func (c *Counter) Allow(ctx context.Context, userID string, windowSeconds, limit int) (Result, error) {
	if limit <= 0 {
		return Result{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   time.Now().Add(time.Duration(windowSeconds) * time.Second),
		}, nil
	}

	key := fmt.Sprintf("rl:%s:%d", userID, windowSeconds)
	nowMS := time.Now().UnixMilli()
	eventID, err := uniqueEventID(nowMS)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: generating event id: %w", err)
	}

	raw, err := c.client.RunScript(ctx, slidingWindowScript, []string{key},
		nowMS, windowSeconds, limit, eventID, windowSeconds+1)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return Result{}, ErrUnavailable
		}
		return Result{}, fmt.Errorf("ratelimit: sliding window script failed: %w", err)
	}

	return parseScriptResult(raw, limit, windowSeconds)
}

// uniqueEventID produces a per-request unique sorted-set member so two
// admissions in the same millisecond never collide on a single entry.
func uniqueEventID(nowMS int64) (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%s", nowMS, hex.EncodeToString(suffix[:])), nil
}

func parseScriptResult(raw interface{}, limit, windowSeconds int) (Result, error) {
	items, ok := raw.([]interface{})
	if !ok || len(items) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result shape: %#v", raw)
	}

	allowedN, err := toInt64(items[0])
	if err != nil {
		return Result{}, err
	}
	remainingN, err := toInt64(items[1])
	if err != nil {
		return Result{}, err
	}
	oldestMS, err := toInt64(items[2])
	if err != nil {
		return Result{}, err
	}

	var resetAt time.Time
	if oldestMS > 0 {
		resetAt = time.UnixMilli(oldestMS).Add(time.Duration(windowSeconds) * time.Second)
	} else {
		resetAt = time.Now().Add(time.Duration(windowSeconds) * time.Second)
	}

	result := Result{
		Allowed:   allowedN == 1,
		Limit:     limit,
		Remaining: int(remainingN),
		ResetAt:   resetAt,
	}

	logging.WithComponent("ratelimit").Debug().
		Bool("allowed", result.Allowed).
		Int("limit", result.Limit).
		Int("remaining", result.Remaining).
		Time("reset_at", result.ResetAt).
		Msg("sliding window decision")

	return result, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("ratelimit: expected numeric script result, got %T", v)
	}
}

// slidingWindowScript implements spec.md 4.2 steps 1-7 atomically.
//
// KEYS[1]: sorted-set key for this (user_id, window_seconds) bucket.
// ARGV[1]: now_ms
// ARGV[2]: window_seconds
// ARGV[3]: limit
// ARGV[4]: event_id (unique per request)
// ARGV[5]: key TTL in seconds (window_seconds + 1)
//
// Returns {allowed (0/1), remaining, oldest_timestamp_ms (0 if empty)}.
const slidingWindowScript = `
local now_ms = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local event_id = ARGV[4]
local ttl = tonumber(ARGV[5])

local window_start = now_ms - (window_seconds * 1000)

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', window_start)

local used = redis.call('ZCARD', KEYS[1])

local allowed = 0
local remaining = 0
if used < limit then
    redis.call('ZADD', KEYS[1], now_ms, event_id)
    allowed = 1
    remaining = limit - used - 1
end

redis.call('EXPIRE', KEYS[1], ttl)

local oldest_ms = 0
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #oldest > 0 then
    oldest_ms = tonumber(oldest[2])
end

return {allowed, remaining, oldest_ms}
`
