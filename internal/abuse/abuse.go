// Package abuse implements the abuse-suppression subsystem (spec.md 4.5):
// per-source-address counters that escalate repeated invalid-credential
// attempts into a temporary block, isolating credential-scan abuse from
// legitimate user quotas.
package abuse

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/saidutt46/tollbooth/internal/events"
	"github.com/saidutt46/tollbooth/internal/store"
)

// Config controls the abuse-suppression thresholds, defaulted per
// spec.md 4.5.
type Config struct {
	AttemptWindow time.Duration
	BlockDuration time.Duration
	MaxAttempts   int64
}

// DefaultConfig returns the spec.md 4.5 defaults.
func DefaultConfig() Config {
	return Config{
		AttemptWindow: 300 * time.Second,
		BlockDuration: 900 * time.Second,
		MaxAttempts:   10,
	}
}

// Guard is the abuse-suppression subsystem.
type Guard struct {
	client    store.Client
	config    Config
	publisher events.Publisher
}

// New creates a Guard backed by the given store.
func New(client store.Client, config Config, publisher events.Publisher) *Guard {
	if config.AttemptWindow <= 0 {
		config.AttemptWindow = DefaultConfig().AttemptWindow
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = DefaultConfig().BlockDuration
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if publisher == nil {
		publisher = events.NoopBus{}
	}
	return &Guard{client: client, config: config, publisher: publisher}
}

// IsBlocked reports whether addr is currently blocked, and the remaining
// block TTL in seconds, rounded up, for the Retry-After header (spec.md 4.7
// step 3). store.ErrUnavailable is treated as "not blocked" — the
// rate-limit path fails open, consistent with spec.md 4.1's
// StoreUnavailable policy; any other store error is returned.
func (g *Guard) IsBlocked(ctx context.Context, addr string) (blocked bool, retryAfterSeconds int, err error) {
	value, found, err := g.client.Get(ctx, blockedKey(addr))
	if err != nil {
		if err == store.ErrUnavailable {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("abuse: block check failed: %w", err)
	}
	if !found || value == "" {
		return false, 0, nil
	}

	ttl, err := g.client.TTL(ctx, blockedKey(addr))
	if err != nil || ttl <= 0 {
		// TTL lookup failed, or the key has no expiry / just expired: fall
		// back to the full configured duration rather than report 0 or a
		// negative Retry-After.
		return true, int(g.config.BlockDuration.Seconds()), nil
	}
	retryAfter := int(math.Ceil(ttl.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return true, retryAfter, nil
}

// RecordInvalidCredential increments the attempt counter for addr. At
// MaxAttempts it sets the block flag and publishes an abuse.blocked
// security event. A store failure here is swallowed (fail-open): the
// request already proceeds with its 401, and a missed increment only
// delays — never prevents — eventual blocking.
func (g *Guard) RecordInvalidCredential(ctx context.Context, addr string) {
	count, err := g.client.IncrementWithExpiry(ctx, attemptsKey(addr), g.config.AttemptWindow)
	if err != nil {
		return
	}

	if count >= g.config.MaxAttempts {
		_ = g.client.Set(ctx, blockedKey(addr), "1", g.config.BlockDuration)

		g.publisher.Publish(ctx, events.Event{
			Kind:       events.KindAbuseBlocked,
			SourceAddr: addr,
			Detail:     fmt.Sprintf("%d invalid credential attempts within %s", count, g.config.AttemptWindow),
			OccurredAt: time.Now(),
		})
	}
}

func attemptsKey(addr string) string { return fmt.Sprintf("attempts:%s", addr) }
func blockedKey(addr string) string  { return fmt.Sprintf("blocked:%s", addr) }
