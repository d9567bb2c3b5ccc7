// Package health owns the rate limiter's own NORMAL/DEGRADED signal — not
// a liveness probe. The status is a single logical record persisted under
// a well-known key in the shared store; readers cache it in-process for a
// short TTL and coalesce concurrent refreshes into one store round-trip.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/saidutt46/tollbooth/internal/logging"
	"github.com/saidutt46/tollbooth/internal/store"
)

// Status is the global health signal.
type Status string

const (
	Normal   Status = "NORMAL"
	Degraded Status = "DEGRADED"
)

// storeKey is the shared-store keyspace entry for the health record, per
// spec.md 6.
const storeKey = "health:system"

// Record is the health state persisted to the shared store.
type Record struct {
	Status    Status     `json:"status"`
	UpdatedBy string     `json:"updated_by"`
	Reason    string     `json:"reason"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// effectiveStatus reverts to NORMAL once ExpiresAt has elapsed, per
// spec.md 3.
func (r Record) effectiveStatus(now time.Time) Status {
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return Normal
	}
	return r.Status
}

// Config controls the in-process cache TTL.
type Config struct {
	CacheTTL time.Duration
}

// DefaultConfig returns the spec.md 4.3 default of a 2s cache TTL.
func DefaultConfig() Config {
	return Config{CacheTTL: 2 * time.Second}
}

// Service is the Health Service component (spec.md 4.3).
type Service struct {
	client store.Client
	config Config

	mu        sync.Mutex
	cached    Record
	cachedAt  time.Time
	haveCache bool

	// refreshMu, refreshing and refreshDone coalesce concurrent cache-miss refreshes into one
	// in-flight store read per instance (spec.md 5's single-flight
	// requirement). Hand-rolled rather than golang.org/x/sync/singleflight
	// — see DESIGN.md.
	refreshMu   sync.Mutex
	refreshing  bool
	refreshDone chan struct{}
	refreshRec  Record
	refreshErr  error
}

// New creates a Health Service backed by the given shared store.
func New(client store.Client, config Config) *Service {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Service{client: client, config: config}
}

// Get returns the current effective health status. It serves from the
// in-process cache when fresh; on a miss it refreshes from the store,
// coalescing concurrent callers into a single store read. A store failure
// on refresh returns NORMAL — fail-toward-NORMAL, per spec.md 4.3: an
// unreachable store already fails open on the rate path via the circuit
// breaker, so a DEGRADED signal that cannot be confirmed is not honored.
func (s *Service) Get(ctx context.Context) Status {
	now := time.Now()

	s.mu.Lock()
	if s.haveCache && now.Sub(s.cachedAt) < s.config.CacheTTL {
		record := s.cached
		s.mu.Unlock()
		return record.effectiveStatus(now)
	}
	s.mu.Unlock()

	record, err := s.refresh(ctx)
	if err != nil {
		logging.LogError(err, "health refresh failed, reporting NORMAL", map[string]interface{}{
			"component": "health",
		})
		return Normal
	}
	return record.effectiveStatus(time.Now())
}

// refresh performs (or joins) a single in-flight store read.
func (s *Service) refresh(ctx context.Context) (Record, error) {
	s.refreshMu.Lock()
	if s.refreshing {
		done := s.refreshDone
		s.refreshMu.Unlock()
		<-done
		s.refreshMu.Lock()
		rec, err := s.refreshRec, s.refreshErr
		s.refreshMu.Unlock()
		return rec, err
	}

	s.refreshing = true
	done := make(chan struct{})
	s.refreshDone = done
	s.refreshMu.Unlock()

	record, err := s.readFromStore(ctx)

	s.refreshMu.Lock()
	s.refreshRec, s.refreshErr = record, err
	s.refreshing = false
	s.refreshMu.Unlock()
	close(done)

	if err == nil {
		s.mu.Lock()
		s.cached = record
		s.cachedAt = time.Now()
		s.haveCache = true
		s.mu.Unlock()
	}

	return record, err
}

func (s *Service) readFromStore(ctx context.Context) (Record, error) {
	raw, found, err := s.client.Get(ctx, storeKey)
	if err != nil {
		return Record{}, fmt.Errorf("health: store read failed: %w", err)
	}
	if !found {
		return Record{Status: Normal, UpdatedBy: "default", Reason: "no record set", UpdatedAt: time.Now()}, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, fmt.Errorf("health: corrupt stored record: %w", err)
	}
	return record, nil
}

// Set writes a new health record to the store and invalidates the local
// cache. Other instances converge within their own cache TTL.
func (s *Service) Set(ctx context.Context, status Status, updatedBy, reason string, ttlSeconds int) (Record, error) {
	record := Record{
		Status:    status,
		UpdatedBy: updatedBy,
		Reason:    reason,
		UpdatedAt: time.Now(),
	}
	if ttlSeconds > 0 {
		expiresAt := record.UpdatedAt.Add(time.Duration(ttlSeconds) * time.Second)
		record.ExpiresAt = &expiresAt
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("health: encoding record: %w", err)
	}

	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	if err := s.client.Set(ctx, storeKey, string(raw), ttl); err != nil {
		return Record{}, fmt.Errorf("health: store write failed: %w", err)
	}

	s.mu.Lock()
	s.haveCache = false
	s.mu.Unlock()

	logging.WithComponent("health").Info().
		Str("status", string(status)).
		Str("updated_by", updatedBy).
		Str("reason", reason).
		Msg("health record updated")

	return record, nil
}
