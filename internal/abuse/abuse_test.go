package abuse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/saidutt46/tollbooth/internal/events"
	"github.com/saidutt46/tollbooth/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	counts  map[string]int64
	fail    bool
	ttlCall int
	now     func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		counts:  make(map[string]int64),
		now:     time.Now,
	}
}

func (m *memStore) RunScript(context.Context, string, []string, ...interface{}) (interface{}, error) {
	return nil, nil
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	if m.fail {
		return "", false, store.ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

func (m *memStore) IncrementWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.fail {
		return 0, store.ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttlCall++
	m.counts[key]++
	return m.counts[key], nil
}

// TTL models Redis's TTL command over the expiry recorded by Set.
func (m *memStore) TTL(_ context.Context, key string) (time.Duration, error) {
	if m.fail {
		return 0, store.ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt, ok := m.expires[key]
	if !ok {
		return -1, nil
	}
	remaining := expiresAt.Sub(m.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestNotBlockedInitially(t *testing.T) {
	g := New(newMemStore(), DefaultConfig(), nil)

	blocked, _, err := g.IsBlocked(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocked {
		t.Fatal("expected address to not be blocked initially")
	}
}

func TestBlocksAfterMaxAttempts(t *testing.T) {
	publisher := &recordingPublisher{}
	g := New(newMemStore(), Config{AttemptWindow: time.Minute, BlockDuration: time.Minute, MaxAttempts: 3}, publisher)
	ctx := context.Background()
	addr := "1.2.3.4"

	for i := 0; i < 2; i++ {
		g.RecordInvalidCredential(ctx, addr)
		blocked, _, _ := g.IsBlocked(ctx, addr)
		if blocked {
			t.Fatalf("should not be blocked before threshold, attempt %d", i+1)
		}
	}

	g.RecordInvalidCredential(ctx, addr)

	blocked, retryAfter, err := g.IsBlocked(ctx, addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !blocked {
		t.Fatal("expected address to be blocked at threshold")
	}
	if retryAfter != 60 {
		t.Fatalf("expected retry after 60s, got %d", retryAfter)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected exactly one abuse.blocked event, got %d", len(publisher.events))
	}
	if publisher.events[0].Kind != events.KindAbuseBlocked {
		t.Fatalf("expected KindAbuseBlocked, got %s", publisher.events[0].Kind)
	}
}

func TestIsBlockedReportsRemainingTTLNotFullDuration(t *testing.T) {
	client := newMemStore()
	base := time.Now()
	client.now = func() time.Time { return base }

	g := New(client, Config{AttemptWindow: time.Minute, BlockDuration: 900 * time.Second, MaxAttempts: 1}, nil)
	ctx := context.Background()
	addr := "1.2.3.4"

	g.RecordInvalidCredential(ctx, addr)

	blocked, retryAfter, err := g.IsBlocked(ctx, addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !blocked {
		t.Fatal("expected address to be blocked")
	}
	if retryAfter != 900 {
		t.Fatalf("expected retry after 900s at block time, got %d", retryAfter)
	}

	// Advance the clock 800s into the 900s block without re-blocking.
	client.now = func() time.Time { return base.Add(800 * time.Second) }

	blocked, retryAfter, err = g.IsBlocked(ctx, addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !blocked {
		t.Fatal("expected address to still be blocked at t=800s")
	}
	if retryAfter != 100 {
		t.Fatalf("expected retry after to reflect remaining TTL (~100s), got %d", retryAfter)
	}
}

func TestIsBlockedFailsOpenOnStoreUnavailable(t *testing.T) {
	client := newMemStore()
	client.fail = true
	g := New(client, DefaultConfig(), nil)

	blocked, _, err := g.IsBlocked(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("expected fail-open (nil error), got %v", err)
	}
	if blocked {
		t.Fatal("expected fail-open to report not blocked")
	}
}

func TestRecordInvalidCredentialSwallowsStoreFailure(t *testing.T) {
	client := newMemStore()
	client.fail = true
	g := New(client, DefaultConfig(), nil)

	// Must not panic even though the store is unavailable.
	g.RecordInvalidCredential(context.Background(), "1.2.3.4")
}
