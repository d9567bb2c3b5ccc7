package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/saidutt46/tollbooth/internal/store"
)

// fakeClient is an in-memory store.Client that interprets the sliding
// window script directly, so these tests are deterministic and need no
// running Redis. Grounded on the teacher's own sliding-window semantics
// (ZREMRANGEBYSCORE + ZCARD + ZADD + EXPIRE), reimplemented over a map.
//
// RunScript models a single atomic Redis Lua script, so concurrent callers
// must be serialized the same way the real script is serialized by Redis's
// single-threaded execution — guarded with a mutex here, matching the
// fakeClient in internal/middleware/orchestrator_test.go.
type fakeClient struct {
	mu   sync.Mutex
	sets map[string]map[string]int64 // key -> member -> score (ms)
}

func newFakeClient() *fakeClient {
	return &fakeClient{sets: make(map[string]map[string]int64)}
}

func (f *fakeClient) RunScript(_ context.Context, _ string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	nowMS := args[0].(int64)
	windowSeconds := args[1].(int)
	limit := args[2].(int)
	eventID := args[3].(string)

	windowStart := nowMS - int64(windowSeconds)*1000

	members := f.sets[key]
	if members == nil {
		members = make(map[string]int64)
	}
	for member, score := range members {
		if score <= windowStart {
			delete(members, member)
		}
	}

	used := len(members)
	allowed := int64(0)
	remaining := int64(0)
	if used < limit {
		members[eventID] = nowMS
		allowed = 1
		remaining = int64(limit - used - 1)
	}
	f.sets[key] = members

	var oldest int64
	if len(members) > 0 {
		scores := make([]int64, 0, len(members))
		for _, s := range members {
			scores = append(scores, s)
		}
		sort.Slice(scores, func(i, j int) bool { return scores[i] < scores[j] })
		oldest = scores[0]
	}

	return []interface{}{allowed, remaining, oldest}, nil
}

func (f *fakeClient) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (f *fakeClient) Set(context.Context, string, string, time.Duration) error {
	return nil
}
func (f *fakeClient) IncrementWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeClient) TTL(context.Context, string) (time.Duration, error) { return -1, nil }
func (f *fakeClient) Ping(context.Context) error                         { return nil }

// unavailableClient always reports the store as unreachable.
type unavailableClient struct{ fakeClient }

func (u *unavailableClient) RunScript(context.Context, string, []string, ...interface{}) (interface{}, error) {
	return nil, store.ErrUnavailable
}

func TestCounterAllowsUpToLimit(t *testing.T) {
	c := NewCounter(newFakeClient())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := c.Allow(ctx, "user-1", 60, 10)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if result.Remaining != 10-i-1 {
			t.Fatalf("expected remaining %d, got %d", 10-i-1, result.Remaining)
		}
	}

	result, err := c.Allow(ctx, "user-1", 60, 10)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("11th request should be denied")
	}
	if result.Limit != 10 {
		t.Fatalf("expected limit 10, got %d", result.Limit)
	}
}

func TestCounterZeroLimitAdmitsNothing(t *testing.T) {
	c := NewCounter(newFakeClient())

	result, err := c.Allow(context.Background(), "user-1", 60, 0)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("zero limit must never admit")
	}
}

func TestCounterIsolatesUsersAndWindows(t *testing.T) {
	c := NewCounter(newFakeClient())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.Allow(ctx, "user-a", 60, 5); err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
	}

	result, err := c.Allow(ctx, "user-b", 60, 5)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("a different user must not be affected by user-a's window")
	}

	result, err = c.Allow(ctx, "user-a", 30, 5)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("a different window size must be tracked independently")
	}
}

func TestCounterStoreUnavailable(t *testing.T) {
	c := NewCounter(&unavailableClient{})

	_, err := c.Allow(context.Background(), "user-1", 60, 10)
	if err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCounterConcurrentAdmissionsRespectLimit(t *testing.T) {
	c := NewCounter(newFakeClient())
	ctx := context.Background()

	const limit = 100
	const attempts = 250

	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			result, err := c.Allow(ctx, "user-concurrent", 60, limit)
			if err != nil {
				results <- false
				return
			}
			results <- result.Allowed
		}()
	}

	allowed := 0
	for i := 0; i < attempts; i++ {
		if <-results {
			allowed++
		}
	}

	if allowed != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, allowed)
	}
}

// TestCounterAgainstRedis exercises the real Lua script against a live
// Redis instance. Skipped when one isn't reachable, matching the
// convention used for the teacher's own Redis-backed tests.
func TestCounterAgainstRedis(t *testing.T) {
	s, err := store.New(store.Config{
		URL:            "redis://localhost:6379/15",
		MaxConnections: 10,
		CallTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer s.Close()

	c := NewCounter(s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := c.Allow(ctx, "integration-user", 2, 3)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	result, err := c.Allow(ctx, "integration-user", 2, 3)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("4th request should be denied within the window")
	}
}
