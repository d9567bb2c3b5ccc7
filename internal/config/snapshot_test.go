package config

import "testing"

const validDoc = `
tiers:
  free:
    base_limit: 10
    burst_limit: 20
    degraded_limit: 2
    window_minutes: 1
  pro:
    base_limit: 100
    burst_limit: 150
    degraded_limit: 100
    window_minutes: 1
users:
  user-1: free
  user-2: pro
api_keys:
  abcd1234efgh5678: user-1
  zzzz9999yyyy8888: user-2
store:
  host: localhost
  port: 6379
  db: 0
  timeout_ms: 5
  max_connections: 50
`

func TestParseSnapshotValid(t *testing.T) {
	snapshot, err := ParseSnapshot([]byte(validDoc))
	if err != nil {
		t.Fatalf("expected valid document to parse, got: %v", err)
	}

	free, ok := snapshot.Tiers["free"]
	if !ok {
		t.Fatal("expected free tier")
	}
	if free.WindowSeconds != 60 {
		t.Errorf("expected window_minutes converted to 60s, got %d", free.WindowSeconds)
	}

	userID, ok := snapshot.Credentials["abcd1234efgh5678"]
	if !ok || userID != "user-1" {
		t.Fatalf("expected credential to resolve to user-1, got %q ok=%v", userID, ok)
	}
}

func TestParseSnapshotRejectsBadInvariant(t *testing.T) {
	doc := `
tiers:
  broken:
    base_limit: 100
    burst_limit: 50
    degraded_limit: 10
    window_minutes: 1
users: {}
api_keys: {}
store:
  host: localhost
  port: 6379
`
	if _, err := ParseSnapshot([]byte(doc)); err == nil {
		t.Fatal("expected invariant violation (burst < base) to be rejected")
	}
}

func TestParseSnapshotRejectsNegativeDegradedLimit(t *testing.T) {
	doc := `
tiers:
  broken:
    base_limit: 0
    burst_limit: 10
    degraded_limit: -5
    window_minutes: 1
users: {}
api_keys: {}
store:
  host: localhost
  port: 6379
`
	if _, err := ParseSnapshot([]byte(doc)); err == nil {
		t.Fatal("expected negative degraded_limit to be rejected even when base_limit is 0")
	}
}

func TestParseSnapshotRejectsUnknownTierReference(t *testing.T) {
	doc := `
tiers:
  free:
    base_limit: 10
    burst_limit: 20
    degraded_limit: 2
    window_minutes: 1
users:
  user-1: nonexistent
api_keys: {}
store:
  host: localhost
  port: 6379
`
	if _, err := ParseSnapshot([]byte(doc)); err == nil {
		t.Fatal("expected reference to unknown tier to be rejected")
	}
}

func TestParseSnapshotRejectsBadCredentialFormat(t *testing.T) {
	doc := `
tiers:
  free:
    base_limit: 10
    burst_limit: 20
    degraded_limit: 2
    window_minutes: 1
users:
  user-1: free
api_keys:
  short: user-1
store:
  host: localhost
  port: 6379
`
	if _, err := ParseSnapshot([]byte(doc)); err == nil {
		t.Fatal("expected too-short credential to be rejected")
	}
}

func TestParseSnapshotRejectsCredentialForUnknownUser(t *testing.T) {
	doc := `
tiers:
  free:
    base_limit: 10
    burst_limit: 20
    degraded_limit: 2
    window_minutes: 1
users: {}
api_keys:
  abcd1234efgh5678: ghost-user
store:
  host: localhost
  port: 6379
`
	if _, err := ParseSnapshot([]byte(doc)); err == nil {
		t.Fatal("expected credential referencing unknown user to be rejected")
	}
}

func TestValidateCredentialFormat(t *testing.T) {
	cases := []struct {
		credential string
		wantErr    bool
	}{
		{"abcd1234efgh5678", false},
		{"short", true},
		{"", true},
		{string(make([]byte, 200)), true},
		{"has\x00control", true},
	}

	for _, tc := range cases {
		err := ValidateCredentialFormat(tc.credential)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateCredentialFormat(%q) error = %v, wantErr %v", tc.credential, err, tc.wantErr)
		}
	}
}

func TestLowestPriorityTierPrefersLiteralFree(t *testing.T) {
	snapshot, err := ParseSnapshot([]byte(validDoc))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	name, ok := snapshot.LowestPriorityTier()
	if !ok || name != "free" {
		t.Fatalf("expected lowest-priority tier 'free', got %q ok=%v", name, ok)
	}
}

func TestLowestPriorityTierFallsBackToDistinctDegraded(t *testing.T) {
	doc := `
tiers:
  basic:
    base_limit: 50
    burst_limit: 80
    degraded_limit: 5
    window_minutes: 1
  pro:
    base_limit: 100
    burst_limit: 150
    degraded_limit: 100
    window_minutes: 1
users: {}
api_keys: {}
store:
  host: localhost
  port: 6379
`
	snapshot, err := ParseSnapshot([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	name, ok := snapshot.LowestPriorityTier()
	if !ok || name != "basic" {
		t.Fatalf("expected lowest-priority tier 'basic', got %q ok=%v", name, ok)
	}
}
