package config

import (
	"fmt"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Tier is a named quota class. Invariant: DegradedLimit <= BaseLimit <=
// BurstLimit, enforced by ParseSnapshot via validateTier.
type Tier struct {
	Name          string
	BaseLimit     int
	BurstLimit    int
	DegradedLimit int
	WindowSeconds int
}

// User maps a user identifier to a tier name.
type User struct {
	UserID string
	Tier   string
}

// Snapshot is the immutable, atomically-swapped configuration value
// consumed by the identity resolver, limit calculator, and sliding-window
// counter. Readers hold a pointer to exactly one Snapshot; config.Loader
// never mutates one in place.
type Snapshot struct {
	Tiers       map[string]Tier
	Users       map[string]User   // user_id -> User
	Credentials map[string]string // credential -> user_id
	Store       StoreParams
}

// StoreParams are the shared-store connection settings carried in the
// config file, per spec.md 4.8.
type StoreParams struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	DB             int    `yaml:"db"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxConnections int    `yaml:"max_connections"`
}

// tierDocument is a single tiers.{name} entry in the on-disk schema.
type tierDocument struct {
	BaseLimit     int `yaml:"base_limit"`
	BurstLimit    int `yaml:"burst_limit"`
	DegradedLimit int `yaml:"degraded_limit"`
	WindowMinutes int `yaml:"window_minutes"`
}

// document is the on-disk YAML shape, matching the tiers.{name}.*,
// users.{id}, api_keys.{credential} schema in spec.md 4.8.
type document struct {
	Tiers   map[string]tierDocument `yaml:"tiers"`
	Users   map[string]string       `yaml:"users"`    // user_id -> tier name
	APIKeys map[string]string       `yaml:"api_keys"` // credential -> user_id
	Store   StoreParams             `yaml:"store"`
}

// ParseSnapshot parses and validates a configuration document, returning
// an immutable Snapshot. Validation is all-or-nothing: any error leaves
// the caller free to discard the partially-built value.
func ParseSnapshot(raw []byte) (*Snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: invalid yaml: %w", err)
	}

	snapshot := &Snapshot{
		Tiers:       make(map[string]Tier, len(doc.Tiers)),
		Users:       make(map[string]User, len(doc.Users)),
		Credentials: make(map[string]string, len(doc.APIKeys)),
		Store:       doc.Store,
	}

	for name, t := range doc.Tiers {
		tier := Tier{
			Name:          name,
			BaseLimit:     t.BaseLimit,
			BurstLimit:    t.BurstLimit,
			DegradedLimit: t.DegradedLimit,
			WindowSeconds: t.WindowMinutes * 60,
		}
		if err := validateTier(tier); err != nil {
			return nil, err
		}
		snapshot.Tiers[name] = tier
	}

	for userID, tierName := range doc.Users {
		if _, ok := snapshot.Tiers[tierName]; !ok {
			return nil, fmt.Errorf("config: user %q references unknown tier %q", userID, tierName)
		}
		snapshot.Users[userID] = User{UserID: userID, Tier: tierName}
	}

	for credential, userID := range doc.APIKeys {
		if err := ValidateCredentialFormat(credential); err != nil {
			return nil, fmt.Errorf("config: api_keys entry: %w", err)
		}
		if _, ok := snapshot.Users[userID]; !ok {
			return nil, fmt.Errorf("config: api_keys entry for credential maps to unknown user %q", userID)
		}
		snapshot.Credentials[credential] = userID
	}

	if err := validateStoreParams(snapshot.Store); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func validateTier(t Tier) error {
	if t.Name == "" {
		return fmt.Errorf("config: tier name must not be empty")
	}
	if t.BaseLimit < 0 {
		return fmt.Errorf("config: tier %q: base_limit must be non-negative", t.Name)
	}
	if t.DegradedLimit < 0 {
		return fmt.Errorf("config: tier %q: degraded_limit must be non-negative", t.Name)
	}
	if t.WindowSeconds <= 0 {
		return fmt.Errorf("config: tier %q: window_minutes must be positive", t.Name)
	}
	if !(t.DegradedLimit <= t.BaseLimit && t.BaseLimit <= t.BurstLimit) {
		return fmt.Errorf("config: tier %q: invariant degraded_limit(%d) <= base_limit(%d) <= burst_limit(%d) violated",
			t.Name, t.DegradedLimit, t.BaseLimit, t.BurstLimit)
	}
	return nil
}

func validateStoreParams(s StoreParams) error {
	if s.Host == "" {
		return fmt.Errorf("config: store.host is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("config: store.port %d out of range", s.Port)
	}
	return nil
}

// ValidateCredentialFormat checks the opaque-string rule from spec.md 3:
// non-empty, length 8-128, printable ASCII. Failing this short-circuits
// resolution without touching the store.
func ValidateCredentialFormat(credential string) error {
	if len(credential) < 8 || len(credential) > 128 {
		return fmt.Errorf("credential length %d outside [8,128]", len(credential))
	}
	for _, r := range credential {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return fmt.Errorf("credential contains non-printable-ASCII character")
		}
	}
	return nil
}

// toDocument reconstructs the on-disk YAML shape from a Snapshot, for the
// admin write-back path (spec.md 9's persistence open question).
func (s *Snapshot) toDocument() document {
	doc := document{
		Tiers:   make(map[string]tierDocument, len(s.Tiers)),
		Users:   make(map[string]string, len(s.Users)),
		APIKeys: make(map[string]string, len(s.Credentials)),
		Store:   s.Store,
	}
	for name, t := range s.Tiers {
		doc.Tiers[name] = tierDocument{
			BaseLimit:     t.BaseLimit,
			BurstLimit:    t.BurstLimit,
			DegradedLimit: t.DegradedLimit,
			WindowMinutes: t.WindowSeconds / 60,
		}
	}
	for userID, u := range s.Users {
		doc.Users[userID] = u.Tier
	}
	for credential, userID := range s.Credentials {
		doc.APIKeys[credential] = userID
	}
	return doc
}

// LowestPriorityTier resolves the "free" classification for the effective
// limit calculator (spec.md 4.6): the tier literally named "free", or
// failing that, a tier whose degraded_limit differs from its base_limit.
// When several tiers qualify, which one is returned is not defined.
func (s *Snapshot) LowestPriorityTier() (string, bool) {
	if _, ok := s.Tiers["free"]; ok {
		return "free", true
	}
	for name, t := range s.Tiers {
		if t.DegradedLimit != t.BaseLimit {
			return name, true
		}
	}
	return "", false
}
