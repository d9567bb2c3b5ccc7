// Package identity resolves an opaque credential string to a user
// identifier and tier, per spec.md 4.4. Resolution is a pure lookup over
// a configuration snapshot: no I/O, no locking beyond the snapshot
// pointer read already performed by config.Loader.
package identity

import (
	"errors"

	"github.com/saidutt46/tollbooth/internal/config"
)

// ErrInvalidCredential is returned for credentials of the wrong format or
// not present in the current snapshot's credential map.
var ErrInvalidCredential = errors.New("identity: invalid credential")

// Resolution is the outcome of a successful credential lookup.
type Resolution struct {
	UserID string
	Tier   config.Tier
}

// Resolver looks up credentials against a live configuration snapshot.
type Resolver struct {
	loader *config.Loader
}

// NewResolver creates a Resolver backed by loader's current and future
// snapshots.
func NewResolver(loader *config.Loader) *Resolver {
	return &Resolver{loader: loader}
}

// Resolve maps credential to a user and tier using the snapshot in force
// at call time. Credentials of the wrong format short-circuit without
// consulting the snapshot's credential map, per spec.md 4.4.
func (r *Resolver) Resolve(credential string) (Resolution, error) {
	if err := config.ValidateCredentialFormat(credential); err != nil {
		return Resolution{}, ErrInvalidCredential
	}

	snapshot := r.loader.Current()

	userID, ok := snapshot.Credentials[credential]
	if !ok {
		return Resolution{}, ErrInvalidCredential
	}

	user, ok := snapshot.Users[userID]
	if !ok {
		// Invariant violation: ParseSnapshot guarantees credentials only
		// reference known users. Treat as invalid rather than panicking.
		return Resolution{}, ErrInvalidCredential
	}

	tier, ok := snapshot.Tiers[user.Tier]
	if !ok {
		return Resolution{}, ErrInvalidCredential
	}

	return Resolution{UserID: userID, Tier: tier}, nil
}
