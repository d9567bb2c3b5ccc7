// Package breaker implements a three-state circuit breaker guarding calls
// to the shared store.
//
// States: CLOSED (normal operation), OPEN (fail fast), HALF_OPEN (trial
// probe). Transitions are driven by consecutive failure/success counts and
// a cool-down timer, never by thrown control flow.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/saidutt46/tollbooth/internal/logging"
)

// State is one of CLOSED, OPEN, or HALF_OPEN.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow when the breaker is fast-failing calls.
var ErrOpen = errors.New("breaker: circuit open")

// Config controls breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// CLOSED -> OPEN.
	FailureThreshold int

	// CoolDown is how long the breaker stays OPEN before allowing a
	// HALF_OPEN trial probe.
	CoolDown time.Duration
}

// DefaultConfig matches spec.md 4.1: 5 consecutive failures, 30s cool-down.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name   string
	config Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight bool
}

// New creates a breaker in the CLOSED state.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.CoolDown <= 0 {
		config.CoolDown = DefaultConfig().CoolDown
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  Closed,
	}
}

// Allow reports whether a call should proceed. When it returns nil, the
// caller MUST report the outcome via RecordSuccess or RecordFailure. When it
// returns ErrOpen, the caller must treat the operation as StoreUnavailable
// without attempting the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) < b.config.CoolDown {
			return ErrOpen
		}
		// Cool-down elapsed: allow exactly one trial probe.
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.transitionLocked(HalfOpen)
		b.halfOpenInFlight = true
		return nil
	case HalfOpen:
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state == HalfOpen {
		b.halfOpenInFlight = false
		b.transitionLocked(Closed)
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.halfOpenInFlight = false
		b.transitionLocked(Open)
		return
	}

	b.consecutiveFails++
	if b.state == Closed && b.consecutiveFails >= b.config.FailureThreshold {
		b.transitionLocked(Open)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == Open {
		b.openedAt = time.Now()
		b.consecutiveFails = 0
	}

	logging.WithComponent("breaker").Info().
		Str("name", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state transition")
}
