package gateway

import (
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed BreakerState = iota
	// StateOpen - failing, requests blocked
	StateOpen
	// StateHalfOpen - cooldown elapsed, one probe request in flight
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the circuit (default: 5)
	Cooldown         time.Duration // Time before a probe is let through (default: 30s)
	OnStateChange    func(name string, from, to BreakerState)
	Now              func() time.Time
}

// DefaultBreakerConfig returns the gateway defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a per-backend circuit breaker. After the cooldown exactly one
// probe is admitted; its outcome closes or re-opens the circuit.
type Breaker struct {
	name   string
	config BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Breaker{name: name, config: config}
}

// Allow reports whether a request may proceed. In half-open state only the
// first caller is admitted as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.config.Now().Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Available reports whether Allow could currently succeed without
// consuming the probe slot.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.config.Now().Sub(b.openedAt) >= b.config.Cooldown
	case StateHalfOpen:
		return !b.probing
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.open()
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	}
}

// Release returns an unused admission without recording an outcome, e.g.
// when the caller's context was cancelled.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.config.Now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}
