package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// Threshold implements the per-subscription health rule: a subscription is
// deactivated once its consecutive-failure counter reaches the threshold.
// There is no automatic re-activation; an operator must re-enable it.
type Threshold struct {
	limit int
}

// DefaultThreshold is the number of consecutive failed deliveries after
// which a subscription is switched off.
const DefaultThreshold = 10

func NewThreshold(limit int) *Threshold {
	if limit <= 0 {
		limit = DefaultThreshold
	}
	return &Threshold{limit: limit}
}

// Exceeded reports whether the given consecutive-failure count has reached
// the trip point.
func (t *Threshold) Exceeded(consecutiveFailures int) bool {
	return consecutiveFailures >= t.limit
}

// Limit returns the configured trip point.
func (t *Threshold) Limit() int {
	return t.limit
}

// Settings configures an Execute-style breaker guarding a shared dependency.
type Settings struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
}

// CircuitBreaker guards calls to an external dependency (e.g. the redis
// broker): after MaxFailures consecutive errors it opens and fails fast
// until Timeout has elapsed, then allows a probe call through.
type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	failures    int
	lastFailure time.Time
	state       string
	mu          sync.RWMutex
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	return &CircuitBreaker{
		name:        settings.Name,
		maxFailures: settings.MaxFailures,
		timeout:     settings.Timeout,
		state:       "closed",
	}
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.RLock()
	if cb.state == "open" {
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.mu.RUnlock()
			cb.mu.Lock()
			cb.state = "half-open"
			cb.mu.Unlock()
		} else {
			cb.mu.RUnlock()
			return fmt.Errorf("circuit breaker %s is open", cb.name)
		}
	} else {
		cb.mu.RUnlock()
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = "open"
		}
		return err
	}

	if cb.state == "half-open" {
		cb.state = "closed"
	}
	cb.failures = 0
	return nil
}
