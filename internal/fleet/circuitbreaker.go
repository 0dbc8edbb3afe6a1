package fleet

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
)

// circuitState is the three-state machine protecting a provider from
// cascading failures.
type circuitState int32

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func (c circuitBreakerConfig) withDefaults() circuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// circuitBreaker is a per-provider atomic state machine: Closed allows
// all calls, Open rejects immediately until its timeout elapses, then
// HalfOpen allows a trial run before returning to Closed or Open.
type circuitBreaker struct {
	cfg circuitBreakerConfig

	mu              sync.Mutex
	state           circuitState
	failures        int
	successes       int
	lastStateChange time.Time

	totalRejected atomic.Int64
}

func newCircuitBreaker(cfg circuitBreakerConfig) *circuitBreaker {
	cfg = cfg.withDefaults()
	return &circuitBreaker{cfg: cfg, state: circuitClosed, lastStateChange: time.Now()}
}

// allow reports whether a call may proceed, transitioning Open->HalfOpen
// once the cooldown has elapsed.
func (cb *circuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed, circuitHalfOpen:
		return nil
	case circuitOpen:
		if time.Since(cb.lastStateChange) >= cb.cfg.Timeout {
			cb.transitionLocked(circuitHalfOpen)
			return nil
		}
		cb.totalRejected.Add(1)
		return ferrors.Wrap("fleet", "circuitBreaker.allow", ferrors.ErrProviderExhausted)
	}
	return nil
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitClosed:
		cb.failures = 0
	case circuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(circuitClosed)
		}
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(circuitOpen)
		}
	case circuitHalfOpen:
		cb.transitionLocked(circuitOpen)
	}
}

func (cb *circuitBreaker) transitionLocked(to circuitState) {
	cb.state = to
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
}

func (cb *circuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
