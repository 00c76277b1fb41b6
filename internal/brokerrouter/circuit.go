package brokerrouter

import (
	"sync"
	"time"
)

// Circuit breaker states.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker gates one broker's submit path. Consecutive failures trip
// it open; after the recovery timeout one trial request is allowed through.
type circuitBreaker struct {
	mu               sync.Mutex
	state            circuitState
	failures         int
	failureThreshold int
	openedAt         time.Time
	recoveryTimeout  time.Duration
}

func newCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow reports whether a request may pass. An open breaker transitions to
// half-open once the recovery timeout elapses, admitting one trial.
func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(c.openedAt) >= c.recoveryTimeout {
			c.state = circuitHalfOpen
			return true
		}
		return false
	default: // half-open: one in-flight trial at a time
		return false
	}
}

// RecordSuccess closes the breaker.
func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = circuitClosed
	c.failures = 0
}

// RecordFailure counts a failure, tripping open at the threshold. A failed
// half-open trial re-opens immediately.
func (c *circuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.state == circuitHalfOpen || c.failures >= c.failureThreshold {
		c.state = circuitOpen
		c.openedAt = time.Now()
	}
}
