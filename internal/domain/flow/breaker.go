package flow

import (
	"sync"
	"time"
)

// BreakerStatus is the state of one circuit.
type BreakerStatus int

const (
	// BreakerClosed admits all requests.
	BreakerClosed BreakerStatus = iota
	// BreakerOpen rejects all requests until the open timeout elapses.
	BreakerOpen
	// BreakerHalfOpen admits a single probe request.
	BreakerHalfOpen
)

// String returns the string representation of the status.
func (s BreakerStatus) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuit tracks failures for one backend+method key.
type circuit struct {
	status        BreakerStatus
	failureCount  int
	openedAt      time.Time
	probeInFlight bool
}

// Breaker holds one circuit per backend+method key. Keys fail
// independently; there is no cross-backend lock beyond the map mutex.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// NewBreaker creates a Breaker that opens a circuit after threshold
// consecutive failures and keeps it open for openFor.
// threshold <= 0 disables breaking.
func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// SetClock replaces the breaker's clock. For tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Key builds the circuit key for a backend and method.
func Key(backend, method string) string {
	return backend + "\x00" + method
}

// Allow reports whether a request for the key may proceed. In half-open
// state only a single probe is admitted at a time.
func (b *Breaker) Allow(key string) bool {
	if b.threshold <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.status {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(c.openedAt) < b.openFor {
			return false
		}
		c.status = BreakerHalfOpen
		c.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit for the key.
func (b *Breaker) RecordSuccess(key string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.status = BreakerClosed
	c.failureCount = 0
	c.probeInFlight = false
}

// RecordFailure counts a failure; threshold consecutive failures open the
// circuit. A failed half-open probe re-opens it and resets the timer.
func (b *Breaker) RecordFailure(key string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	switch c.status {
	case BreakerHalfOpen:
		c.status = BreakerOpen
		c.openedAt = b.now()
		c.probeInFlight = false
	default:
		c.failureCount++
		if c.failureCount >= b.threshold {
			c.status = BreakerOpen
			c.openedAt = b.now()
		}
	}
}

// Status returns the current state of the key's circuit.
func (b *Breaker) Status(key string) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.status
	}
	return BreakerClosed
}
