package flow

import (
	"errors"
	"time"
)

// Admission errors. Both map to JSON-RPC -32000 on the wire; clients are
// expected to retry with backoff.
var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// Strategy selects an upstream. Only round-robin is defined, and with a
// single upstream per name it degrades to identity.
type Strategy string

// RoundRobin is the only (reserved) strategy value.
const RoundRobin Strategy = "round-robin"

// Config configures a Balancer.
type Config struct {
	// MaxRequestsPerSecond is the global fixed-window admission cap.
	// <= 0 disables rate limiting.
	MaxRequestsPerSecond int
	// CircuitBreakerThreshold is the consecutive-failure count that opens
	// a circuit. <= 0 disables breaking.
	CircuitBreakerThreshold int
	// CircuitBreakerTimeout is how long an open circuit stays open.
	CircuitBreakerTimeout time.Duration
	// QueueCapacity bounds the pending request queue. <= 0 is unbounded.
	QueueCapacity int
	// QueueDropOldest selects DropOldest instead of RejectNewest.
	QueueDropOldest bool
	// Strategy is reserved; round-robin only.
	Strategy Strategy
}

// Balancer is the process-level admission gate: rate limit, breaker check,
// queue accounting, and request records all live here.
type Balancer struct {
	limiter  *RateLimiter
	breaker  *Breaker
	queue    *Queue
	recorder *Recorder
}

// NewBalancer creates a Balancer from config.
func NewBalancer(cfg Config) *Balancer {
	policy := RejectNewest
	if cfg.QueueDropOldest {
		policy = DropOldest
	}
	return &Balancer{
		limiter:  NewRateLimiter(cfg.MaxRequestsPerSecond),
		breaker:  NewBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		queue:    NewQueue(cfg.QueueCapacity, policy),
		recorder: NewRecorder(),
	}
}

// Admit runs the admission chain for a request. On success it returns an
// open request record that the caller must Complete.
func (b *Balancer) Admit(sessionID, backend, method string) (*RequestRecord, error) {
	if !b.limiter.Allow() {
		return nil, ErrRateLimited
	}

	key := Key(backend, method)
	if !b.breaker.Allow(key) {
		return nil, ErrBreakerOpen
	}

	rec := b.recorder.Begin(sessionID, method)
	if err := b.queue.Enqueue(rec); err != nil {
		b.recorder.Finish(rec, false)
		return nil, err
	}
	// The queue models pending work; dequeue happens as the request is
	// dispatched, immediately in this single-process balancer.
	b.queue.Dequeue()
	return rec, nil
}

// Complete finishes a record and feeds the breaker for the key.
func (b *Balancer) Complete(rec *RequestRecord, backend, method string, ok bool) {
	b.recorder.Finish(rec, ok)

	key := Key(backend, method)
	if ok {
		b.breaker.RecordSuccess(key)
	} else {
		b.breaker.RecordFailure(key)
	}
}

// BreakerStatus exposes the breaker state for a backend and method.
func (b *Balancer) BreakerStatus(backend, method string) BreakerStatus {
	return b.breaker.Status(Key(backend, method))
}

// Metrics returns a snapshot of completed request aggregates.
func (b *Balancer) Metrics() MetricsSnapshot {
	return b.recorder.Snapshot()
}

// QueueDepth returns the current queue length.
func (b *Balancer) QueueDepth() int {
	return b.queue.Len()
}

// SetClock pushes a test clock into the limiter and breaker.
func (b *Balancer) SetClock(now func() time.Time) {
	b.limiter.SetClock(now)
	b.breaker.SetClock(now)
}
