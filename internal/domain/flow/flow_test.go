package flow

import (
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(2)
	base := time.Now().Truncate(time.Second)
	r.SetClock(func() time.Time { return base })

	if !r.Allow() || !r.Allow() {
		t.Fatal("first two requests must be admitted")
	}
	if r.Allow() {
		t.Error("third request in the same second was admitted")
	}

	r.SetClock(func() time.Time { return base.Add(time.Second) })
	if !r.Allow() {
		t.Error("request in the next window was denied")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	t.Parallel()

	r := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !r.Allow() {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(3, time.Minute)
	key := Key("backend", "tools/call")

	for i := 0; i < 3; i++ {
		if !b.Allow(key) {
			t.Fatalf("request %d denied while closed", i)
		}
		b.RecordFailure(key)
	}

	if b.Status(key) != BreakerOpen {
		t.Fatalf("Status() = %s, want open", b.Status(key))
	}
	if b.Allow(key) {
		t.Error("open circuit admitted a request")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1, time.Minute)
	base := time.Now()
	b.SetClock(func() time.Time { return base })
	key := Key("backend", "tools/call")

	b.RecordFailure(key)
	if b.Allow(key) {
		t.Fatal("open circuit admitted a request")
	}

	// After the timeout a single probe goes through.
	b.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if !b.Allow(key) {
		t.Fatal("half-open probe was denied")
	}
	if b.Allow(key) {
		t.Error("second request admitted during half-open probe")
	}

	b.RecordSuccess(key)
	if b.Status(key) != BreakerClosed {
		t.Errorf("Status() = %s after probe success, want closed", b.Status(key))
	}
	if !b.Allow(key) {
		t.Error("closed circuit denied a request")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1, time.Minute)
	base := time.Now()
	b.SetClock(func() time.Time { return base })
	key := Key("backend", "tools/call")

	b.RecordFailure(key)
	b.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if !b.Allow(key) {
		t.Fatal("probe denied")
	}
	b.RecordFailure(key)

	if b.Status(key) != BreakerOpen {
		t.Fatalf("Status() = %s after failed probe, want open", b.Status(key))
	}
	// Timer was reset: still open just before the new deadline.
	b.SetClock(func() time.Time { return base.Add(2*time.Minute + 59*time.Second) })
	if b.Allow(key) {
		t.Error("circuit admitted before reset timer elapsed")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1, time.Minute)
	b.RecordFailure(Key("a", "tools/call"))

	if !b.Allow(Key("b", "tools/call")) {
		t.Error("failure on backend a tripped backend b")
	}
	if !b.Allow(Key("a", "tools/list")) {
		t.Error("failure on one method tripped another")
	}
}

func TestQueue_RejectNewest(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, RejectNewest)
	_ = q.Enqueue(&RequestRecord{ID: "1"})

	err := q.Enqueue(&RequestRecord{ID: "2"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() error = %v, want ErrQueueFull", err)
	}
	if got := q.Dequeue(); got == nil || got.ID != "1" {
		t.Errorf("Dequeue() = %v, want record 1", got)
	}
}

func TestQueue_DropOldest(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, DropOldest)
	_ = q.Enqueue(&RequestRecord{ID: "1"})
	if err := q.Enqueue(&RequestRecord{ID: "2"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if got := q.Dequeue(); got == nil || got.ID != "2" {
		t.Errorf("Dequeue() = %v, want record 2", got)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}
}

func TestRecorder_SnapshotAggregates(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	a := r.Begin("sess", "tools/call")
	r.Finish(a, true)
	b := r.Begin("sess", "tools/call")
	r.Finish(b, false)

	snap := r.Snapshot()
	if snap.Completed != 2 {
		t.Errorf("Completed = %d, want 2", snap.Completed)
	}
	if snap.Failed != 1 {
		t.Errorf("Failed = %d, want 1", snap.Failed)
	}
}

func TestRecorder_FinishIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	rec := r.Begin("sess", "m")
	r.Finish(rec, true)
	end := rec.End
	r.Finish(rec, false)

	if !rec.End.Equal(end) || !rec.OK {
		t.Error("record mutated after first Finish")
	}
}

func TestBalancer_AdmissionChain(t *testing.T) {
	t.Parallel()

	b := NewBalancer(Config{
		MaxRequestsPerSecond:    1,
		CircuitBreakerThreshold: 1,
		CircuitBreakerTimeout:   time.Minute,
	})
	base := time.Now().Truncate(time.Second)
	b.SetClock(func() time.Time { return base })

	rec, err := b.Admit("sess", "backend", "tools/call")
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}

	// Second request in the same second: rate limited.
	if _, err := b.Admit("sess", "backend", "tools/call"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Admit() error = %v, want ErrRateLimited", err)
	}

	// Failure opens the breaker; the next window's request hits it.
	b.Complete(rec, "backend", "tools/call", false)
	b.SetClock(func() time.Time { return base.Add(time.Second) })
	if _, err := b.Admit("sess", "backend", "tools/call"); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Admit() error = %v, want ErrBreakerOpen", err)
	}
}

func TestBalancer_MetricsFlow(t *testing.T) {
	t.Parallel()

	b := NewBalancer(Config{})
	rec, err := b.Admit("sess", "backend", "tools/list")
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	b.Complete(rec, "backend", "tools/list", true)

	snap := b.Metrics()
	if snap.Completed != 1 || snap.Failed != 0 {
		t.Errorf("Metrics() = %+v, want one successful completion", snap)
	}
}
