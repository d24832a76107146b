package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, slog.New(slog.DiscardHandler))
}

func TestManager_CreateOnFirstContact(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{})
	s, err := m.GetOrCreate("sess-1", "stdio")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if s.Initialized {
		t.Error("fresh session already initialized")
	}
	if s.Transport != "stdio" {
		t.Errorf("Transport = %q, want stdio", s.Transport)
	}

	again, err := m.GetOrCreate("sess-1", "stdio")
	if err != nil {
		t.Fatalf("second GetOrCreate() error: %v", err)
	}
	if again != s {
		t.Error("GetOrCreate() created a second session for the same id")
	}
}

func TestManager_InitializeFlipsFlag(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{})
	_, _ = m.GetOrCreate("s", "http")

	err := m.Initialize("s", "2024.11.5", ClientInfo{Name: "client", Version: "1.0"})
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	got, err := m.Get("s")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.Initialized {
		t.Error("Initialized = false after Initialize")
	}
	if got.Client.Name != "client" {
		t.Errorf("Client.Name = %q, want client", got.Client.Name)
	}
	if got.ProtocolVersion != "2024.11.5" {
		t.Errorf("ProtocolVersion = %q", got.ProtocolVersion)
	}
}

func TestManager_IdleExpiry(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{Timeout: time.Minute})
	base := time.Now()
	m.SetClock(func() time.Time { return base })
	_, _ = m.GetOrCreate("s", "http")

	m.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if _, err := m.Get("s"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_ActivityPostponesExpiry(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{Timeout: time.Minute})
	base := time.Now()
	m.SetClock(func() time.Time { return base })
	_, _ = m.GetOrCreate("s", "http")

	m.SetClock(func() time.Time { return base.Add(50 * time.Second) })
	m.UpdateActivity("s")

	m.SetClock(func() time.Time { return base.Add(100 * time.Second) })
	if _, err := m.Get("s"); err != nil {
		t.Errorf("Get() error = %v after recent activity", err)
	}
}

func TestManager_MaxSessionsEvictsOldestIdle(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{MaxSessions: 2})
	base := time.Now()
	step := 0
	m.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	_, _ = m.GetOrCreate("a", "http")
	_, _ = m.GetOrCreate("b", "http")
	_, _ = m.GetOrCreate("c", "http")

	if _, err := m.Get("a"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("oldest session survived the eviction race")
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
}

func TestManager_Terminate(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{})
	_, _ = m.GetOrCreate("s", "ws")
	m.Terminate("s")
	m.Terminate("s")

	if _, err := m.Get("s"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v after Terminate, want ErrSessionNotFound", err)
	}
}

func TestManager_CleanupLoopStops(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{CleanupInterval: 10 * time.Millisecond, Timeout: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartCleanup(ctx)
	_, _ = m.GetOrCreate("s", "http")
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if m.Count() != 0 {
		t.Errorf("Count() = %d after sweep, want 0", m.Count())
	}
}

func TestNewID_UniqueAndHex(t *testing.T) {
	t.Parallel()

	a, err := NewID()
	if err != nil {
		t.Fatalf("NewID() error: %v", err)
	}
	b, _ := NewID()
	if a == b {
		t.Error("NewID() returned duplicates")
	}
	if len(a) != 64 {
		t.Errorf("id length = %d, want 64 hex chars", len(a))
	}
}
