package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/filter"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestController(cfg Config) *Controller {
	return NewController(cfg, filter.NewChain(filter.Config{}), events.NewBus(), discardLogger())
}

func staticLoader(names ...string) Loader {
	return func(context.Context) (map[string]tool.Descriptor, error) {
		out := make(map[string]tool.Descriptor, len(names))
		for _, n := range names {
			out[n] = tool.Descriptor{Name: n, Backend: "test"}
		}
		return out, nil
	}
}

func registerSet(t *testing.T, c *Controller, id string, names ...string) {
	t.Helper()
	err := c.RegisterToolset(&Toolset{
		ID:          id,
		Loader:      staticLoader(names...),
		ExposeNames: names,
	})
	if err != nil {
		t.Fatalf("RegisterToolset(%s) error: %v", id, err)
	}
}

func TestEnableToolset_ActivatesAndLists(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	registerSet(t, c, "files", "files/read", "files/write")

	if err := c.EnableToolset(context.Background(), "files"); err != nil {
		t.Fatalf("EnableToolset() error: %v", err)
	}

	if got := c.ActiveToolNames(); len(got) != 2 {
		t.Errorf("ActiveToolNames() = %v, want 2 names", got)
	}
	if st := c.ToolsetState("files"); st != StateActive {
		t.Errorf("state = %s, want active", st)
	}
}

func TestEnableToolset_UnknownToolset(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	err := c.EnableToolset(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownToolset) {
		t.Errorf("EnableToolset() error = %v, want ErrUnknownToolset", err)
	}
}

func TestEnableToolset_Idempotent(t *testing.T) {
	t.Parallel()

	calls := int32(0)
	c := newTestController(Config{})
	_ = c.RegisterToolset(&Toolset{
		ID: "s",
		Loader: func(context.Context) (map[string]tool.Descriptor, error) {
			atomic.AddInt32(&calls, 1)
			return map[string]tool.Descriptor{"s/t": {Name: "s/t"}}, nil
		},
	})

	_ = c.EnableToolset(context.Background(), "s")
	_ = c.EnableToolset(context.Background(), "s")

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("loader ran %d times, want 1", got)
	}
}

func TestEnableToolset_CollisionAbortsWhole(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	registerSet(t, c, "a", "shared/tool")
	registerSet(t, c, "b", "shared/tool", "b/only")

	if err := c.EnableToolset(context.Background(), "a"); err != nil {
		t.Fatalf("enable a: %v", err)
	}

	err := c.EnableToolset(context.Background(), "b")
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("enable b error = %v, want ErrCollision", err)
	}

	// No partial insertion: b/only must not be active.
	if _, ok := c.ActiveTool("b/only"); ok {
		t.Error("collision left a partial insert behind")
	}
	if st := c.ToolsetState("b"); st == StateActive {
		t.Error("colliding toolset marked active")
	}
}

func TestEnableToolset_OwnershipUniqueness(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	registerSet(t, c, "a", "t")
	registerSet(t, c, "b", "t")

	if err := c.EnableToolset(context.Background(), "a"); err != nil {
		t.Fatalf("enable a: %v", err)
	}
	if err := c.EnableToolset(context.Background(), "b"); !errors.Is(err, ErrCollision) {
		t.Fatalf("enable b error = %v, want ErrCollision", err)
	}

	// Exactly one active owner for "t" at any moment.
	if got := c.ActiveToolsets(); len(got) != 1 || got[0] != "a" {
		t.Errorf("ActiveToolsets() = %v, want [a]", got)
	}
}

func TestEnableToolset_OptimizesDescriptors(t *testing.T) {
	t.Parallel()

	long := make([]rune, 80)
	for i := range long {
		long[i] = 'a'
	}
	c := newTestController(Config{})
	_ = c.RegisterToolset(&Toolset{
		ID: "s",
		Loader: func(context.Context) (map[string]tool.Descriptor, error) {
			return map[string]tool.Descriptor{
				"s/t": {
					Name:        "s/t",
					Description: string(long),
					InputSchema: map[string]interface{}{"default": 1},
				},
			}, nil
		},
	})

	_ = c.EnableToolset(context.Background(), "s")

	d, ok := c.ActiveTool("s/t")
	if !ok {
		t.Fatal("s/t not active")
	}
	if n := len([]rune(d.Description)); n > tool.MaxDescriptionLength {
		t.Errorf("description length = %d, want <= %d", n, tool.MaxDescriptionLength)
	}
	if _, ok := d.InputSchema["default"]; ok {
		t.Error("default key survived optimization")
	}
}

func TestDisableToolset_Idempotent(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	registerSet(t, c, "s", "s/t")
	_ = c.EnableToolset(context.Background(), "s")

	c.DisableToolset("s")
	c.DisableToolset("s")

	if got := c.ActiveToolNames(); len(got) != 0 {
		t.Errorf("ActiveToolNames() = %v after disable, want empty", got)
	}
}

func TestSweepExpired_TTL(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{TTL: time.Second})
	registerSet(t, c, "s", "s/t")
	_ = c.EnableToolset(context.Background(), "s")

	base := time.Now()
	c.SetClock(func() time.Time { return base.Add(2 * time.Second) })

	victims := c.SweepExpired()
	if len(victims) != 1 || victims[0] != "s" {
		t.Errorf("SweepExpired() = %v, want [s]", victims)
	}
	if st := c.ToolsetState("s"); st != StateDisabled {
		t.Errorf("state = %s, want disabled", st)
	}
}

func TestSweepExpired_MarkUsedRefreshes(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{TTL: time.Second})
	registerSet(t, c, "s", "s/t")
	_ = c.EnableToolset(context.Background(), "s")

	base := time.Now()
	c.SetClock(func() time.Time { return base.Add(900 * time.Millisecond) })
	c.MarkUsed("s/t")
	c.SetClock(func() time.Time { return base.Add(1500 * time.Millisecond) })

	if victims := c.SweepExpired(); len(victims) != 0 {
		t.Errorf("SweepExpired() = %v after recent use, want none", victims)
	}
}

func TestSweepExpired_PinPreventsTTL(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{TTL: time.Second})
	registerSet(t, c, "s", "s/t")
	_ = c.EnableToolset(context.Background(), "s")
	c.Pin("s")

	base := time.Now()
	c.SetClock(func() time.Time { return base.Add(time.Hour) })

	if victims := c.SweepExpired(); len(victims) != 0 {
		t.Errorf("SweepExpired() evicted pinned toolset: %v", victims)
	}
	if st := c.ToolsetState("s"); st != StateActive {
		t.Errorf("pinned toolset state = %s, want active", st)
	}
}

func TestEnforceLRUCap_EvictsOldest(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{MaxActiveToolsets: 3})
	base := time.Now()
	tick := 0
	c.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	for _, id := range []string{"setA", "setB", "setC", "setD"} {
		registerSet(t, c, id, id+"/t")
		if err := c.EnableToolset(context.Background(), id); err != nil {
			t.Fatalf("enable %s: %v", id, err)
		}
	}

	got := c.ActiveToolsets()
	want := []string{"setB", "setC", "setD"}
	if len(got) != len(want) {
		t.Fatalf("ActiveToolsets() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ActiveToolsets() = %v, want %v", got, want)
		}
	}
}

func TestEnforceLRUCap_PinnedSurvives(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{MaxActiveToolsets: 2})
	base := time.Now()
	tick := 0
	c.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	// Pin before enabling: pinning a not-yet-enabled toolset is allowed.
	c.Pin("first")

	for _, id := range []string{"first", "second", "third"} {
		registerSet(t, c, id, id+"/t")
		_ = c.EnableToolset(context.Background(), id)
	}

	for _, id := range c.ActiveToolsets() {
		if id == "first" {
			return
		}
	}
	t.Errorf("pinned oldest toolset was evicted: active = %v", c.ActiveToolsets())
}

func TestEnsureToolAvailable_ActiveFastPath(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{AutoEnableOnCall: false})
	registerSet(t, c, "s", "s/t")
	_ = c.EnableToolset(context.Background(), "s")

	ok, err := c.EnsureToolAvailable(context.Background(), "s/t")
	if err != nil || !ok {
		t.Errorf("EnsureToolAvailable() = %v, %v; want true, nil", ok, err)
	}
}

func TestEnsureToolAvailable_NoOwner(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{AutoEnableOnCall: true})
	registerSet(t, c, "s", "s/t")

	ok, err := c.EnsureToolAvailable(context.Background(), "other/t")
	if err != nil || ok {
		t.Errorf("EnsureToolAvailable(unknown) = %v, %v; want false, nil", ok, err)
	}
}

func TestEnsureToolAvailable_AutoEnables(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{AutoEnableOnCall: true})
	registerSet(t, c, "s", "s/t")

	ok, err := c.EnsureToolAvailable(context.Background(), "s/t")
	if err != nil || !ok {
		t.Fatalf("EnsureToolAvailable() = %v, %v; want true, nil", ok, err)
	}
	if _, active := c.ActiveTool("s/t"); !active {
		t.Error("tool not active after auto-enable")
	}
}

func TestEnsureToolAvailable_AutoEnableDisabled(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{AutoEnableOnCall: false})
	registerSet(t, c, "s", "s/t")

	ok, err := c.EnsureToolAvailable(context.Background(), "s/t")
	if err != nil || ok {
		t.Errorf("EnsureToolAvailable() = %v, %v; want false, nil", ok, err)
	}
}

func TestEnsureToolAvailable_Blocklist(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{
		AutoEnableOnCall:    true,
		AutoEnableBlocklist: []string{"s/*"},
	})
	registerSet(t, c, "s", "s/t")

	if ok, _ := c.EnsureToolAvailable(context.Background(), "s/t"); ok {
		t.Error("blocklisted tool was auto-enabled")
	}
}

func TestEnsureToolAvailable_Allowlist(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{
		AutoEnableOnCall:    true,
		AutoEnableAllowlist: []string{"allowed/*"},
	})
	registerSet(t, c, "s", "s/t")
	registerSet(t, c, "a", "allowed/t")

	if ok, _ := c.EnsureToolAvailable(context.Background(), "s/t"); ok {
		t.Error("tool outside allowlist was auto-enabled")
	}
	if ok, _ := c.EnsureToolAvailable(context.Background(), "allowed/t"); !ok {
		t.Error("allowlisted tool was not auto-enabled")
	}
}

func TestEnsureToolAvailable_CaseInsensitive(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{
		AutoEnableOnCall:          true,
		AutoEnableCaseInsensitive: true,
	})
	registerSet(t, c, "s", "S/Tool")

	// Reverse-index keys and lookups are lowercased; stored descriptors keep
	// their original case, and availability after enabling is an exact-name
	// lookup in the active map, so the call uses the stored spelling.
	ok, err := c.EnsureToolAvailable(context.Background(), "S/Tool")
	if err != nil || !ok {
		t.Errorf("EnsureToolAvailable() = %v, %v; want true, nil", ok, err)
	}
}

func TestEnsureToolAvailable_AmbiguousPolicy(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{
		AutoEnableOnCall:   true,
		ConflictResolution: ErrorOnAmbiguous,
	})
	registerSet(t, c, "a", "shared/t")
	registerSet(t, c, "b", "shared/t")

	_, err := c.EnsureToolAvailable(context.Background(), "shared/t")
	if !errors.Is(err, ErrAmbiguous) {
		t.Errorf("EnsureToolAvailable() error = %v, want ErrAmbiguous", err)
	}
}

func TestEnsureToolAvailable_PreferEnabled(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{
		AutoEnableOnCall:   true,
		ConflictResolution: PreferEnabled,
	})
	// Both expose shared/t; only "b" is active, so it must win even though
	// "a" sorts first.
	_ = c.RegisterToolset(&Toolset{ID: "a", Loader: staticLoader("shared/t"), ExposeNames: []string{"shared/t"}})
	_ = c.RegisterToolset(&Toolset{ID: "b", Loader: staticLoader("b/x"), ExposeNames: []string{"shared/t", "b/x"}})
	_ = c.EnableToolset(context.Background(), "b")

	// b's loader does not actually produce shared/t, so availability comes
	// back false, but no second toolset may be loaded.
	ok, err := c.EnsureToolAvailable(context.Background(), "shared/t")
	if err != nil {
		t.Fatalf("EnsureToolAvailable() error: %v", err)
	}
	if ok {
		t.Error("tool reported available though loader never produced it")
	}
	if st := c.ToolsetState("a"); st == StateActive {
		t.Error("prefer-enabled loaded the inactive candidate")
	}
}

func TestEnsureToolAvailable_ConcurrentSingleLoad(t *testing.T) {
	t.Parallel()

	var loads int32
	c := newTestController(Config{AutoEnableOnCall: true})
	_ = c.RegisterToolset(&Toolset{
		ID:          "S",
		ExposeNames: []string{"foo"},
		Loader: func(context.Context) (map[string]tool.Descriptor, error) {
			atomic.AddInt32(&loads, 1)
			time.Sleep(20 * time.Millisecond) // widen the race window
			return map[string]tool.Descriptor{"foo": {Name: "foo"}}, nil
		},
	})

	const n = 10
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := c.EnsureToolAvailable(context.Background(), "foo")
			if err != nil {
				t.Errorf("caller %d error: %v", i, err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Errorf("loader ran %d times, want exactly 1", got)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d got false, want true", i)
		}
	}
	if _, active := c.ActiveTool("foo"); !active {
		t.Error("foo not in active tools after concurrent ensure")
	}
}

func TestEnsureToolAvailable_LoaderFailureBubbles(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := newTestController(Config{AutoEnableOnCall: true})
	_ = c.RegisterToolset(&Toolset{
		ID:          "s",
		ExposeNames: []string{"s/t"},
		Loader: func(context.Context) (map[string]tool.Descriptor, error) {
			return nil, boom
		},
	})

	ok, err := c.EnsureToolAvailable(context.Background(), "s/t")
	if ok {
		t.Error("availability reported true after loader failure")
	}
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped loader error", err)
	}
	// The reverse index is still consulted on later calls, so the loader
	// runs again and its error surfaces again.
	if _, err := c.EnsureToolAvailable(context.Background(), "s/t"); !errors.Is(err, boom) {
		t.Errorf("second attempt error = %v, want the loader error again", err)
	}
}

func TestAvailableTools_RunsFilterChain(t *testing.T) {
	t.Parallel()

	chain := filter.NewChain(filter.Config{
		Security: filter.SecurityConfig{Enabled: true, Blocked: []string{"s/blocked"}},
	})
	c := NewController(Config{}, chain, events.NewBus(), discardLogger())
	registerSet(t, c, "s", "s/ok", "s/blocked")
	_ = c.EnableToolset(context.Background(), "s")

	got := c.AvailableTools(filter.Context{})
	if len(got) != 1 || got[0].Name != "s/ok" {
		t.Errorf("AvailableTools() = %v, want [s/ok]", got)
	}
}

func TestPin_ListAndUnpin(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	c.Pin("b")
	c.Pin("a")

	got := c.Pinned()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Pinned() = %v, want [a b]", got)
	}

	c.Unpin("a")
	if got := c.Pinned(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Pinned() after unpin = %v, want [b]", got)
	}
}

func TestDisable_PinnedExplicitlyAllowed(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	registerSet(t, c, "s", "s/t")
	_ = c.EnableToolset(context.Background(), "s")
	c.Pin("s")

	c.DisableToolset("s")
	if st := c.ToolsetState("s"); st != StateDisabled {
		t.Errorf("explicit disable of pinned toolset: state = %s, want disabled", st)
	}
}
