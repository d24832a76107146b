package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/filter"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
)

// Sentinel errors for gate operations.
var (
	// ErrUnknownToolset is returned when no toolset with the id is
	// registered (or it has no loader).
	ErrUnknownToolset = errors.New("unknown toolset")
	// ErrCollision is returned when enabling would give a tool name a
	// second active owner. The enable is aborted with no partial insert.
	ErrCollision = errors.New("tool name collision")
	// ErrAmbiguous is returned under the "error" conflict policy when a
	// tool name has more than one potential owner.
	ErrAmbiguous = errors.New("ambiguous tool owner")
)

// DefaultTTL is the auto-disable TTL applied when the config leaves it zero.
const DefaultTTL = 5 * time.Minute

// defaultLoaderTimeout bounds a single loader invocation.
const defaultLoaderTimeout = 30 * time.Second

// Config controls gate behaviour.
type Config struct {
	// TTL is the idle time after which an unpinned active toolset is
	// swept. Zero means DefaultTTL.
	TTL time.Duration
	// MaxActiveToolsets caps concurrently active toolsets. 0 = unlimited.
	MaxActiveToolsets int
	// AutoEnableOnCall allows ensureToolAvailable to load toolsets.
	AutoEnableOnCall bool
	// AutoEnableCaseInsensitive lowercases reverse-index keys and lookups.
	AutoEnableCaseInsensitive bool
	// ConflictResolution picks an owner when several toolsets expose the
	// same name.
	ConflictResolution ConflictPolicy
	// AutoEnableAllowlist, when non-empty, restricts auto-enable to
	// matching tool names ("p/*" prefix patterns supported).
	AutoEnableAllowlist []string
	// AutoEnableBlocklist always blocks auto-enable for matching names.
	AutoEnableBlocklist []string
	// LoaderTimeout bounds a loader invocation. Zero means 30s.
	LoaderTimeout time.Duration
}

// UsageInfo is a snapshot of one active toolset's usage entry.
type UsageInfo struct {
	ToolsetID  string    `json:"toolset"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Pinned     bool      `json:"pinned"`
	ToolCount  int       `json:"toolCount"`
}

// enableBarrier lets concurrent enable calls for one toolset share a
// single loader invocation. The first caller installs the barrier and runs
// the loader; later callers wait on done and read err.
type enableBarrier struct {
	done chan struct{}
	err  error
}

// Controller owns the live map of active tools. All index mutation happens
// under one mutex; the maps are coupled and are never locked individually.
// Loader invocations run outside the lock.
type Controller struct {
	cfg    Config
	chain  *filter.Chain
	bus    *events.Bus
	logger *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time

	mu          sync.Mutex
	toolsets    map[string]*Toolset
	states      map[string]State
	active      map[string]string // tool name -> owning toolset id
	activeOrder []string          // tool names in activation order
	descriptors map[string]tool.Descriptor
	owned       map[string][]string // toolset id -> tool names it provided
	lastUsed    map[string]time.Time
	pinnedSet   map[string]struct{}
	reverse     map[string][]string // normalized tool name -> candidate toolset ids
	reverseOK   bool
	inflight    map[string]*enableBarrier
}

// NewController creates a Controller with the given filter chain, event
// bus, and logger.
func NewController(cfg Config, chain *filter.Chain, bus *events.Bus, logger *slog.Logger) *Controller {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LoaderTimeout <= 0 {
		cfg.LoaderTimeout = defaultLoaderTimeout
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = PreferEnabled
	}
	return &Controller{
		cfg:         cfg,
		chain:       chain,
		bus:         bus,
		logger:      logger,
		now:         time.Now,
		toolsets:    make(map[string]*Toolset),
		states:      make(map[string]State),
		active:      make(map[string]string),
		descriptors: make(map[string]tool.Descriptor),
		owned:       make(map[string][]string),
		lastUsed:    make(map[string]time.Time),
		pinnedSet:   make(map[string]struct{}),
		inflight:    make(map[string]*enableBarrier),
	}
}

// SetClock replaces the controller's clock. For tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// RegisterToolset adds (or replaces) a toolset definition. Registration is
// cheap; nothing is loaded until enable.
func (c *Controller) RegisterToolset(ts *Toolset) error {
	if ts == nil || ts.ID == "" {
		return fmt.Errorf("%w: empty toolset id", ErrUnknownToolset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.toolsets[ts.ID] = ts
	if _, ok := c.states[ts.ID]; !ok {
		c.states[ts.ID] = StateUnloaded
	}
	// New exposure metadata invalidates the reverse index.
	c.reverseOK = false
	return nil
}

// ListToolsets returns the ids of all registered toolsets, active or not,
// in sorted order.
func (c *Controller) ListToolsets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.toolsets))
	for id := range c.toolsets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ToolsetState returns the lifecycle state of a toolset.
func (c *Controller) ToolsetState(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[id]
}

// EnableToolset loads a toolset and inserts its descriptors into the
// active map. Enabling an already active toolset is a no-op. Concurrent
// enables for the same id share a single loader invocation. On a name
// collision with another active toolset the whole enable is aborted.
func (c *Controller) EnableToolset(ctx context.Context, id string) error {
	c.mu.Lock()
	ts, ok := c.toolsets[id]
	if !ok || ts.Loader == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownToolset, id)
	}
	if c.states[id] == StateActive {
		c.mu.Unlock()
		return nil
	}
	if barrier, ok := c.inflight[id]; ok {
		// Another caller is loading this toolset; share its outcome.
		c.mu.Unlock()
		select {
		case <-barrier.done:
			return barrier.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	barrier := &enableBarrier{done: make(chan struct{})}
	c.inflight[id] = barrier
	c.states[id] = StateLoading
	c.mu.Unlock()

	err := c.loadAndInsert(ctx, ts)

	c.mu.Lock()
	delete(c.inflight, id)
	if err != nil {
		c.states[id] = StateUnloaded
	}
	c.mu.Unlock()

	barrier.err = err
	close(barrier.done)

	if err != nil {
		return err
	}

	c.EnforceLRUCap()
	return nil
}

// loadAndInsert runs the loader outside the gate lock, then atomically
// validates and inserts the optimized descriptors.
func (c *Controller) loadAndInsert(ctx context.Context, ts *Toolset) error {
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoaderTimeout)
	defer cancel()

	loaded, err := ts.Loader(loadCtx)
	if err != nil {
		c.logger.Error("toolset loader failed", "toolset", ts.ID, "error", err)
		return fmt.Errorf("load toolset %s: %w", ts.ID, err)
	}

	// Deterministic insertion order within one load.
	names := make([]string, 0, len(loaded))
	for name := range loaded {
		names = append(names, name)
	}
	sort.Strings(names)

	optimized := make(map[string]tool.Descriptor, len(loaded))
	for name, d := range loaded {
		if d.Name == "" {
			d.Name = name
		}
		optimized[name] = tool.Optimize(d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Collision check before any insertion: an abort leaves no trace.
	for _, name := range names {
		if owner, ok := c.active[name]; ok && owner != ts.ID {
			return fmt.Errorf("%w: %s already owned by %s", ErrCollision, name, owner)
		}
	}

	for _, name := range names {
		c.active[name] = ts.ID
		c.activeOrder = append(c.activeOrder, name)
		c.descriptors[name] = optimized[name]
	}
	c.owned[ts.ID] = names
	c.lastUsed[ts.ID] = c.now()
	c.states[ts.ID] = StateActive

	c.logger.Info("toolset enabled", "toolset", ts.ID, "tools", len(names))
	return nil
}

// DisableToolset removes all descriptors the toolset provided and drops
// its usage entry. Idempotent. Disabling a pinned toolset is allowed: the
// pin only prevents automatic disable.
func (c *Controller) DisableToolset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableLocked(id)
}

func (c *Controller) disableLocked(id string) {
	if c.states[id] != StateActive {
		return
	}

	names := c.owned[id]
	removed := make(map[string]struct{}, len(names))
	for _, name := range names {
		if c.active[name] == id {
			delete(c.active, name)
			delete(c.descriptors, name)
			removed[name] = struct{}{}
		}
	}

	kept := c.activeOrder[:0]
	for _, name := range c.activeOrder {
		if _, gone := removed[name]; !gone {
			kept = append(kept, name)
		}
	}
	c.activeOrder = kept

	delete(c.owned, id)
	delete(c.lastUsed, id)
	c.states[id] = StateDisabled

	c.logger.Info("toolset disabled", "toolset", id, "tools", len(names))
}

// MarkUsed refreshes the owning active toolset's lastUsed stamp, if any.
func (c *Controller) MarkUsed(toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.active[toolName]; ok {
		c.lastUsed[owner] = c.now()
	}
}

// EnsureToolAvailable makes the named tool callable if possible, returning
// whether it is available now. It never invokes loaders for lookup: the
// reverse index is built from manifests and expose metadata only.
func (c *Controller) EnsureToolAvailable(ctx context.Context, toolName string) (bool, error) {
	c.mu.Lock()

	// Fast path: already active.
	if owner, ok := c.active[toolName]; ok {
		c.lastUsed[owner] = c.now()
		c.mu.Unlock()
		return true, nil
	}

	c.buildReverseLocked()
	normalized := normalize(toolName, c.cfg.AutoEnableCaseInsensitive)
	owners := c.reverse[normalized]
	if len(owners) == 0 {
		c.mu.Unlock()
		return false, nil
	}

	target, err := c.selectOwnerLocked(owners)
	if err != nil {
		c.mu.Unlock()
		return false, err
	}

	if !c.cfg.AutoEnableOnCall ||
		matchAny(c.cfg.AutoEnableBlocklist, toolName) ||
		(len(c.cfg.AutoEnableAllowlist) > 0 && !matchAny(c.cfg.AutoEnableAllowlist, toolName)) {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	if err := c.EnableToolset(ctx, target); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.active[toolName]
	if !ok {
		// The manifest promised the name but the loader did not produce it.
		c.logger.Warn("auto-enabled toolset did not provide tool",
			"toolset", target, "tool", toolName)
		return false, nil
	}
	c.lastUsed[owner] = c.now()

	c.bus.Publish(events.Event{Kind: events.GateAutoEnable, Tool: toolName, Toolset: target})
	return true, nil
}

// selectOwnerLocked applies the conflict-resolution policy to the
// candidate owner list.
func (c *Controller) selectOwnerLocked(owners []string) (string, error) {
	switch c.cfg.ConflictResolution {
	case ErrorOnAmbiguous:
		if len(owners) > 1 {
			return "", fmt.Errorf("%w: %d candidates", ErrAmbiguous, len(owners))
		}
		return owners[0], nil
	case FirstMatch:
		return owners[0], nil
	default: // PreferEnabled
		for _, id := range owners {
			if c.states[id] == StateActive {
				return id, nil
			}
		}
		return owners[0], nil
	}
}

// buildReverseLocked lazily builds the reverse index from manifests and
// expose metadata. Loaders are never called here.
func (c *Controller) buildReverseLocked() {
	if c.reverseOK {
		return
	}

	c.reverse = make(map[string][]string)
	ids := make([]string, 0, len(c.toolsets))
	for id := range c.toolsets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, name := range c.toolsets[id].exposedNames() {
			key := normalize(name, c.cfg.AutoEnableCaseInsensitive)
			c.reverse[key] = append(c.reverse[key], id)
		}
	}
	c.reverseOK = true
}

// SweepExpired disables every active, unpinned toolset whose lastUsed is
// older than the TTL, returning the ids it disabled. Victims are collected
// in a snapshot so the gate lock is never held across the per-victim work.
func (c *Controller) SweepExpired() []string {
	c.mu.Lock()
	now := c.now()
	var victims []string
	for id, used := range c.lastUsed {
		if _, pinned := c.pinnedSet[id]; pinned {
			continue
		}
		if now.Sub(used) > c.cfg.TTL {
			victims = append(victims, id)
		}
	}
	c.mu.Unlock()

	sort.Strings(victims)
	for _, id := range victims {
		c.DisableToolset(id)
		c.bus.Publish(events.Event{Kind: events.GateDisableTTL, Toolset: id})
	}
	return victims
}

// EnforceLRUCap disables the oldest unpinned toolsets while the active
// count exceeds the configured cap (0 = unlimited). Returns the disabled
// ids.
func (c *Controller) EnforceLRUCap() []string {
	if c.cfg.MaxActiveToolsets <= 0 {
		return nil
	}

	var disabled []string
	for {
		c.mu.Lock()
		if len(c.lastUsed) <= c.cfg.MaxActiveToolsets {
			c.mu.Unlock()
			break
		}

		victim := ""
		var oldest time.Time
		for id, used := range c.lastUsed {
			if _, pinned := c.pinnedSet[id]; pinned {
				continue
			}
			if victim == "" || used.Before(oldest) {
				victim = id
				oldest = used
			}
		}
		c.mu.Unlock()

		if victim == "" {
			// Everything over the cap is pinned; nothing to evict.
			break
		}

		c.DisableToolset(victim)
		c.bus.Publish(events.Event{Kind: events.GateDisableLRU, Toolset: victim})
		disabled = append(disabled, victim)
	}
	return disabled
}

// Pin exempts a toolset from TTL and LRU eviction. Pinning a toolset that
// is not yet enabled is allowed and protects it once enabled.
func (c *Controller) Pin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedSet[id] = struct{}{}
}

// Unpin removes the eviction exemption.
func (c *Controller) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinnedSet, id)
}

// Pinned returns the pinned toolset ids in sorted order.
func (c *Controller) Pinned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.pinnedSet))
	for id := range c.pinnedSet {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AvailableTools runs the filter chain over the active map, preserving
// activation order.
func (c *Controller) AvailableTools(fctx filter.Context) []tool.Descriptor {
	c.mu.Lock()
	snapshot := make([]tool.Descriptor, 0, len(c.activeOrder))
	for _, name := range c.activeOrder {
		snapshot = append(snapshot, c.descriptors[name])
	}
	c.mu.Unlock()

	return c.chain.Apply(snapshot, fctx)
}

// ActiveTool returns the active descriptor for a tool name.
func (c *Controller) ActiveTool(name string) (tool.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.descriptors[name]
	return d, ok
}

// ActiveToolNames returns the names in the active map, in activation order.
func (c *Controller) ActiveToolNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.activeOrder...)
}

// ToolsetTools returns the tool names an active toolset currently
// provides, nil if the toolset is not active.
func (c *Controller) ToolsetTools(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.owned[id]...)
}

// ActiveToolsets returns the ids of active toolsets in sorted order.
func (c *Controller) ActiveToolsets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.lastUsed))
	for id := range c.lastUsed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UsageStats snapshots the usage table for active toolsets.
func (c *Controller) UsageStats() []UsageInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]UsageInfo, 0, len(c.lastUsed))
	for id, used := range c.lastUsed {
		_, pinned := c.pinnedSet[id]
		out = append(out, UsageInfo{
			ToolsetID:  id,
			LastUsedAt: used,
			Pinned:     pinned,
			ToolCount:  len(c.owned[id]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolsetID < out[j].ToolsetID })
	return out
}
