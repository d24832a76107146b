package filter

import "github.com/toolgate-proxy/toolgate/internal/domain/tool"

// Chain applies the three filters in fixed order. Filters are pure
// mappings over an ordered tool list: they never mutate their input, and
// the chain is idempotent on fixed input.
type Chain struct {
	cfg Config
}

// NewChain creates a filter chain with the given configuration.
func NewChain(cfg Config) *Chain {
	return &Chain{cfg: cfg}
}

// Apply runs task-type, resource, then security filtering over tools,
// preserving input iteration order throughout.
func (c *Chain) Apply(tools []tool.Descriptor, ctx Context) []tool.Descriptor {
	out := tools
	if c.cfg.TaskType.Enabled {
		out = applyTaskType(out, c.cfg.TaskType, ctx)
	}
	if c.cfg.Resource.Enabled {
		out = applyResource(out, c.cfg.Resource)
	}
	if c.cfg.Security.Enabled {
		out = applySecurity(out, c.cfg.Security)
	}
	// Always hand back a fresh slice so callers cannot alias the input.
	return append([]tool.Descriptor(nil), out...)
}

// applyTaskType intersects the input with the allowed names for the
// context's task type. A missing task type or a task type with no map
// entry passes the input through unchanged.
func applyTaskType(tools []tool.Descriptor, cfg TaskTypeConfig, ctx Context) []tool.Descriptor {
	if ctx.TaskType == "" {
		return tools
	}
	allowed, ok := cfg.Map[ctx.TaskType]
	if !ok {
		return tools
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = struct{}{}
	}

	out := make([]tool.Descriptor, 0, len(tools))
	for _, d := range tools {
		if _, ok := allowedSet[d.Name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// applyResource truncates to the first MaxTools entries in iteration order.
// A present MaxTools <= 0 drops everything; an absent MaxTools is no limit.
func applyResource(tools []tool.Descriptor, cfg ResourceConfig) []tool.Descriptor {
	if cfg.MaxTools == nil {
		return tools
	}
	max := *cfg.MaxTools
	if max <= 0 {
		return nil
	}
	if len(tools) <= max {
		return tools
	}
	return tools[:max]
}

// applySecurity removes any tool whose name is blocked.
func applySecurity(tools []tool.Descriptor, cfg SecurityConfig) []tool.Descriptor {
	if len(cfg.Blocked) == 0 {
		return tools
	}

	blocked := make(map[string]struct{}, len(cfg.Blocked))
	for _, name := range cfg.Blocked {
		blocked[name] = struct{}{}
	}

	out := make([]tool.Descriptor, 0, len(tools))
	for _, d := range tools {
		if _, ok := blocked[d.Name]; !ok {
			out = append(out, d)
		}
	}
	return out
}
