// Package filter implements the ordered, side-effect-free filter chain
// applied to the active tool view: task-type intersection, resource
// truncation, and security blocking.
package filter

// TaskTypeConfig maps a task type to the tool names allowed for it.
type TaskTypeConfig struct {
	Enabled bool                `json:"enabled"`
	Map     map[string][]string `json:"map"`
}

// ResourceConfig bounds the number of tools exposed at once.
// MaxTools present and <= 0 means drop all; MaxTools absent means no limit.
type ResourceConfig struct {
	Enabled  bool `json:"enabled"`
	MaxTools *int `json:"maxTools,omitempty"`
}

// SecurityConfig removes tools by exact name.
type SecurityConfig struct {
	Enabled bool     `json:"enabled"`
	Blocked []string `json:"blocked"`
}

// Config holds the three filter configurations, applied in fixed order:
// task type, resource, security.
type Config struct {
	TaskType TaskTypeConfig `json:"taskType"`
	Resource ResourceConfig `json:"resource"`
	Security SecurityConfig `json:"security"`
}

// Context carries per-request filtering inputs.
type Context struct {
	// TaskType selects an entry in the task-type map. Empty passes through.
	TaskType string
}
