// Package config provides the proxy's YAML configuration schema and the
// JSON filter/gate configuration named by TOOL_FILTER_CONFIG.
package config

import (
	"time"

	"github.com/toolgate-proxy/toolgate/internal/service"
)

// Config is the top-level YAML configuration for the proxy.
type Config struct {
	// Server configures the inbound listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Backends lists the backend MCP servers to connect at startup.
	Backends []service.BackendConfig `yaml:"backends" mapstructure:"backends" validate:"omitempty,dive"`

	// Auth lists bearer-token hashes (argon2id PHC strings or SHA-256
	// hex). Empty disables the token gate.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Flow configures rate limiting, circuit breaking, and the request
	// queue.
	Flow FlowConfig `yaml:"flow" mapstructure:"flow"`

	// Session configures session expiry.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Audit configures the sqlite audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// DevMode enables verbose logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the inbound transports.
type ServerConfig struct {
	// Transport selects the primary inbound transport.
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=stdio http websocket"`
	// HTTPAddr is the HTTP listener address.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr"`
	// WSAddr is the WebSocket listener address.
	WSAddr string `yaml:"ws_addr" mapstructure:"ws_addr"`
	// SweepIntervalMs overrides the gate sweep cadence.
	SweepIntervalMs int `yaml:"sweep_interval_ms" mapstructure:"sweep_interval_ms" validate:"gte=0"`
	// ManifestDir holds toolset manifest sidecar files (*.json). Each
	// manifest defines a toolset over already-discovered tools.
	ManifestDir string `yaml:"manifest_dir" mapstructure:"manifest_dir"`
}

// AuthConfig holds the token gate settings.
type AuthConfig struct {
	// Tokens is the list of acceptable token hashes.
	Tokens []string `yaml:"tokens" mapstructure:"tokens"`
}

// FlowConfig mirrors flow.Config in YAML form.
type FlowConfig struct {
	MaxRequestsPerSecond    int    `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" validate:"gte=0"`
	CircuitBreakerThreshold int    `yaml:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold" validate:"gte=0"`
	CircuitBreakerTimeoutMs int    `yaml:"circuit_breaker_timeout_ms" mapstructure:"circuit_breaker_timeout_ms" validate:"gte=0"`
	QueueCapacity           int    `yaml:"queue_capacity" mapstructure:"queue_capacity" validate:"gte=0"`
	QueueOverflow           string `yaml:"queue_overflow" mapstructure:"queue_overflow" validate:"omitempty,oneof=reject drop-oldest"`
	Strategy                string `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=round-robin"`
}

// SessionConfig holds session expiry settings.
type SessionConfig struct {
	TimeoutMs   int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"gte=0"`
	MaxSessions int `yaml:"max_sessions" mapstructure:"max_sessions" validate:"gte=0"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	// Enabled turns the sqlite audit trail on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Path is the sqlite database file. Empty with Enabled uses
	// "toolgate-audit.db" in the working directory.
	Path string `yaml:"path" mapstructure:"path"`
	// RetentionDays prunes records older than this. 0 keeps everything.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"gte=0"`
}

// Defaults fills zero values with production defaults.
func (c *Config) Defaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = "stdio"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.WSAddr == "" {
		c.Server.WSAddr = "127.0.0.1:8081"
	}
	if c.Flow.CircuitBreakerTimeoutMs == 0 {
		c.Flow.CircuitBreakerTimeoutMs = int(30 * time.Second / time.Millisecond)
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		c.Audit.Path = "toolgate-audit.db"
	}
}
