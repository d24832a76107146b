package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/toolgate-proxy/toolgate/internal/domain/filter"
	"github.com/toolgate-proxy/toolgate/internal/domain/gate"
)

// FilterConfigEnv names the environment variable pointing at the filter
// configuration JSON file.
const FilterConfigEnv = "TOOL_FILTER_CONFIG"

// defaultAutoDisableTTL applies when autoDisableTtlMs is absent.
const defaultAutoDisableTTL = 300000 * time.Millisecond

// FilterGateConfig is the exact JSON shape of the filter config file.
type FilterGateConfig struct {
	TaskType filter.TaskTypeConfig `json:"taskType"`
	Resource filter.ResourceConfig `json:"resource"`
	Security filter.SecurityConfig `json:"security"`

	AutoDisableTtlMs             *int     `json:"autoDisableTtlMs,omitempty"`
	MaxActiveToolsets            int      `json:"maxActiveToolsets"`
	AutoEnableOnCall             bool     `json:"autoEnableOnCall"`
	AutoEnableCaseInsensitive    bool     `json:"autoEnableCaseInsensitive"`
	AutoEnableConflictResolution string   `json:"autoEnableConflictResolution"`
	AutoEnableAllowlist          []string `json:"autoEnableAllowlist"`
	AutoEnableBlocklist          []string `json:"autoEnableBlocklist"`
}

// LoadFilterConfig reads the file named by TOOL_FILTER_CONFIG. When the
// variable is unset, zero-value defaults apply (all filters disabled,
// auto-enable off, 5 minute TTL).
func LoadFilterConfig() (*FilterGateConfig, error) {
	path := os.Getenv(FilterConfigEnv)
	if path == "" {
		return &FilterGateConfig{}, nil
	}
	return LoadFilterConfigFile(path)
}

// LoadFilterConfigFile parses one filter config JSON file.
func LoadFilterConfigFile(path string) (*FilterGateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter config: %w", err)
	}

	var cfg FilterGateConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse filter config %s: %w", path, err)
	}
	return &cfg, nil
}

// FilterConfig converts the file shape to the filter chain's config.
func (c *FilterGateConfig) FilterConfig() filter.Config {
	return filter.Config{
		TaskType: c.TaskType,
		Resource: c.Resource,
		Security: c.Security,
	}
}

// GateConfig converts the file shape to the gate controller's config.
func (c *FilterGateConfig) GateConfig() gate.Config {
	ttl := defaultAutoDisableTTL
	if c.AutoDisableTtlMs != nil {
		ttl = time.Duration(*c.AutoDisableTtlMs) * time.Millisecond
	}

	return gate.Config{
		TTL:                       ttl,
		MaxActiveToolsets:         c.MaxActiveToolsets,
		AutoEnableOnCall:          c.AutoEnableOnCall,
		AutoEnableCaseInsensitive: c.AutoEnableCaseInsensitive,
		ConflictResolution:        gate.ParseConflictPolicy(c.AutoEnableConflictResolution),
		AutoEnableAllowlist:       c.AutoEnableAllowlist,
		AutoEnableBlocklist:       c.AutoEnableBlocklist,
	}
}
