// Package gate implements the tool gate controller: toolset lifecycle,
// TTL and LRU eviction, pinning, and auto-enablement on call.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
)

// State is the lifecycle state of a toolset.
type State int

const (
	// StateUnloaded means the loader has never run (or was rolled back).
	StateUnloaded State = iota
	// StateLoading means a loader invocation is in flight.
	StateLoading
	// StateActive means the toolset's descriptors are in the active map.
	StateActive
	// StateDisabled means the toolset was active and has been disabled.
	StateDisabled
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Loader produces the full descriptor map for a toolset. It is the
// expensive path; manifests exist so the controller can avoid calling it.
type Loader func(ctx context.Context) (map[string]tool.Descriptor, error)

// Manifest is the cheap sidecar listing the tool names a toolset would
// produce. Every name in a loaded toolset must also appear in its manifest
// if one exists.
type Manifest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
}

// ParseManifest decodes a manifest sidecar file.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.ID == "" {
		return nil, errors.New("manifest missing id")
	}
	return &m, nil
}

// Toolset is a named, lazily-loaded group of tools with a shared loader.
type Toolset struct {
	// ID is the toolset's unique identifier.
	ID string
	// Name is a human-readable name.
	Name string
	// Description explains what the toolset provides.
	Description string
	// Loader produces the descriptors on activation.
	Loader Loader
	// Manifest is the optional sidecar used for reverse indexing.
	Manifest *Manifest
	// ExposeNames is lightweight metadata naming the tools this set would
	// produce, used when no manifest file exists.
	ExposeNames []string
}

// exposedNames returns the cheap name listing for reverse indexing:
// the manifest when present, ExposeNames otherwise. Never calls the loader.
func (t *Toolset) exposedNames() []string {
	if t.Manifest != nil {
		return t.Manifest.Tools
	}
	return t.ExposeNames
}
