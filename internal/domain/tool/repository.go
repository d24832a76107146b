package tool

import (
	"errors"
	"strings"
	"sync"
)

// ErrInvalidInput is returned when a descriptor fails repository validation.
var ErrInvalidInput = errors.New("invalid tool descriptor")

// SearchOptions narrows a repository search. All set fields intersect.
type SearchOptions struct {
	// Name matches as a case-sensitive substring of the tool name.
	Name string
	// Category matches exactly against the descriptor's categories.
	Category string
	// Capability matches exactly against the descriptor's capabilities.
	Capability string
	// IncludeDeprecated includes deprecated tools. Default false.
	IncludeDeprecated bool
}

// Repository is a thread-safe in-memory store of tool descriptors with
// three indexes: by name, by category, and by capability. Iteration order
// is insertion order, which keeps discovery tie-breaking stable.
type Repository struct {
	mu           sync.RWMutex
	byName       map[string]*Descriptor
	order        []string
	byCategory   map[string]map[string]struct{}
	byCapability map[string]map[string]struct{}
}

// NewRepository creates an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		byName:       make(map[string]*Descriptor),
		byCategory:   make(map[string]map[string]struct{}),
		byCapability: make(map[string]map[string]struct{}),
	}
}

// AddTool stores a descriptor. An empty name or a negative token count is
// rejected with ErrInvalidInput. A duplicate name overwrites the prior
// descriptor and updates all indexes; the tool keeps its original position
// in iteration order.
func (r *Repository) AddTool(d Descriptor) error {
	if d.Name == "" {
		return ErrInvalidInput
	}
	if d.TokenCount < 0 {
		return ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := d.Clone()

	if old, ok := r.byName[d.Name]; ok {
		r.deindexLocked(old)
	} else {
		r.order = append(r.order, d.Name)
	}

	r.byName[d.Name] = &stored
	r.indexLocked(&stored)
	return nil
}

// RemoveTool deletes a descriptor and deindexes it from categories and
// capabilities. Returns whether something was deleted.
func (r *Repository) RemoveTool(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byName[name]
	if !ok {
		return false
	}

	r.deindexLocked(d)
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the descriptor with the given name.
func (r *Repository) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.Clone(), true
}

// SearchTools applies intersection semantics over the set fields of opts,
// returning matches in insertion order.
func (r *Repository) SearchTools(opts SearchOptions) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, name := range r.order {
		d := r.byName[name]
		if d.Deprecated && !opts.IncludeDeprecated {
			continue
		}
		if opts.Name != "" && !strings.Contains(d.Name, opts.Name) {
			continue
		}
		if opts.Category != "" && !containsExact(d.Categories, opts.Category) {
			continue
		}
		if opts.Capability != "" && !containsExact(d.Capabilities, opts.Capability) {
			continue
		}
		out = append(out, d.Clone())
	}
	return out
}

// All returns copies of every stored descriptor in insertion order.
func (r *Repository) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Clone())
	}
	return out
}

// Count returns the number of stored descriptors.
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Clear resets all three indexes atomically.
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName = make(map[string]*Descriptor)
	r.order = nil
	r.byCategory = make(map[string]map[string]struct{})
	r.byCapability = make(map[string]map[string]struct{})
}

func (r *Repository) indexLocked(d *Descriptor) {
	for _, c := range d.Categories {
		set, ok := r.byCategory[c]
		if !ok {
			set = make(map[string]struct{})
			r.byCategory[c] = set
		}
		set[d.Name] = struct{}{}
	}
	for _, c := range d.Capabilities {
		set, ok := r.byCapability[c]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[c] = set
		}
		set[d.Name] = struct{}{}
	}
}

func (r *Repository) deindexLocked(d *Descriptor) {
	for _, c := range d.Categories {
		if set, ok := r.byCategory[c]; ok {
			delete(set, d.Name)
			if len(set) == 0 {
				delete(r.byCategory, c)
			}
		}
	}
	for _, c := range d.Capabilities {
		if set, ok := r.byCapability[c]; ok {
			delete(set, d.Name)
			if len(set) == 0 {
				delete(r.byCapability, c)
			}
		}
	}
}

func containsExact(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
