package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Registry is a read-only lookup of tool descriptors, loaded once at
// startup. It has no mutation API: risk classification never changes at
// runtime.
type Registry struct {
	descriptors map[string]Descriptor
	log         *slog.Logger
}

// NewRegistry builds a registry from the given descriptors. Duplicate or
// malformed keys are rejected so a bad catalog is caught at startup, not
// at the first permission check.
func NewRegistry(descriptors []Descriptor, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if !validKey(d.Key) {
			return nil, fmt.Errorf("invalid tool key %q (want category.operation)", d.Key)
		}
		if _, exists := m[d.Key]; exists {
			return nil, fmt.Errorf("duplicate tool key %q", d.Key)
		}
		m[d.Key] = d
	}

	logger.Info("tool registry loaded", "tools", len(m))
	return &Registry{descriptors: m, log: logger}, nil
}

// NewDefaultRegistry builds a registry from the built-in catalog.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r, err := NewRegistry(Catalog(), logger)
	if err != nil {
		// The built-in catalog is a compile-time table; a failure here is
		// a programming error.
		panic(err)
	}
	return r
}

// Lookup returns the descriptor for a tool key. The second return is
// false when the key is unknown; callers must treat that as a rejection.
func (r *Registry) Lookup(key string) (Descriptor, bool) {
	d, ok := r.descriptors[key]
	return d, ok
}

// Has reports whether the key exists in the registry.
func (r *Registry) Has(key string) bool {
	_, ok := r.descriptors[key]
	return ok
}

// Keys returns all tool keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.descriptors))
	for k := range r.descriptors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ByRisk returns the descriptors at the given risk level, sorted by key.
func (r *Registry) ByRisk(level RiskLevel) []Descriptor {
	var out []Descriptor
	for _, k := range r.Keys() {
		d := r.descriptors[k]
		if d.RiskLevel == level {
			out = append(out, d)
		}
	}
	return out
}

// validKey checks the category.operation shape: exactly one dot, both
// parts non-empty.
func validKey(key string) bool {
	i := strings.IndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return false
	}
	return !strings.Contains(key[i+1:], ".")
}
