// Package registry provides a generic, linearizable get-or-create store of
// named policy instances (circuit breakers, rate limiters), each built from
// a per-name or default configuration the first time it is looked up.
package registry

import "sync"

// Registry maps names to policy instances P, constructed on demand from
// configuration C. Once created, an instance is never replaced by a later
// config change — only explicit administrative calls move an existing
// instance; a reloaded default only affects names not yet created.
type Registry[C any, P any] struct {
	mu       sync.RWMutex
	entries  map[string]P
	defaults C
	build    func(name string, cfg C) (P, error)
}

// New creates a Registry that builds entries with build, using defaultCfg
// for any name without an explicit per-name configuration.
func New[C any, P any](defaultCfg C, build func(name string, cfg C) (P, error)) *Registry[C, P] {
	return &Registry[C, P]{
		entries:  make(map[string]P),
		defaults: defaultCfg,
		build:    build,
	}
}

// GetOrCreate returns the existing instance for name, or builds one with
// the registry's current default configuration if none exists yet. Uses
// a read-locked fast path for the common case of an already-created
// instance, falling back to a write-locked, double-checked slow path to
// avoid racing two callers into building the same name twice.
func (r *Registry[C, P]) GetOrCreate(name string) (P, error) {
	r.mu.RLock()
	if p, ok := r.entries[name]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.entries[name]; ok {
		return p, nil
	}

	p, err := r.build(name, r.defaults)
	if err != nil {
		var zero P
		return zero, err
	}
	r.entries[name] = p
	return p, nil
}

// GetOrCreateWithConfig is like GetOrCreate but builds a not-yet-existing
// entry with an explicit configuration instead of the registry default.
// An already-existing entry is returned unchanged — config is only
// consulted at creation time.
func (r *Registry[C, P]) GetOrCreateWithConfig(name string, cfg C) (P, error) {
	r.mu.RLock()
	if p, ok := r.entries[name]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.entries[name]; ok {
		return p, nil
	}

	p, err := r.build(name, cfg)
	if err != nil {
		var zero P
		return zero, err
	}
	r.entries[name] = p
	return p, nil
}

// Find returns the instance for name, if it has already been created.
func (r *Registry[C, P]) Find(name string) (P, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[name]
	return p, ok
}

// AllNames returns every currently registered instance name.
func (r *Registry[C, P]) AllNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// SetDefaults replaces the configuration future GetOrCreate calls use for
// names that do not yet have an instance. Existing instances are never
// mutated by this call.
func (r *Registry[C, P]) SetDefaults(cfg C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = cfg
}

// Defaults returns the configuration currently used for new instances.
func (r *Registry[C, P]) Defaults() C {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}
