package workflowdef

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ErrNotFound indicates a workflow name with no loaded definition.
var ErrNotFound = errors.New("workflow not found")

type snapshot struct {
	defs map[string]*Definition
}

// Registry holds an immutable snapshot of loaded workflow definitions.
// Reload swaps the entire snapshot atomically, so readers always observe
// either the full old set or the full new set.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{defs: map[string]*Definition{}})
	return r
}

// Reload loads definitions from dir and swaps them in. Per-file failures are
// returned alongside the successfully loaded count; the swap still happens
// with whatever loaded cleanly.
func (r *Registry) Reload(dir string) (int, []LoadError) {
	defs, failures := LoadAll(dir)
	next := &snapshot{defs: make(map[string]*Definition, len(defs))}
	for _, def := range defs {
		next.defs[def.Name] = def
	}
	r.current.Store(next)
	return len(defs), failures
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (*Definition, error) {
	snap := r.current.Load()
	def, ok := snap.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return def, nil
}

// List returns all definitions sorted by group then title.
func (r *Registry) List() []*Definition {
	snap := r.current.Load()
	out := make([]*Definition, 0, len(snap.defs))
	for _, def := range snap.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Title() < out[j].Title()
	})
	return out
}

// Len reports how many definitions the current snapshot holds.
func (r *Registry) Len() int {
	return len(r.current.Load().defs)
}
