package runtime

import (
	"fmt"
	"sort"
	"strings"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlarkstruct"
)

// Registry maps module names to the library implementations guest code
// can load. Being registered does not make a module loadable; the
// capability set decides that.
type Registry struct {
	modules map[string]*starlarkstruct.Module
}

// NewRegistry creates a registry with every module the service knows how
// to provide.
func NewRegistry() *Registry {
	r := &Registry{
		modules: make(map[string]*starlarkstruct.Module),
	}
	r.Register("math", starlarkmath.Module)
	r.Register("json", starlarkjson.Module)
	r.Register("time", starlarktime.Module)
	return r
}

// Register adds a module to the registry under name.
func (r *Registry) Register(name string, m *starlarkstruct.Module) {
	r.modules[name] = m
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (*starlarkstruct.Module, error) {
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("unknown module: %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return m, nil
}

// Names returns all registered module names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
