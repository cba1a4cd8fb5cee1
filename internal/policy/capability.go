package policy

import "sort"

// allowedBuiltins is the complete builtin surface guest code can resolve.
var allowedBuiltins = []string{
	"print", "range", "len", "min", "max", "sum",
	"int", "float", "str", "list", "tuple", "dict", "set", "bool",
	"abs", "bin", "hex", "oct", "ord", "chr",
	"divmod", "pow", "round", "sorted", "reversed",
	"zip", "enumerate", "filter", "map",
}

// bannedCalls are callee names rejected statically, whether or not they
// exist at runtime.
var bannedCalls = []string{"eval", "exec", "compile", "open", "input"}

// DefaultModules is the module set used when configuration names none.
func DefaultModules() []string {
	return []string{"math"}
}

// CapabilitySet is the read-only enumeration of builtins and modules
// guest code may reference. The zero value allows nothing.
type CapabilitySet struct {
	builtins map[string]struct{}
	modules  map[string]struct{}
	banned   map[string]struct{}
}

// NewCapabilitySet builds a capability set that allows the given modules
// alongside the fixed builtin surface.
func NewCapabilitySet(modules []string) CapabilitySet {
	return CapabilitySet{
		builtins: toSet(allowedBuiltins),
		modules:  toSet(modules),
		banned:   toSet(bannedCalls),
	}
}

// DefaultCapabilities allows only DefaultModules.
func DefaultCapabilities() CapabilitySet {
	return NewCapabilitySet(DefaultModules())
}

func (c CapabilitySet) AllowsModule(name string) bool {
	_, ok := c.modules[name]
	return ok
}

func (c CapabilitySet) AllowsBuiltin(name string) bool {
	_, ok := c.builtins[name]
	return ok
}

func (c CapabilitySet) IsBanned(name string) bool {
	_, ok := c.banned[name]
	return ok
}

// Modules returns the allowed module names in sorted order.
func (c CapabilitySet) Modules() []string {
	return sortedKeys(c.modules)
}

// Builtins returns the allowed builtin names in sorted order.
func (c CapabilitySet) Builtins() []string {
	return sortedKeys(c.builtins)
}

// BannedCalls returns the statically rejected callee names in sorted order.
func (c CapabilitySet) BannedCalls() []string {
	return sortedKeys(c.banned)
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return set
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
