package runtime

import (
	"errors"
	"fmt"
	"io"

	"go.starlark.net/starlark"

	"safe-code-sandbox/internal/policy"
)

// ErrImportDenied is returned by the gated import for modules outside the
// capability set.
var ErrImportDenied = errors.New("import of module is not allowed")

// universeConstants stay resolvable even though they are not builtins.
var universeConstants = map[string]bool{
	"None":  true,
	"True":  true,
	"False": true,
}

// Builder constructs restricted namespaces wired to one capability set.
type Builder struct {
	caps     policy.CapabilitySet
	registry *Registry
	globals  starlark.StringDict
}

// NewBuilder resolves every allowed builtin and module up front so a bad
// capability set fails at startup rather than on the first submission.
func NewBuilder(caps policy.CapabilitySet, registry *Registry) (*Builder, error) {
	if registry == nil {
		registry = NewRegistry()
	}

	for _, name := range caps.Modules() {
		if _, err := registry.Get(name); err != nil {
			return nil, err
		}
	}

	globals := make(starlark.StringDict, len(starlark.Universe))
	for _, name := range caps.Builtins() {
		if v, ok := starlark.Universe[name]; ok {
			globals[name] = v
			continue
		}
		fn, ok := extraBuiltins[name]
		if !ok {
			return nil, fmt.Errorf("builtin %q has no implementation", name)
		}
		globals[name] = starlark.NewBuiltin(name, fn)
	}

	// Predeclared names shadow the universe, so anything not enumerated
	// resolves to a stub that fails when called.
	for name := range starlark.Universe {
		if universeConstants[name] || caps.AllowsBuiltin(name) {
			continue
		}
		globals[name] = undefined(name)
	}
	globals.Freeze()

	return &Builder{caps: caps, registry: registry, globals: globals}, nil
}

// Build returns a fresh namespace. Nothing a submission does to its
// namespace is visible to the next one.
func (b *Builder) Build() *Namespace {
	globals := make(starlark.StringDict, len(b.globals))
	for k, v := range b.globals {
		globals[k] = v
	}
	return &Namespace{
		Globals:  globals,
		caps:     b.caps,
		registry: b.registry,
	}
}

// Namespace is the execution environment for one submission.
type Namespace struct {
	Globals starlark.StringDict

	caps     policy.CapabilitySet
	registry *Registry
}

// Import is the gated import: the runtime backstop for load statements
// that made it past validation.
func (n *Namespace) Import(module string) (starlark.StringDict, error) {
	if !n.caps.AllowsModule(module) {
		return nil, fmt.Errorf("%w: '%s'", ErrImportDenied, module)
	}
	m, err := n.registry.Get(module)
	if err != nil {
		return nil, err
	}

	members := make(starlark.StringDict, len(m.Members)+1)
	for k, v := range m.Members {
		members[k] = v
	}
	members[module] = m
	return members, nil
}

// NewThread returns a thread whose print writes lines to out and whose
// load goes through Import.
func (n *Namespace) NewThread(name string, out io.Writer) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(out, msg)
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return n.Import(module)
		},
	}
}

// Exec runs source against the namespace. Parse, resolve and evaluation
// errors are all returned as-is.
func (n *Namespace) Exec(thread *starlark.Thread, source string) error {
	_, err := starlark.ExecFileOptions(policy.FileOptions(), thread, policy.SourceName, source, n.Globals)
	return err
}
