package policy

import (
	"fmt"

	"go.starlark.net/syntax"
)

// SourceName is the file name guest code is parsed and executed under.
const SourceName = "<guest>"

// Verdict is the tag of a Decision.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
	MalformedSyntax
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case MalformedSyntax:
		return "malformed_syntax"
	default:
		return "unknown"
	}
}

// Rule names the check that produced a denial.
type Rule string

const (
	RuleImport Rule = "import"
	RuleCall   Rule = "call"
)

// Decision is the result of validating one submission.
type Decision struct {
	Verdict Verdict
	Rule    Rule   // set when Verdict is Denied
	Reason  string // denial reason or parser message
}

func (d Decision) Allowed() bool { return d.Verdict == Allowed }

// FileOptions is the guest dialect. Validation and execution must parse
// with the same options or the two would disagree about what a program is.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// Validator statically rejects disallowed loads and banned calls. It is a
// denylist over the syntax tree: anything no rule matches is allowed.
type Validator struct {
	caps CapabilitySet
	opts *syntax.FileOptions
}

func NewValidator(caps CapabilitySet) *Validator {
	return &Validator{caps: caps, opts: FileOptions()}
}

// Validate parses source and walks every node of the tree.
func (v *Validator) Validate(source string) Decision {
	f, err := v.opts.Parse(SourceName, source, 0)
	if err != nil {
		return Decision{Verdict: MalformedSyntax, Reason: err.Error()}
	}

	decision := Decision{Verdict: Allowed}
	var visit func(syntax.Node) bool
	visit = func(n syntax.Node) bool {
		if decision.Verdict != Allowed {
			return false
		}
		switch n := n.(type) {
		case *syntax.WhileStmt:
			// syntax.Walk does not descend into while loops.
			syntax.Walk(n.Cond, visit)
			for _, stmt := range n.Body {
				syntax.Walk(stmt, visit)
			}
			return false
		case *syntax.LoadStmt:
			module, _ := n.Module.Value.(string)
			if !v.caps.AllowsModule(module) {
				decision = Decision{
					Verdict: Denied,
					Rule:    RuleImport,
					Reason:  fmt.Sprintf("load of module %q is not allowed", module),
				}
				return false
			}
		case *syntax.CallExpr:
			if id, ok := n.Fn.(*syntax.Ident); ok && v.caps.IsBanned(id.Name) {
				decision = Decision{
					Verdict: Denied,
					Rule:    RuleCall,
					Reason:  fmt.Sprintf("call to %q is not allowed", id.Name),
				}
				return false
			}
		}
		return true
	}
	syntax.Walk(f, visit)

	return decision
}
