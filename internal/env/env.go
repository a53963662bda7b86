// Package env implements the lexical environment (spec §4.1): scoping,
// variable binding/lookup, effect emission, and the policy summary handle
// every evaluator frame carries.
//
// The shape — an embedded parent-chain context that carries IO streams,
// dry-run/debug flags, and a delegate for side effects — follows the
// teacher's runtime/execution/context.Ctx, generalized from a single
// command-execution context into mlld's nested lexical scopes (module →
// block → pipeline stage).
package env

import (
	"fmt"
	"sync"

	"github.com/mlld-lang/mlld/internal/value"
)

// EffectKind enumerates the effect channels a directive can emit to
// (spec §4.1).
type EffectKind string

const (
	EffectStdout EffectKind = "stdout"
	EffectStderr EffectKind = "stderr"
	EffectBoth   EffectKind = "both"
	EffectFile   EffectKind = "file"
)

// EffectHandler receives effects emitted via Environment.EmitEffect. One
// handler is shared by every Environment in a tree (it is installed at the
// root and inherited), matching the teacher's single scrubbing writer
// installed once at CLI entry and shared by every execution context.
type EffectHandler func(kind EffectKind, content string, meta map[string]any)

// PolicySummary is the frozen, process-wide policy snapshot (spec §4.1):
// resolved defaults, labels, auth config, and a rule index for fast lookup.
// It is immutable once built; a new `policy` directive produces a new
// summary rather than mutating this one (spec §5 "Shared resources").
type PolicySummary struct {
	Defaults map[string]string
	Labels   map[string]string
	Auth     map[string]string
	Rules    RuleIndex
}

// RuleIndex is implemented by internal/policy; declared here as an
// interface to avoid an import cycle between env and policy.
type RuleIndex interface {
	// Lookup is intentionally unconstrained; internal/policy defines the
	// concrete rule-resolution contract and casts back to its own type.
}

// ScopeKind distinguishes the two declaration forms of spec §4.1.
type ScopeKind string

const (
	ScopeModule ScopeKind = "module" // `var` — forbidden inside block bodies
	ScopeBlock  ScopeKind = "block"  // `let` — for/when/exe/parallel-stage bodies
)

// Environment is one lexical scope frame.
type Environment struct {
	mu       sync.RWMutex
	parent   *Environment
	vars     map[string]*value.Variable
	isBlock  bool // true for `for`/`when`/`exe`/pipeline-stage child scopes
	isParallel bool // true for `for parallel` worker scopes: writes must not escape

	filePath string
	policy   *PolicySummary
	effect   EffectHandler
	security value.SecurityDescriptor // ambient security snapshot (e.g. inside a pipeline stage)
	enclosingExeLabels []string
}

// New creates a root Environment (module scope).
func New(filePath string, policy *PolicySummary, effect EffectHandler) *Environment {
	return &Environment{
		vars:     make(map[string]*value.Variable),
		filePath: filePath,
		policy:   policy,
		effect:   effect,
	}
}

// CreateChild returns a new Environment whose lookups fall through to e but
// whose writes land only in the child (spec §4.1). isBlock marks whether
// the child is a `let`-scope body (for/when/exe/parallel-stage); writing a
// `var` there is rejected by the evaluator, not by this constructor, so
// that the error carries the directive's own location.
func (e *Environment) CreateChild(isBlock bool) *Environment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Environment{
		vars:               make(map[string]*value.Variable),
		parent:             e,
		isBlock:            isBlock,
		filePath:           e.filePath,
		policy:             e.policy,
		effect:             e.effect,
		security:           e.security,
		enclosingExeLabels: e.enclosingExeLabels,
	}
}

// CreateParallelChild returns a child scope for one `for parallel` worker
// body. Writes to names that are bound in an outer scope and not declared in
// this child are rejected (spec §4.6.3, §5: "outer-scope mutation is
// forbidden"); new local names may be declared.
func (e *Environment) CreateParallelChild() *Environment {
	child := e.CreateChild(true)
	child.isParallel = true
	return child
}

// GetVariable looks up name, walking the scope chain from this Environment
// to the root (spec §4.1).
func (e *Environment) GetVariable(name string) (*value.Variable, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.vars[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// HasVariable reports whether name is bound anywhere in the scope chain.
func (e *Environment) HasVariable(name string) bool {
	_, ok := e.GetVariable(name)
	return ok
}

// SetVariable binds name in e. If e is a parallel-worker scope, name is not
// already declared directly in e, and name resolves in an outer scope, the
// write is rejected: parallel bodies may declare new `let` locals but never
// mutate an ambient name that resolves to an outer scope (spec §4.1, §5).
func (e *Environment) SetVariable(name string, v value.Variable) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isParallel {
		if _, declaredHere := e.vars[name]; !declaredHere {
			if e.parent != nil && e.parent.HasVariable(name) {
				return fmt.Errorf("cannot assign %q: writes inside a parallel block must not escape to the outer scope", name)
			}
		}
	}
	e.vars[name] = &v
	return nil
}

// IsBlockScope reports whether this Environment is a `let`-eligible block
// scope (for/when/exe/pipeline-stage body), as opposed to module scope.
func (e *Environment) IsBlockScope() bool { return e.isBlock }

// GetCurrentFilePath returns the file path associated with this scope tree.
func (e *Environment) GetCurrentFilePath() string { return e.filePath }

// GetPolicySummary returns the frozen policy snapshot.
func (e *Environment) GetPolicySummary() *PolicySummary { return e.policy }

// WithPolicySummary rebinds e in place to a freshly rebuilt policy summary
// and returns e itself (spec §5: a `policy` directive produces a new
// immutable summary rather than mutating the old one; the summary object is
// replaced, the Environment is not copied). Intended for use only at module
// scope.
func (e *Environment) WithPolicySummary(p *PolicySummary) *Environment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	return e
}

// GetEnclosingExeLabels returns the labels declared on the innermost `exe`
// enclosing the current point of evaluation, used by the policy enforcer to
// build FlowContext.ExeLabels.
func (e *Environment) GetEnclosingExeLabels() []string { return e.enclosingExeLabels }

// WithEnclosingExeLabels returns a child scope tagging the enclosing exe's
// labels; used when entering an `exe` body.
func (e *Environment) WithEnclosingExeLabels(labels []string) *Environment {
	child := e.CreateChild(true)
	child.enclosingExeLabels = labels
	return child
}

// GetSecuritySnapshot returns the ambient SecurityDescriptor for the
// current point of evaluation (e.g. the merged descriptor of a pipeline
// stage's current input).
func (e *Environment) GetSecuritySnapshot() value.SecurityDescriptor { return e.security }

// WithSecuritySnapshot returns a child scope carrying the given ambient
// security snapshot; used by the pipeline engine when entering a stage.
func (e *Environment) WithSecuritySnapshot(sec value.SecurityDescriptor) *Environment {
	child := e.CreateChild(true)
	child.security = sec
	return child
}

// MergeSecurityDescriptors merges zero or more descriptors using the
// spec §3.3 ⊕ operator, convenience forwarder onto value.Merge so callers
// holding only an *Environment don't need a second import.
func (e *Environment) MergeSecurityDescriptors(ds ...value.SecurityDescriptor) value.SecurityDescriptor {
	return value.Merge(ds...)
}

// EmitEffect routes an effect to the shared handler installed at the root.
// It is a no-op if no handler was installed.
func (e *Environment) EmitEffect(kind EffectKind, content string, meta map[string]any) {
	if e.effect != nil {
		e.effect(kind, content, meta)
	}
}
