// Package policy implements the policy enforcer and guards (spec §4.7):
// per-classifier (data label or taint source, spec §3.3) allow/deny rules
// resolved by specificity (an operation path's segment count — "op:cmd:git:push"
// outranks "op:cmd:git", which outranks the bare classifier default;
// an allow overrides a broader deny at equal specificity), and
// user-defined `guard ... before|after op:<type>` / `guard ... for <label>`
// hooks whose body can allow, transform, deny, or request a retry.
//
// The classifier-indexed rule model and "more specific rule wins, explicit
// allow overrides an inherited deny" resolution order is grounded on the
// teacher's runtime/vault/vault.go: a Zanzibar-style authorization check
// that walks a scope trie from the most specific scope outward, with an
// explicit grant at a narrower scope taking precedence over a broader
// denial. mlld flattens the teacher's trie into a classifier-keyed rule map
// (labels and taint sources don't nest the way vault's path-segment scopes
// do) but keeps the same "narrowest matching rule decides, not
// first-registered" evaluation order, and generalizes the trie's path
// segments into the operation pattern's colon-separated segments.
package policy

import (
	"strings"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/value"
)

// BodyEvaluator runs a guard body's directives, mirroring execrt's
// dependency on the evaluator (declared locally so policy need not import
// eval; eval consumes the enforcer through its own PolicyEnforcer interface).
type BodyEvaluator interface {
	EvalBlock(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error)
}

// Verdict is a guard body's outcome, read from a sentinel return binding
// the guard body sets (spec's guard outcomes: allow / allow<transformed> /
// deny<reason> / retry / retry<hint>).
type Verdict struct {
	Kind        string // "allow" | "deny" | "retry"
	Transformed *value.StructuredValue
	Reason      string
	Hint        any
}

// Rule is one allow/deny entry for a classifier (a data label or a taint
// source, spec §3.3's unified lattice), at a given specificity: an
// operation path's segment count is its specificity, so "op:cmd:git:push"
// (4 segments) outranks "op:cmd:git" (3 segments), which outranks the bare
// classifier-level default (0 segments, Operation == "").
type Rule struct {
	Classifier  string
	Operation   string // "" means "applies to every operation"
	Allow       bool
	Specificity int
}

// Index is the resolved, frozen rule set a PolicySummary carries (it
// satisfies env.RuleIndex, an empty marker interface, so internal/env need
// not import internal/policy). Rules are keyed by classifier string: a
// value.DataLabel's own string form ("secret", "destructive", ...) or a
// value.TaintSource's ("src:mcp", ...) — the two never collide because
// every TaintSource constant is spelled "src:...".
type Index struct {
	rules map[string][]Rule
}

func newIndex() *Index { return &Index{rules: map[string][]Rule{}} }

func (idx *Index) add(r Rule) {
	idx.rules[r.Classifier] = append(idx.rules[r.Classifier], r)
}

// operationSpecificity counts pattern's colon-separated segments ("" => 0,
// the bare-classifier default; "op:cmd:git" => 3).
func operationSpecificity(pattern string) int {
	if pattern == "" {
		return 0
	}
	return strings.Count(pattern, ":") + 1
}

// matchesOperation reports whether pattern matches operation: the empty
// pattern matches everything, an exact string matches, and otherwise
// pattern matches as a segment-prefix of operation (spec §4.7's
// `op:cmd:git` matching an incoming `op:cmd:git:push`).
func matchesOperation(pattern, operation string) bool {
	if pattern == "" || pattern == operation {
		return true
	}
	return strings.HasPrefix(operation, pattern+":")
}

// resolve returns the allow/deny verdict for classifier flowing into
// operation, per spec §4.7's specificity-wins, allow-overrides-broader-deny
// resolution: among all rules matching (classifier, operation-path prefix),
// the highest-specificity rule wins; a tie between an allow and a deny at
// equal specificity resolves to allow (the explicit grant overrides the
// inherited default).
func (idx *Index) resolve(classifier string, operation string) (allow bool, matched bool, rule Rule) {
	var best *Rule
	for _, r := range idx.rules[classifier] {
		if !matchesOperation(r.Operation, operation) {
			continue
		}
		if best == nil || r.Specificity > best.Specificity || (r.Specificity == best.Specificity && r.Allow && !best.Allow) {
			rcopy := r
			best = &rcopy
		}
	}
	if best == nil {
		return true, false, Rule{}
	}
	return best.Allow, true, *best
}

// Guard is a registered `guard` directive.
type Guard struct {
	Directive *ast.Directive
	Before    bool // guard ... before op:<type>  (false => after)
	OpType    string
	Label     value.DataLabel // "" means "for every label" (op-scoped guard)
	Streaming bool            // spec §4.7: after-guards are incompatible with streaming sinks
}

// Enforcer is the policy registry and flow checker (spec §4.7). It
// satisfies internal/eval's PolicyEnforcer interface and
// internal/pipeline's StageGuard interface.
type Enforcer struct {
	Body BodyEvaluator

	guards  []Guard
	summary *env.PolicySummary
}

// New constructs an Enforcer with an empty default-allow policy.
func New(body BodyEvaluator) *Enforcer {
	return &Enforcer{Body: body, summary: &env.PolicySummary{
		Defaults: map[string]string{},
		Labels:   map[string]string{},
		Auth:     map[string]string{},
		Rules:    newIndex(),
	}}
}

// Summary returns the currently effective PolicySummary, for seeding a
// root Environment before any `policy` directive has run.
func (p *Enforcer) Summary() *env.PolicySummary { return p.summary }

// RegisterGuard records a `guard` directive's before/after hook (spec
// §4.7). Validation: an after-guard attached to a streaming operation is
// rejected, since a streaming sink has already begun emitting chunks by
// the time an "after" hook could run.
func (p *Enforcer) RegisterGuard(e *env.Environment, d *ast.Directive) error {
	before := d.Meta["when"] != "after"
	opType, _ := d.Meta["opType"].(string)
	label, _ := d.Meta["label"].(string)
	streaming, _ := d.Meta["streaming"].(bool)

	if !before && streaming {
		return mlerr.Validation(d.Location(), "an 'after' guard cannot attach to a streaming operation")
	}

	p.guards = append(p.guards, Guard{
		Directive: d,
		Before:    before,
		OpType:    opType,
		Label:     value.DataLabel(label),
		Streaming: streaming,
	})
	return nil
}

// RegisterPolicy rebuilds the frozen PolicySummary from a `policy`
// directive's rule list (spec §5: a new directive produces a new
// immutable summary rather than mutating the running one).
func (p *Enforcer) RegisterPolicy(e *env.Environment, d *ast.Directive) (*env.PolicySummary, error) {
	rawRules, _ := d.Meta["rules"].([]map[string]any)
	idx := newIndex()
	for _, raw := range rawRules {
		classifier, _ := raw["label"].(string)
		if classifier == "" {
			classifier, _ = raw["taint"].(string)
		}
		op, _ := raw["operation"].(string)
		allow, _ := raw["allow"].(bool)
		idx.add(Rule{Classifier: classifier, Operation: op, Allow: allow, Specificity: operationSpecificity(op)})
	}
	next := &env.PolicySummary{
		Defaults: copyStringMap(p.summary.Defaults),
		Labels:   copyStringMap(p.summary.Labels),
		Auth:     copyStringMap(p.summary.Auth),
		Rules:    idx,
	}
	if defaults, ok := d.Meta["defaults"].(map[string]string); ok {
		for k, v := range defaults {
			next.Defaults[k] = v
		}
	}
	p.summary = next
	return next, nil
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CheckFlow implements spec §4.7: for every classifier on v — its data
// labels and its taint sources alike (spec §3.3's unified lattice; a rule
// registered against a TaintSource like `src:mcp` is just as enforceable as
// one registered against a DataLabel) — resolve the rule index and deny if
// any classifier's most-specific rule denies `operation`. If a matching
// `before` guard is registered for the classifier (or for the operation's
// kind), its body runs first and may allow, transform, deny, or retry.
func (p *Enforcer) CheckFlow(e *env.Environment, v value.StructuredValue, operation string) (value.StructuredValue, error) {
	idx, _ := p.currentRules()
	if idx == nil {
		return v, nil
	}
	sec := v.Security()

	classifiers := make([]string, 0, len(sec.Labels)+len(sec.Taint))
	for _, l := range sec.LabelList() {
		classifiers = append(classifiers, string(l))
	}
	for _, t := range sec.TaintList() {
		classifiers = append(classifiers, string(t))
	}

	for _, classifier := range classifiers {
		allow, matched, rule := idx.resolve(classifier, operation)
		if !matched || allow {
			continue
		}
		if verdict, ok, err := p.runMatchingGuard(e, classifier, operation); ok {
			if err != nil {
				return value.StructuredValue{}, err
			}
			switch verdict.Kind {
			case "allow":
				if verdict.Transformed != nil {
					v = *verdict.Transformed
				}
				continue
			case "deny":
				perr := mlerr.Policy(ast.Location{}, classifier, operation, ruleName(rule))
				if verdict.Reason != "" {
					perr.Message += ": " + verdict.Reason
				}
				return value.StructuredValue{}, perr
			}
		}
		return value.StructuredValue{}, mlerr.Policy(ast.Location{}, classifier, operation, ruleName(rule))
	}
	return v, nil
}

func ruleName(r Rule) string {
	if r.Operation == "" {
		return r.Classifier + ":*"
	}
	return r.Classifier + ":" + r.Operation
}

// CheckStage satisfies internal/pipeline's StageGuard: a pipeline stage's
// output is checked the same way any other value flow is (operation name
// "pipeline:stage").
func (p *Enforcer) CheckStage(e *env.Environment, stageIndex int, output value.StructuredValue) (value.StructuredValue, error) {
	return p.CheckFlow(e, output, "pipeline:stage")
}

func (p *Enforcer) currentRules() (*Index, bool) {
	if p.summary == nil || p.summary.Rules == nil {
		return nil, false
	}
	idx, ok := p.summary.Rules.(*Index)
	return idx, ok
}

// runMatchingGuard finds the first registered guard matching classifier (a
// label or taint source, compared as a plain string) or its operation's
// kind, and runs its body, interpreting the body's result as a Verdict. ok
// is false when no guard matches, in which case the caller falls back to
// the bare deny.
func (p *Enforcer) runMatchingGuard(e *env.Environment, classifier string, operation string) (Verdict, bool, error) {
	opKind := operation
	if idx := strings.Index(operation, ":"); idx >= 0 {
		opKind = operation[:idx]
	}
	for _, g := range p.guards {
		if !g.Before {
			continue
		}
		if g.Label != "" && string(g.Label) != classifier {
			continue
		}
		if g.OpType != "" && g.OpType != opKind {
			continue
		}
		if p.Body == nil {
			return Verdict{}, true, mlerr.Validation(g.Directive.Location(), "guard body cannot run: no body evaluator configured")
		}
		body, _ := g.Directive.Meta["body"].([]*ast.Directive)
		child := e.CreateChild(true)
		out, err := p.Body.EvalBlock(child, body)
		if err != nil {
			if hint, isRetry := mlerr.AsGuardRetry(err); isRetry {
				return Verdict{Kind: "retry", Hint: hint}, true, err
			}
			return Verdict{}, true, err
		}
		return interpretVerdict(out), true, nil
	}
	return Verdict{}, false, nil
}

// interpretVerdict reads the guard body's final value as its outcome: an
// object with a "verdict" field of "allow"/"deny"/"retry" (missing means
// allow), optionally "reason" (deny) or "value", the transformed value
// (allow). A result that is not an object is a plain allow.
func interpretVerdict(out value.StructuredValue) Verdict {
	obj, ok := out.Data().(map[string]any)
	if !ok {
		return Verdict{Kind: "allow"}
	}
	kind, _ := obj["verdict"].(string)
	if kind == "" {
		kind = "allow"
	}
	v := Verdict{Kind: kind}
	if reason, ok := obj["reason"].(string); ok {
		v.Reason = reason
	}
	if transformed, ok := obj["value"]; ok {
		sv := value.Wrap(transformed, out.Security())
		v.Transformed = &sv
	}
	return v
}
