package policy

import (
	"testing"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/value"
)

func newTestEnv() *env.Environment {
	return env.New("t.mld", &env.PolicySummary{}, nil)
}

func labeled(text string, labels ...value.DataLabel) value.StructuredValue {
	sec := value.Empty()
	for _, l := range labels {
		sec = sec.WithLabel(l)
	}
	return value.Text(text, sec)
}

func policyDirective(rules []map[string]any) *ast.Directive {
	return &ast.Directive{Kind: ast.KindPolicy, Meta: map[string]any{"rules": rules}}
}

func TestEnforcer_DefaultIsAllowEverything(t *testing.T) {
	p := New(nil)
	out, err := p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:show")
	if err != nil {
		t.Fatalf("CheckFlow default: %v", err)
	}
	if out.AsText() != "x" {
		t.Errorf("CheckFlow() mutated value under default-allow policy")
	}
}

func TestEnforcer_RegisterPolicyDeniesMatchingLabel(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}

	_, err = p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:show")
	var mlErr *mlerr.Error
	if err == nil || !asErr(err, &mlErr) || mlErr.Kind != mlerr.KindPolicy {
		t.Fatalf("CheckFlow err = %v, want a PolicyError", err)
	}
}

func TestEnforcer_MoreSpecificOperationRuleWinsOverLabelWildcard(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
		{"label": "secret", "operation": "op:log", "allow": true},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}

	if _, err := p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:log"); err != nil {
		t.Errorf("CheckFlow(op:log) = %v, want allowed by the more specific rule", err)
	}
	if _, err := p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:show"); err == nil {
		t.Errorf("CheckFlow(op:show) = nil, want denied by the label-wide default")
	}
}

func TestEnforcer_TiedSpecificityAllowOverridesDeny(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "op:show", "allow": false},
		{"label": "secret", "operation": "op:show", "allow": true},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	if _, err := p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:show"); err != nil {
		t.Errorf("CheckFlow() = %v, want the tied allow rule to win", err)
	}
}

func TestEnforcer_RegisterPolicyProducesNewImmutableSummaryEachTime(t *testing.T) {
	p := New(nil)
	first := p.Summary()
	updated, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	if first == updated {
		t.Errorf("RegisterPolicy returned the same *PolicySummary pointer, want a fresh immutable one")
	}
	if p.Summary() != updated {
		t.Errorf("Summary() did not reflect the most recently registered policy")
	}
}

func TestEnforcer_RegisterGuardRejectsAfterOnStreamingOp(t *testing.T) {
	p := New(nil)
	d := &ast.Directive{Kind: ast.KindGuard, Meta: map[string]any{
		"when": "after", "opType": "stream", "streaming": true,
	}}
	err := p.RegisterGuard(newTestEnv(), d)
	if err == nil {
		t.Fatalf("RegisterGuard err = nil, want rejection of an after-guard on a streaming operation")
	}
}

func TestEnforcer_BeforeGuardCanAllowWithTransformation(t *testing.T) {
	body := &fakeBody{fn: func(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error) {
		return value.Wrap(map[string]any{"verdict": "allow", "value": "scrubbed"}, value.Empty()), nil
	}}
	p := New(body)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	if err := p.RegisterGuard(newTestEnv(), &ast.Directive{
		Kind: ast.KindGuard,
		Meta: map[string]any{"when": "before", "label": "secret", "body": []*ast.Directive{}},
	}); err != nil {
		t.Fatalf("RegisterGuard: %v", err)
	}

	out, err := p.CheckFlow(newTestEnv(), labeled("raw-secret", "secret"), "op:show")
	if err != nil {
		t.Fatalf("CheckFlow: %v", err)
	}
	if out.AsText() != "scrubbed" {
		t.Errorf("CheckFlow() = %v, want the guard's transformed value", out.AsText())
	}
}

func TestEnforcer_BeforeGuardCanDenyWithReason(t *testing.T) {
	body := &fakeBody{fn: func(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error) {
		return value.Wrap(map[string]any{"verdict": "deny", "reason": "no egress"}, value.Empty()), nil
	}}
	p := New(body)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	if err := p.RegisterGuard(newTestEnv(), &ast.Directive{
		Kind: ast.KindGuard,
		Meta: map[string]any{"when": "before", "label": "secret", "body": []*ast.Directive{}},
	}); err != nil {
		t.Fatalf("RegisterGuard: %v", err)
	}

	_, err = p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:show")
	var mlErr *mlerr.Error
	if err == nil || !asErr(err, &mlErr) || mlErr.Kind != mlerr.KindPolicy {
		t.Fatalf("CheckFlow() err = %v, want a PolicyError from the guard's deny verdict", err)
	}
}

func TestEnforcer_BeforeGuardRetrySurfacesGuardRetrySignal(t *testing.T) {
	body := &fakeBody{fn: func(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error) {
		return value.StructuredValue{}, mlerr.NewGuardRetry("shrink the payload")
	}}
	p := New(body)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	if err := p.RegisterGuard(newTestEnv(), &ast.Directive{
		Kind: ast.KindGuard,
		Meta: map[string]any{"when": "before", "label": "secret", "body": []*ast.Directive{}},
	}); err != nil {
		t.Fatalf("RegisterGuard: %v", err)
	}

	_, err = p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:show")
	hint, ok := mlerr.AsGuardRetry(err)
	if !ok {
		t.Fatalf("CheckFlow() err = %v, want a retry signal surfaced from the guard body", err)
	}
	if hint != "shrink the payload" {
		t.Errorf("retry hint = %v, want %q", hint, "shrink the payload")
	}
}

func TestEnforcer_NoMatchingGuardFallsBackToBareDeny(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	_, err = p.CheckFlow(newTestEnv(), labeled("x", "secret"), "op:show")
	var mlErr *mlerr.Error
	if err == nil || !asErr(err, &mlErr) || mlErr.Kind != mlerr.KindPolicy {
		t.Fatalf("CheckFlow() err = %v, want a bare PolicyError when no guard matches", err)
	}
}

func TestEnforcer_CheckStageDelegatesToCheckFlow(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	_, err = p.CheckStage(newTestEnv(), 0, labeled("x", "secret"))
	if err == nil {
		t.Fatalf("CheckStage() err = nil, want the same denial CheckFlow would produce")
	}
}

func TestEnforcer_MultipleLabelsEachChecked(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "secret", "operation": "", "allow": true},
		{"label": "pii", "operation": "", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	_, err = p.CheckFlow(newTestEnv(), labeled("x", "secret", "pii"), "op:show")
	if err == nil {
		t.Fatalf("CheckFlow() err = nil, want denial from the pii label even though secret is allowed")
	}
}

func tainted(text string, taints ...value.TaintSource) value.StructuredValue {
	sec := value.Empty()
	for _, t := range taints {
		sec = sec.WithTaint(t)
	}
	return value.Text(text, sec)
}

func TestEnforcer_RegisterPolicyDeniesMatchingTaintSource(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"taint": string(value.TaintMCP), "operation": "destructive", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	_, err = p.CheckFlow(newTestEnv(), tainted("x", value.TaintMCP), "destructive")
	var merr *mlerr.Error
	if !asErr(err, &merr) || merr.Kind != mlerr.KindPolicy {
		t.Fatalf("CheckFlow(src:mcp -> destructive) err = %v, want a PolicyError", err)
	}
	if _, err := p.CheckFlow(newTestEnv(), tainted("x", value.TaintMCP), "harmless"); err != nil {
		t.Errorf("CheckFlow(src:mcp -> harmless) = %v, want allowed (rule only covers destructive)", err)
	}
}

func TestEnforcer_SegmentPrefixSpecificity(t *testing.T) {
	p := New(nil)
	_, err := p.RegisterPolicy(newTestEnv(), policyDirective([]map[string]any{
		{"label": "destructive", "operation": "", "allow": false},
		{"label": "destructive", "operation": "op:cmd:git", "allow": true},
		{"label": "destructive", "operation": "op:cmd:git:push", "allow": false},
	}))
	if err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	v := labeled("x", "destructive")

	if _, err := p.CheckFlow(newTestEnv(), v, "op:cmd:git:status"); err != nil {
		t.Errorf("CheckFlow(op:cmd:git:status) = %v, want allowed by the op:cmd:git rule (more specific than the bare label default)", err)
	}
	if _, err := p.CheckFlow(newTestEnv(), v, "op:cmd:git:push"); err == nil {
		t.Errorf("CheckFlow(op:cmd:git:push) = nil, want denied by the most specific rule even though op:cmd:git allows")
	}
	if _, err := p.CheckFlow(newTestEnv(), v, "op:cmd:docker"); err == nil {
		t.Errorf("CheckFlow(op:cmd:docker) = nil, want denied by the bare label default (no op:cmd:git prefix match)")
	}
}

type fakeBody struct {
	fn func(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error)
}

func (f *fakeBody) EvalBlock(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error) {
	return f.fn(e, directives)
}

func asErr(err error, target **mlerr.Error) bool {
	e, ok := err.(*mlerr.Error)
	if ok {
		*target = e
	}
	return ok
}
