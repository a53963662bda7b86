package execrt

import (
	"context"
	"testing"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/interp"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/runtimeadapter"
	"github.com/mlld-lang/mlld/internal/value"
)

type fakeRuntime struct {
	lastReq runtimeadapter.Request
	result  runtimeadapter.Result
	err     error
}

func (f *fakeRuntime) Invoke(ctx context.Context, req runtimeadapter.Request) (runtimeadapter.Result, error) {
	f.lastReq = req
	return f.result, f.err
}

type fakeBody struct {
	fn func(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error)
}

func (f *fakeBody) EvalBlock(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error) {
	return f.fn(e, directives)
}

func shExeVar(name string, params []string) value.Variable {
	d := &ast.Directive{
		Kind:    ast.KindExe,
		Subtype: "sh",
		Values:  map[string][]ast.Node{"value": {&ast.Text{Value: "echo hi"}}},
		Meta:    map[string]any{"params": params},
	}
	sv := value.Text("", value.Empty()).WithMetadata("directive", d)
	return value.NewVariable(name, value.VarExecutable, sv, value.Source{Directive: "exe"})
}

func blockExeVar(name string, params []string, body []*ast.Directive) value.Variable {
	d := &ast.Directive{
		Kind:    ast.KindExe,
		Subtype: "",
		Meta:    map[string]any{"params": params, "body": body},
	}
	sv := value.Text("", value.Empty()).WithMetadata("directive", d)
	return value.NewVariable(name, value.VarExecutable, sv, value.Source{Directive: "exe"})
}

func TestRunExe_BindsPositionalArgsToDeclaredParams(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{Stdout: "ok", ExitCode: 0}}
	ex := New(interp.New(nil), nil, rt)

	e := env.New("t.mld", &env.PolicySummary{}, nil)
	e.SetVariable("greet", shExeVar("greet", []string{"name"}))

	inv := ast.ExecInvocation{Identifier: "greet", Args: [][]ast.Node{{&ast.Text{Value: "world"}}}}
	_, err := ex.RunExe(e, inv)
	if err != nil {
		t.Fatalf("RunExe: %v", err)
	}
	if rt.lastReq.Params["name"] != "world" {
		t.Errorf("Invoke Params[name] = %q, want %q", rt.lastReq.Params["name"], "world")
	}
}

func TestRunExe_NamedArgOverridesPositional(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{Stdout: "ok"}}
	ex := New(interp.New(nil), nil, rt)

	e := env.New("t.mld", &env.PolicySummary{}, nil)
	e.SetVariable("greet", shExeVar("greet", []string{"name"}))

	inv := ast.ExecInvocation{
		Identifier: "greet",
		Args:       [][]ast.Node{{&ast.Text{Value: "positional"}}},
		Named:      map[string][]ast.Node{"name": {&ast.Text{Value: "named"}}},
	}
	_, err := ex.RunExe(e, inv)
	if err != nil {
		t.Fatalf("RunExe: %v", err)
	}
	if rt.lastReq.Params["name"] != "named" {
		t.Errorf("Invoke Params[name] = %q, want the named argument to win over positional", rt.lastReq.Params["name"])
	}
}

func TestRunExeWithPipelineInput_FillsFirstUnboundParam(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{Stdout: "ok"}}
	ex := New(interp.New(nil), nil, rt)

	e := env.New("t.mld", &env.PolicySummary{}, nil)
	e.SetVariable("upper", shExeVar("upper", []string{"text"}))

	inv := ast.ExecInvocation{Identifier: "upper"}
	pipelineIn := value.Text("from-pipeline", value.Empty())

	_, err := ex.RunExeWithPipelineInput(e, inv, pipelineIn)
	if err != nil {
		t.Fatalf("RunExeWithPipelineInput: %v", err)
	}
	if rt.lastReq.Params["text"] != "from-pipeline" {
		t.Errorf("Invoke Params[text] = %q, want pipeline input to fill the first parameter", rt.lastReq.Params["text"])
	}
}

func TestRunExe_UndefinedExecutableIsResolutionError(t *testing.T) {
	ex := New(interp.New(nil), nil, &fakeRuntime{})
	e := env.New("t.mld", &env.PolicySummary{}, nil)

	_, err := ex.RunExe(e, ast.ExecInvocation{Identifier: "missing"})
	var mlErr *mlerr.Error
	if err == nil {
		t.Fatalf("RunExe(missing) err = nil, want ResolutionError")
	}
	if !asErr(err, &mlErr) || mlErr.Kind != mlerr.KindResolution {
		t.Errorf("RunExe(missing) err = %v, want a ResolutionError", err)
	}
}

func TestRunExe_DirectiveBodyDispatchesToBodyEvaluator(t *testing.T) {
	called := false
	body := &fakeBody{fn: func(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error) {
		called = true
		return value.Text("block result", value.Empty()), nil
	}}
	ex := New(interp.New(nil), body, &fakeRuntime{})

	e := env.New("t.mld", &env.PolicySummary{}, nil)
	e.SetVariable("fn", blockExeVar("fn", nil, nil))

	out, err := ex.RunExe(e, ast.ExecInvocation{Identifier: "fn"})
	if err != nil {
		t.Fatalf("RunExe: %v", err)
	}
	if !called {
		t.Errorf("directive-bodied exe did not dispatch through the BodyEvaluator")
	}
	if out.AsText() != "block result" {
		t.Errorf("RunExe().AsText() = %q, want %q", out.AsText(), "block result")
	}
}

func TestRunExe_DirectiveBodyWithoutEvaluatorIsValidationError(t *testing.T) {
	ex := New(interp.New(nil), nil, &fakeRuntime{})
	e := env.New("t.mld", &env.PolicySummary{}, nil)
	e.SetVariable("fn", blockExeVar("fn", nil, nil))

	_, err := ex.RunExe(e, ast.ExecInvocation{Identifier: "fn"})
	if err == nil {
		t.Fatalf("RunExe err = nil, want a ValidationError when no BodyEvaluator is configured")
	}
}

func TestRunBody_NonZeroExitReturnsExecutionErrorAndExecResult(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{Stdout: "partial", Stderr: "boom\nmore", ExitCode: 1}}
	ex := New(interp.New(nil), nil, rt)
	e := env.New("t.mld", &env.PolicySummary{}, nil)

	d := &ast.Directive{Kind: ast.KindRun, Subtype: "sh", Values: map[string][]ast.Node{"value": {&ast.Text{Value: "false"}}}}
	out, err := ex.RunCommand(e, d)

	var mlErr *mlerr.Error
	if err == nil || !asErr(err, &mlErr) || mlErr.Kind != mlerr.KindExecution {
		t.Fatalf("RunCommand non-zero exit err = %v, want an ExecutionError", err)
	}
	if out.Kind() != value.KindExecResult {
		t.Errorf("RunCommand().Kind() = %v, want %v even on failure", out.Kind(), value.KindExecResult)
	}
}

func TestRunBody_TimeoutIsTimeoutError(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{TimedOut: true}}
	ex := New(interp.New(nil), nil, rt)
	e := env.New("t.mld", &env.PolicySummary{}, nil)

	d := &ast.Directive{Kind: ast.KindRun, Subtype: "sh", Values: map[string][]ast.Node{"value": {&ast.Text{Value: "sleep 100"}}}}
	_, err := ex.RunCommand(e, d)

	var mlErr *mlerr.Error
	if err == nil || !asErr(err, &mlErr) || mlErr.Kind != mlerr.KindTimeout {
		t.Fatalf("RunCommand timeout err = %v, want a TimeoutError", err)
	}
}

func TestRunBody_WithoutRuntimeConfiguredIsValidationError(t *testing.T) {
	ex := New(interp.New(nil), nil, nil)
	e := env.New("t.mld", &env.PolicySummary{}, nil)
	d := &ast.Directive{Kind: ast.KindRun, Subtype: "sh", Values: map[string][]ast.Node{"value": {&ast.Text{Value: "echo hi"}}}}

	_, err := ex.RunCommand(e, d)
	if err == nil {
		t.Fatalf("RunCommand err = nil, want a ValidationError when no runtime adapter is configured")
	}
}

func TestRunBody_SuccessfulExecResultCarriesExecTaint(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{Stdout: "hi", ExitCode: 0}}
	ex := New(interp.New(nil), nil, rt)
	e := env.New("t.mld", &env.PolicySummary{}, nil)
	d := &ast.Directive{Kind: ast.KindRun, Subtype: "sh", Values: map[string][]ast.Node{"value": {&ast.Text{Value: "echo hi"}}}}

	out, err := ex.RunCommand(e, d)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if !out.Security().HasTaint(value.TaintExec) {
		t.Errorf("RunCommand() result missing TaintExec")
	}
}

func TestRunCommand_CmdBodyWithPipeIsValidationErrorWithHintSuggestingSh(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{Stdout: "", ExitCode: 0}}
	ex := New(interp.New(nil), nil, rt)
	e := env.New("t.mld", &env.PolicySummary{}, nil)
	d := &ast.Directive{Kind: ast.KindRun, Subtype: "cmd", Values: map[string][]ast.Node{"value": {&ast.Text{Value: "ls | wc -l"}}}}

	_, err := ex.RunCommand(e, d)
	var merr *mlerr.Error
	if !asErr(err, &merr) {
		t.Fatalf("RunCommand(cmd with pipe) err = %v, want *mlerr.Error", err)
	}
	if merr.Kind != mlerr.KindValidation {
		t.Errorf("Kind = %v, want KindValidation", merr.Kind)
	}
	if merr.Remediation == "" {
		t.Errorf("Remediation empty, want a hint pointing at sh")
	}
}

func TestRunCommand_CmdBodyWithoutShellOperatorsRunsNormally(t *testing.T) {
	rt := &fakeRuntime{result: runtimeadapter.Result{Stdout: "ok", ExitCode: 0}}
	ex := New(interp.New(nil), nil, rt)
	e := env.New("t.mld", &env.PolicySummary{}, nil)
	d := &ast.Directive{Kind: ast.KindRun, Subtype: "cmd", Values: map[string][]ast.Node{"value": {&ast.Text{Value: "ls -la"}}}}

	if _, err := ex.RunCommand(e, d); err != nil {
		t.Fatalf("RunCommand(plain cmd): %v", err)
	}
}

func asErr(err error, target **mlerr.Error) bool {
	e, ok := err.(*mlerr.Error)
	if ok {
		*target = e
	}
	return ok
}
