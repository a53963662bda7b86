// Package execrt implements Exec/executor (spec §4.5): resolving an `exe`
// definition's parameters against a call site's arguments, running the
// definition's body (template, shell/code block, or pipeline-input-as-
// shadow-environment collection), and wrapping the result.
//
// Parameter precedence and child-scope binding is grounded on the
// teacher's core/decorator/param_builder.go ordered-parameter-schema
// model (a declared, ordered parameter list that named and positional
// call-site arguments are resolved against); process invocation is
// delegated to internal/runtimeadapter, itself grounded on
// core/decorator/local_session.go.
package execrt

import (
	"context"
	"strings"
	"time"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/interp"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/runtimeadapter"
	"github.com/mlld-lang/mlld/internal/value"
)

// BodyEvaluator runs an exe's body directives against a bound child
// Environment and returns the body's result. Declared as an interface to
// avoid execrt importing eval (eval declares its own Executor interface,
// which *Executor satisfies — eval is the orchestration hub, execrt is a
// leaf).
type BodyEvaluator interface {
	EvalBlock(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error)
}

// Runtime runs one invocation of an external interpreter for the code/sh
// exe bodies. internal/runtimeadapter.Adapter satisfies this.
type Runtime interface {
	Invoke(ctx context.Context, req runtimeadapter.Request) (runtimeadapter.Result, error)
}

// DefaultTimeout bounds an exe/run invocation when the directive specifies
// none (spec §4.8).
const DefaultTimeout = 30 * time.Second

// Executor binds exe parameters and dispatches exe/run bodies.
type Executor struct {
	Interp  *interp.Interpolator
	Body    BodyEvaluator
	Runtime Runtime
}

// New constructs an Executor.
func New(interpolator *interp.Interpolator, body BodyEvaluator, rt Runtime) *Executor {
	return &Executor{Interp: interpolator, Body: body, Runtime: rt}
}

// definition is the data extracted from an `exe` directive's Variable.
type definition struct {
	directive *ast.Directive
	params    []string
}

func extractDefinition(v *value.Variable) (*definition, error) {
	if v.Kind != value.VarExecutable {
		return nil, mlerr.Validation(ast.Location{}, "%q is not executable", v.Name)
	}
	d, ok := v.Value.Metadata()["directive"].(*ast.Directive)
	if !ok {
		return nil, mlerr.Validation(ast.Location{}, "executable %q has no body", v.Name)
	}
	params, _ := d.Meta["params"].([]string)
	return &definition{directive: d, params: params}, nil
}

// RunExe implements spec §4.5's call-site parameter binding:
//
//  1. a named argument bound at the call site,
//  2. a positional argument bound at the call site,
//  3. for the first parameter only, the pipeline input flowing into this
//     invocation (when the exe is used as a pipe stage),
//  4. otherwise the empty string.
func (ex *Executor) RunExe(e *env.Environment, invocation ast.ExecInvocation) (value.StructuredValue, error) {
	v, ok := e.GetVariable(invocation.Identifier)
	if !ok {
		return value.StructuredValue{}, mlerr.Resolution(invocation.Location(), "undefined executable %q", invocation.Identifier)
	}
	def, err := extractDefinition(v)
	if err != nil {
		return value.StructuredValue{}, err
	}
	return ex.invoke(e, def, invocation, value.StructuredValue{})
}

// RunExeWithPipelineInput is identical to RunExe but additionally supplies
// pipelineInput for the first declared parameter when no named/positional
// argument fills it (spec §4.6.4 / §4.5 pipeline-invocation case).
func (ex *Executor) RunExeWithPipelineInput(e *env.Environment, invocation ast.ExecInvocation, pipelineInput value.StructuredValue) (value.StructuredValue, error) {
	v, ok := e.GetVariable(invocation.Identifier)
	if !ok {
		return value.StructuredValue{}, mlerr.Resolution(invocation.Location(), "undefined executable %q", invocation.Identifier)
	}
	def, err := extractDefinition(v)
	if err != nil {
		return value.StructuredValue{}, err
	}
	return ex.invoke(e, def, invocation, pipelineInput)
}

func (ex *Executor) invoke(e *env.Environment, def *definition, invocation ast.ExecInvocation, pipelineInput value.StructuredValue) (value.StructuredValue, error) {
	child := e.CreateChild(true)

	bound := make(map[string]value.StructuredValue, len(def.params))
	for name, nodes := range invocation.Named {
		res, err := ex.Interp.Render(e, nodes, interp.ContextPlainText)
		if err != nil {
			return value.StructuredValue{}, err
		}
		bound[name] = value.Wrap(res.Text, res.Security)
	}
	for i, nodes := range invocation.Args {
		if i >= len(def.params) {
			break
		}
		name := def.params[i]
		if _, already := bound[name]; already {
			continue
		}
		res, err := ex.Interp.Render(e, nodes, interp.ContextPlainText)
		if err != nil {
			return value.StructuredValue{}, err
		}
		bound[name] = value.Wrap(res.Text, res.Security)
	}

	for i, name := range def.params {
		if _, ok := bound[name]; ok {
			continue
		}
		if i == 0 && pipelineInput.Kind() != "" {
			bound[name] = pipelineInput
			continue
		}
		bound[name] = value.Text("", value.Empty())
	}

	for name, sv := range bound {
		varVal := value.NewVariable(name, value.VarData, sv, value.Source{Directive: "exe-param"})
		varVal.IsParameter = true
		if err := child.SetVariable(name, varVal); err != nil {
			return value.StructuredValue{}, mlerr.Validation(invocation.Location(), "%s", err)
		}
	}

	switch def.directive.Subtype {
	case "sh", "cmd", "code", "js", "node", "python", "py":
		return ex.runExternalBody(child, def.directive, def.params, bound)
	default:
		body, _ := def.directive.Meta["body"].([]*ast.Directive)
		if ex.Body == nil {
			return value.StructuredValue{}, mlerr.Validation(invocation.Location(), "exe with a directive body used where no body evaluator is configured")
		}
		return ex.Body.EvalBlock(child, body)
	}
}

// runExternalBody renders the exe's template against the bound child scope
// and invokes the configured language runtime.
func (ex *Executor) runExternalBody(child *env.Environment, d *ast.Directive, params []string, bound map[string]value.StructuredValue) (value.StructuredValue, error) {
	res, err := ex.Interp.Render(child, d.Slot("value"), shellOrCodeContext(d))
	if err != nil {
		return value.StructuredValue{}, err
	}
	if err := validateCmdBody(d, res.Text); err != nil {
		return value.StructuredValue{}, err
	}
	return ex.runBody(child, d, res.Text, res.Security, params, bound)
}

// RunCommand implements the `run` directive (spec §4.5): an inline
// shell/code body with no named exe definition.
func (ex *Executor) RunCommand(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	res, err := ex.Interp.Render(e, d.Slot("value"), shellOrCodeContext(d))
	if err != nil {
		return value.StructuredValue{}, err
	}
	if err := validateCmdBody(d, res.Text); err != nil {
		return value.StructuredValue{}, err
	}
	return ex.runBody(e, d, res.Text, res.Security, nil, nil)
}

func shellOrCodeContext(d *ast.Directive) interp.Context {
	if d.Subtype == "sh" || d.Subtype == "cmd" {
		return interp.ContextShellCommand
	}
	return interp.ContextPlainText
}

// cmdShellOperators are the shell metacharacters spec §4.5 reserves to
// `sh`: `cmd { }` runs a single command with no shell interpretation, so
// pipes, chaining, and redirection are rejected at validation time rather
// than silently reaching the shell (or, worse, silently doing nothing).
var cmdShellOperators = []string{"|", "&&", "||", ";", ">>", ">", "<", "`", "$("}

// validateCmdBody rejects shell operators/pipes/redirection in a `cmd {
// }` body (spec §4.5, §7 ValidationError, scenario S6), pointing the user
// at `sh` for anything that needs real shell interpretation.
func validateCmdBody(d *ast.Directive, code string) error {
	if d.Subtype != "cmd" {
		return nil
	}
	for _, op := range cmdShellOperators {
		if strings.Contains(code, op) {
			return mlerr.ValidationWithHint(d.Location(),
				"cmd runs a single command with no shell interpretation; use sh { ... } for pipes, chaining, or redirection",
				"cmd body contains shell operator %q, which cmd does not interpret", op)
		}
	}
	return nil
}

func (ex *Executor) runBody(e *env.Environment, d *ast.Directive, code string, sec value.SecurityDescriptor, params []string, bound map[string]value.StructuredValue) (value.StructuredValue, error) {
	if ex.Runtime == nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "external execution used where no runtime adapter is configured")
	}

	lang := runtimeadapter.LangShell
	switch d.Subtype {
	case "js", "node":
		lang = runtimeadapter.LangNode
	case "python", "py":
		lang = runtimeadapter.LangPython
	}

	small := map[string]string{}
	large := map[string]string{}
	var stdinInput string
	for i, name := range params {
		sv, ok := bound[name]
		if !ok {
			continue
		}
		text := sv.AsText()
		if i == 0 && lang != runtimeadapter.LangShell {
			stdinInput = text
			continue
		}
		if len(text) >= runtimeadapter.ArgMaxThreshold {
			large[name] = text
		} else {
			small[name] = text
		}
	}

	timeout := DefaultTimeout
	if t, ok := d.Meta["timeout"].(time.Duration); ok && t > 0 {
		timeout = t
	}

	out, err := ex.Runtime.Invoke(context.Background(), runtimeadapter.Request{
		Code:        code,
		Language:    lang,
		Params:      small,
		LargeParams: large,
		StdinInput:  stdinInput,
		WorkDir:     e.GetCurrentFilePath(),
		Timeout:     timeout,
	})
	if err != nil {
		return value.StructuredValue{}, mlerr.Execution(d.Location(), err, "external %s execution failed", lang)
	}
	if out.TimedOut {
		return value.StructuredValue{}, mlerr.Timeout(d.Location(), "external %s execution exceeded %s", lang, timeout)
	}

	resultSec := sec.WithTaint(value.TaintExec)
	execResult := value.ExecResult(out.Stdout, out.Stderr, out.ExitCode, resultSec)
	if out.ExitCode != 0 {
		return execResult, mlerr.Execution(d.Location(), nil, "command exited with status %d: %s", out.ExitCode, firstLine(out.Stderr))
	}
	return execResult, nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
