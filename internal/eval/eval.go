// Package eval implements the directive Evaluator (spec §4.4 dispatch,
// truthiness/equality) plus the per-directive handlers (§4.2's directive
// table). It is the orchestration hub: execrt, pipeline, policy and
// streambus are consumed here through narrow interfaces declared in this
// package, and interp through its concrete Interpolator, so that none of
// them depend back on eval.
//
// The closed-dispatch-by-kind shape, and the "look up a handler, convert
// context, delegate, convert the result back" structure of each handler,
// is grounded on the teacher's runtime/execution.NodeEvaluator.EvaluateNode
// — a switch over IR node kinds dispatching to per-kind evaluate* methods —
// generalized from IR nodes to mlld's ast.Directive kinds.
package eval

import (
	"sort"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/interp"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/value"
)

// Executor runs an `exe` invocation or a `run` directive's command (spec
// §4.5). Implemented by internal/execrt.
type Executor interface {
	RunExe(e *env.Environment, invocation ast.ExecInvocation) (value.StructuredValue, error)
	RunCommand(e *env.Environment, directive *ast.Directive) (value.StructuredValue, error)
}

// PipelineRunner runs a postfix pipe chain or a `for parallel(...)` fan-out
// (spec §4.6). Implemented by internal/pipeline.
type PipelineRunner interface {
	RunPipeline(e *env.Environment, input value.StructuredValue, steps []ast.PipeStep) (value.StructuredValue, error)
	RunParallelFor(e *env.Environment, items []value.StructuredValue, n int, pacing string, onError string,
		body func(*env.Environment, value.StructuredValue, int) (value.StructuredValue, error)) ([]value.StructuredValue, error)
}

// PolicyEnforcer registers guards/policy rules and checks a value flow
// against the resolved policy (spec §4.7). Implemented by internal/policy.
type PolicyEnforcer interface {
	RegisterGuard(e *env.Environment, directive *ast.Directive) error
	RegisterPolicy(e *env.Environment, directive *ast.Directive) (*env.PolicySummary, error)
	CheckFlow(e *env.Environment, v value.StructuredValue, operation string) (value.StructuredValue, error)
}

// ModuleResolver resolves an `import`'s source module to its exported
// bindings. Implemented at the composition root; network/registry
// resolution is out of scope, but the directive-level binding/merge
// semantics are not, so this interface lets eval stay agnostic to how a
// module was resolved (local file, cache, registry).
type ModuleResolver interface {
	ResolveModule(fromFile, path string) (map[string]value.Variable, error)
}

// FileLoader resolves `embed`/`add` file content, optionally scoped to one
// markdown section (spec's embed/add directives). Implemented by
// cmd/mlld's fileLoader, which reads every path from the OS filesystem.
type FileLoader interface {
	LoadFile(path string, section *ast.SectionMarker) (text string, filename string, err error)
}

// Streamer emits stream events for `stream`/`stream-run` (spec's streaming
// directives). Implemented by internal/streambus.
type Streamer interface {
	StartStream(e *env.Environment, name string) error
	RunStreaming(e *env.Environment, directive *ast.Directive) (value.StructuredValue, error)
}

// Evaluator dispatches ast.Directive nodes to their handlers.
type Evaluator struct {
	Interp   *interp.Interpolator
	Exec     Executor
	Pipeline PipelineRunner
	Policy   PolicyEnforcer
	Modules  ModuleResolver
	Files    FileLoader
	Stream   Streamer
}

// New constructs an Evaluator. Any collaborator may be nil if the caller
// knows the directives that need it will never be evaluated (e.g. a
// fixture that only exercises var/let/show).
func New(interpolator *interp.Interpolator, exec Executor, pipe PipelineRunner, policy PolicyEnforcer, modules ModuleResolver, files FileLoader, stream Streamer) *Evaluator {
	return &Evaluator{Interp: interpolator, Exec: exec, Pipeline: pipe, Policy: policy, Modules: modules, Files: files, Stream: stream}
}

// handler evaluates one directive against e, returning the directive's
// result value (the zero value for directives with no expression result,
// e.g. `export` or `stream`). `var`/`let`/`path`/`exe`/`import` bind into e
// in place; only block-introducing directives like `for`/`when` create and
// discard a child scope internally.
type handler func(ev *Evaluator, e *env.Environment, d *ast.Directive) (value.StructuredValue, error)

// dispatch is filled from handlers in init: initializing it directly would
// form an initialization cycle, since evalFor and evalWhen call back into
// Eval, which reads dispatch.
var dispatch map[ast.DirectiveKind]handler

func init() { dispatch = handlers }

var handlers = map[ast.DirectiveKind]handler{
	ast.KindVar:       (*Evaluator).evalVar,
	ast.KindLet:       (*Evaluator).evalLet,
	ast.KindPath:      (*Evaluator).evalPath,
	ast.KindExe:       (*Evaluator).evalExe,
	ast.KindShow:      (*Evaluator).evalShow,
	ast.KindLog:       (*Evaluator).evalLog,
	ast.KindRun:       (*Evaluator).evalRun,
	ast.KindOutput:    (*Evaluator).evalOutput,
	ast.KindAppend:    (*Evaluator).evalAppend,
	ast.KindFor:       (*Evaluator).evalFor,
	ast.KindWhen:      (*Evaluator).evalWhen,
	ast.KindImport:    (*Evaluator).evalImport,
	ast.KindExport:    (*Evaluator).evalExport,
	ast.KindGuard:     (*Evaluator).evalGuard,
	ast.KindPolicy:    (*Evaluator).evalPolicy,
	ast.KindEmbed:     (*Evaluator).evalEmbed,
	ast.KindAdd:       (*Evaluator).evalAdd,
	ast.KindStream:    (*Evaluator).evalStream,
	ast.KindStreamRun: (*Evaluator).evalStreamRun,
}

// Eval dispatches d to its registered handler.
func (ev *Evaluator) Eval(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	h, ok := dispatch[d.Kind]
	if !ok {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "unknown directive kind %q", d.Kind)
	}
	out, err := h(ev, e, d)
	if err != nil {
		if merr, ok := err.(*mlerr.Error); ok {
			merr.Enrich(string(d.Kind), 0, 0)
		}
		return value.StructuredValue{}, err
	}
	return out, nil
}

// EvalBlock evaluates a sequence of directives against e in order,
// returning the last directive's result (used for `for`/`when` bodies and
// the top-level module).
func (ev *Evaluator) EvalBlock(e *env.Environment, directives []*ast.Directive) (value.StructuredValue, error) {
	var last value.StructuredValue
	for _, d := range directives {
		out, err := ev.Eval(e, d)
		if err != nil {
			return value.StructuredValue{}, err
		}
		last = out
	}
	return last, nil
}

func (ev *Evaluator) interpolateSlot(e *env.Environment, d *ast.Directive, slot string, ctx interp.Context) (interp.Result, error) {
	nodes := d.Slot(slot)
	if nodes == nil {
		return interp.Result{}, nil
	}
	return ev.Interp.Render(e, nodes, ctx)
}

func textContext(d *ast.Directive) interp.Context {
	switch d.Subtype {
	case "sh", "cmd", "code":
		return interp.ContextShellCommand
	case "triple", "backtick":
		return interp.ContextTripleBacktickTemplate
	case "angle":
		return interp.ContextAngleBracketTemplate
	default:
		return interp.ContextPlainText
	}
}

func declaredLabels(d *ast.Directive) []value.DataLabel {
	raw, _ := d.Meta["labels"].([]string)
	out := make([]value.DataLabel, 0, len(raw))
	for _, r := range raw {
		out = append(out, value.DataLabel(r))
	}
	return out
}

func bindName(d *ast.Directive) string {
	name, _ := d.Meta["name"].(string)
	return name
}

// --- var / let ---------------------------------------------------------

func (ev *Evaluator) evalVar(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	if e.IsBlockScope() {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'var' is module-scope only; use 'let' inside a block body")
	}
	return ev.bindVariable(e, d, value.VarData)
}

func (ev *Evaluator) evalLet(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	return ev.bindVariable(e, d, value.VarData)
}

func (ev *Evaluator) bindVariable(e *env.Environment, d *ast.Directive, kind value.VariableKind) (value.StructuredValue, error) {
	name := bindName(d)
	if name == "" {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "missing binding name")
	}
	res, err := ev.interpolateSlot(e, d, "value", textContext(d))
	if err != nil {
		return value.StructuredValue{}, err
	}
	sv := value.Wrap(res.Text, res.Security)
	if ev.Policy != nil {
		checked, err := ev.Policy.CheckFlow(e, sv, "bind:"+name)
		if err != nil {
			return value.StructuredValue{}, err
		}
		sv = checked
	}
	v := value.NewVariable(name, kind, sv, value.Source{
		Directive:        string(d.Kind),
		HasInterpolation: len(d.Slot("value")) > 1,
		FilePath:         e.GetCurrentFilePath(),
	}, declaredLabels(d)...)
	if err := e.SetVariable(name, v); err != nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "%s", err)
	}
	return sv, nil
}

// --- path ---------------------------------------------------------------

func (ev *Evaluator) evalPath(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	name := bindName(d)
	res, err := ev.interpolateSlot(e, d, "value", interp.ContextPlainText)
	if err != nil {
		return value.StructuredValue{}, err
	}
	sv := value.Wrap(res.Text, res.Security.WithTaint(value.TaintFile))
	v := value.NewVariable(name, value.VarPath, sv, value.Source{Directive: "path", FilePath: e.GetCurrentFilePath()}, declaredLabels(d)...)
	if err := e.SetVariable(name, v); err != nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "%s", err)
	}
	return sv, nil
}

// --- exe ------------------------------------------------------------------

// evalExe binds an executable definition. The directive itself is stashed
// as the Variable's metadata (Data) so internal/execrt can later retrieve
// the body/params to invoke; eval never runs exe bodies itself (spec §4.5
// is execrt's concern).
func (ev *Evaluator) evalExe(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	name := bindName(d)
	if name == "" {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "exe requires a name")
	}
	sv := value.StructuredValue{}.WithMetadata("directive", d)
	sv = value.Wrap(sv, value.Empty())
	v := value.NewVariable(name, value.VarExecutable, sv, value.Source{Directive: "exe", FilePath: e.GetCurrentFilePath()}, declaredLabels(d)...)
	v.IsReadonly = true
	if err := e.SetVariable(name, v); err != nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "%s", err)
	}
	return sv, nil
}

// --- show / log -----------------------------------------------------------

func (ev *Evaluator) evalShow(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	res, err := ev.interpolateSlot(e, d, "value", textContext(d))
	if err != nil {
		return value.StructuredValue{}, err
	}
	e.EmitEffect(env.EffectStdout, res.Text, map[string]any{"directive": "show"})
	return value.Text(res.Text, res.Security), nil
}

func (ev *Evaluator) evalLog(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	res, err := ev.interpolateSlot(e, d, "value", textContext(d))
	if err != nil {
		return value.StructuredValue{}, err
	}
	e.EmitEffect(env.EffectStderr, res.Text, map[string]any{"directive": "log"})
	return value.Text(res.Text, res.Security), nil
}

// --- run --------------------------------------------------------------

func (ev *Evaluator) evalRun(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	if ev.Exec == nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'run' used where no executor is configured")
	}
	out, err := ev.Exec.RunCommand(e, d)
	if err != nil {
		return value.StructuredValue{}, err
	}
	e.EmitEffect(env.EffectStdout, out.AsText(), map[string]any{"directive": "run"})
	return out, nil
}

// --- output / append ----------------------------------------------------

func (ev *Evaluator) evalOutput(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	res, err := ev.interpolateSlot(e, d, "value", textContext(d))
	if err != nil {
		return value.StructuredValue{}, err
	}
	path, _ := d.Meta["path"].(string)
	e.EmitEffect(env.EffectFile, res.Text, map[string]any{"path": path, "mode": "truncate"})
	return value.Text(res.Text, res.Security), nil
}

func (ev *Evaluator) evalAppend(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	res, err := ev.interpolateSlot(e, d, "value", textContext(d))
	if err != nil {
		return value.StructuredValue{}, err
	}
	path, _ := d.Meta["path"].(string)
	e.EmitEffect(env.EffectFile, res.Text, map[string]any{"path": path, "mode": "append"})
	return value.Text(res.Text, res.Security), nil
}

// --- for ------------------------------------------------------------------

// evalFor implements sequential and `for parallel(n, pacing)` iteration
// (spec §4.6.3). Body directives are stored on Meta["body"].
func (ev *Evaluator) evalFor(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	loopVar := bindName(d)
	res, err := ev.interpolateSlot(e, d, "collection", interp.ContextPlainText)
	if err != nil {
		return value.StructuredValue{}, err
	}
	collectionSV := value.ParseJSONText(value.Wrap(res.Text, res.Security))
	items, ok := collectionSV.Data().([]any)
	if !ok {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'for' collection did not resolve to an array")
	}
	wrapped := make([]value.StructuredValue, len(items))
	for i, it := range items {
		wrapped[i] = value.Wrap(it, collectionSV.Security())
	}

	body, _ := d.Meta["body"].([]*ast.Directive)
	runBody := func(child *env.Environment, item value.StructuredValue, idx int) (value.StructuredValue, error) {
		v := value.NewVariable(loopVar, value.VarData, item, value.Source{Directive: "for"})
		if err := child.SetVariable(loopVar, v); err != nil {
			return value.StructuredValue{}, err
		}
		return ev.EvalBlock(child, body)
	}

	parallelN, isParallel := d.Meta["parallel"].(int)
	if isParallel {
		if ev.Pipeline == nil {
			return value.StructuredValue{}, mlerr.Validation(d.Location(), "'for parallel' used where no pipeline runner is configured")
		}
		pacing, _ := d.Meta["pacing"].(string)
		onError, _ := d.Meta["onError"].(string)
		results, err := ev.Pipeline.RunParallelFor(e, wrapped, parallelN, pacing, onError, func(ce *env.Environment, item value.StructuredValue, idx int) (value.StructuredValue, error) {
			return runBody(ce, item, idx)
		})
		// "all" (the default, spec §4.6.3) accumulates failures into
		// @mx.errors and per-item markers rather than aborting the loop, so a
		// non-nil error in that mode still carries usable partial results.
		// "fail-fast"/"fail-immediate" abort the whole loop on the first
		// failure.
		if err != nil && onError != "" && onError != "all" {
			return value.StructuredValue{}, err
		}
		anyArr := make([]any, len(results))
		sec := value.Empty()
		for i, r := range results {
			anyArr[i] = r
			sec = value.Merge(sec, r.Security())
		}
		return value.Wrap(anyArr, sec), nil
	}

	var last value.StructuredValue
	for i, item := range wrapped {
		child := e.CreateChild(true)
		out, err := runBody(child, item, i)
		if err != nil {
			return value.StructuredValue{}, err
		}
		last = out
	}
	return last, nil
}

// --- when -----------------------------------------------------------------

// evalWhen implements spec §4.3's two `when` forms.
//
// The guarded form (Meta["discriminant"] absent) evaluates each clause's
// Condition with Truthy, first match wins unless Meta["mode"] == "all", in
// which case every true clause's body runs in order.
//
// The switch form (Meta["discriminant"] present, `when @v: ["1" => ...; *
// => ...]`) evaluates the discriminant once and compares it against each
// clause's Key via Equal's structural equality; a
// Wildcard clause (`*`) always matches. The same first-match/"all" mode
// rule applies to which matching bodies run.
func (ev *Evaluator) evalWhen(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	clauses, _ := d.Meta["clauses"].([]WhenClause)
	mode, _ := d.Meta["mode"].(string)
	discriminantNodes, isSwitch := d.Meta["discriminant"].([]ast.Node)

	var discriminant value.StructuredValue
	if isSwitch {
		res, err := ev.Interp.Render(e, discriminantNodes, interp.ContextPlainText)
		if err != nil {
			return value.StructuredValue{}, err
		}
		discriminant = value.ParseJSONText(value.Wrap(res.Text, res.Security))
	}

	var last value.StructuredValue
	matched := false
	for _, c := range clauses {
		var isMatch bool
		if isSwitch {
			if c.Wildcard {
				isMatch = true
			} else {
				res, err := ev.Interp.Render(e, c.Key, interp.ContextPlainText)
				if err != nil {
					return value.StructuredValue{}, err
				}
				keyVal := value.ParseJSONText(value.Wrap(res.Text, res.Security))
				isMatch = Equal(discriminant, keyVal)
			}
		} else {
			res, err := ev.Interp.Render(e, c.Condition, interp.ContextPlainText)
			if err != nil {
				return value.StructuredValue{}, err
			}
			condVal := value.ParseJSONText(value.Wrap(res.Text, res.Security))
			isMatch = Truthy(condVal)
		}
		if !isMatch {
			continue
		}
		matched = true
		child := e.CreateChild(true)
		out, err := ev.EvalBlock(child, c.Body)
		if err != nil {
			return value.StructuredValue{}, err
		}
		last = out
		if mode != "all" {
			break
		}
	}
	if !matched {
		if elseBody, ok := d.Meta["else"].([]*ast.Directive); ok {
			child := e.CreateChild(true)
			return ev.EvalBlock(child, elseBody)
		}
	}
	return last, nil
}

// WhenClause is one clause of a `when` directive, stashed on
// Directive.Meta["clauses"] by the AST producer. The guarded form sets
// Condition; the switch form sets either Key or Wildcard.
type WhenClause struct {
	Condition []ast.Node
	Key       []ast.Node
	Wildcard  bool
	Body      []*ast.Directive
}

// --- import / export ----------------------------------------------------

func (ev *Evaluator) evalImport(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	if ev.Modules == nil {
		return value.StructuredValue{}, mlerr.Resolution(d.Location(), "'import' used where no module resolver is configured")
	}
	path, _ := d.Meta["path"].(string)
	names, _ := d.Meta["names"].([]string)
	alias, _ := d.Meta["alias"].(string)

	exports, err := ev.Modules.ResolveModule(e.GetCurrentFilePath(), path)
	if err != nil {
		return value.StructuredValue{}, mlerr.Resolution(d.Location(), "import %q: %s", path, err)
	}

	if len(names) == 0 {
		if alias == "" {
			return value.StructuredValue{}, mlerr.Validation(d.Location(), "import must select names or bind a namespace alias")
		}
		obj := make(map[string]any, len(exports))
		sec := value.Empty()
		for name, v := range exports {
			obj[name] = v.Value.Data()
			if obj[name] == nil {
				obj[name] = v.Value.AsText()
			}
			sec = value.Merge(sec, v.Value.Security())
		}
		nsVal := value.Wrap(obj, sec)
		v := value.NewVariable(alias, value.VarObject, nsVal, value.Source{Directive: "import", FilePath: path})
		return nsVal, e.SetVariable(alias, v)
	}

	var lastVal value.StructuredValue
	sort.Strings(names)
	for _, name := range names {
		v, ok := exports[name]
		if !ok {
			return value.StructuredValue{}, mlerr.Resolution(d.Location(), "module %q does not export %q", path, name)
		}
		if err := e.SetVariable(name, v); err != nil {
			return value.StructuredValue{}, mlerr.Validation(d.Location(), "%s", err)
		}
		lastVal = v.Value
	}
	return lastVal, nil
}

func (ev *Evaluator) evalExport(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	names, _ := d.Meta["names"].([]string)
	if len(names) == 0 {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "wildcard export is not permitted at publish time; list names explicitly")
	}
	for _, name := range names {
		if !e.HasVariable(name) {
			return value.StructuredValue{}, mlerr.Resolution(d.Location(), "cannot export undefined name %q", name)
		}
	}
	return value.StructuredValue{}, nil
}

// --- guard / policy ---------------------------------------------------

func (ev *Evaluator) evalGuard(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	if ev.Policy == nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'guard' used where no policy enforcer is configured")
	}
	if err := ev.Policy.RegisterGuard(e, d); err != nil {
		return value.StructuredValue{}, err
	}
	return value.StructuredValue{}, nil
}

func (ev *Evaluator) evalPolicy(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	if ev.Policy == nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'policy' used where no policy enforcer is configured")
	}
	summary, err := ev.Policy.RegisterPolicy(e, d)
	if err != nil {
		return value.StructuredValue{}, err
	}
	e.WithPolicySummary(summary)
	return value.StructuredValue{}, nil
}

// --- embed / add --------------------------------------------------------

func (ev *Evaluator) evalEmbed(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	return ev.loadAndBind(e, d, true)
}

func (ev *Evaluator) evalAdd(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	return ev.loadAndBind(e, d, false)
}

func (ev *Evaluator) loadAndBind(e *env.Environment, d *ast.Directive, showImmediately bool) (value.StructuredValue, error) {
	if ev.Files == nil {
		return value.StructuredValue{}, mlerr.Resolution(d.Location(), "'%s' used where no file loader is configured", d.Kind)
	}
	path, _ := d.Meta["path"].(string)
	var section *ast.SectionMarker
	if s, ok := d.Meta["section"].(*ast.SectionMarker); ok {
		section = s
	}
	text, filename, err := ev.Files.LoadFile(path, section)
	if err != nil {
		return value.StructuredValue{}, mlerr.Resolution(d.Location(), "%s", err)
	}
	sv := value.LoadResult(text, filename, value.Empty().WithTaint(value.TaintFile))
	if name := bindName(d); name != "" {
		v := value.NewVariable(name, value.VarText, sv, value.Source{Directive: string(d.Kind), FilePath: filename})
		if err := e.SetVariable(name, v); err != nil {
			return value.StructuredValue{}, mlerr.Validation(d.Location(), "%s", err)
		}
	}
	if showImmediately {
		e.EmitEffect(env.EffectStdout, sv.AsText(), map[string]any{"directive": string(d.Kind)})
	}
	return sv, nil
}

// --- stream / stream-run --------------------------------------------------

func (ev *Evaluator) evalStream(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	if ev.Stream == nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'stream' used where no streamer is configured")
	}
	name := bindName(d)
	if err := ev.Stream.StartStream(e, name); err != nil {
		return value.StructuredValue{}, err
	}
	return value.StructuredValue{}, nil
}

func (ev *Evaluator) evalStreamRun(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	if ev.Stream == nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'stream-run' used where no streamer is configured")
	}
	return ev.Stream.RunStreaming(e, d)
}

// --- truthiness / equality (spec §4.4) ------------------------------------

// Truthy implements spec §4.4's truthiness table: false, null, 0, "", an
// empty array, and an empty object are falsy; everything else is truthy.
// Text and JSON-text values hold their falsy status even when carried as a
// string: the literals "false" and "0" are falsy, matching how a template's
// interpolated text is meant to read as the value it names rather than as a
// non-empty string (spec §4.4, §8.10).
func Truthy(v value.StructuredValue) bool {
	switch v.Kind() {
	case value.KindNull:
		return false
	case value.KindBoolean:
		b, _ := v.Data().(bool)
		return b
	case value.KindNumber:
		n, _ := v.Data().(float64)
		return n != 0
	case value.KindArray:
		arr, _ := v.Data().([]any)
		return len(arr) != 0
	case value.KindObject:
		obj, _ := v.Data().(map[string]any)
		return len(obj) != 0
	case value.KindText, value.KindJSON:
		text := v.AsText()
		return text != "" && text != "false" && text != "0"
	default:
		return v.AsText() != ""
	}
}

// Equal implements structural equality for spec §4.4's `==`/`!=` operators:
// scalars compare by value, arrays/objects compare deeply and
// order-sensitively (array element order; object key sets plus values).
func Equal(a, b value.StructuredValue) bool {
	return equalAny(normalizeForEquality(a), normalizeForEquality(b))
}

func normalizeForEquality(v value.StructuredValue) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBoolean, value.KindNumber, value.KindArray, value.KindObject:
		return v.Data()
	default:
		return v.AsText()
	}
}

func equalAny(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalAny(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !equalAny(v, bvv) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
