// Package pipeline implements the Pipeline engine (spec §4.6): postfix
// `|stage(...)` chains with retry, the ambient `@mx`/`@p`/`@ctx` pipeline
// variables, `for parallel(n, pacing)` bounded fan-out, and the builtin
// format-propagation transforms (`@json`, `@lines`, `@first(n)`,
// `@sortBy`, `@includes`).
//
// The bounded-concurrency, index-preserving result collection of
// RunParallelFor is grounded on the teacher's
// core/decorators/interfaces.go Ctx.ExecParallel (a channel of
// (index, result) pairs drained in completion order, reassembled by
// index) generalized with an actual worker-count bound (the teacher
// spawns one goroutine per step unconditionally) and the three
// ParallelMode completion policies it defines
// (fail-fast/fail-immediate/all).
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/value"
)

// Executor runs an exe invocation as a pipeline stage, receiving the
// upstream stage's output as pipeline input (spec §4.6.4). Implemented by
// internal/execrt.
type Executor interface {
	RunExeWithPipelineInput(e *env.Environment, invocation ast.ExecInvocation, pipelineInput value.StructuredValue) (value.StructuredValue, error)
}

// StageGuard lets the policy enforcer inspect a stage's output before it
// flows onward, optionally requesting a retry (spec §4.7 guard outcome
// "retry"/"retry<hint>", surfaced internally via mlerr.NewGuardRetry and
// never visible to the user). Implemented by internal/policy; nil is a
// valid, no-op configuration.
type StageGuard interface {
	CheckStage(e *env.Environment, stageIndex int, output value.StructuredValue) (value.StructuredValue, error)
}

// MaxRetries bounds a single stage's retry loop (spec §4.6.2
// MaxRetriesExceeded).
const MaxRetries = 10

// Engine runs pipelines and parallel `for` fan-outs.
type Engine struct {
	Exec  Executor
	Guard StageGuard
}

// New constructs an Engine.
func New(exec Executor, guard StageGuard) *Engine {
	return &Engine{Exec: exec, Guard: guard}
}

// builtinTransform recognizes the format-propagation builtins that don't
// go through Executor (spec §4.6.4): @json, @lines, @first(n), @sortBy(key),
// @includes(needle).
func builtinTransform(name string) bool {
	switch name {
	case "json", "lines", "first", "sortBy", "includes":
		return true
	default:
		return false
	}
}

// RunPipeline runs a postfix `|` chain against input, threading output to
// input across stages, applying retry when a stage guard signals it, and
// exposing `@p` (previous stage outputs), `@mx` (retry/error metadata), and
// `@ctx` (the running value's derived context) to stage argument templates
// via child-scope bindings (spec §4.6.1/§4.6.2).
//
// A pipeline with zero stages synthesizes an implicit identity stage (spec
// §4.6.1 "a bare `|` with nothing after it is the identity transform"),
// returning input unchanged but still running it through the guard check.
func (p *Engine) RunPipeline(e *env.Environment, input value.StructuredValue, steps []ast.PipeStep) (value.StructuredValue, error) {
	if len(steps) == 0 {
		return p.runStage(e, input, nil, 0, nil)
	}

	current := input
	var previousOutputs []value.StructuredValue
	for i, step := range steps {
		out, err := p.runStage(e, current, &step, i, previousOutputs)
		if err != nil {
			return value.StructuredValue{}, err
		}
		previousOutputs = append(previousOutputs, out)
		current = out
	}
	return current, nil
}

// runStage executes one stage (or the implicit identity stage when step is
// nil) with a bounded retry loop driven by the configured StageGuard.
func (p *Engine) runStage(e *env.Environment, input value.StructuredValue, step *ast.PipeStep, index int, previousOutputs []value.StructuredValue) (value.StructuredValue, error) {
	var hintHistory []any
	var attemptHistory []value.StructuredValue

	for try := 0; ; try++ {
		if try > MaxRetries {
			loc := ast.Location{}
			return value.StructuredValue{}, mlerr.MaxRetries(loc, index, MaxRetries)
		}

		stageEnv := e.WithSecuritySnapshot(input.Security())
		bindAmbient(stageEnv, input, previousOutputs, attemptHistory, hintHistory, index, try)

		var out value.StructuredValue
		var err error
		switch {
		case step == nil:
			out = input
		case builtinTransform(step.Name):
			out, err = p.runBuiltin(stageEnv, input, *step)
		default:
			if p.Exec == nil {
				return value.StructuredValue{}, mlerr.Validation(ast.Location{}, "pipe stage %q used where no executor is configured", step.Name)
			}
			out, err = p.Exec.RunExeWithPipelineInput(stageEnv, ast.ExecInvocation{Identifier: step.Name, Args: wrapPipeStepArgs(step.Args)}, input)
		}
		if err != nil {
			return value.StructuredValue{}, err
		}

		if p.Guard != nil {
			guarded, gerr := p.Guard.CheckStage(stageEnv, index, out)
			if gerr != nil {
				if hint, ok := mlerr.AsGuardRetry(gerr); ok {
					hintHistory = append(hintHistory, hint)
					attemptHistory = append(attemptHistory, out)
					continue
				}
				return value.StructuredValue{}, gerr
			}
			out = guarded
		}
		return out, nil
	}
}

// bindAmbient installs the `@p`, `@mx`, and `@ctx` pseudo-variables that a
// stage's argument templates can reference (spec §4.6.2).
func bindAmbient(e *env.Environment, input value.StructuredValue, previousOutputs, attemptHistory []value.StructuredValue, hintHistory []any, stageIndex, try int) {
	prevArr := make([]any, len(previousOutputs))
	for i, o := range previousOutputs {
		prevArr[i] = o
	}
	_ = e.SetVariable("p", value.NewVariable("p", value.VarArray, value.Wrap(prevArr, value.Empty()), value.Source{Directive: "pipeline"}))

	mx := map[string]any{
		"try":      float64(try),
		"hints":    hintHistory,
		"stage":    float64(stageIndex),
		"attempts": float64(len(attemptHistory)),
		"errors":   []any{},
	}
	_ = e.SetVariable("mx", value.NewVariable("mx", value.VarObject, value.Wrap(mx, value.Empty()), value.Source{Directive: "pipeline"}))

	_ = e.SetVariable("ctx", value.NewVariable("ctx", value.VarObject, value.Wrap(ctxToMap(input.Ctx()), value.Empty()), value.Source{Directive: "pipeline"}))
}

func ctxToMap(c value.Ctx) map[string]any {
	labels := make([]any, len(c.Labels))
	for i, l := range c.Labels {
		labels[i] = string(l)
	}
	taint := make([]any, len(c.Taint))
	for i, t := range c.Taint {
		taint[i] = string(t)
	}
	sources := make([]any, len(c.Sources))
	for i, s := range c.Sources {
		sources[i] = s
	}
	return map[string]any{
		"labels":   labels,
		"taint":    taint,
		"sources":  sources,
		"tokens":   float64(c.Tokens),
		"filename": c.Filename,
	}
}

// InvokePipe satisfies internal/interp.PipeInvoker: a single postfix pipe
// step written inline in an interpolated string runs as a one-stage
// pipeline.
func (p *Engine) InvokePipe(e *env.Environment, input value.StructuredValue, step ast.PipeStep) (value.StructuredValue, error) {
	return p.RunPipeline(e, input, []ast.PipeStep{step})
}

// --- builtin format-propagation transforms --------------------------------

func (p *Engine) runBuiltin(e *env.Environment, input value.StructuredValue, step ast.PipeStep) (value.StructuredValue, error) {
	switch step.Name {
	case "json":
		return value.ParseJSONText(input), nil
	case "lines":
		lines := strings.Split(strings.TrimRight(input.AsText(), "\n"), "\n")
		arr := make([]any, len(lines))
		for i, l := range lines {
			arr[i] = l
		}
		return value.Wrap(arr, input.Security()), nil
	case "first":
		n := 1
		if len(step.Args) > 0 {
			if lit, ok := soleLiteral(step.Args[0]); ok {
				if f, ok := lit.(float64); ok {
					n = int(f)
				}
			}
		}
		arr, ok := input.Data().([]any)
		if !ok {
			return input, nil
		}
		if n > len(arr) {
			n = len(arr)
		}
		return value.Wrap(arr[:n], input.Security()), nil
	case "sortBy":
		key := ""
		if len(step.Args) > 0 {
			if lit, ok := soleLiteral(step.Args[0]); ok {
				key, _ = lit.(string)
			}
		}
		arr, ok := input.Data().([]any)
		if !ok {
			return input, nil
		}
		sorted := append([]any(nil), arr...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sortKey(sorted[i], key) < sortKey(sorted[j], key)
		})
		return value.Wrap(sorted, input.Security()), nil
	case "includes":
		needle := ""
		if len(step.Args) > 0 {
			if lit, ok := soleLiteral(step.Args[0]); ok {
				needle, _ = lit.(string)
			}
		}
		arr, ok := input.Data().([]any)
		if ok {
			for _, el := range arr {
				if fmt.Sprintf("%v", el) == needle {
					return value.Wrap(true, input.Security()), nil
				}
			}
			return value.Wrap(false, input.Security()), nil
		}
		return value.Wrap(strings.Contains(input.AsText(), needle), input.Security()), nil
	default:
		return value.StructuredValue{}, mlerr.Validation(ast.Location{}, "unknown builtin transform %q", step.Name)
	}
}

// wrapPipeStepArgs adapts a pipe step's flat argument nodes (each a single
// node, used by soleLiteral's direct-literal inspection above) into the
// per-argument interpolatable sequences ExecInvocation.Args expects.
func wrapPipeStepArgs(args []ast.Node) [][]ast.Node {
	if len(args) == 0 {
		return nil
	}
	out := make([][]ast.Node, len(args))
	for i, n := range args {
		out[i] = []ast.Node{n}
	}
	return out
}

func soleLiteral(n ast.Node) (any, bool) {
	lit, ok := n.(*ast.Literal)
	if !ok {
		return nil, false
	}
	return lit.Value, true
}

func sortKey(v any, key string) string {
	if key == "" {
		return fmt.Sprintf("%v", v)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%v", obj[key])
}

// --- for parallel(n, pacing) ----------------------------------------------

// OnError selects how RunParallelFor reacts to a worker failure (spec's
// supplemented completion policy, grounded on the teacher's ParallelMode).
type OnError string

const (
	OnErrorFailFast      OnError = "fail-fast"      // stop scheduling new work, let in-flight finish
	OnErrorFailImmediate OnError = "fail-immediate" // also skip launched workers whose body has not begun; running bodies are not interrupted
	OnErrorAll           OnError = "all"            // run every item regardless of failures
)

type indexedResult struct {
	index  int
	result value.StructuredValue
	err    error
}

// RunParallelFor runs body over items with at most n concurrent workers
// (n <= 0 means unbounded), preserving input order in the returned slice
// regardless of completion order. Default onError mode is "all" (spec
// §4.6.3): a failed iteration's slot in the returned slice becomes an
// error marker object (`{"error": ..., "index": ...}`) instead of
// aborting the loop, and every failure is additionally accumulated into
// an `@mx.errors` array bound on e, readable by a subsequent
// `repair(@results, @mx.errors)` call in the same scope. "fail-fast" and
// "fail-immediate" stop launching new iterations after the first failure
// and return that error once the in-flight bodies have finished; a body
// that is already running is never interrupted.
func (p *Engine) RunParallelFor(e *env.Environment, items []value.StructuredValue, n int, pacing string, onError string,
	body func(*env.Environment, value.StructuredValue, int) (value.StructuredValue, error)) ([]value.StructuredValue, error) {

	if len(items) == 0 {
		return nil, nil
	}
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	mode := OnError(onError)
	if mode == "" {
		mode = OnErrorAll
	}
	// pacing staggers worker starts, e.g. "50ms" between launches, to avoid
	// bursting a downstream rate limit; a blank or unparsable value means
	// launch every worker as soon as a slot is free.
	stagger, _ := time.ParseDuration(pacing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sem := make(chan struct{}, n)
	results := make(chan indexedResult, len(items))
	var wg sync.WaitGroup
	var failed sync.Once
	var firstErr error

	for i, item := range items {
		if mode != OnErrorAll && ctx.Err() != nil {
			results <- indexedResult{index: i, err: fmt.Errorf("cancelled: a sibling iteration failed")}
			continue
		}

		if stagger > 0 && i > 0 {
			time.Sleep(stagger)
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, it value.StructuredValue) {
			defer wg.Done()
			defer func() { <-sem }()

			if mode == OnErrorFailImmediate {
				select {
				case <-ctx.Done():
					results <- indexedResult{index: idx, err: fmt.Errorf("cancelled: a sibling iteration failed")}
					return
				default:
				}
			}

			child := e.CreateParallelChild()
			out, err := body(child, it, idx)
			if err != nil {
				failed.Do(func() { firstErr = err })
				if mode != OnErrorAll {
					cancel()
				}
			}
			results <- indexedResult{index: idx, result: out, err: err}
		}(i, item)
	}

	wg.Wait()
	close(results)

	ordered := make([]value.StructuredValue, len(items))
	var errs []error
	var mxErrors []any
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			mxErrors = append(mxErrors, map[string]any{"index": float64(r.index), "message": r.err.Error()})
			ordered[r.index] = value.Wrap(map[string]any{"error": r.err.Error(), "index": float64(r.index)}, value.Empty())
			continue
		}
		ordered[r.index] = r.result
	}

	if len(mxErrors) > 0 {
		_ = e.SetVariable("mx", value.NewVariable("mx", value.VarObject,
			value.Wrap(map[string]any{"errors": mxErrors}, value.Empty()), value.Source{Directive: "pipeline"}))
	}

	if len(errs) > 0 && mode != OnErrorAll {
		if firstErr != nil {
			return ordered, firstErr
		}
		return ordered, errs[0]
	}
	// mode == all: errors accumulate into @mx.errors and per-item markers in
	// the returned slice rather than aborting the loop (spec §4.6.3).
	return ordered, nil
}
