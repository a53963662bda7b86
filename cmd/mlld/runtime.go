package main

import (
	"fmt"

	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/eval"
	"github.com/mlld-lang/mlld/internal/execrt"
	"github.com/mlld-lang/mlld/internal/interp"
	"github.com/mlld-lang/mlld/internal/modcache"
	"github.com/mlld-lang/mlld/internal/pipeline"
	"github.com/mlld-lang/mlld/internal/policy"
	"github.com/mlld-lang/mlld/internal/runtimeadapter"
	"github.com/mlld-lang/mlld/internal/streambus"
)

// runtime bundles the wired components a run/validate/live invocation
// drives, plus the sinks attached to its bus.
type runtime struct {
	Evaluator *eval.Evaluator
	Root      *env.Environment
	Bus       *streambus.Bus
	Format    *streambus.FormatAdapterSink
	Close     func()
}

// buildRuntime is the composition root: it wires every internal package
// into one running interpreter, following cli/main.go's shape of
// constructing the pipeline's stages once per invocation and tearing them
// down via a returned close function.
//
// internal/eval, internal/execrt, internal/pipeline, and internal/policy
// each declare the interfaces they need from their neighbors locally, to
// keep the package graph acyclic — which means four references (the
// interpolator's inline pipes call into the pipeline engine, execrt's exe
// bodies call back into the evaluator, pipeline stages are checked by the
// policy enforcer, policy's guard bodies call back into the evaluator) can
// only be fully wired after every object already exists. Each type's
// forward-reference field is exported for exactly this reason; buildRuntime
// constructs every object with its back-reference left nil/zero, then
// patches those fields once the cycle is closed.
func buildRuntime(programPath string, opts runOptions) (*runtime, error) {
	adapter := runtimeadapter.New()

	interpolator := interp.New(nil) // Pipes patched below
	executor := execrt.New(interpolator, nil, adapter) // Body patched below
	engine := pipeline.New(executor, nil)               // Guard patched below
	enforcer := policy.New(nil)                         // Body patched below

	cacheDir, err := defaultCacheDir()
	if err != nil {
		return nil, fmt.Errorf("resolving module cache directory: %w", err)
	}
	cache, err := modcache.New(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("opening module cache: %w", err)
	}
	lock, err := loadLockFile(programPath)
	if err != nil {
		return nil, fmt.Errorf("loading lock file: %w", err)
	}
	modules := &moduleResolver{lock: lock, cache: cache}
	files := &fileLoader{AllowAbsolute: opts.AllowAbsolutePaths}

	formatSink := streambus.NewFormatAdapterSink()
	sinks := []streambus.Sink{formatSink}
	if opts.ShowProgress {
		sinks = append(sinks, streambus.NewTerminalSink())
	}
	bus, err := streambus.NewBus(sinks...)
	if err != nil {
		return nil, fmt.Errorf("starting stream bus: %w", err)
	}
	stream := streambus.NewManager(bus, interpolator, adapter, executor)

	evaluator := eval.New(interpolator, executor, engine, enforcer, modules, files, stream)

	// Close the back-reference cycle now that every collaborator exists.
	interpolator.Pipes = engine
	executor.Body = evaluator
	engine.Guard = enforcer
	enforcer.Body = evaluator

	summary := enforcer.Summary()
	if opts.Mode != "" {
		summary.Defaults["mode"] = opts.Mode
	}

	var rootEffect env.EffectHandler = func(kind env.EffectKind, content string, meta map[string]any) {
		name, _ := meta["directive"].(string)
		bus.Effect(name, kind, content)
	}
	root := env.New(programPath, summary, rootEffect)

	return &runtime{
		Evaluator: evaluator,
		Root:      root,
		Bus:       bus,
		Format:    formatSink,
		Close:     bus.Close,
	}, nil
}
