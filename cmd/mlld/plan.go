package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/eval"
	"github.com/mlld-lang/mlld/internal/pipeline"
)

// plan is the static, pre-execution shape of a parsed program: its postfix
// pipe chains, its `for parallel` fan-outs, and the guards registered
// anywhere in the program — everything `mlld run --plan` reports without
// evaluating a single directive.
//
// Grounded in the teacher's `--plan`/`runFromPlan` flow (a command is
// resolved to its full execution shape before anything runs, so the shape
// can be inspected or replayed independent of execution) and
// `core/planfmt`'s separation of "the shape a program resolves to" from
// "running it"; mlld does not persist this as a binary envelope the way
// the teacher's planfmt does; it is computed on demand, purely for
// inspection (spec §6's supplemented dry-run/plan-inspection CLI).
type plan struct {
	Pipelines    []planPipeline
	ParallelFors []planParallelFor
	Guards       []planGuard
}

type planPipeline struct {
	Location string
	Stages   []string
}

type planParallelFor struct {
	Location    string
	Concurrency int
	Pacing      string
	OnError     string
}

type planGuard struct {
	Location string
	Before   bool
	OpType   string
	Label    string
}

// buildPlan walks a parsed program's directive tree without evaluating any
// of it, collecting every postfix pipe chain, `for parallel` fan-out, and
// `guard` registration it finds.
func buildPlan(directives []*ast.Directive) *plan {
	p := &plan{}
	walkDirectives(directives, func(d *ast.Directive) {
		switch d.Kind {
		case ast.KindFor:
			if n, ok := d.Meta["parallel"].(int); ok {
				pacing, _ := d.Meta["pacing"].(string)
				onError, _ := d.Meta["onError"].(string)
				if onError == "" {
					onError = string(pipeline.OnErrorAll)
				}
				p.ParallelFors = append(p.ParallelFors, planParallelFor{
					Location:    d.Location().String(),
					Concurrency: n,
					Pacing:      pacing,
					OnError:     onError,
				})
			}
		case ast.KindGuard:
			before := d.Meta["when"] != "after"
			opType, _ := d.Meta["opType"].(string)
			label, _ := d.Meta["label"].(string)
			p.Guards = append(p.Guards, planGuard{
				Location: d.Location().String(),
				Before:   before,
				OpType:   opType,
				Label:    label,
			})
		}
	}, func(n ast.Node) {
		ref, ok := n.(*ast.VariableReference)
		if !ok || len(ref.Pipes) == 0 {
			return
		}
		stages := make([]string, len(ref.Pipes))
		for i, step := range ref.Pipes {
			stages[i] = step.Name
		}
		p.Pipelines = append(p.Pipelines, planPipeline{Location: ref.Location().String(), Stages: stages})
	})
	return p
}

// walkDirectives visits every directive in the tree (including nested
// bodies of `for`, `when`, and `exe`) and every expression node reachable
// from a directive's value slots.
func walkDirectives(directives []*ast.Directive, visitDirective func(*ast.Directive), visitNode func(ast.Node)) {
	for _, d := range directives {
		visitDirective(d)
		keys := make([]string, 0, len(d.Values))
		for k := range d.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkNodes(d.Values[k], visitNode)
		}
		if body, ok := d.Meta["body"].([]*ast.Directive); ok {
			walkDirectives(body, visitDirective, visitNode)
		}
		if elseBody, ok := d.Meta["else"].([]*ast.Directive); ok {
			walkDirectives(elseBody, visitDirective, visitNode)
		}
		if clauses, ok := d.Meta["clauses"].([]eval.WhenClause); ok {
			for _, c := range clauses {
				walkNodes(c.Condition, visitNode)
				walkNodes(c.Key, visitNode)
				walkDirectives(c.Body, visitDirective, visitNode)
			}
		}
	}
}

// walkNodes recurses into the node shapes that can themselves carry
// pipe-bearing variable references: an exec invocation's arguments and a
// path's interpolated segments.
func walkNodes(nodes []ast.Node, visit func(ast.Node)) {
	for _, n := range nodes {
		visit(n)
		switch v := n.(type) {
		case *ast.ExecInvocation:
			for _, args := range v.Args {
				walkNodes(args, visit)
			}
			for _, args := range v.Named {
				walkNodes(args, visit)
			}
		case *ast.PathNode:
			walkNodes(v.Segments, visit)
		case *ast.VariableReference:
			for _, step := range v.Pipes {
				walkNodes(step.Args, visit)
			}
		}
	}
}

// render formats a plan as the human-readable report `mlld run --plan`
// prints in place of executing the program.
func (p *plan) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipelines: %d\n", len(p.Pipelines))
	for _, pl := range p.Pipelines {
		fmt.Fprintf(&b, "  %s: %s (retry cap %d)\n", pl.Location, strings.Join(pl.Stages, " | "), pipeline.MaxRetries)
	}
	fmt.Fprintf(&b, "for parallel: %d\n", len(p.ParallelFors))
	for _, f := range p.ParallelFors {
		fmt.Fprintf(&b, "  %s: concurrency=%d pacing=%q onError=%s\n", f.Location, f.Concurrency, f.Pacing, f.OnError)
	}
	fmt.Fprintf(&b, "guards: %d\n", len(p.Guards))
	for _, g := range p.Guards {
		when := "before"
		if !g.Before {
			when = "after"
		}
		scope := g.Label
		if g.OpType != "" {
			scope = "op:" + g.OpType
		}
		fmt.Fprintf(&b, "  %s: %s %s\n", g.Location, when, scope)
	}
	return b.String()
}
