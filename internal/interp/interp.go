// Package interp implements the Interpolator (spec §4.3): resolving a
// sequence of AST nodes (text runs, variable references, field accesses,
// nested pipe invocations) into a single rendered string plus the merged
// SecurityDescriptor of everything that contributed to it.
//
// The teacher has no direct interpolation pass of its own — opal's
// templates are resolved inline during IR-building (runtime/planner) — so
// this package's shape is grounded on that planner's node-walking style
// (a small recursive "render one node, accumulate into a buffer" loop) and
// on runtime/vault.go's practice of merging every sub-expression's security
// state into the aggregate, never losing provenance to a bare string
// concatenation.
package interp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/value"
)

// Context selects the quoting/escaping discipline in effect while rendering
// (spec §4.3): plain text needs none, shell command context must respect
// the target shell's quoting, and the two template forms differ in which
// delimiters are literal vs. interpolated.
type Context string

const (
	ContextPlainText              Context = "plain-text"
	ContextShellCommand           Context = "shell-command"
	ContextTripleBacktickTemplate Context = "triple-backtick-template"
	ContextAngleBracketTemplate   Context = "angle-bracket-template"
)

// PipeInvoker is implemented by internal/pipeline. It is consumed here as an
// interface, not a concrete type, so that interp does not import pipeline
// (spec §4.6 pipeline stages reach interpolation of their argument
// templates through internal/execrt, which imports interp, and
// interpolation calls forward into pipeline only for trailing `|`
// invocations written inline in an interpolated string).
type PipeInvoker interface {
	InvokePipe(e *env.Environment, input value.StructuredValue, step ast.PipeStep) (value.StructuredValue, error)
}

// Result is the output of interpolating a node sequence: the rendered text
// and the merged descriptor of every value that fed into it.
type Result struct {
	Text     string
	Security value.SecurityDescriptor
}

// Interpolator renders AST node sequences against an Environment.
type Interpolator struct {
	Pipes PipeInvoker
}

// New constructs an Interpolator. pipes may be nil if the call site never
// interpolates a sequence containing postfix pipe steps (e.g. path nodes).
func New(pipes PipeInvoker) *Interpolator {
	return &Interpolator{Pipes: pipes}
}

// Render interpolates nodes in ctx against e, concatenating each node's
// rendered text and merging each node's contributed SecurityDescriptor
// (spec §3.3 ⊕, applied left to right in source order).
func (ip *Interpolator) Render(e *env.Environment, nodes []ast.Node, ctx Context) (Result, error) {
	var b strings.Builder
	sec := value.Empty()
	for _, n := range nodes {
		text, nodeSec, err := ip.renderNode(e, n, ctx)
		if err != nil {
			return Result{}, err
		}
		b.WriteString(text)
		sec = value.Merge(sec, nodeSec)
	}
	return Result{Text: b.String(), Security: sec}, nil
}

func (ip *Interpolator) renderNode(e *env.Environment, n ast.Node, ctx Context) (string, value.SecurityDescriptor, error) {
	switch node := n.(type) {
	case *ast.Text:
		return node.Value, value.Empty(), nil

	case *ast.VariableReference:
		return ip.renderVariableReference(e, node, ctx)

	case *ast.Literal:
		return renderLiteral(node), value.Empty(), nil

	case *ast.DotSeparator:
		return ".", value.Empty(), nil

	case *ast.Comment:
		return "", value.Empty(), nil

	default:
		return "", value.Empty(), mlerr.Validation(n.Location(), "cannot interpolate node of type %T", n)
	}
}

func renderLiteral(l *ast.Literal) string {
	switch v := l.Value.(type) {
	case string:
		return v
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// renderVariableReference resolves a `@name.field[idx]...` reference,
// applies any field accesses, runs any postfix pipe steps, and renders the
// final value's text. Per spec §4.3: a missing field or an out-of-bounds
// index resolves to empty text, never an error, so a single malformed
// accessor in a long template doesn't abort the whole render. Undefined
// variables referenced from shell-command context are likewise treated as
// "simple" and resolve to empty text rather than failing; in any other
// context an undefined variable is a ResolutionError.
func (ip *Interpolator) renderVariableReference(e *env.Environment, ref *ast.VariableReference, ctx Context) (string, value.SecurityDescriptor, error) {
	v, ok := e.GetVariable(ref.Identifier)
	if !ok {
		if ctx == ContextShellCommand {
			return "", value.Empty(), nil
		}
		return "", value.SecurityDescriptor{}, mlerr.Resolution(ref.Location(), "undefined variable %q", ref.Identifier)
	}

	sv := v.Value
	for _, fa := range ref.Fields {
		next, ok := applyFieldAccess(sv, fa)
		if !ok {
			return "", sv.Security(), nil
		}
		sv = next
	}

	for _, step := range ref.Pipes {
		if ip.Pipes == nil {
			return "", value.SecurityDescriptor{}, mlerr.Validation(ref.Location(), "pipe step %q used where no pipeline invoker is available", step.Name)
		}
		out, err := ip.Pipes.InvokePipe(e, sv, step)
		if err != nil {
			return "", value.SecurityDescriptor{}, err
		}
		sv = out
	}

	return sv.AsText(), sv.Security(), nil
}

// applyFieldAccess applies one field/index/slice accessor to sv, returning
// (value, false) if the field is missing or the index is out of bounds —
// callers render that as empty text rather than raising an error.
func applyFieldAccess(sv value.StructuredValue, fa ast.FieldAccess) (value.StructuredValue, bool) {
	switch fa.Kind {
	case ast.FieldIdentifier:
		obj, ok := sv.Data().(map[string]any)
		if !ok {
			return value.StructuredValue{}, false
		}
		child, ok := obj[fa.Name]
		if !ok {
			return value.StructuredValue{}, false
		}
		return value.Wrap(child, sv.Security()), true

	case ast.FieldIndex:
		arr, ok := sv.Data().([]any)
		if !ok {
			return value.StructuredValue{}, false
		}
		idx := fa.Index
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 || idx >= len(arr) {
			return value.StructuredValue{}, false
		}
		return value.Wrap(arr[idx], sv.Security()), true

	case ast.FieldSlice:
		arr, ok := sv.Data().([]any)
		if !ok {
			return value.StructuredValue{}, false
		}
		start, end := sliceBounds(fa, len(arr))
		if start > end {
			return value.StructuredValue{}, false
		}
		return value.Wrap(arr[start:end], sv.Security()), true

	default:
		return value.StructuredValue{}, false
	}
}

func sliceBounds(fa ast.FieldAccess, n int) (int, int) {
	start, end := fa.Start, fa.End
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if fa.EndOpen {
		end = n
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	return start, end
}

// ShellQuote applies POSIX single-quote escaping for values interpolated
// into ContextShellCommand, following the teacher's runtime/executor
// convention of always single-quoting substituted values rather than
// attempting allowlist-based escaping.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FormatNumber renders a float64 the way templates expect: integral values
// lose their trailing ".0", matching JSON's own number formatting so a
// round-tripped number looks the same whether it came from a literal or
// from parsed JSON.
func FormatNumber(f float64) string {
	abs := f
	if abs < 0 {
		abs = -abs
	}
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// encoding/json writes a two-digit negative exponent as e-7, not e-07.
		if n := len(s); n >= 4 && s[n-4] == 'e' && s[n-3] == '-' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
