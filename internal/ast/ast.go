// Package ast defines the tagged AST that the evaluator consumes.
//
// The concrete mlld grammar and parser are out of scope for this module
// (spec §1): a driver elsewhere is assumed to produce trees in this shape.
// The node kinds mirror spec §3.4 exactly; the shape follows the teacher's
// core/ast package (Position + source-accurate node set) generalized from a
// command-line CST to mlld's directive/interpolation CST.
package ast

import "fmt"

// Location is the source position attached to every node, surfaced in
// diagnostics per spec §3.4's invariant.
type Location struct {
	Line   int
	Column int
	Offset int
	File   string
}

func (l Location) String() string {
	if l.File == "" {
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// NodeID uniquely identifies a node within a parsed program, per the
// "every node carries nodeId" invariant in spec §3.4.
type NodeID uint64

// Node is the common interface satisfied by every AST node.
type Node interface {
	NodeID() NodeID
	Location() Location
	nodeTag() string
}

type Base struct {
	ID  NodeID
	Loc Location
}

func (b Base) NodeID() NodeID     { return b.ID }
func (b Base) Location() Location { return b.Loc }

// DirectiveKind enumerates the directive kinds dispatched by the evaluator
// (spec §4.3).
type DirectiveKind string

const (
	KindVar       DirectiveKind = "var"
	KindLet       DirectiveKind = "let"
	KindPath      DirectiveKind = "path"
	KindExe       DirectiveKind = "exe"
	KindShow      DirectiveKind = "show"
	KindLog       DirectiveKind = "log"
	KindRun       DirectiveKind = "run"
	KindOutput    DirectiveKind = "output"
	KindAppend    DirectiveKind = "append"
	KindFor       DirectiveKind = "for"
	KindWhen      DirectiveKind = "when"
	KindImport    DirectiveKind = "import"
	KindExport    DirectiveKind = "export"
	KindGuard     DirectiveKind = "guard"
	KindPolicy    DirectiveKind = "policy"
	KindEmbed     DirectiveKind = "embed"
	KindAdd       DirectiveKind = "add"
	KindStream    DirectiveKind = "stream"
	KindStreamRun DirectiveKind = "stream-run"
)

// Directive is the universal directive node: {kind, subtype, values, raw, meta, location}.
type Directive struct {
	Base
	Kind    DirectiveKind
	Subtype string // e.g. "cmd", "sh", "js" for exe; "module"/"static"/... for import
	Values  map[string][]Node
	Raw     string
	Meta    map[string]any
}

func (d *Directive) nodeTag() string { return "Directive" }

// Slot returns the interpolatable sequence bound to a values slot, or nil
// if the slot is absent. Handlers must treat an absent required slot as a
// ValidationError (spec §4.3 step 1).
func (d *Directive) Slot(name string) []Node {
	if d.Values == nil {
		return nil
	}
	return d.Values[name]
}

// Text is a literal run of plain text inside an interpolatable sequence.
type Text struct {
	Base
	Value string
}

func (t *Text) nodeTag() string { return "Text" }

// FieldAccessKind distinguishes the three field-access forms in spec §4.2.
type FieldAccessKind string

const (
	FieldIdentifier FieldAccessKind = "identifier"
	FieldIndex      FieldAccessKind = "index"
	FieldSlice      FieldAccessKind = "slice"
)

// FieldAccess is one `.field`, `[index]` or `[start:end]` step in a
// VariableReference's field chain.
type FieldAccess struct {
	Kind  FieldAccessKind
	Name  string // for FieldIdentifier
	Index int    // for FieldIndex (may be negative)
	Start int    // for FieldSlice
	End   int    // for FieldSlice; End == Start means "to end" when EndOpen is true
	EndOpen bool
}

// PipeStep is one stage of a postfix pipeline (`@var|@fn(...)`).
type PipeStep struct {
	Name string // executable name, without '@'
	Args []Node // argument interpolatable sequences, one per positional arg
}

// VariableReference is `@name` optionally followed by `.field`/`[index]`
// accessors and a postfix `|pipe` chain (spec §3.4, §4.2).
type VariableReference struct {
	Base
	Identifier string
	Fields     []FieldAccess
	Pipes      []PipeStep
	ValueType  string // advisory hint from the parser (e.g. "text", "data"); never authoritative
}

func (v *VariableReference) nodeTag() string { return "VariableReference" }

// ExecInvocation is `@name(args...)` used as an expression (e.g. inside a
// pipeline stage or as the value of a `run`).
type ExecInvocation struct {
	Base
	Identifier string
	Args       [][]Node // positional argument interpolatable sequences, one per arg
	Named      map[string][]Node
}

func (e *ExecInvocation) nodeTag() string { return "ExecInvocation" }

// Literal is a parsed scalar: string, number, boolean, or null, produced
// directly by the grammar (not interpolated).
type Literal struct {
	Base
	Kind  string // "string" | "number" | "boolean" | "null"
	Value any
}

func (l *Literal) nodeTag() string { return "Literal" }

// PathKind distinguishes the special path prefixes of spec §4.3 (`path`).
type PathKind string

const (
	PathPlain       PathKind = ""
	PathProjectRoot PathKind = "$." // "$." project root
	PathHome        PathKind = "$~" // "$~" resolved home
	PathProjectVar  PathKind = "$PROJECTPATH"
	PathHomeVar     PathKind = "$HOMEPATH"
)

// PathNode is a validated path literal or interpolated path segment list.
type PathNode struct {
	Base
	Prefix  PathKind
	Segments []Node // Text/VariableReference sequence forming the remainder
	IsGlob   bool   // true for alligator `<file*.md>` glob loads (spec §8 S5)
}

func (p *PathNode) nodeTag() string { return "PathNode" }

// DotSeparator marks a `.` section/field separator token preserved for
// formatting tools; it carries no runtime meaning by itself.
type DotSeparator struct{ Base }

func (d *DotSeparator) nodeTag() string { return "DotSeparator" }

// SectionMarker names a markdown section header target for `embed`/`add`
// (spec §4.3), optionally with a fuzzy-match threshold.
type SectionMarker struct {
	Base
	Heading   string
	Threshold int // 0-100 fuzzy match threshold; 100 means exact match only
}

func (s *SectionMarker) nodeTag() string { return "SectionMarker" }

// CodeFence is a fenced code body used by `exe ... js|node|python { ... }`
// and by command/shell bodies.
type CodeFence struct {
	Base
	Language string
	Body     string
}

func (c *CodeFence) nodeTag() string { return "CodeFence" }

// Comment is a parsed comment node, preserved for formatting/LSP use but
// inert at evaluation time.
type Comment struct {
	Base
	Text string
}

func (c *Comment) nodeTag() string { return "Comment" }

// ErrorNode marks a syntax error location recovered by the (external)
// parser; the evaluator must refuse to evaluate a program containing one.
type ErrorNode struct {
	Base
	Message string
}

func (e *ErrorNode) nodeTag() string { return "ErrorNode" }

// NewBase constructs the embedded Base shared by every node kind.
func NewBase(id NodeID, loc Location) Base { return Base{ID: id, Loc: loc} }
