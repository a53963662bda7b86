// Package mlerr implements the error taxonomy of spec §7. Each error type
// is a small struct carrying a source Location, following the teacher's
// preference (core/invariant, core/decorators) for structured, typed errors
// over raw fmt.Errorf strings at the boundaries users see.
package mlerr

import (
	"fmt"

	"github.com/mlld-lang/mlld/internal/ast"
)

// Kind enumerates the taxonomy's error classes.
type Kind string

const (
	KindSyntax         Kind = "SyntaxError"
	KindValidation     Kind = "ValidationError"
	KindResolution     Kind = "ResolutionError"
	KindExecution      Kind = "ExecutionError"
	KindPolicy         Kind = "PolicyError"
	KindTimeout        Kind = "TimeoutError"
	KindCircularImport Kind = "CircularImportError"
	KindMaxRetries     Kind = "MaxRetriesExceeded"
)

// Error is the common shape for every taxonomy member: a kind, a message, a
// location, optional enrichment (directive kind, stage index, try count)
// added as the error propagates up through the evaluator (spec §7
// "Propagation policy"), and an optional remediation hint.
type Error struct {
	Kind        Kind
	Message     string
	Location    ast.Location
	Directive   string
	StageIndex  int
	Try         int
	Remediation string
	cause       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Location != (ast.Location{}) {
		msg = fmt.Sprintf("%s at %s", msg, e.Location)
	}
	if e.Directive != "" {
		msg = fmt.Sprintf("%s (directive %s)", msg, e.Directive)
	}
	if e.Remediation != "" {
		msg = fmt.Sprintf("%s\nhint: %s", msg, e.Remediation)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Enrich attaches directive/stage/try context without discarding the
// original message or location. Returns e for chaining.
func (e *Error) Enrich(directive string, stageIndex, try int) *Error {
	if e.Directive == "" {
		e.Directive = directive
	}
	e.StageIndex = stageIndex
	e.Try = try
	return e
}

func newErr(kind Kind, loc ast.Location, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Location: loc, cause: cause}
}

// Syntax reports a fatal parser-level error.
func Syntax(loc ast.Location, format string, args ...any) *Error {
	return newErr(KindSyntax, loc, nil, format, args...)
}

// Validation reports a fatal structural error (missing slot, wildcard
// export at publish, shell pipe inside cmd, var inside block, ...).
func Validation(loc ast.Location, format string, args ...any) *Error {
	return newErr(KindValidation, loc, nil, format, args...)
}

// ValidationWithHint reports a validation error with a remediation hint
// (spec §7: "cmd with a shell operator → suggest sh").
func ValidationWithHint(loc ast.Location, hint string, format string, args ...any) *Error {
	e := newErr(KindValidation, loc, nil, format, args...)
	e.Remediation = hint
	return e
}

// Resolution reports an undefined variable or out-of-bounds field access.
// Whether it is fatal depends on strict vs. permissive mode; callers decide.
func Resolution(loc ast.Location, format string, args ...any) *Error {
	return newErr(KindResolution, loc, nil, format, args...)
}

// Execution reports a non-zero exit or other external-execution failure.
func Execution(loc ast.Location, cause error, format string, args ...any) *Error {
	return newErr(KindExecution, loc, cause, format, args...)
}

// Policy reports a deny verdict; message must include both the offending
// label and the operation name (spec §8 property "S3").
func Policy(loc ast.Location, classifier, operation, rule string) *Error {
	return newErr(KindPolicy, loc, nil,
		"policy denies %q flowing to operation %q (rule %q)", classifier, operation, rule)
}

// Timeout reports an external process exceeding its deadline.
func Timeout(loc ast.Location, format string, args ...any) *Error {
	return newErr(KindTimeout, loc, nil, format, args...)
}

// CircularImport reports an import cycle.
func CircularImport(loc ast.Location, chain []string) *Error {
	return newErr(KindCircularImport, loc, nil, "circular import: %v", chain)
}

// MaxRetries reports a pipeline stage exhausting its retry budget.
func MaxRetries(loc ast.Location, stage, cap int) *Error {
	return newErr(KindMaxRetries, loc, nil, "stage %d exceeded retry cap of %d attempts", stage, cap)
}

// guardRetrySignal is the internal control signal of spec §7
// ("GuardRetrySignal — internal control signal; never surfaces to the
// user"). It is unexported and implements error only so it can travel
// through ordinary Go error-return plumbing; callers must type-assert for
// it and must never let it reach a user-visible diagnostic.
type guardRetrySignal struct {
	Hint any
}

func (g *guardRetrySignal) Error() string { return "internal: guard requested retry" }

// NewGuardRetry constructs the internal retry signal carrying hint.
func NewGuardRetry(hint any) error { return &guardRetrySignal{Hint: hint} }

// AsGuardRetry reports whether err is the internal retry signal, returning
// its hint.
func AsGuardRetry(err error) (hint any, ok bool) {
	g, ok := err.(*guardRetrySignal)
	if !ok {
		return nil, false
	}
	return g.Hint, true
}
