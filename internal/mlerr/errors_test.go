package mlerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mlld-lang/mlld/internal/ast"
)

func TestError_MessageIncludesKindLocationAndHint(t *testing.T) {
	loc := ast.Location{File: "a.mld", Line: 3, Column: 5}
	e := ValidationWithHint(loc, "use sh instead", "cmd with shell operator %q", "|")

	msg := e.Error()
	if !strings.Contains(msg, string(KindValidation)) {
		t.Errorf("Error() = %q, want it to contain kind %q", msg, KindValidation)
	}
	if !strings.Contains(msg, "a.mld:3:5") {
		t.Errorf("Error() = %q, want it to contain location", msg)
	}
	if !strings.Contains(msg, "use sh instead") {
		t.Errorf("Error() = %q, want it to contain the remediation hint", msg)
	}
}

func TestError_ZeroLocationOmitsAt(t *testing.T) {
	e := Syntax(ast.Location{}, "unexpected token")
	if strings.Contains(e.Error(), " at ") {
		t.Errorf("Error() = %q, want no location clause for a zero Location", e.Error())
	}
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("exit status 1")
	e := Execution(ast.Location{}, cause, "command failed")
	if errors.Unwrap(e) != cause {
		t.Errorf("Unwrap() did not return the wrapped cause")
	}
	if !errors.Is(e, cause) {
		t.Errorf("errors.Is(e, cause) = false, want true")
	}
}

func TestError_EnrichSetsDirectiveOnce(t *testing.T) {
	e := Resolution(ast.Location{}, "undefined variable %q", "foo")
	e.Enrich("run", 2, 1)
	if e.Directive != "run" || e.StageIndex != 2 || e.Try != 1 {
		t.Errorf("Enrich() = %+v, want directive=run stage=2 try=1", e)
	}

	// Enrich must not overwrite an already-set directive (first attribution
	// wins as the error propagates up through nested evaluation).
	e.Enrich("exe", 5, 3)
	if e.Directive != "run" {
		t.Errorf("Directive = %q after second Enrich, want unchanged %q", e.Directive, "run")
	}
	if e.StageIndex != 5 || e.Try != 3 {
		t.Errorf("second Enrich should still update stage/try: got stage=%d try=%d", e.StageIndex, e.Try)
	}
}

func TestPolicy_MessageNamesLabelOperationAndRule(t *testing.T) {
	e := Policy(ast.Location{}, "secret", "op:output", "no-secret-to-output")
	msg := e.Error()
	for _, want := range []string{"secret", "op:output", "no-secret-to-output"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Policy error %q missing %q", msg, want)
		}
	}
	if e.Kind != KindPolicy {
		t.Errorf("Kind = %v, want %v", e.Kind, KindPolicy)
	}
}

func TestCircularImport_MessageListsChain(t *testing.T) {
	chain := []string{"a.mld", "b.mld", "a.mld"}
	e := CircularImport(ast.Location{}, chain)
	if e.Kind != KindCircularImport {
		t.Errorf("Kind = %v, want %v", e.Kind, KindCircularImport)
	}
	for _, f := range chain {
		if !strings.Contains(e.Error(), f) {
			t.Errorf("CircularImport error %q missing chain entry %q", e.Error(), f)
		}
	}
}

func TestMaxRetries_ReportsStageAndCap(t *testing.T) {
	e := MaxRetries(ast.Location{}, 2, 3)
	want := fmt.Sprintf("stage %d exceeded retry cap of %d attempts", 2, 3)
	if !strings.Contains(e.Error(), want) {
		t.Errorf("MaxRetries error = %q, want it to contain %q", e.Error(), want)
	}
}

// TestGuardRetrySignal_NeverLeaksAsOrdinaryError covers spec §7's
// requirement that the internal retry signal be recoverable via AsGuardRetry
// and distinguishable from a regular taxonomy error.
func TestGuardRetrySignal_NeverLeaksAsOrdinaryError(t *testing.T) {
	err := NewGuardRetry("try a shorter prompt")

	hint, ok := AsGuardRetry(err)
	if !ok {
		t.Fatalf("AsGuardRetry(NewGuardRetry(...)) ok = false, want true")
	}
	if hint != "try a shorter prompt" {
		t.Errorf("hint = %v, want %q", hint, "try a shorter prompt")
	}

	var mlErr *Error
	if errors.As(err, &mlErr) {
		t.Errorf("guard retry signal must not be an *mlerr.Error")
	}

	regular := Syntax(ast.Location{}, "oops")
	if _, ok := AsGuardRetry(regular); ok {
		t.Errorf("AsGuardRetry(regular taxonomy error) ok = true, want false")
	}
}
