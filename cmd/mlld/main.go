// Command mlld is the CLI entry point (spec §6.1): it is the composition
// root that wires internal/env, internal/interp, internal/execrt,
// internal/pipeline, internal/policy, internal/runtimeadapter,
// internal/streambus, internal/modcache, and internal/lockfile together
// into a running interpreter, following the teacher's cli/main.go shape —
// a single cobra root command carrying persistent flags plus RunE doing
// the lex/plan/execute pipeline — generalized from opal's lex-plan-execute
// stages to mlld's parse(external)-evaluate stages.
//
// The concrete grammar/parser is outside the runtime core's scope (spec
// §1: "the concrete grammar/parser... assumed to produce the AST"), so
// Parse is a package-level seam an embedding host is expected to supply;
// this build ships a stub that reports the gap clearly rather than
// pretending to parse.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/mlerr"
)

// Exit codes (spec §6.1).
const (
	ExitOK             = 0
	ExitRuntimeError   = 1
	ExitValidationErr  = 2
	ExitPolicyDenied   = 3
)

// Parse turns program source into the top-level directive list the
// evaluator walks. No grammar/parser ships in this runtime core; an
// embedding host wires a real one in by replacing this variable before
// Execute runs.
var Parse = func(filename string, source []byte) ([]*ast.Directive, error) {
	return nil, fmt.Errorf(
		"mlld: no parser is wired into this build; the grammar/parser for .mld/.md source " +
			"is outside the runtime core's scope and must be supplied by an embedding host")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var noColor bool

	root := &cobra.Command{
		Use:           "mlld <file>",
		Short:         "Run an mlld program",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			if len(cmdArgs) == 0 {
				return cmd.Help()
			}
			return runRunCommand(cmdArgs[0], runOptions{})
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newLiveCmd(),
		newHowtoCmd(),
		newPluginCmd(),
		newMCPCmd(),
	)
	root.SetArgs(args)

	exitCode := ExitOK
	if err := root.Execute(); err != nil {
		FormatError(os.Stderr, err, !noColor)
		exitCode = exitCodeFor(err)
	}
	return exitCode
}

// exitCodeFor maps a taxonomy error (spec §7) to the CLI's exit codes
// (spec §6.1): 1 runtime error, 2 syntax/validation error, 3 policy
// denial. Anything else (cobra usage errors, I/O errors) is a runtime
// error.
func exitCodeFor(err error) int {
	var e *mlerr.Error
	if !asMlerr(err, &e) {
		return ExitRuntimeError
	}
	switch e.Kind {
	case mlerr.KindSyntax, mlerr.KindValidation:
		return ExitValidationErr
	case mlerr.KindPolicy:
		return ExitPolicyDenied
	default:
		return ExitRuntimeError
	}
}

func asMlerr(err error, target **mlerr.Error) bool {
	for err != nil {
		if e, ok := err.(*mlerr.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
