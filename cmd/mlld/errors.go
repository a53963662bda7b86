package main

import (
	"fmt"
	"io"

	"github.com/mlld-lang/mlld/internal/mlerr"
)

// FormatError renders err for CLI output, following cli/errors.go's
// FormatError: a typed-error branch with structured fields, a generic
// fallback otherwise.
func FormatError(w io.Writer, err error, useColor bool) {
	if err == nil {
		return
	}
	var mlErr *mlerr.Error
	if asMlerr(err, &mlErr) {
		formatTaxonomyError(w, mlErr, useColor)
		return
	}
	fmt.Fprintf(w, "%s%s\n", colorize("Error: ", colorRed, useColor), err.Error())
}

func formatTaxonomyError(w io.Writer, e *mlerr.Error, useColor bool) {
	fmt.Fprintf(w, "%s%s: %s\n", colorize("Error: ", colorRed, useColor), e.Kind, e.Message)
	if e.Location.File != "" {
		fmt.Fprintf(w, "%s  at %s\n", colorize("", colorGray, useColor), e.Location)
	}
	if e.Remediation != "" {
		fmt.Fprintf(w, "%shint: %s\n", colorize("", colorYellow, useColor), e.Remediation)
	}
}
