package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/mlerr"
)

// runOptions carries the flags common to `mlld <file>` and `mlld run`.
type runOptions struct {
	Strict             bool
	OutputPath         string
	Format             string // "md" | "llm" | ""
	Watch              bool
	TimeoutSeconds     int
	Mode               string // "strict" | "permissive"
	AllowAbsolutePaths bool
	ShowProgress       bool
	Plan               bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run an mlld program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunCommand(args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "Treat the source as strict .mld syntax regardless of extension")
	cmd.Flags().StringVar(&opts.OutputPath, "output", "", "Write the program's output to this path instead of stdout")
	cmd.Flags().StringVar(&opts.Format, "format", "", "Output format: md or llm")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "Re-run whenever the program file changes")
	cmd.Flags().IntVar(&opts.TimeoutSeconds, "timeout", 0, "Overall run timeout in seconds (0 = none)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "Policy mode: strict or permissive")
	cmd.Flags().BoolVar(&opts.AllowAbsolutePaths, "allow-absolute-paths", false, "Allow embed/add to read absolute paths")
	cmd.Flags().BoolVar(&opts.ShowProgress, "progress", false, "Mirror streaming events to the terminal while running")
	cmd.Flags().BoolVar(&opts.Plan, "plan", false, "Print the resolved pipeline shape (stages, retry caps, for-parallel config, guards) without executing")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a program and report diagnostics without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := readSource(args[0])
			if err != nil {
				return err
			}
			if _, err := Parse(args[0], source); err != nil {
				return mlerr.Syntax(locationUnknown(), "%s", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newLiveCmd() *cobra.Command {
	var stdio bool
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Serve Live RPC (NDJSON) over stdio for embedding",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stdio {
				return fmt.Errorf("mlld live currently requires --stdio")
			}
			return runLive()
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve NDJSON RPC frames over stdin/stdout")
	return cmd
}

func newHowtoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "howto [topic] [grep <pattern>] [gotchas]",
		Short: "Browse mlld's built-in documentation",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(),
				"mlld howto: doc navigation ships with the full mlld distribution; "+
					"this runtime core does not bundle the doc corpus.")
			return nil
		},
	}
}

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage the Claude-Code plugin (not implemented in this runtime core)",
	}
	for _, sub := range []string{"install", "status", "uninstall"} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use: sub,
			RunE: func(cmd *cobra.Command, args []string) error {
				return fmt.Errorf("mlld plugin %s: the Claude-Code plugin is outside this runtime core's scope", sub)
			},
		})
	}
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp <file>",
		Short: "Serve a program's exported functions as an MCP tool server (not implemented in this runtime core)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("mlld mcp: the MCP tool server is outside this runtime core's scope")
		},
	}
}

// runRunCommand executes one program (and, with --watch, re-executes it on
// every change) following the teacher's runCommand: read, parse, evaluate,
// render, exit-code mapping. Error rendering itself happens once, at the
// top level in run(), so no color flag is threaded through here.
func runRunCommand(path string, opts runOptions) error {
	if !opts.Watch {
		return runOnce(path, opts)
	}
	return runWatching(path, opts)
}

func runOnce(path string, opts runOptions) error {
	source, err := readSource(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	directives, err := Parse(path, source)
	if err != nil {
		return mlerr.Syntax(locationUnknown(), "%s", err)
	}

	if opts.Plan {
		out := buildPlan(directives).render()
		if opts.OutputPath != "" {
			return os.WriteFile(opts.OutputPath, []byte(out), 0o644)
		}
		fmt.Print(out)
		return nil
	}

	rt, err := buildRuntime(path, opts)
	if err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}
	defer rt.Close()

	done := make(chan struct{})
	var result struct {
		text string
		err  error
	}
	go func() {
		defer close(done)
		v, err := rt.Evaluator.EvalBlock(rt.Root, directives)
		if err != nil {
			rt.Bus.Error("program", err)
			result.err = err
			return
		}
		rt.Bus.Stop("program", v)
	}()

	if opts.TimeoutSeconds > 0 {
		select {
		case <-done:
		case <-time.After(time.Duration(opts.TimeoutSeconds) * time.Second):
			return mlerr.Timeout(locationUnknown(), "program did not finish within %ds", opts.TimeoutSeconds)
		}
	} else {
		<-done
	}
	if result.err != nil {
		return result.err
	}

	out := formatOutput(rt.Format.Result().Final, opts.Format)
	if opts.OutputPath != "" {
		return os.WriteFile(opts.OutputPath, []byte(out), 0o644)
	}
	fmt.Print(out)
	return nil
}

func runWatching(path string, opts runOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	runAndReport := func() {
		if err := runOnce(path, opts); err != nil {
			fmt.Fprintf(os.Stderr, "mlld run: %v\n", err)
		}
	}
	runAndReport()

	abs, _ := filepath.Abs(path)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			evAbs, _ := filepath.Abs(ev.Name)
			if evAbs == abs && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				runAndReport()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "mlld run --watch: %v\n", err)
		}
	}
}

// formatOutput renders the program's final structured output per --format.
// "md" is the default passthrough (the rendered text view); "llm" prefixes
// a short machine-readable label line ahead of the same text, matching the
// shape a tool-use transcript wants to inject.
func formatOutput(finalText, format string) string {
	switch format {
	case "llm":
		return "[mlld output]\n" + finalText
	default:
		return finalText
	}
}

func locationUnknown() ast.Location { return ast.Location{} }
