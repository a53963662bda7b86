// Package runtimeadapter implements the external runtime contract (spec
// §4.8): invoking shell, JS/Node, and Python processes with bounded
// timeouts, clean process-group teardown on cancellation, and avoidance of
// ARG_MAX/E2BIG failures for large payloads.
//
// Process lifecycle — exec.CommandContext, a Unix process-group via
// SysProcAttr.Setpgid so the whole tree is killed (not just the direct
// child), and a select between ctx.Done() and the command's own
// completion — is grounded directly on the teacher's
// core/decorator/local_session.go LocalSession.Run.
package runtimeadapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Language selects the interpreter used to run a code block (spec §4.5/§4.8).
type Language string

const (
	LangShell  Language = "sh"
	LangNode   Language = "js"
	LangPython Language = "python"
)

// interpreterArgv maps each supported language to its CLI invocation.
// Shell runs a program below ArgMaxThreshold with -c as an argv element,
// never over stdin, since `sh -c "$(cat)"` would itself trip E2BIG; the
// other languages get "-" (read the program from stdin). A program at or
// above ArgMaxThreshold, or a non-shell program whose stdin already carries
// StdinInput, is written to a temp file and run by path instead.
var interpreterArgv = map[Language][]string{
	LangShell:  {"sh", "-c"},
	LangNode:   {"node"},
	LangPython: {"python3"},
}

// ArgMaxThreshold is the payload size at or above which a program body is
// spilled to a temp file run by path, and at or above which callers put a
// parameter in Request.LargeParams (an MLLD_IN_<param> env var naming a
// temp file) instead of Params, to stay clear of the OS's ARG_MAX limit
// well before actually hitting it (spec §4.8 "E2BIG avoidance").
const ArgMaxThreshold = 64 * 1024

// Request describes one external invocation.
type Request struct {
	Code        string
	Language    Language
	Params      map[string]string // small params: passed as MLLD_PARAM_<name> env vars
	LargeParams map[string]string // params >= ArgMaxThreshold: passed as MLLD_IN_<name> env vars holding a temp-file path
	StdinInput  string
	Env         map[string]string
	WorkDir     string
	Timeout     time.Duration
}

// Result is the outcome of an external invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Adapter runs external processes for a single local machine. Remote
// transports (SSH, containers) are not implemented: spec §4.8's contract is
// local-process execution only, with no remote-host transport concept.
type Adapter struct {
	// BaseEnv seeds every invocation's environment; nil means inherit
	// os.Environ(), matching the teacher's NewLocalSession default.
	BaseEnv map[string]string
}

// New constructs an Adapter that inherits the current process environment.
func New() *Adapter {
	return &Adapter{}
}

// Invoke runs req, blocking until completion, timeout, or ctx cancellation.
func (a *Adapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	argv, ok := interpreterArgv[req.Language]
	if !ok {
		return Result{}, fmt.Errorf("runtimeadapter: unsupported language %q", req.Language)
	}

	program := req.Code
	var tempFiles []string
	defer func() { cleanupTempFiles(tempFiles) }()

	var stdin io.Reader
	if req.StdinInput != "" {
		stdin = strings.NewReader(req.StdinInput)
	}

	if len(program) >= ArgMaxThreshold || (req.Language != LangShell && stdin != nil) {
		path, err := spillToTemp(program)
		if err != nil {
			return Result{}, err
		}
		tempFiles = append(tempFiles, path)
		argv = []string{argv[0], path}
	} else if req.Language == LangShell {
		argv = append(append([]string{}, argv...), program)
	} else {
		// Small program bodies are piped on stdin to avoid an argv element
		// at all (matches the teacher's preference for io.Reader stdin over
		// a materialized byte slice).
		argv = append(append([]string{}, argv...), "-")
		stdin = strings.NewReader(program)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = a.buildEnv(req, &tempFiles)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("runtimeadapter: failed to start %s: %w", req.Language, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: -1, TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)}, nil

	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		return Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: exitCode}, nil
	}
}

// InvokeStreaming is Invoke's line-oriented counterpart: instead of
// buffering stdout/stderr until the process exits, each complete line is
// handed to onStdout/onStderr as it is produced. Grounded on the teacher's
// LocalSession.Run accepting an arbitrary io.Writer for opts.Stdout/Stderr
// rather than always materializing a bytes.Buffer — here that writer is a
// lineWriter that forwards each newline-terminated chunk to a callback.
func (a *Adapter) InvokeStreaming(ctx context.Context, req Request, onStdout, onStderr func(line string)) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	argv, ok := interpreterArgv[req.Language]
	if !ok {
		return Result{}, fmt.Errorf("runtimeadapter: unsupported language %q", req.Language)
	}

	program := req.Code
	var tempFiles []string
	defer func() { cleanupTempFiles(tempFiles) }()

	var stdin io.Reader
	if req.StdinInput != "" {
		stdin = strings.NewReader(req.StdinInput)
	}

	if len(program) >= ArgMaxThreshold || (req.Language != LangShell && stdin != nil) {
		path, err := spillToTemp(program)
		if err != nil {
			return Result{}, err
		}
		tempFiles = append(tempFiles, path)
		argv = []string{argv[0], path}
	} else if req.Language == LangShell {
		argv = append(append([]string{}, argv...), program)
	} else {
		argv = append(append([]string{}, argv...), "-")
		stdin = strings.NewReader(program)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = a.buildEnv(req, &tempFiles)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdoutCap := &lineWriter{onLine: onStdout}
	stderrCap := &lineWriter{onLine: onStderr}
	cmd.Stdout = stdoutCap
	cmd.Stderr = stderrCap

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("runtimeadapter: failed to start %s: %w", req.Language, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var res Result
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		res = Result{ExitCode: -1, TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)}
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		res = Result{ExitCode: exitCode}
	}
	stdoutCap.flush()
	stderrCap.flush()
	res.Stdout = stdoutCap.all.String()
	res.Stderr = stderrCap.all.String()
	return res, nil
}

// lineWriter splits an io.Writer's stream into complete lines, invoking
// onLine per line while still accumulating the full text for the final
// Result (callers that want the whole output alongside incremental chunks).
type lineWriter struct {
	onLine func(line string)
	buf    bytes.Buffer
	all    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.all.Write(p)
	w.buf.Write(p)
	for {
		b := w.buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		line := string(b[:idx])
		w.buf.Next(idx + 1)
		if w.onLine != nil {
			w.onLine(line)
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 && w.onLine != nil {
		w.onLine(w.buf.String())
		w.buf.Reset()
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" || cmd.Process == nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	time.AfterFunc(2*time.Second, func() {
		if cmd.ProcessState == nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	})
}

func (a *Adapter) buildEnv(req Request, tempFiles *[]string) []string {
	base := a.BaseEnv
	if base == nil {
		base = envToMap(os.Environ())
	}
	env := make(map[string]string, len(base)+len(req.Env)+len(req.Params)+len(req.LargeParams))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	for name, v := range req.Params {
		env["MLLD_PARAM_"+name] = v
	}
	for name, v := range req.LargeParams {
		path, err := spillToTemp(v)
		if err != nil {
			continue
		}
		*tempFiles = append(*tempFiles, path)
		env["MLLD_IN_"+name] = path
	}
	return mapToEnv(env)
}

func spillToTemp(content string) (string, error) {
	f, err := os.CreateTemp("", "mlld-"+uuid.NewString()+"-*")
	if err != nil {
		return "", fmt.Errorf("runtimeadapter: spilling large payload to temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("runtimeadapter: writing temp payload: %w", err)
	}
	return f.Name(), nil
}

func cleanupTempFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func envToMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}

func mapToEnv(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
