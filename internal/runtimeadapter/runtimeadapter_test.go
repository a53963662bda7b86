package runtimeadapter

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestInvoke_ShellEchoesStdout(t *testing.T) {
	a := New()
	res, err := a.Invoke(context.Background(), Request{Language: LangShell, Code: "echo hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestInvoke_NonZeroExitIsReportedWithoutError(t *testing.T) {
	a := New()
	res, err := a.Invoke(context.Background(), Request{Language: LangShell, Code: "exit 7"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestInvoke_StderrCaptured(t *testing.T) {
	a := New()
	res, err := a.Invoke(context.Background(), Request{Language: LangShell, Code: "echo oops 1>&2"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "oops")
	}
}

func TestInvoke_TimeoutSetsTimedOutAndNegativeExitCode(t *testing.T) {
	a := New()
	res, err := a.Invoke(context.Background(), Request{
		Language: LangShell,
		Code:     "sleep 5",
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.TimedOut {
		t.Errorf("TimedOut = false, want true")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 on timeout", res.ExitCode)
	}
}

func TestInvoke_ContextCancellationStopsTheProcess(t *testing.T) {
	a := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := a.Invoke(ctx, Request{Language: LangShell, Code: "sleep 5"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.TimedOut {
		t.Errorf("TimedOut = true, want false for an external cancellation, not a deadline")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 on cancellation", res.ExitCode)
	}
}

func TestInvoke_UnsupportedLanguageIsError(t *testing.T) {
	a := New()
	_, err := a.Invoke(context.Background(), Request{Language: Language("ruby"), Code: "puts 1"})
	if err == nil {
		t.Fatalf("Invoke(unsupported language) err = nil, want an error")
	}
}

func TestInvoke_ParamsBecomeEnvVars(t *testing.T) {
	a := New()
	res, err := a.Invoke(context.Background(), Request{
		Language: LangShell,
		Code:     `echo "$MLLD_PARAM_name"`,
		Params:   map[string]string{"name": "ada"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "ada" {
		t.Errorf("Stdout = %q, want the param surfaced as MLLD_PARAM_name", res.Stdout)
	}
}

func TestInvoke_LargeParamSpillsToTempFileEnvVar(t *testing.T) {
	a := New()
	res, err := a.Invoke(context.Background(), Request{
		Language:    LangShell,
		Code:        `test -f "$MLLD_IN_blob" && cat "$MLLD_IN_blob"`,
		LargeParams: map[string]string{"blob": "payload-contents"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "payload-contents" {
		t.Errorf("Stdout = %q, want the temp file contents for a large param", res.Stdout)
	}
}

func TestInvoke_LargeShellBodySpillsToTempFileRatherThanArgv(t *testing.T) {
	a := New()
	big := strings.Repeat("a", ArgMaxThreshold+1024)
	res, err := a.Invoke(context.Background(), Request{
		Language: LangShell,
		Code:     "echo -n " + big + " | wc -c",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		t.Errorf("Stdout empty for a large shell body")
	}
}

func TestInvoke_WorkDirIsHonored(t *testing.T) {
	a := New()
	res, err := a.Invoke(context.Background(), Request{Language: LangShell, Code: "pwd", WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := strings.TrimSpace(res.Stdout)
	if got != "/tmp" && got != "/private/tmp" {
		t.Errorf("pwd = %q, want /tmp (or its macOS alias)", got)
	}
}

func TestInvokeStreaming_InvokesCallbackPerLine(t *testing.T) {
	a := New()
	var lines []string
	res, err := a.InvokeStreaming(context.Background(), Request{
		Language: LangShell,
		Code:     "echo one; echo two; echo three",
	}, func(line string) { lines = append(lines, line) }, func(string) {})
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	if len(lines) != 3 || lines[0] != "one" || lines[2] != "three" {
		t.Fatalf("streamed lines = %v, want [one two three]", lines)
	}
	if strings.TrimSpace(res.Stdout) != "one\ntwo\nthree" {
		t.Errorf("final Result.Stdout = %q, want the full accumulated text", res.Stdout)
	}
}

func TestInvokeStreaming_FlushesTrailingPartialLine(t *testing.T) {
	a := New()
	var lines []string
	_, err := a.InvokeStreaming(context.Background(), Request{
		Language: LangShell,
		Code:     "printf 'no newline at end'",
	}, func(line string) { lines = append(lines, line) }, func(string) {})
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	if len(lines) != 1 || lines[0] != "no newline at end" {
		t.Fatalf("streamed lines = %v, want the trailing partial line flushed once", lines)
	}
}
