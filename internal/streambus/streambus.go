// Package streambus implements the streaming bus and sinks (spec §4.9): a
// single event bus publishing {type, payload, meta} events for start,
// chunk, stage, retry, effect, stop, and error, fanned out to Terminal,
// Progress-only, and Format-adapter sinks with cooperative backpressure.
//
// Secret scrubbing on the bus is grounded in the teacher's
// runtime/streamscrub/scrubber.go: a keyed, longest-match-first byte
// replacer so the same secret value never appears verbatim on any sink. The
// per-run scrub key is derived with golang.org/x/crypto/hkdf + sha3, the
// same construction the teacher's core/planfmt/idfactory.go uses to derive
// per-run keys, and placeholders are generated with a keyed BLAKE2b hash
// (golang.org/x/crypto/blake2b) so a placeholder never repeats across two
// `mlld run` invocations.
package streambus

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/mlld-lang/mlld/internal/ast"
	"github.com/mlld-lang/mlld/internal/env"
	"github.com/mlld-lang/mlld/internal/interp"
	"github.com/mlld-lang/mlld/internal/mlerr"
	"github.com/mlld-lang/mlld/internal/runtimeadapter"
	"github.com/mlld-lang/mlld/internal/value"
)

// EventType enumerates the bus's event kinds (spec §4.9).
type EventType string

const (
	EventStart  EventType = "start"
	EventChunk  EventType = "chunk"
	EventStage  EventType = "stage"
	EventRetry  EventType = "retry"
	EventEffect EventType = "effect"
	EventStop   EventType = "stop"
	EventError  EventType = "error"
)

// critical events are never dropped under backpressure (spec §4.9:
// "sinks may drop non-critical events but never error/stop").
func (t EventType) critical() bool { return t == EventError || t == EventStop }

// Event is one published bus message.
type Event struct {
	Type       EventType
	StreamName string
	Text       string // scrubbed text payload, when the event carries one
	Meta       map[string]any
}

// Sink consumes bus events. Terminal, Progress, and FormatAdapter below are
// the three sinks spec §4.9 names.
type Sink interface {
	Name() string
	Handle(Event)
	Close() error
}

// sinkWorker decouples a slow sink from the publisher via a small buffered
// channel: non-critical events are dropped if the sink can't keep up,
// critical ones are delivered even if that means blocking the publisher
// briefly (spec §4.9's cooperative-backpressure rule).
type sinkWorker struct {
	sink Sink
	ch   chan Event
	done chan struct{}
}

func newSinkWorker(s Sink) *sinkWorker {
	w := &sinkWorker{sink: s, ch: make(chan Event, 64), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *sinkWorker) run() {
	for ev := range w.ch {
		w.sink.Handle(ev)
	}
	close(w.done)
}

func (w *sinkWorker) publish(ev Event) {
	if ev.Type.critical() {
		w.ch <- ev
		return
	}
	select {
	case w.ch <- ev:
	default:
		// Cooperative backpressure: drop the non-critical event rather than
		// stall the producer or the other sinks.
	}
}

func (w *sinkWorker) close() {
	close(w.ch)
	<-w.done
	_ = w.sink.Close()
}

// Bus fans published events out to every registered sink and scrubs
// secret-labelled text before it ever reaches one.
type Bus struct {
	mu      sync.Mutex
	workers []*sinkWorker
	scrub   *scrubber
}

// NewBus constructs a Bus with an initial sink set.
func NewBus(sinks ...Sink) (*Bus, error) {
	scrub, err := newScrubber()
	if err != nil {
		return nil, fmt.Errorf("streambus: deriving scrub key: %w", err)
	}
	b := &Bus{scrub: scrub}
	for _, s := range sinks {
		b.workers = append(b.workers, newSinkWorker(s))
	}
	return b, nil
}

// AddSink registers another sink after construction.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers = append(b.workers, newSinkWorker(s))
}

// Close drains and closes every sink, in registration order.
func (b *Bus) Close() {
	b.mu.Lock()
	workers := append([]*sinkWorker(nil), b.workers...)
	b.mu.Unlock()
	for _, w := range workers {
		w.close()
	}
}

func (b *Bus) publish(ev Event) {
	ev.Text = b.scrub.scrub(ev.Text)
	b.mu.Lock()
	workers := append([]*sinkWorker(nil), b.workers...)
	b.mu.Unlock()
	for _, w := range workers {
		w.publish(ev)
	}
}

// registerIfSecret adds v's rendered text to the scrub set so it is masked
// on every future event, not only the one carrying it.
func (b *Bus) registerIfSecret(v value.StructuredValue) {
	if v.Security().HasLabel(value.LabelSecret) {
		b.scrub.register(v.AsText())
	}
}

// Start publishes the `start` event a `stream` directive opens with.
func (b *Bus) Start(name string) {
	b.publish(Event{Type: EventStart, StreamName: name})
}

// ChunkText publishes one `chunk` event carrying a line of incremental
// output.
func (b *Bus) ChunkText(name, text string) {
	b.publish(Event{Type: EventChunk, StreamName: name, Text: text})
}

// Stage publishes a pipeline-stage-boundary event.
func (b *Bus) Stage(name string, index int, v value.StructuredValue) {
	b.registerIfSecret(v)
	b.publish(Event{Type: EventStage, StreamName: name, Text: v.AsText(), Meta: map[string]any{"index": index}})
}

// Retry publishes a stage-retry event, carrying the guard's hint.
func (b *Bus) Retry(name string, index, try int, hint any) {
	b.publish(Event{Type: EventRetry, StreamName: name, Meta: map[string]any{"index": index, "try": try, "hint": hint}})
}

// Effect publishes a show/log/output effect alongside its channel.
func (b *Bus) Effect(name string, kind env.EffectKind, content string) {
	b.publish(Event{Type: EventEffect, StreamName: name, Text: content, Meta: map[string]any{"kind": string(kind)}})
}

// Stop publishes the terminal event once a stream's final value is known.
func (b *Bus) Stop(name string, final value.StructuredValue) {
	b.registerIfSecret(final)
	b.publish(Event{Type: EventStop, StreamName: name, Text: final.AsText()})
}

// Error publishes a stream-ending error.
func (b *Bus) Error(name string, err error) {
	b.publish(Event{Type: EventError, StreamName: name, Text: err.Error()})
}

// --- scrubbing -------------------------------------------------------------

type secretEntry struct {
	pattern     []byte
	placeholder []byte
}

// scrubber is a simplified, non-streaming relative of the teacher's
// streamscrub.Scrubber: our events are already discrete, complete strings
// (not an open byte stream), so there is no chunk-boundary carry buffer to
// maintain — only the longest-match-first replacement and the keyed
// placeholder derivation survive the port.
type scrubber struct {
	mu      sync.Mutex
	key     []byte
	secrets []secretEntry
	seen    map[string]string
}

func newScrubber() (*scrubber, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha3.New256, seed, nil, []byte("mlld-streambus-scrub-key"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return &scrubber{key: key, seen: map[string]string{}}, nil
}

// register returns a deterministic placeholder for secret, generating one
// via a keyed BLAKE2b hash on first sight.
func (s *scrubber) register(secret string) string {
	if secret == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.seen[secret]; ok {
		return p
	}
	h, _ := blake2b.New256(s.key)
	_, _ = h.Write([]byte(secret))
	sum := h.Sum(nil)
	placeholder := "‹secret:" + hex.EncodeToString(sum[:6]) + "›"
	s.seen[secret] = placeholder
	s.secrets = append(s.secrets, secretEntry{pattern: []byte(secret), placeholder: []byte(placeholder)})
	return placeholder
}

// scrub replaces every registered secret in text, longest pattern first so
// a shorter secret that happens to be a substring of a longer one never
// partially unmasks it.
func (s *scrubber) scrub(text string) string {
	if text == "" {
		return text
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.secrets) == 0 {
		return text
	}
	entries := make([]secretEntry, len(s.secrets))
	copy(entries, s.secrets)
	sort.Slice(entries, func(i, j int) bool { return len(entries[i].pattern) > len(entries[j].pattern) })
	b := []byte(text)
	for _, e := range entries {
		b = bytes.ReplaceAll(b, e.pattern, e.placeholder)
	}
	return string(b)
}

// --- sinks -------------------------------------------------------------

// TerminalSink writes directly to stdout/stderr, using ANSI dimming for
// status lines only when the target is an actual TTY (spec §4.9's "TTY
// awareness"). TTY detection is grounded on the pack's terminal-UI stack
// (vanducng-goclaw's charmbracelet toolchain, which resolves to
// mattn/go-isatty for this exact check) rather than a hand-rolled ioctl.
type TerminalSink struct {
	Stdout io.Writer
	Stderr io.Writer
	tty    bool
}

// NewTerminalSink constructs a TerminalSink writing to the process's real
// stdout/stderr.
func NewTerminalSink() *TerminalSink {
	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return &TerminalSink{Stdout: os.Stdout, Stderr: os.Stderr, tty: tty}
}

func (t *TerminalSink) Name() string { return "terminal" }

func (t *TerminalSink) Handle(ev Event) {
	switch ev.Type {
	case EventChunk:
		fmt.Fprintln(t.Stdout, ev.Text)
	case EventEffect:
		kind, _ := ev.Meta["kind"].(string)
		if kind == string(env.EffectStderr) {
			fmt.Fprintln(t.Stderr, ev.Text)
		} else {
			fmt.Fprintln(t.Stdout, ev.Text)
		}
	case EventStart:
		t.dim(fmt.Sprintf("▸ %s", ev.StreamName))
	case EventStage:
		t.dim(fmt.Sprintf("  stage %v", ev.Meta["index"]))
	case EventRetry:
		t.dim(fmt.Sprintf("  retry %v (try %v)", ev.Meta["hint"], ev.Meta["try"]))
	case EventError:
		fmt.Fprintf(t.Stderr, "error: %s\n", ev.Text)
	case EventStop:
		// Final value is the directive's return, not this sink's concern to
		// print again; the caller already has it.
	}
}

func (t *TerminalSink) dim(line string) {
	if t.tty {
		fmt.Fprintf(t.Stderr, "\x1b[2m%s\x1b[0m\n", line)
		return
	}
	fmt.Fprintln(t.Stderr, line)
}

func (t *TerminalSink) Close() error { return nil }

// ProgressSink renders a single overwritten status line on stderr,
// collapsing start/stage/retry events instead of printing each on its own
// line (spec §4.9's "progress-only sink").
type ProgressSink struct {
	out     io.Writer
	tty     bool
	lastLen int
}

// NewProgressSink constructs a ProgressSink writing to the process's
// stderr.
func NewProgressSink() *ProgressSink {
	return &ProgressSink{out: os.Stderr, tty: isatty.IsTerminal(os.Stderr.Fd())}
}

func (p *ProgressSink) Name() string { return "progress" }

func (p *ProgressSink) Handle(ev Event) {
	switch ev.Type {
	case EventStart, EventStage, EventRetry:
		p.line(fmt.Sprintf("%s … %s", ev.StreamName, ev.Type))
	case EventStop:
		p.clear()
	case EventError:
		p.clear()
		fmt.Fprintf(p.out, "%s: error: %s\n", ev.StreamName, ev.Text)
	}
}

func (p *ProgressSink) line(text string) {
	if !p.tty {
		fmt.Fprintln(p.out, text)
		return
	}
	pad := p.lastLen - len(text)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(p.out, "\r%s%s", text, strings.Repeat(" ", pad))
	p.lastLen = len(text)
}

func (p *ProgressSink) clear() {
	if !p.tty || p.lastLen == 0 {
		return
	}
	fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", p.lastLen))
	p.lastLen = 0
}

func (p *ProgressSink) Close() error { return nil }

// StreamingResult is the buffered, programmatic view a FormatAdapterSink
// accumulates (spec §4.9's "structured StreamingResult (chunks, final
// output, events)").
type StreamingResult struct {
	Chunks []string
	Final  string
	Events []Event
}

// FormatAdapterSink buffers every event into a StreamingResult for
// consumers that want the whole record rather than a live rendering (e.g.
// `mlld live --stdio`'s NDJSON bridge).
type FormatAdapterSink struct {
	mu     sync.Mutex
	result StreamingResult
}

// NewFormatAdapterSink constructs an empty FormatAdapterSink.
func NewFormatAdapterSink() *FormatAdapterSink { return &FormatAdapterSink{} }

func (f *FormatAdapterSink) Name() string { return "format-adapter" }

func (f *FormatAdapterSink) Handle(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result.Events = append(f.result.Events, ev)
	switch ev.Type {
	case EventChunk:
		f.result.Chunks = append(f.result.Chunks, ev.Text)
	case EventStop:
		f.result.Final = ev.Text
	}
}

func (f *FormatAdapterSink) Close() error { return nil }

// Result returns a snapshot of the buffered record.
func (f *FormatAdapterSink) Result() StreamingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.result
	out.Chunks = append([]string(nil), f.result.Chunks...)
	out.Events = append([]Event(nil), f.result.Events...)
	return out
}

// --- stream / stream-run directive wiring -----------------------------

// CommandRunner executes a bare command body, as internal/execrt.Executor
// does for the `run` directive. Used as the fallback path for a
// directive-bodied stream-run, which has no external process to tee.
// Declared locally so streambus need not import execrt's whole dependency
// surface for this one call.
type CommandRunner interface {
	RunCommand(e *env.Environment, d *ast.Directive) (value.StructuredValue, error)
}

// Runtime invokes an external interpreter with line-by-line stdout/stderr
// callbacks. internal/runtimeadapter.Adapter.InvokeStreaming satisfies
// this exactly.
type Runtime interface {
	InvokeStreaming(ctx context.Context, req runtimeadapter.Request, onStdout, onStderr func(line string)) (runtimeadapter.Result, error)
}

// DefaultTimeout bounds a stream-run invocation when the directive
// specifies none, matching internal/execrt's default (spec §4.8).
const DefaultTimeout = 30 * time.Second

// Manager implements internal/eval's Streamer interface, backing the
// `stream` and `stream-run` directives.
type Manager struct {
	Bus     *Bus
	Interp  *interp.Interpolator
	Runtime Runtime     // incremental sh/code invocation
	Exec    CommandRunner // fallback for directive-bodied stream-run
}

// NewManager constructs a Manager.
func NewManager(bus *Bus, interpolator *interp.Interpolator, rt Runtime, exec CommandRunner) *Manager {
	return &Manager{Bus: bus, Interp: interpolator, Runtime: rt, Exec: exec}
}

// StartStream opens a named stream and publishes its `start` event (spec
// §4.9).
func (m *Manager) StartStream(e *env.Environment, name string) error {
	if name == "" {
		return mlerr.Validation(ast.Location{}, "'stream' requires a name")
	}
	m.Bus.Start(name)
	return nil
}

// RunStreaming runs a `stream-run` directive's command body. For a
// sh/cmd/code body it tees the external process's stdout/stderr onto the
// bus line-by-line as the process runs (internal/runtimeadapter.Adapter's
// InvokeStreaming); for a directive body (no external process to tee) it
// falls back to the synchronous CommandRunner and reports the whole result
// as trailing chunks. Either way it finishes with `stop` (or `error`).
func (m *Manager) RunStreaming(e *env.Environment, d *ast.Directive) (value.StructuredValue, error) {
	name, _ := d.Meta["name"].(string)
	if name == "" {
		name = "stream"
	}

	switch d.Subtype {
	case "sh", "cmd", "code":
		out, err := m.runExternalStreaming(e, d, name)
		if err != nil {
			m.Bus.Error(name, err)
			return value.StructuredValue{}, err
		}
		m.Bus.Stop(name, out)
		return out, nil
	default:
		if m.Exec == nil {
			return value.StructuredValue{}, mlerr.Validation(d.Location(), "'stream-run' used where no command runner is configured")
		}
		out, err := m.Exec.RunCommand(e, d)
		if err != nil {
			m.Bus.Error(name, err)
			return value.StructuredValue{}, err
		}
		for _, line := range strings.Split(strings.TrimRight(out.AsText(), "\n"), "\n") {
			if line != "" {
				m.Bus.ChunkText(name, line)
			}
		}
		m.Bus.Stop(name, out)
		return out, nil
	}
}

func (m *Manager) runExternalStreaming(e *env.Environment, d *ast.Directive, name string) (value.StructuredValue, error) {
	if m.Runtime == nil || m.Interp == nil {
		return value.StructuredValue{}, mlerr.Validation(d.Location(), "'stream-run' used where no streaming runtime is configured")
	}
	res, err := m.Interp.Render(e, d.Slot("value"), interp.ContextShellCommand)
	if err != nil {
		return value.StructuredValue{}, err
	}

	lang := runtimeadapter.LangShell
	switch d.Subtype {
	case "js", "node":
		lang = runtimeadapter.LangNode
	case "python", "py":
		lang = runtimeadapter.LangPython
	}

	timeout := DefaultTimeout
	if t, ok := d.Meta["timeout"].(time.Duration); ok && t > 0 {
		timeout = t
	}

	out, err := m.Runtime.InvokeStreaming(context.Background(), runtimeadapter.Request{
		Code:     res.Text,
		Language: lang,
		WorkDir:  e.GetCurrentFilePath(),
		Timeout:  timeout,
	}, func(line string) { m.Bus.ChunkText(name, line) }, func(line string) { m.Bus.Effect(name, env.EffectStderr, line) })
	if err != nil {
		return value.StructuredValue{}, mlerr.Execution(d.Location(), err, "external %s execution failed", lang)
	}
	if out.TimedOut {
		return value.StructuredValue{}, mlerr.Timeout(d.Location(), "external %s execution exceeded %s", lang, timeout)
	}

	resultSec := res.Security.WithTaint(value.TaintExec)
	execResult := value.ExecResult(out.Stdout, out.Stderr, out.ExitCode, resultSec)
	if out.ExitCode != 0 {
		return execResult, mlerr.Execution(d.Location(), nil, "command exited with status %d", out.ExitCode)
	}
	return execResult, nil
}
