package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mlld-lang/mlld/internal/rpc"
	"github.com/mlld-lang/mlld/internal/streambus"
)

// runLive serves Live RPC (spec §6.3) over stdin/stdout until the peer
// closes the connection or sends `close`.
func runLive() error {
	conn := rpc.New(os.Stdin, os.Stdout)
	h := &liveHandler{state: map[string]any{}}
	return rpc.Serve(conn, h)
}

// liveHandler implements rpc.Handler, re-running buildRuntime per request
// rather than keeping one long-lived interpreter: each `execute` is
// independent, and the only state that needs to survive across requests is
// the key/value bag `update-state` writes into.
type liveHandler struct {
	mu    sync.Mutex
	state map[string]any
}

type processParams struct {
	Source   string `json:"source"`
	Filename string `json:"filename"`
}

func (h *liveHandler) Process(raw json.RawMessage) (any, error) {
	var p processParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("live: decoding process params: %w", err)
	}
	directives, err := Parse(p.Filename, []byte(p.Source))
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	return map[string]any{"ok": true, "directiveCount": len(directives)}, nil
}

func (h *liveHandler) Analyze(raw json.RawMessage) (any, error) {
	var p processParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("live: decoding analyze params: %w", err)
	}
	directives, err := Parse(p.Filename, []byte(p.Source))
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	byKind := map[string]int{}
	for _, d := range directives {
		byKind[string(d.Kind)]++
	}
	return map[string]any{"directiveCount": len(directives), "byKind": byKind}, nil
}

func (h *liveHandler) UpdateState(raw json.RawMessage) (any, error) {
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("live: decoding update-state params: %w", err)
	}
	h.mu.Lock()
	for k, v := range patch {
		h.state[k] = v
	}
	h.mu.Unlock()
	return map[string]bool{"ok": true}, nil
}

// Execute parses and evaluates one program, forwarding the bus's stage and
// effect events as `progress`/`stage` RPC events as they happen, and
// emitting a final `state:write` event with the program's output before
// returning the same payload as the response result.
func (h *liveHandler) Execute(ctx context.Context, raw json.RawMessage, emit rpc.Emit) (any, error) {
	var p processParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("live: decoding execute params: %w", err)
	}
	directives, err := Parse(p.Filename, []byte(p.Source))
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}

	rt, err := buildRuntime(p.Filename, runOptions{})
	if err != nil {
		return nil, fmt.Errorf("live: starting runtime: %w", err)
	}
	defer rt.Close()
	rt.Bus.AddSink(newRPCBridgeSink(emit))

	done := make(chan error, 1)
	go func() {
		v, err := rt.Evaluator.EvalBlock(rt.Root, directives)
		if err != nil {
			rt.Bus.Error("program", err)
			done <- err
			return
		}
		rt.Bus.Stop("program", v)
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("live: execution cancelled")
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}

	output := rt.Format.Result().Final
	emit(rpc.EventStateWrite, map[string]any{"output": output})
	return map[string]any{"output": output}, nil
}

func (h *liveHandler) Close() error { return nil }

// rpcBridgeSink forwards streambus events onto a Live RPC connection as
// `progress`/`stage`/`error` event frames, letting an embedding host watch
// a program run in real time over the same NDJSON channel it issued
// `execute` on.
type rpcBridgeSink struct {
	emit rpc.Emit
}

func newRPCBridgeSink(emit rpc.Emit) *rpcBridgeSink { return &rpcBridgeSink{emit: emit} }

func (s *rpcBridgeSink) Name() string { return "rpc-bridge" }

func (s *rpcBridgeSink) Handle(ev streambus.Event) {
	switch ev.Type {
	case streambus.EventStage:
		s.emit(rpc.EventStage, map[string]any{"stream": ev.StreamName, "text": ev.Text, "meta": ev.Meta})
	case streambus.EventChunk, streambus.EventEffect:
		s.emit(rpc.EventProgress, map[string]any{"stream": ev.StreamName, "text": ev.Text})
	case streambus.EventError:
		s.emit(rpc.EventError, map[string]any{"stream": ev.StreamName, "message": ev.Text})
	}
}

func (s *rpcBridgeSink) Close() error { return nil }
