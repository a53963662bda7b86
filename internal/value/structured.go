package value

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind is the tag of a StructuredValue (spec §3.1).
type Kind string

const (
	KindText         Kind = "text"
	KindJSON         Kind = "json"
	KindArray        Kind = "array"
	KindObject       Kind = "object"
	KindNumber       Kind = "number"
	KindBoolean      Kind = "boolean"
	KindNull         Kind = "null"
	KindPipelineIn   Kind = "pipeline-input"
	KindLoadResult   Kind = "load-result"
	KindExecResult   Kind = "exec-result"
)

// Ctx is the user-facing derived view of a StructuredValue's context,
// exposed to templates and pipeline stages as `@value.ctx...`.
type Ctx struct {
	Labels   []DataLabel
	Sources  []string
	Taint    []TaintSource
	Tokens   int
	Filename string
}

// StructuredValue is the uniform wrapper every runtime value is normalized
// to (spec §3.1). text is always present (possibly lazily computed via
// textFn); data holds the strongly typed payload for non-text kinds.
type StructuredValue struct {
	kind     Kind
	text     string
	textFn   func() string
	data     any
	metadata map[string]any
	security SecurityDescriptor
}

// Kind reports the value's tag.
func (v StructuredValue) Kind() Kind { return v.kind }

// Data returns the strongly typed payload, or nil if this is a pure text
// value (spec §3.1 invariant).
func (v StructuredValue) Data() any { return v.data }

// Metadata returns the free-form metadata bag.
func (v StructuredValue) Metadata() map[string]any { return v.metadata }

// Security returns the authoritative security descriptor.
func (v StructuredValue) Security() SecurityDescriptor { return v.security }

// AsText materializes the canonical textual rendering, computing it lazily
// on first access if the value was constructed with a textFn.
func (v StructuredValue) AsText() string {
	if v.textFn != nil {
		return v.textFn()
	}
	return v.text
}

// Ctx builds the derived, user-facing context view.
func (v StructuredValue) Ctx() Ctx {
	c := Ctx{
		Labels:  v.security.LabelList(),
		Sources: v.security.Sources,
		Taint:   v.security.TaintList(),
	}
	if filename, ok := v.metadata["filename"].(string); ok {
		c.Filename = filename
	}
	if tokens, ok := v.metadata["tokens"].(int); ok {
		c.Tokens = tokens
	} else {
		c.Tokens = EstimateTokens(v.AsText())
	}
	return c
}

// EstimateTokens is a cheap, deterministic token estimate (roughly 4 bytes
// per token) used when no precise tokenizer metadata is attached. It exists
// so `totalTokens()`/`maxTokens()` (spec §3.2) have something to aggregate
// without depending on a model-specific tokenizer, which is outside this
// module's scope.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// WithSecurity returns a copy of v with its descriptor replaced. NewVariable
// uses it to fold declaration-time labels into the bound value.
func (v StructuredValue) WithSecurity(d SecurityDescriptor) StructuredValue {
	v.security = d
	return v
}

// MergeSecurity returns a copy of v with extra merged into its descriptor.
func (v StructuredValue) MergeSecurity(extra SecurityDescriptor) StructuredValue {
	v.security = Merge(v.security, extra)
	return v
}

// WithMetadata returns a copy of v with key set in its metadata bag.
func (v StructuredValue) WithMetadata(key string, val any) StructuredValue {
	out := v
	out.metadata = cloneMeta(v.metadata)
	out.metadata[key] = val
	return out
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	return out
}

// Text constructs a text-kind StructuredValue.
func Text(s string, sec SecurityDescriptor) StructuredValue {
	return StructuredValue{kind: KindText, text: s, security: sec, metadata: map[string]any{}}
}

// JSON constructs a json-kind StructuredValue whose text is the canonical
// JSON rendering of data.
func JSON(data any, sec SecurityDescriptor) StructuredValue {
	text, _ := marshalText(data)
	return StructuredValue{kind: KindJSON, text: text, data: data, security: sec, metadata: map[string]any{}}
}

func marshalText(data any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Wrap normalizes a bare language value (string, number, bool, nil, map,
// slice, or an already-wrapped StructuredValue) into a StructuredValue.
// Wrapping is idempotent (spec §3.1 invariant, §8 property 1):
// wrap(wrap(x)) == wrap(x).
func Wrap(x any, sec SecurityDescriptor) StructuredValue {
	switch t := x.(type) {
	case StructuredValue:
		return t.MergeSecurity(sec)
	case string:
		return Text(t, sec)
	case nil:
		return StructuredValue{kind: KindNull, text: "null", security: sec, metadata: map[string]any{}}
	case bool:
		text := "false"
		if t {
			text = "true"
		}
		return StructuredValue{kind: KindBoolean, text: text, data: t, security: sec, metadata: map[string]any{}}
	case int:
		return numberValue(float64(t), sec)
	case int64:
		return numberValue(float64(t), sec)
	case float64:
		return numberValue(t, sec)
	case []any:
		return StructuredValue{kind: KindArray, text: mustText(t), data: t, security: sec, metadata: map[string]any{}}
	case map[string]any:
		return StructuredValue{kind: KindObject, text: mustText(t), data: t, security: sec, metadata: map[string]any{}}
	default:
		text := fmt.Sprintf("%v", t)
		return Text(text, sec)
	}
}

func numberValue(f float64, sec SecurityDescriptor) StructuredValue {
	text := strconv.FormatFloat(f, 'g', -1, 64)
	return StructuredValue{kind: KindNumber, text: text, data: f, security: sec, metadata: map[string]any{}}
}

func mustText(x any) string {
	t, err := marshalText(x)
	if err != nil {
		return fmt.Sprintf("%v", x)
	}
	return t
}

// ParseJSONText attempts to auto-parse a text value's content as JSON,
// returning a json-kind StructuredValue on success, or the original text
// value unchanged on failure. Used by the pipeline engine's format
// propagation (spec §4.6.4) and by the evaluator's `for`/`when` handling of
// rendered text; exec stdout is parsed by ExecResult instead.
func ParseJSONText(v StructuredValue) StructuredValue {
	if v.kind != KindText {
		return v
	}
	var parsed any
	if err := json.Unmarshal([]byte(v.text), &parsed); err != nil {
		return v
	}
	out := v
	out.kind = KindJSON
	out.data = parsed
	return out
}

// LoadResult wraps file-load content with filename metadata (spec §3.1,
// used for `<path>` loads and alligator globs).
func LoadResult(text string, filename string, sec SecurityDescriptor) StructuredValue {
	v := StructuredValue{kind: KindLoadResult, text: text, security: sec, metadata: map[string]any{"filename": filename}}
	return v
}

// ExecResult wraps the result of an external execution (spec §4.5): text is
// stdout, data is the JSON-parsed stdout when it parses, and metadata
// records exit code and stderr.
func ExecResult(stdout, stderr string, exitCode int, sec SecurityDescriptor) StructuredValue {
	v := StructuredValue{kind: KindExecResult, text: stdout, security: sec, metadata: map[string]any{
		"exitCode": exitCode,
		"stderr":   stderr,
	}}
	var parsed any
	if err := json.Unmarshal([]byte(stdout), &parsed); err == nil {
		v.data = parsed
	}
	return v
}

// PipelineInput wraps the first parameter delivered to a pipeline stage
// (spec §4.5): format reflects the upstream format, value is the parsed
// payload for json, and rawText is always preserved.
type PipelineInput struct {
	Format  string
	Value   any
	RawText string
}

// PipelineInputValue builds the pipeline-input StructuredValue.
func PipelineInputValue(in PipelineInput, sec SecurityDescriptor) StructuredValue {
	return StructuredValue{
		kind:     KindPipelineIn,
		text:     in.RawText,
		data:     in,
		security: sec,
		metadata: map[string]any{"format": in.Format},
	}
}
