// Package value implements the structured value layer (spec §3): the
// StructuredValue wrapper, the Variable binding, and the SecurityDescriptor
// that every value carries through the interpreter.
//
// The merge/label model here is grounded in the teacher's runtime/vault
// package, which treats every resolved expression as security-sensitive and
// tracks it through a scope trie with set-like reference bookkeeping. mlld's
// model generalizes that single "everything is a secret" stance into the
// general label/taint lattice of spec §3.3, but keeps the teacher's core
// move: security state travels on the value, not in a side table, and
// merging two values' provenance is a monoid operation (union + ordered
// concat) rather than a special case.
package value

import "sort"

// DataLabel is a user- or system-applied classifier (spec §3.3).
type DataLabel string

const (
	LabelSecret    DataLabel = "secret"
	LabelPII       DataLabel = "pii"
	LabelUntrusted DataLabel = "untrusted"
	LabelRetryable DataLabel = "retryable"
)

// TaintSource is an automatically applied provenance classifier.
type TaintSource string

const (
	TaintMCP     TaintSource = "src:mcp"
	TaintNetwork TaintSource = "src:network"
	TaintExec    TaintSource = "src:exec"
	TaintFile    TaintSource = "src:file"
	TaintUser    TaintSource = "src:user"
)

// PolicyContext is the subset of the resolved policy summary relevant to
// evaluating a particular value's flow; it is attached by the policy
// enforcer (internal/policy) and is opaque to this package.
type PolicyContext struct {
	Defaults map[string]string
	Auth     map[string]string
}

// SecurityDescriptor is the authoritative security state of a value
// (spec §3.3): a set of labels, a set of taint sources, an ordered,
// deduplicated provenance list, and an optional policy context.
type SecurityDescriptor struct {
	Labels        map[DataLabel]struct{}
	Taint         map[TaintSource]struct{}
	Sources       []string
	Policy        *PolicyContext
	sourceIndex   map[string]struct{} // dedup index, parallel to Sources
}

// Empty returns the identity element of the merge monoid (spec §3.3,
// §8 property 2: "empty descriptor is identity").
func Empty() SecurityDescriptor {
	return SecurityDescriptor{}
}

// WithLabel returns a copy of d with label added.
func (d SecurityDescriptor) WithLabel(l DataLabel) SecurityDescriptor {
	out := d.clone()
	out.addLabel(l)
	return out
}

// WithTaint returns a copy of d with taint added.
func (d SecurityDescriptor) WithTaint(t TaintSource) SecurityDescriptor {
	out := d.clone()
	out.addTaint(t)
	return out
}

// WithSource returns a copy of d with source appended (deduped,
// order-preserving).
func (d SecurityDescriptor) WithSource(source string) SecurityDescriptor {
	out := d.clone()
	out.addSource(source)
	return out
}

func (d SecurityDescriptor) clone() SecurityDescriptor {
	out := SecurityDescriptor{Policy: d.Policy}
	if len(d.Labels) > 0 {
		out.Labels = make(map[DataLabel]struct{}, len(d.Labels))
		for l := range d.Labels {
			out.Labels[l] = struct{}{}
		}
	}
	if len(d.Taint) > 0 {
		out.Taint = make(map[TaintSource]struct{}, len(d.Taint))
		for t := range d.Taint {
			out.Taint[t] = struct{}{}
		}
	}
	if len(d.Sources) > 0 {
		out.Sources = append([]string(nil), d.Sources...)
		out.sourceIndex = make(map[string]struct{}, len(d.sourceIndex))
		for s := range d.sourceIndex {
			out.sourceIndex[s] = struct{}{}
		}
	}
	return out
}

func (d *SecurityDescriptor) addLabel(l DataLabel) {
	if d.Labels == nil {
		d.Labels = make(map[DataLabel]struct{})
	}
	d.Labels[l] = struct{}{}
}

func (d *SecurityDescriptor) addTaint(t TaintSource) {
	if d.Taint == nil {
		d.Taint = make(map[TaintSource]struct{})
	}
	d.Taint[t] = struct{}{}
}

func (d *SecurityDescriptor) addSource(source string) {
	if d.sourceIndex == nil {
		d.sourceIndex = make(map[string]struct{})
	}
	if _, seen := d.sourceIndex[source]; seen {
		return
	}
	d.sourceIndex[source] = struct{}{}
	d.Sources = append(d.Sources, source)
}

// HasLabel reports whether l is present.
func (d SecurityDescriptor) HasLabel(l DataLabel) bool {
	_, ok := d.Labels[l]
	return ok
}

// HasTaint reports whether t is present.
func (d SecurityDescriptor) HasTaint(t TaintSource) bool {
	_, ok := d.Taint[t]
	return ok
}

// LabelList returns the labels in a stable (sorted) order, for
// deterministic diagnostics and tests.
func (d SecurityDescriptor) LabelList() []DataLabel {
	out := make([]DataLabel, 0, len(d.Labels))
	for l := range d.Labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TaintList returns the taint sources in a stable (sorted) order.
func (d SecurityDescriptor) TaintList() []TaintSource {
	out := make([]TaintSource, 0, len(d.Taint))
	for t := range d.Taint {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge implements the ⊕ operator of spec §3.3: set-union of labels and
// taint, order-preserving deduplicated concatenation of sources. Merge is
// associative and commutative on labels/taint (spec §8 property 2); it is
// the operation every multi-input value derivation (template interpolation,
// exec argument binding, pipeline stage output) must apply.
func Merge(values ...SecurityDescriptor) SecurityDescriptor {
	out := Empty()
	for _, v := range values {
		for l := range v.Labels {
			out.addLabel(l)
		}
		for t := range v.Taint {
			out.addTaint(t)
		}
		for _, s := range v.Sources {
			out.addSource(s)
		}
		if v.Policy != nil && out.Policy == nil {
			out.Policy = v.Policy
		}
	}
	return out
}
