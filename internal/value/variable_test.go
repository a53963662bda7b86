package value

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewVariable_MergesDeclarationLabelsIntoValue(t *testing.T) {
	v := Text("token", Empty())
	variable := NewVariable("apiKey", VarText, v, Source{Directive: "var"}, LabelSecret)

	if !variable.Value.Security().HasLabel(LabelSecret) {
		t.Errorf("NewVariable did not merge the declaration label into the value's descriptor")
	}
	if _, ok := variable.Labels[LabelSecret]; !ok {
		t.Errorf("NewVariable did not record the label on the Variable itself")
	}
}

func TestNewVariable_NoLabelsLeavesValueUnchanged(t *testing.T) {
	v := Text("x", Empty().WithTaint(TaintFile))
	variable := NewVariable("x", VarText, v, Source{})

	if diff := cmp.Diff(v.Security().TaintList(), variable.Value.Security().TaintList()); diff != "" {
		t.Errorf("value security changed unexpectedly (-want +got):\n%s", diff)
	}
	if len(variable.Labels) != 0 {
		t.Errorf("Labels = %v, want empty", variable.Labels)
	}
}

func TestArrayQuantifier_Any_UnionsLabelsAndTaint(t *testing.T) {
	elements := []StructuredValue{
		Text("a", Empty().WithLabel(LabelSecret)),
		Text("b", Empty().WithLabel(LabelPII).WithTaint(TaintNetwork)),
	}
	q := ArrayQuantifier{Kind: QuantAny, Elements: elements}
	ctx := q.Ctx()

	wantLabels := []DataLabel{LabelPII, LabelSecret}
	if diff := cmp.Diff(wantLabels, ctx.Labels); diff != "" {
		t.Errorf("any.Ctx().Labels diff (-want +got):\n%s", diff)
	}
	wantTaint := []TaintSource{TaintNetwork}
	if diff := cmp.Diff(wantTaint, ctx.Taint); diff != "" {
		t.Errorf("any.Ctx().Taint diff (-want +got):\n%s", diff)
	}
}

func TestArrayQuantifier_All_IntersectsLabels(t *testing.T) {
	elements := []StructuredValue{
		Text("a", Empty().WithLabel(LabelSecret).WithLabel(LabelPII)),
		Text("b", Empty().WithLabel(LabelSecret)),
	}
	q := ArrayQuantifier{Kind: QuantAll, Elements: elements}
	ctx := q.Ctx()

	wantLabels := []DataLabel{LabelSecret}
	if diff := cmp.Diff(wantLabels, ctx.Labels); diff != "" {
		t.Errorf("all.Ctx().Labels diff (-want +got):\n%s", diff)
	}
}

func TestArrayQuantifier_All_EmptyIsVacuouslyEmptyCtx(t *testing.T) {
	q := ArrayQuantifier{Kind: QuantAll, Elements: nil}
	ctx := q.Ctx()
	if len(ctx.Labels) != 0 || len(ctx.Taint) != 0 {
		t.Errorf("Ctx() for empty .all = %+v, want empty", ctx)
	}
}

func TestArrayQuantifier_None_AlwaysEmptyCtx(t *testing.T) {
	elements := []StructuredValue{Text("a", Empty().WithLabel(LabelSecret))}
	q := ArrayQuantifier{Kind: QuantNone, Elements: elements}
	ctx := q.Ctx()
	if len(ctx.Labels) != 0 || len(ctx.Taint) != 0 {
		t.Errorf("Ctx() for .none = %+v, want empty regardless of element labels", ctx)
	}
}

func TestTotalTokens_SumsElementEstimates(t *testing.T) {
	elements := []StructuredValue{Text("abcd", Empty()), Text("abcdefgh", Empty())}
	want := EstimateTokens("abcd") + EstimateTokens("abcdefgh")
	if got := TotalTokens(elements); got != want {
		t.Errorf("TotalTokens() = %d, want %d", got, want)
	}
}

func TestMaxTokens_ReturnsLargestEstimate(t *testing.T) {
	elements := []StructuredValue{Text("a", Empty()), Text("abcdefghijklmnop", Empty())}
	want := EstimateTokens("abcdefghijklmnop")
	if got := MaxTokens(elements); got != want {
		t.Errorf("MaxTokens() = %d, want %d", got, want)
	}
}
