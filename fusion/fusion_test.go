package fusion

import (
	"testing"

	"github.com/kure29/vpsmonitor/detect"
	"github.com/kure29/vpsmonitor/store"
)

func defaultWeights() Weights {
	return Weights{"keyword": 0.20, "dom": 0.35, "api": 0.35, "fingerprint": 0.10}
}

func TestCombineIsDeterministic(t *testing.T) {
	results := []detect.Result{
		{Detector: "keyword", Verdict: store.VerdictAvailable, Confidence: 0.7},
		{Detector: "dom", Verdict: store.VerdictAvailable, Confidence: 0.8},
		{Detector: "api", Verdict: store.VerdictInconclusive, Confidence: 0.2},
		{Detector: "fingerprint", Verdict: store.VerdictInconclusive, Confidence: 0.2},
	}
	v1 := Combine(results, defaultWeights(), 0.6)
	v2 := Combine(results, defaultWeights(), 0.6)
	if v1 != v2 {
		t.Fatalf("fusion is not deterministic: %+v vs %+v", v1, v2)
	}
	if v1.Status != store.VerdictInconclusive {
		t.Fatalf("status: got %q, want inconclusive (0.42 is below the 0.6 threshold)", v1.Status)
	}
}

func TestCombineTiesResolveToInconclusive(t *testing.T) {
	results := []detect.Result{
		{Detector: "dom", Verdict: store.VerdictAvailable, Confidence: 0.5},
		{Detector: "api", Verdict: store.VerdictUnavailable, Confidence: 0.5},
	}
	weights := Weights{"dom": 0.5, "api": 0.5}
	v := Combine(results, weights, 0.3)
	if v.Status != store.VerdictInconclusive {
		t.Fatalf("status: got %q, want inconclusive on a tie", v.Status)
	}
}

func TestCombineBelowThresholdIsInconclusive(t *testing.T) {
	results := []detect.Result{
		{Detector: "keyword", Verdict: store.VerdictAvailable, Confidence: 0.3},
	}
	v := Combine(results, Weights{"keyword": 1.0}, 0.6)
	if v.Status != store.VerdictInconclusive {
		t.Fatalf("status: got %q, want inconclusive below threshold", v.Status)
	}
}

func TestCombineApiOverridesWeightedVote(t *testing.T) {
	results := []detect.Result{
		{Detector: "api", Verdict: store.VerdictAvailable, Confidence: 0.9},
		{Detector: "dom", Verdict: store.VerdictUnavailable, Confidence: 0.8},
		{Detector: "keyword", Verdict: store.VerdictUnavailable, Confidence: 0.6},
	}
	v := Combine(results, defaultWeights(), 0.6)
	if v.Status != store.VerdictAvailable {
		t.Fatalf("status: got %q, want available via api override", v.Status)
	}
	if v.Confidence != 0.9 {
		t.Fatalf("confidence: got %v, want 0.9", v.Confidence)
	}
}

func TestWeightsNormaliseSumsToOne(t *testing.T) {
	w := Weights{"a": 2, "b": 2}.Normalise()
	if w["a"] != 0.5 || w["b"] != 0.5 {
		t.Fatalf("got %+v", w)
	}
}
