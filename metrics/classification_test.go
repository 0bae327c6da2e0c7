package metrics

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestAccuracy(t *testing.T) {
	tests := []struct {
		name  string
		pred  []int32
		truth []int32
		want  float64
	}{
		{"all correct", []int32{0, 1, 1}, []int32{0, 1, 1}, 1},
		{"all wrong", []int32{1, 0}, []int32{0, 1}, 0},
		{"half", []int32{0, 1, 0, 1}, []int32{0, 1, 1, 0}, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Accuracy(tc.pred, tc.truth)
			if err != nil {
				t.Fatalf("Accuracy: %v", err)
			}
			if got != tc.want {
				t.Errorf("Accuracy = %v, want %v", got, tc.want)
			}
		})
	}
	if _, err := Accuracy(nil, nil); err == nil {
		t.Error("expected error for empty labels")
	}
	if _, err := Accuracy([]int32{0}, []int32{0, 1}); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestMacroF1(t *testing.T) {
	tests := []struct {
		name       string
		pred       []int32
		truth      []int32
		numClasses int
		want       float64
	}{
		{"perfect binary", []int32{0, 1, 0, 1}, []int32{0, 1, 0, 1}, 2, 1},
		// Class 1 never predicted and never true: contributes 0,
		// class 0 is perfect, so macro average is 0.5.
		{"absent class", []int32{0, 0}, []int32{0, 0}, 2, 0.5},
		// pred=[0,0,1], truth=[0,1,1]:
		// class 0: tp=1 fp=1 fn=0 -> f1=2/3; class 1: tp=1 fp=0 fn=1 -> f1=2/3.
		{"mixed", []int32{0, 0, 1}, []int32{0, 1, 1}, 2, 2.0 / 3.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MacroF1(tc.pred, tc.truth, tc.numClasses)
			if err != nil {
				t.Fatalf("MacroF1: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("MacroF1 = %v, want %v", got, tc.want)
			}
		})
	}
	if _, err := MacroF1([]int32{3}, []int32{0}, 2); err == nil {
		t.Error("expected error for out-of-range prediction")
	}
}

func TestAUROC(t *testing.T) {
	tests := []struct {
		name  string
		probs []float64 // (n, 2) row-major
		truth []int32
		want  float64
	}{
		{
			"perfectly separated",
			[]float64{0.9, 0.1, 0.8, 0.2, 0.2, 0.8, 0.1, 0.9},
			[]int32{0, 0, 1, 1},
			1,
		},
		{
			"perfectly reversed",
			[]float64{0.1, 0.9, 0.2, 0.8, 0.8, 0.2, 0.9, 0.1},
			[]int32{0, 0, 1, 1},
			0,
		},
		{
			// All scores tied: average ranks make each class AUC 0.5.
			"uninformative",
			[]float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5},
			[]int32{0, 0, 1, 1},
			0.5,
		},
		{
			// Single-class truth is degenerate for both columns.
			"degenerate labels",
			[]float64{0.9, 0.1, 0.8, 0.2},
			[]int32{0, 0},
			0.5,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			probs := mat.NewDense(len(tc.truth), 2, tc.probs)
			got, err := AUROC(probs, tc.truth)
			if err != nil {
				t.Fatalf("AUROC: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("AUROC = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBinaryAUCPartialOverlap(t *testing.T) {
	// One positive ranked below one negative out of 2x2 pairs: AUC 0.75.
	scores := []float64{0.1, 0.3, 0.4, 0.8}
	pos := []bool{false, true, false, true}
	if got := binaryAUC(scores, pos); math.Abs(got-0.75) > 1e-12 {
		t.Errorf("binaryAUC = %v, want 0.75", got)
	}
}
