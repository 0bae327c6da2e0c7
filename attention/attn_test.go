package attention

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func randomMatrix(rng *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

// TestFusedMatchesExplicit checks the tiled online-softmax path against
// the materialized score matrix on lengths around the block boundary.
func TestFusedMatchesExplicit(t *testing.T) {
	const headDim = 8
	rng := rand.New(rand.NewSource(3))
	for _, l := range []int{1, 5, attnBlockSize - 1, attnBlockSize, attnBlockSize + 7, 3 * attnBlockSize} {
		q := randomMatrix(rng, l, headDim)
		k := randomMatrix(rng, l, headDim)
		v := randomMatrix(rng, l, headDim)

		explicit := NewAttn(headDim, false)
		fused := NewAttn(headDim, true)
		want, probs := explicit.Forward(q, k, v, true)
		got, gotProbs := fused.Forward(q, k, v, false)
		if probs == nil {
			t.Fatalf("l=%d: explicit path returned nil probs", l)
		}
		if gotProbs != nil {
			t.Fatalf("l=%d: fused path returned probs", l)
		}
		for i := 0; i < l; i++ {
			for j := 0; j < headDim; j++ {
				a, b := want.At(i, j), got.At(i, j)
				if math.Abs(a-b) > 1e-10 {
					t.Fatalf("l=%d: out[%d,%d] explicit %v fused %v", l, i, j, a, b)
				}
			}
		}
	}
}

func TestAttnProbsAreRowStochastic(t *testing.T) {
	const headDim, l = 4, 10
	rng := rand.New(rand.NewSource(8))
	a := NewAttn(headDim, false)
	_, probs := a.Forward(randomMatrix(rng, l, headDim), randomMatrix(rng, l, headDim), randomMatrix(rng, l, headDim), true)
	for i := 0; i < l; i++ {
		var sum float64
		for j := 0; j < l; j++ {
			sum += probs.At(i, j)
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %v", i, sum)
		}
	}
}
