package attention

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/nn"
)

// attnBlockSize is the key-block width of the fused attention path.
const attnBlockSize = 64

// Attn computes scaled dot-product attention for one head. It exists as a
// named stage so the fused and explicit paths share one seam: the fused
// path streams over key blocks with an online softmax and never
// materializes the (L, L) score matrix; the explicit path materializes
// scores and probabilities, which the backward pass needs.
type Attn struct {
	headDim  int
	useFused bool
}

// NewAttn creates the attention stage for heads of the given width.
func NewAttn(headDim int, useFused bool) *Attn {
	return &Attn{headDim: headDim, useFused: useFused}
}

// Forward attends q over (k, v); all three are (L, headDim). When
// needProbs is set (training) the explicit path runs and the (L, L)
// probability matrix is returned for backward; otherwise probs is nil and
// the fused path may be used. No causal masking: attention is
// bidirectional over the full set.
func (a *Attn) Forward(q, k, v *mat.Dense, needProbs bool) (out, probs *mat.Dense) {
	if a.useFused && !needProbs {
		return a.fusedForward(q, k, v), nil
	}
	scale := 1 / math.Sqrt(float64(a.headDim))
	var scores mat.Dense
	scores.Mul(q, k.T())
	scores.Scale(scale, &scores)
	probs = nn.Softmax(&scores)
	var o mat.Dense
	o.Mul(probs, v)
	return &o, probs
}

// fusedForward computes the same result with a tiled online softmax,
// tracking a running max and sum per query row and rescaling the
// accumulated output whenever the max moves.
func (a *Attn) fusedForward(q, k, v *mat.Dense) *mat.Dense {
	l, _ := q.Dims()
	scale := 1 / math.Sqrt(float64(a.headDim))
	out := mat.NewDense(l, a.headDim, nil)

	scores := make([]float64, attnBlockSize)
	for i := 0; i < l; i++ {
		qRow := q.RawRowView(i)
		acc := out.RawRowView(i)
		runMax := math.Inf(-1)
		runSum := 0.0

		for j0 := 0; j0 < l; j0 += attnBlockSize {
			j1 := j0 + attnBlockSize
			if j1 > l {
				j1 = l
			}
			blockMax := math.Inf(-1)
			for j := j0; j < j1; j++ {
				kRow := k.RawRowView(j)
				var s float64
				for t := range qRow {
					s += qRow[t] * kRow[t]
				}
				s *= scale
				scores[j-j0] = s
				if s > blockMax {
					blockMax = s
				}
			}

			newMax := runMax
			if blockMax > newMax {
				newMax = blockMax
			}
			if newMax > runMax && runSum > 0 {
				rescale := math.Exp(runMax - newMax)
				runSum *= rescale
				for t := range acc {
					acc[t] *= rescale
				}
			}
			for j := j0; j < j1; j++ {
				w := math.Exp(scores[j-j0] - newMax)
				runSum += w
				vRow := v.RawRowView(j)
				for t := range acc {
					acc[t] += w * vRow[t]
				}
			}
			runMax = newMax
		}

		for t := range acc {
			acc[t] /= runSum
		}
	}
	return out
}
