package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// CrossEntropy computes the mean cross-entropy between (n, K) logits and
// integer class labels, via a stable log-softmax. It returns the loss, the
// gradient dLoss/dLogits of the same shape as logits, and the (n, K)
// softmax probabilities for metric computation.
func CrossEntropy(logits *mat.Dense, labels []int32) (loss float64, grad, probs *mat.Dense, err error) {
	n, k := logits.Dims()
	if n != len(labels) {
		return 0, nil, nil, errors.NewShapeError("CrossEntropy", []int{len(labels), k}, []int{n, k})
	}

	probs = Softmax(logits)
	grad = mat.NewDense(n, k, nil)
	invN := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		y := int(labels[i])
		if y < 0 || y >= k {
			return 0, nil, nil, errors.Newf("label %d out of range [0, %d)", y, k)
		}
		p := probs.RawRowView(i)
		g := grad.RawRowView(i)
		for j := range p {
			g[j] = p[j] * invN
		}
		g[y] -= invN

		// -log p[y], clamped away from log(0).
		py := p[y]
		if py < 1e-12 {
			py = 1e-12
		}
		loss -= math.Log(py)
	}
	return loss * invN, grad, probs, nil
}
