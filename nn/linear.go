package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is a fully-connected layer y = xW + b with W of shape (in, out)
// and a row-vector bias. Forward takes (n, in) and returns (n, out).
type Linear struct {
	In, Out int
	W       *Parameter
	B       *Parameter
}

// NewLinear creates a Glorot-initialized linear layer. The name prefixes
// the parameter names, e.g. "fc1.weight".
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:  in,
		Out: out,
		W:   NewParameter(name+".weight", in, out),
		B:   NewParameter(name+".bias", 1, out),
	}
	XavierInit(l.W, rng)
	return l
}

// Forward computes xW + b.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	var y mat.Dense
	y.Mul(x, l.W.Value)
	bias := l.B.Value.RawRowView(0)
	for i := 0; i < n; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return &y
}

// Backward accumulates dW = x^T grad and db = column sums of grad into the
// parameter gradients, and returns dx = grad W^T. x must be the same input
// that produced the gradient.
func (l *Linear) Backward(x, grad *mat.Dense) *mat.Dense {
	var dW mat.Dense
	dW.Mul(x.T(), grad)
	l.W.Grad.Add(l.W.Grad, &dW)

	n, _ := grad.Dims()
	db := l.B.Grad.RawRowView(0)
	for i := 0; i < n; i++ {
		row := grad.RawRowView(i)
		for j := range row {
			db[j] += row[j]
		}
	}

	var dx mat.Dense
	dx.Mul(grad, l.W.Value.T())
	return &dx
}

// Params returns the layer's trainable parameters.
func (l *Linear) Params() []*Parameter {
	return []*Parameter{l.W, l.B}
}
