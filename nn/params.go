// Package nn holds the small set of trainable building blocks shared by the
// two model variants: parameters, linear layers, activations, the
// cross-entropy loss, the AdamW optimizer and the cosine-annealing learning
// rate schedule. All math runs on gonum dense matrices in float64.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Parameter is one trainable weight matrix with its gradient accumulator.
// Vectors (biases, tokens) are 1xN matrices.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter allocates a zero parameter of the given shape.
func NewParameter(name string, rows, cols int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// ZeroGrad clears the gradient accumulator.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Dims returns the parameter shape.
func (p *Parameter) Dims() (rows, cols int) {
	return p.Value.Dims()
}

// XavierInit fills the parameter with Glorot-uniform values drawn from rng.
func XavierInit(p *Parameter, rng *rand.Rand) {
	rows, cols := p.Value.Dims()
	limit := math.Sqrt(6.0 / float64(rows+cols))
	data := p.Value.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
}

// NormalInit fills the parameter with N(0, std) values drawn from rng. Used
// for the attention model's class token.
func NormalInit(p *Parameter, std float64, rng *rand.Rand) {
	data := p.Value.RawMatrix().Data
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
}

// ZeroGrads clears the gradient accumulators of all params.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
