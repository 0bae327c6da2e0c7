package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ReLU returns max(x, 0) elementwise.
func ReLU(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	src := x.RawMatrix().Data
	dst := out.RawMatrix().Data
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		}
	}
	return out
}

// ReLUBackward masks grad by the sign of the pre-activation.
func ReLUBackward(pre, grad *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	out := mat.NewDense(r, c, nil)
	p := pre.RawMatrix().Data
	g := grad.RawMatrix().Data
	dst := out.RawMatrix().Data
	for i := range g {
		if p[i] > 0 {
			dst[i] = g[i]
		}
	}
	return out
}

// Sin applies sine elementwise. Used as the activation of the Hyena
// implicit filter network.
func Sin(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	src := x.RawMatrix().Data
	dst := out.RawMatrix().Data
	for i, v := range src {
		dst[i] = math.Sin(v)
	}
	return out
}

// SinBackward multiplies grad by cos of the pre-activation.
func SinBackward(pre, grad *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	out := mat.NewDense(r, c, nil)
	p := pre.RawMatrix().Data
	g := grad.RawMatrix().Data
	dst := out.RawMatrix().Data
	for i := range g {
		dst[i] = g[i] * math.Cos(p[i])
	}
	return out
}

// Softmax computes a numerically stable row-wise softmax.
func Softmax(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		dst := out.RawRowView(i)
		var sum float64
		for j, v := range row {
			e := math.Exp(v - max)
			dst[j] = e
			sum += e
		}
		for j := range dst {
			dst[j] /= sum
		}
	}
	return out
}
