package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamWConfig holds optimizer hyperparameters. Zero values get the usual
// defaults in NewAdamW.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	// ClipNorm clips the global gradient norm before the update when
	// positive.
	ClipNorm float64
}

// AdamW is Adam with decoupled weight decay. Moment buffers are allocated
// lazily per parameter on the first step.
type AdamW struct {
	cfg  AdamWConfig
	lr   float64
	step int
	m    map[*Parameter]*mat.Dense
	v    map[*Parameter]*mat.Dense
}

// NewAdamW creates the optimizer.
func NewAdamW(cfg AdamWConfig) *AdamW {
	if cfg.LR == 0 {
		cfg.LR = 1e-3
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	return &AdamW{
		cfg: cfg,
		lr:  cfg.LR,
		m:   make(map[*Parameter]*mat.Dense),
		v:   make(map[*Parameter]*mat.Dense),
	}
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.lr }

// SetLR overrides the learning rate; called by the schedule at epoch ends.
func (o *AdamW) SetLR(lr float64) { o.lr = lr }

// Step applies one AdamW update to params using their accumulated
// gradients. Gradients are not cleared; callers zero them before the next
// backward pass.
func (o *AdamW) Step(params []*Parameter) {
	if o.cfg.ClipNorm > 0 {
		clipGlobalNorm(params, o.cfg.ClipNorm)
	}
	o.step++
	bc1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))

	for _, p := range params {
		rows, cols := p.Dims()
		m, ok := o.m[p]
		if !ok {
			m = mat.NewDense(rows, cols, nil)
			o.m[p] = m
		}
		v, ok := o.v[p]
		if !ok {
			v = mat.NewDense(rows, cols, nil)
			o.v[p] = v
		}

		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		md := m.RawMatrix().Data
		vd := v.RawMatrix().Data
		for i := range w {
			md[i] = o.cfg.Beta1*md[i] + (1-o.cfg.Beta1)*g[i]
			vd[i] = o.cfg.Beta2*vd[i] + (1-o.cfg.Beta2)*g[i]*g[i]
			mHat := md[i] / bc1
			vHat := vd[i] / bc2
			w[i] -= o.lr * (mHat/(math.Sqrt(vHat)+o.cfg.Epsilon) + o.cfg.WeightDecay*w[i])
		}
	}
}

// clipGlobalNorm rescales all gradients so their joint L2 norm does not
// exceed maxNorm.
func clipGlobalNorm(params []*Parameter, maxNorm float64) {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad.RawMatrix().Data {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / norm
	for _, p := range params {
		g := p.Grad.RawMatrix().Data
		for i := range g {
			g[i] *= scale
		}
	}
}
