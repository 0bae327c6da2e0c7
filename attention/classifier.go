// Package attention implements a multi-head attention classifier over
// padded cell feature sequences. A learned class token is prepended to
// each sequence; its attended representation feeds the output head.
package attention

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/datasets"
	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// Config sets up a Classifier.
type Config struct {
	DModel     int
	NumHeads   int
	NumClasses int
	LengthMax  int

	// UseFusedAttention selects the tiled online-softmax path for
	// evaluation. Training always runs the explicit path, which keeps
	// the probability matrices the backward pass needs.
	UseFusedAttention bool
}

// sampleCache holds the per-sample forward activations backward consumes.
type sampleCache struct {
	xAug    *mat.Dense   // (L+1, d) class token + sequence
	q, k, v *mat.Dense   // (L+1, d) full projections
	probs   []*mat.Dense // per head, (L+1, L+1)
	concat  *mat.Dense   // (L+1, d) head outputs before outProj
}

// Classifier is a single-layer multi-head attention model with a class
// token read-out.
type Classifier struct {
	cfg     Config
	headDim int

	classToken *nn.Parameter // (1, d)
	qProj      *nn.Linear
	kProj      *nn.Linear
	vProj      *nn.Linear
	outProj    *nn.Linear
	head       *nn.Linear // (d, numClasses)

	attn     *Attn
	training bool

	samples []sampleCache
	clsOut  *mat.Dense // (N, d) class-token rows after outProj
}

// New builds a Classifier. DModel must be divisible by NumHeads.
func New(cfg Config, rng *rand.Rand) (*Classifier, error) {
	if cfg.DModel <= 0 || cfg.NumHeads <= 0 || cfg.LengthMax <= 0 {
		return nil, errors.NewConfigError("attention", "DModel, NumHeads and LengthMax must be positive", cfg)
	}
	if cfg.NumClasses < 2 {
		return nil, errors.NewConfigError("attention", "NumClasses must be at least 2", cfg.NumClasses)
	}
	if cfg.DModel%cfg.NumHeads != 0 {
		return nil, errors.NewConfigError("attention", "DModel must be divisible by NumHeads", cfg)
	}
	headDim := cfg.DModel / cfg.NumHeads

	c := &Classifier{
		cfg:        cfg,
		headDim:    headDim,
		classToken: nn.NewParameter("attention.classToken", 1, cfg.DModel),
		qProj:      nn.NewLinear("attention.q", cfg.DModel, cfg.DModel, rng),
		kProj:      nn.NewLinear("attention.k", cfg.DModel, cfg.DModel, rng),
		vProj:      nn.NewLinear("attention.v", cfg.DModel, cfg.DModel, rng),
		outProj:    nn.NewLinear("attention.out", cfg.DModel, cfg.DModel, rng),
		head:       nn.NewLinear("attention.head", cfg.DModel, cfg.NumClasses, rng),
		attn:       NewAttn(headDim, cfg.UseFusedAttention),
	}
	nn.NormalInit(c.classToken, 0.02, rng)
	return c, nil
}

// Name identifies the model in logs and run directories.
func (c *Classifier) Name() string { return "attention" }

// NumClasses reports the width of the output head.
func (c *Classifier) NumClasses() int { return c.cfg.NumClasses }

// SetTraining toggles activation caching for backward.
func (c *Classifier) SetTraining(training bool) { c.training = training }

// Forward maps a batch of (LengthMax, DModel) sequences to (N, NumClasses)
// logits.
func (c *Classifier) Forward(b *datasets.Batch) (*mat.Dense, error) {
	want := []int{c.cfg.LengthMax, c.cfg.DModel}
	if len(b.Dims) != 2 || b.Dims[0] != want[0] || b.Dims[1] != want[1] {
		return nil, errors.NewShapeError("attention.Forward", want, b.Dims)
	}
	n := b.Size()
	l1 := c.cfg.LengthMax + 1
	d := c.cfg.DModel

	if c.training {
		c.samples = make([]sampleCache, n)
	} else {
		c.samples = nil
	}
	clsOut := mat.NewDense(n, d, nil)

	for i := 0; i < n; i++ {
		xAug := mat.NewDense(l1, d, nil)
		xAug.SetRow(0, c.classToken.Value.RawRowView(0))
		base := i * c.cfg.LengthMax * d
		for r := 0; r < c.cfg.LengthMax; r++ {
			row := xAug.RawRowView(r + 1)
			for t := 0; t < d; t++ {
				row[t] = float64(b.Inputs[base+r*d+t])
			}
		}

		q := c.qProj.Forward(xAug)
		k := c.kProj.Forward(xAug)
		v := c.vProj.Forward(xAug)

		concat := mat.NewDense(l1, d, nil)
		var probs []*mat.Dense
		if c.training {
			probs = make([]*mat.Dense, c.cfg.NumHeads)
		}
		for h := 0; h < c.cfg.NumHeads; h++ {
			lo := h * c.headDim
			qh := sliceCols(q, lo, c.headDim)
			kh := sliceCols(k, lo, c.headDim)
			vh := sliceCols(v, lo, c.headDim)
			oh, ph := c.attn.Forward(qh, kh, vh, c.training)
			copyCols(concat, lo, oh)
			if c.training {
				probs[h] = ph
			}
		}

		out := c.outProj.Forward(concat)
		clsOut.SetRow(i, out.RawRowView(0))

		if c.training {
			c.samples[i] = sampleCache{xAug: xAug, q: q, k: k, v: v, probs: probs, concat: concat}
		}
	}

	if c.training {
		c.clsOut = clsOut
	}
	logits := c.head.Forward(clsOut)
	return logits, nil
}

// Backward propagates the logits gradient through the head, the attention
// layer and the class token, accumulating parameter gradients.
func (c *Classifier) Backward(grad *mat.Dense) error {
	if c.samples == nil {
		return errors.New("attention: Backward before Forward in training mode")
	}
	n := len(c.samples)
	l1 := c.cfg.LengthMax + 1
	d := c.cfg.DModel
	scale := 1 / math.Sqrt(float64(c.headDim))

	dClsOut := c.head.Backward(c.clsOut, grad)

	for i := 0; i < n; i++ {
		s := c.samples[i]

		dOut := mat.NewDense(l1, d, nil)
		dOut.SetRow(0, dClsOut.RawRowView(i))
		dConcat := c.outProj.Backward(s.concat, dOut)

		dQ := mat.NewDense(l1, d, nil)
		dK := mat.NewDense(l1, d, nil)
		dV := mat.NewDense(l1, d, nil)
		for h := 0; h < c.cfg.NumHeads; h++ {
			lo := h * c.headDim
			dOh := sliceCols(dConcat, lo, c.headDim)
			qh := sliceCols(s.q, lo, c.headDim)
			kh := sliceCols(s.k, lo, c.headDim)
			vh := sliceCols(s.v, lo, c.headDim)
			p := s.probs[h]

			var dVh mat.Dense
			dVh.Mul(p.T(), dOh)

			var dP mat.Dense
			dP.Mul(dOh, vh.T())

			// dS = P ⊙ (dP - rowsum(dP ⊙ P))
			dS := mat.NewDense(l1, l1, nil)
			for r := 0; r < l1; r++ {
				pRow := p.RawRowView(r)
				dPRow := dP.RawRowView(r)
				var dot float64
				for t := 0; t < l1; t++ {
					dot += dPRow[t] * pRow[t]
				}
				dSRow := dS.RawRowView(r)
				for t := 0; t < l1; t++ {
					dSRow[t] = pRow[t] * (dPRow[t] - dot)
				}
			}

			var dQh, dKh mat.Dense
			dQh.Mul(dS, kh)
			dQh.Scale(scale, &dQh)
			dKh.Mul(dS.T(), qh)
			dKh.Scale(scale, &dKh)

			copyCols(dQ, lo, &dQh)
			copyCols(dK, lo, &dKh)
			copyCols(dV, lo, &dVh)
		}

		dx := c.qProj.Backward(s.xAug, dQ)
		dx.Add(dx, c.kProj.Backward(s.xAug, dK))
		dx.Add(dx, c.vProj.Backward(s.xAug, dV))

		// Row 0 of the augmented input is the class token.
		ctGrad := c.classToken.Grad.RawRowView(0)
		dxRow := dx.RawRowView(0)
		for t := 0; t < d; t++ {
			ctGrad[t] += dxRow[t]
		}
	}

	c.samples = nil
	c.clsOut = nil
	return nil
}

// Params returns every trainable parameter of the model.
func (c *Classifier) Params() []*nn.Parameter {
	params := []*nn.Parameter{c.classToken}
	for _, lin := range []*nn.Linear{c.qProj, c.kProj, c.vProj, c.outProj, c.head} {
		params = append(params, lin.Params()...)
	}
	return params
}

// sliceCols copies columns [lo, lo+width) of m into a new matrix.
func sliceCols(m *mat.Dense, lo, width int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, width, nil)
	for i := 0; i < r; i++ {
		copy(out.RawRowView(i), m.RawRowView(i)[lo:lo+width])
	}
	return out
}

// copyCols writes src into columns [lo, lo+w) of dst, where w is src's width.
func copyCols(dst *mat.Dense, lo int, src *mat.Dense) {
	r, w := src.Dims()
	for i := 0; i < r; i++ {
		copy(dst.RawRowView(i)[lo:lo+w], src.RawRowView(i))
	}
}
