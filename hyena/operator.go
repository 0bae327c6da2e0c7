package hyena

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/nn"
	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// Positional feature width fed to the implicit filter networks: normalized
// row/col coordinates plus one sine/cosine pair per axis.
const posDim = 6

// filterDecaySlope controls how fast the fixed decay window attenuates
// filter taps far from the origin; deeper orders decay faster.
const filterDecaySlope = 3.0

// OperatorConfig configures the 2D Hyena operator.
type OperatorConfig struct {
	DModel    int
	HeightMax int
	WidthMax  int
	// Order is the depth of the gated long-convolution recurrence.
	Order int
	// FilterOrder is the hidden width of the implicit filter networks.
	FilterOrder int
	// Dropout is applied to the operator output during training.
	Dropout float64
	// FilterDropout is applied to the generated filters during training.
	FilterDropout float64
}

// Operator2D is a spatial feature-mixing stage built on global circular
// convolutions instead of attention. The input is projected pointwise into
// one value stream and Order gate streams; the value stream is repeatedly
// convolved with a learned long filter spanning the whole canvas and gated
// elementwise, then projected back to DModel channels. Spatial extent is
// preserved exactly.
//
// Filters are implicit: a small network (Linear -> sin -> Linear) maps fixed
// positional features of every canvas position to per-channel filter taps,
// modulated by an exponentially decaying window over the torus distance
// from the origin.
type Operator2D struct {
	cfg OperatorConfig

	inProj  *nn.Linear // DModel -> (Order+1)*DModel
	outProj *nn.Linear // DModel -> DModel

	filterIn  []*nn.Linear // per order: posDim -> FilterOrder
	filterOut []*nn.Linear // per order: FilterOrder -> DModel

	pos    *mat.Dense // (S, posDim) fixed positional features
	window []float64  // (Order*S) decay windows, order-major

	fft *fft2
	rng *rand.Rand

	training bool
	cache    *opCache
}

// opCache holds one forward pass's intermediates for backward.
type opCache struct {
	n       int
	x       *mat.Dense   // (N*S, DModel) operator input
	u       *mat.Dense   // (N*S, (Order+1)*DModel) projected input
	zIn     []*mat.Dense // per order: recurrence input z before convolution
	zConv   []*mat.Dense // per order: convolved z before gating
	zOut    *mat.Dense   // final gated z (outProj input)
	filters []*filterCache
	specs   [][]([]complex128) // per order, per channel: filter spectrum
	dropout []float64          // inverted-dropout mask over zOut, nil when off
}

type filterCache struct {
	hidden    *mat.Dense // pre-activation of the filter network hidden layer
	activated *mat.Dense // sin(hidden)
	raw       *mat.Dense // (S, DModel) filter before window and dropout
	taps      *mat.Dense // (S, DModel) final filter taps
	mask      []float64  // filter dropout mask, nil when off
}

// NewOperator2D validates cfg and initializes all parameters from rng.
func NewOperator2D(cfg OperatorConfig, rng *rand.Rand) (*Operator2D, error) {
	if cfg.DModel <= 0 {
		return nil, errors.NewConfigError("d_model", "must be positive", cfg.DModel)
	}
	if cfg.HeightMax <= 0 || cfg.WidthMax <= 0 {
		return nil, errors.NewConfigError("height_max/width_max", "must be positive", []int{cfg.HeightMax, cfg.WidthMax})
	}
	if cfg.Order < 1 {
		return nil, errors.NewConfigError("order", "must be at least 1", cfg.Order)
	}
	if cfg.FilterOrder < 1 {
		return nil, errors.NewConfigError("filter_order", "must be at least 1", cfg.FilterOrder)
	}

	op := &Operator2D{
		cfg:     cfg,
		inProj:  nn.NewLinear("hyena.in_proj", cfg.DModel, (cfg.Order+1)*cfg.DModel, rng),
		outProj: nn.NewLinear("hyena.out_proj", cfg.DModel, cfg.DModel, rng),
		fft:     newFFT2(cfg.HeightMax, cfg.WidthMax),
		rng:     rng,
	}
	for o := 0; o < cfg.Order; o++ {
		op.filterIn = append(op.filterIn, nn.NewLinear(
			filterName("in", o), posDim, cfg.FilterOrder, rng))
		op.filterOut = append(op.filterOut, nn.NewLinear(
			filterName("out", o), cfg.FilterOrder, cfg.DModel, rng))
	}
	op.initPositional()
	return op, nil
}

func filterName(part string, order int) string {
	return fmt.Sprintf("hyena.filter%d.%s", order, part)
}

// initPositional fills the fixed positional feature table and the decay
// windows.
func (op *Operator2D) initPositional() {
	h, w := op.cfg.HeightMax, op.cfg.WidthMax
	s := h * w
	op.pos = mat.NewDense(s, posDim, nil)
	op.window = make([]float64, op.cfg.Order*s)

	maxDist := math.Hypot(float64(h)/2, float64(w)/2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			yn := 2*float64(y)/float64(h) - 1
			xn := 2*float64(x)/float64(w) - 1
			op.pos.Set(i, 0, yn)
			op.pos.Set(i, 1, xn)
			op.pos.Set(i, 2, math.Sin(math.Pi*yn))
			op.pos.Set(i, 3, math.Cos(math.Pi*yn))
			op.pos.Set(i, 4, math.Sin(math.Pi*xn))
			op.pos.Set(i, 5, math.Cos(math.Pi*xn))

			// Torus distance from the origin, so the window respects the
			// circular convolution's wraparound.
			dy := math.Min(float64(y), float64(h-y))
			dx := math.Min(float64(x), float64(w-x))
			dist := math.Hypot(dy, dx) / maxDist
			for o := 0; o < op.cfg.Order; o++ {
				op.window[o*s+i] = math.Exp(-filterDecaySlope * float64(o+1) * dist)
			}
		}
	}
}

// SetTraining toggles dropout.
func (op *Operator2D) SetTraining(on bool) { op.training = on }

// S returns the canvas position count HeightMax*WidthMax.
func (op *Operator2D) S() int { return op.cfg.HeightMax * op.cfg.WidthMax }

// Forward runs the operator over n stacked samples. x is (n*S, DModel) with
// sample-major rows; the output has the same shape, so the spatial extent
// is preserved by construction.
func (op *Operator2D) Forward(x *mat.Dense, n int) (*mat.Dense, error) {
	s := op.S()
	rows, cols := x.Dims()
	if rows != n*s || cols != op.cfg.DModel {
		return nil, errors.NewShapeError("Operator2D.Forward", []int{n * s, op.cfg.DModel}, []int{rows, cols})
	}

	c := &opCache{n: n, x: x}
	c.u = op.inProj.Forward(x)

	// Generate the long filters once per forward pass and cache their
	// spectra for the convolutions.
	c.filters = make([]*filterCache, op.cfg.Order)
	c.specs = make([][]([]complex128), op.cfg.Order)
	for o := 0; o < op.cfg.Order; o++ {
		fc := op.generateFilter(o)
		c.filters[o] = fc
		c.specs[o] = make([][]complex128, op.cfg.DModel)
		plane := make([]float64, s)
		for ch := 0; ch < op.cfg.DModel; ch++ {
			for i := 0; i < s; i++ {
				plane[i] = fc.taps.At(i, ch)
			}
			c.specs[o][ch] = op.fft.spectrum(plane)
		}
	}

	// Gated recurrence: z starts as the value stream, then per order is
	// convolved with the long filter and gated by the matching projection.
	d := op.cfg.DModel
	z := sliceCols(c.u, 0, d)
	c.zIn = make([]*mat.Dense, op.cfg.Order)
	c.zConv = make([]*mat.Dense, op.cfg.Order)
	for o := 0; o < op.cfg.Order; o++ {
		c.zIn[o] = z
		conv := op.convolve(z, c.specs[o], n)
		c.zConv[o] = conv

		gate := sliceCols(c.u, (o+1)*d, d)
		next := mat.NewDense(n*s, d, nil)
		next.MulElem(gate, conv)
		z = next
	}

	if op.training && op.cfg.Dropout > 0 {
		c.dropout = dropoutMask(z.RawMatrix().Data, op.cfg.Dropout, op.rng)
	}
	c.zOut = z
	out := op.outProj.Forward(z)
	op.cache = c
	return out, nil
}

// generateFilter evaluates the implicit filter network of one order over
// the positional table and applies the decay window (and filter dropout
// when training).
func (op *Operator2D) generateFilter(o int) *filterCache {
	s := op.S()
	fc := &filterCache{}
	fc.hidden = op.filterIn[o].Forward(op.pos)
	fc.activated = nn.Sin(fc.hidden)
	fc.raw = op.filterOut[o].Forward(fc.activated)

	fc.taps = mat.NewDense(s, op.cfg.DModel, nil)
	win := op.window[o*s : (o+1)*s]
	for i := 0; i < s; i++ {
		raw := fc.raw.RawRowView(i)
		dst := fc.taps.RawRowView(i)
		for ch := range dst {
			dst[ch] = raw[ch] * win[i]
		}
	}
	if op.training && op.cfg.FilterDropout > 0 {
		fc.mask = dropoutMask(fc.taps.RawMatrix().Data, op.cfg.FilterDropout, op.rng)
	}
	return fc
}

// convolve applies the per-channel circular convolution to every sample.
func (op *Operator2D) convolve(z *mat.Dense, specs [][]complex128, n int) *mat.Dense {
	s := op.S()
	d := op.cfg.DModel
	out := mat.NewDense(n*s, d, nil)
	plane := make([]float64, s)
	conv := make([]float64, s)
	for i := 0; i < n; i++ {
		for ch := 0; ch < d; ch++ {
			gatherCol(plane, z, i*s, ch)
			op.fft.convolveSpectra(conv, op.fft.spectrum(plane), specs[ch])
			scatterCol(out, conv, i*s, ch)
		}
	}
	return out
}

// Backward propagates grad (n*S, DModel) through the operator, accumulating
// parameter gradients, and returns the gradient w.r.t. the operator input.
func (op *Operator2D) Backward(grad *mat.Dense) (*mat.Dense, error) {
	c := op.cache
	if c == nil {
		return nil, errors.New("Operator2D.Backward called before Forward")
	}
	s := op.S()
	d := op.cfg.DModel

	dz := op.outProj.Backward(c.zOut, grad)
	if c.dropout != nil {
		applyMask(dz.RawMatrix().Data, c.dropout)
	}

	// dU accumulates gradients for the value stream and every gate stream.
	dU := mat.NewDense(c.n*s, (op.cfg.Order+1)*d, nil)
	for o := op.cfg.Order - 1; o >= 0; o-- {
		gate := sliceCols(c.u, (o+1)*d, d)

		// z_{o+1} = gate_o .* conv_o, so the gate gradient is dz .* conv
		// and the convolution gradient is dz .* gate.
		dGate := mat.NewDense(c.n*s, d, nil)
		dGate.MulElem(dz, c.zConv[o])
		copyCols(dU, dGate, (o+1)*d)

		dConv := mat.NewDense(c.n*s, d, nil)
		dConv.MulElem(dz, gate)

		dz = op.convBackward(dConv, o, c)
	}
	copyCols(dU, dz, 0) // value stream gradient

	dx := op.inProj.Backward(c.x, dU)
	op.cache = nil
	return dx, nil
}

// convBackward routes the convolution gradient to the recurrence input and
// to the implicit filter network of order o, returning d(zIn).
func (op *Operator2D) convBackward(dConv *mat.Dense, o int, c *opCache) *mat.Dense {
	s := op.S()
	d := op.cfg.DModel

	dIn := mat.NewDense(c.n*s, d, nil)
	dTaps := mat.NewDense(s, d, nil)
	plane := make([]float64, s)
	scratch := make([]float64, s)
	for i := 0; i < c.n; i++ {
		for ch := 0; ch < d; ch++ {
			gatherCol(plane, dConv, i*s, ch)
			dSpec := op.fft.spectrum(plane)

			// d(input) = correlate(dConv, filter).
			op.fft.correlateSpectra(scratch, dSpec, c.specs[o][ch])
			scatterCol(dIn, scratch, i*s, ch)

			// d(filter) = correlate(dConv, input), summed over samples.
			gatherCol(plane, c.zIn[o], i*s, ch)
			op.fft.correlateSpectra(scratch, dSpec, op.fft.spectrum(plane))
			for p := 0; p < s; p++ {
				dTaps.Set(p, ch, dTaps.At(p, ch)+scratch[p])
			}
		}
	}

	// Back through filter dropout, the decay window and the filter network.
	fc := c.filters[o]
	if fc.mask != nil {
		applyMask(dTaps.RawMatrix().Data, fc.mask)
	}
	win := op.window[o*s : (o+1)*s]
	for i := 0; i < s; i++ {
		row := dTaps.RawRowView(i)
		for ch := range row {
			row[ch] *= win[i]
		}
	}
	dActivated := op.filterOut[o].Backward(fc.activated, dTaps)
	dHidden := nn.SinBackward(fc.hidden, dActivated)
	op.filterIn[o].Backward(op.pos, dHidden) // positional features are fixed

	return dIn
}

// Params returns all trainable parameters of the operator.
func (op *Operator2D) Params() []*nn.Parameter {
	params := append(op.inProj.Params(), op.outProj.Params()...)
	for o := 0; o < op.cfg.Order; o++ {
		params = append(params, op.filterIn[o].Params()...)
		params = append(params, op.filterOut[o].Params()...)
	}
	return params
}

// Column and masking helpers shared by forward and backward.

// sliceCols returns a copy of cols [start, start+width) of m.
func sliceCols(m *mat.Dense, start, width int) *mat.Dense {
	rows, _ := m.Dims()
	out := mat.NewDense(rows, width, nil)
	for i := 0; i < rows; i++ {
		copy(out.RawRowView(i), m.RawRowView(i)[start:start+width])
	}
	return out
}

// copyCols writes src into m starting at column start.
func copyCols(m, src *mat.Dense, start int) {
	rows, width := src.Dims()
	for i := 0; i < rows; i++ {
		copy(m.RawRowView(i)[start:start+width], src.RawRowView(i))
	}
}

// gatherCol extracts a sample's channel plane from sample-major rows.
func gatherCol(dst []float64, m *mat.Dense, rowOffset, col int) {
	for i := range dst {
		dst[i] = m.At(rowOffset+i, col)
	}
}

// scatterCol writes a sample's channel plane back.
func scatterCol(m *mat.Dense, src []float64, rowOffset, col int) {
	for i := range src {
		m.Set(rowOffset+i, col, src[i])
	}
}

// dropoutMask zeroes elements of data with probability rate and scales the
// survivors by 1/(1-rate), returning the applied mask.
func dropoutMask(data []float64, rate float64, rng *rand.Rand) []float64 {
	mask := make([]float64, len(data))
	keep := 1 / (1 - rate)
	for i := range data {
		if rng.Float64() < rate {
			data[i] = 0
		} else {
			mask[i] = keep
			data[i] *= keep
		}
	}
	return mask
}

// applyMask multiplies data elementwise by a previously generated mask.
func applyMask(data, mask []float64) {
	for i := range data {
		data[i] *= mask[i]
	}
}
